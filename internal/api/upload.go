package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/storage"
)

// UploadResponse is returned after a file has been stored.
type UploadResponse struct {
	Status       string `json:"status"`
	TempFilePath string `json:"temp_file_path"`
	Filename     string `json:"filename"`
	Size         int64  `json:"size"`
}

// UploadHandler stores audio files that tasks later decode.
type UploadHandler struct {
	store *storage.UploadStore
	log   zerolog.Logger
}

// NewUploadHandler creates a new upload handler.
func NewUploadHandler(store *storage.UploadStore, log zerolog.Logger) *UploadHandler {
	return &UploadHandler{
		store: store,
		log:   log.With().Str("handler", "upload").Logger(),
	}
}

// Routes registers the upload endpoint.
func (h *UploadHandler) Routes(r chi.Router) {
	r.Post("/uploads", h.Upload)
}

// Upload handles POST /api/v1/uploads (and the legacy /upload_file_temp).
// Expects a multipart form with the audio in field "file".
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid multipart form", err.Error())
		return
	}
	defer file.Close()
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	up, err := h.store.Save(r.Context(), header.Filename, file)
	switch {
	case errors.Is(err, storage.ErrUnsupportedFormat):
		WriteErrorDetail(w, http.StatusBadRequest, err.Error(), header.Filename)
		return
	case errors.Is(err, storage.ErrEmptyFile):
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, storage.ErrTooLarge):
		WriteError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	case err != nil:
		h.log.Error().Err(err).Str("filename", header.Filename).Msg("upload failed")
		WriteErrorDetail(w, http.StatusInternalServerError, "upload failed", err.Error())
		return
	}

	h.log.Info().
		Str("filename", up.Filename).
		Str("path", up.Path).
		Int64("size", up.Size).
		Msg("upload stored")

	WriteJSON(w, http.StatusOK, UploadResponse{
		Status:       "success",
		TempFilePath: up.Path,
		Filename:     up.Filename,
		Size:         up.Size,
	})
}
