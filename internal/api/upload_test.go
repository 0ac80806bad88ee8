package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildMultipartForm(t *testing.T, fileField string, fileData []byte, fileName string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if fileData != nil && fileField != "" {
		part, err := writer.CreateFormFile(fileField, fileName)
		require.NoError(t, err)
		part.Write(fileData)
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func postUpload(t *testing.T, a *testAPI, path string, body *bytes.Buffer, contentType string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(a.srv.URL+path, contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestUpload(t *testing.T) {
	a := newTestAPI(t, nil)

	t.Run("stores_file", func(t *testing.T) {
		body, ct := buildMultipartForm(t, "file", []byte("RIFF....WAVE"), "meeting notes.wav")
		resp, out := postUpload(t, a, "/api/v1/uploads", body, ct)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "success", out["status"])
		assert.Equal(t, "meeting notes.wav", out["filename"])
		assert.EqualValues(t, 12, out["size"])

		path, _ := out["temp_file_path"].(string)
		require.NotEmpty(t, path)
		assert.Equal(t, a.uploads, filepath.Dir(path))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "RIFF....WAVE", string(data))
	})

	t.Run("legacy_path", func(t *testing.T) {
		body, ct := buildMultipartForm(t, "file", []byte("ID3"), "song.mp3")
		resp, out := postUpload(t, a, "/upload_file_temp", body, ct)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "song.mp3", out["filename"])
	})

	t.Run("rejects_format", func(t *testing.T) {
		body, ct := buildMultipartForm(t, "file", []byte("MZ"), "tool.exe")
		resp, _ := postUpload(t, a, "/api/v1/uploads", body, ct)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("rejects_empty", func(t *testing.T) {
		body, ct := buildMultipartForm(t, "file", []byte{}, "empty.wav")
		resp, _ := postUpload(t, a, "/api/v1/uploads", body, ct)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("rejects_oversize", func(t *testing.T) {
		body, ct := buildMultipartForm(t, "file", bytes.Repeat([]byte{1}, 2048), "big.wav")
		resp, _ := postUpload(t, a, "/api/v1/uploads", body, ct)
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	})

	t.Run("missing_file_field", func(t *testing.T) {
		body, ct := buildMultipartForm(t, "", nil, "")
		resp, _ := postUpload(t, a, "/api/v1/uploads", body, ct)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
