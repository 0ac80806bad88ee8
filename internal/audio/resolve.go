package audio

import (
	"os"
	"path/filepath"
)

// ResolveSource finds the audio file a task refers to.
// Priority: 1) absolute path as given  2) path relative to uploadDir  3) basename under uploadDir
func ResolveSource(uploadDir, sourcePath string) string {
	if sourcePath == "" {
		return ""
	}

	if filepath.IsAbs(sourcePath) {
		if _, err := os.Stat(sourcePath); err == nil {
			return sourcePath
		}
	} else if _, err := os.Stat(sourcePath); err == nil {
		// Relative to the working directory (the upload endpoint hands these out).
		return sourcePath
	}

	if uploadDir == "" {
		return ""
	}

	full := filepath.Join(uploadDir, sourcePath)
	if _, err := os.Stat(full); err == nil {
		return full
	}

	// Clients sometimes echo back only the file name.
	full = filepath.Join(uploadDir, filepath.Base(sourcePath))
	if _, err := os.Stat(full); err == nil {
		return full
	}

	return ""
}
