package util

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DefaultFilePermissions is used for every stored attachment.
const DefaultFilePermissions = 0o644

// ImageExt returns a file extension (with the leading dot) for an image MIME
// type, falling back to ".img" when the type is unknown.
func ImageExt(mimeType string) string {
	mimeType = strings.TrimSpace(strings.Split(mimeType, ";")[0])
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".img"
}

// SaveImage writes data into dir under a fresh random name and returns the path.
func SaveImage(dir string, data []byte, ext string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("refusing to store empty image")
	}
	if ext == "" {
		ext = ".img"
	}
	path := filepath.Join(dir, uuid.NewString()+ext)
	if err := os.WriteFile(path, data, DefaultFilePermissions); err != nil {
		return "", fmt.Errorf("failed to write image %s: %w", path, err)
	}
	return path, nil
}

// SaveImageAs writes data to dir/name unless that file already exists.
// Callers use content-derived names, so an existing file holds the same bytes.
func SaveImageAs(dir, name string, data []byte) (string, error) {
	path := filepath.Join(dir, filepath.Base(name))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := os.WriteFile(path, data, DefaultFilePermissions); err != nil {
		return "", fmt.Errorf("failed to write image %s: %w", path, err)
	}
	return path, nil
}
