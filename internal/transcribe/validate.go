package transcribe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMaxFileSize is the largest accepted audio file (25 MiB).
const DefaultMaxFileSize int64 = 25 << 20

var supportedFormats = map[string]bool{
	"webm": true,
	"wav":  true,
	"mp3":  true,
	"m4a":  true,
	"ogg":  true,
	"flac": true,
	"mp4":  true,
}

// ValidateFile checks that path is a regular, non-empty file of an accepted
// format no larger than maxSize bytes.
func ValidateFile(path string, maxSize int64) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrFileNotFound, path)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}
	if maxSize > 0 && info.Size() > maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFileTooLarge, info.Size(), maxSize)
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if !supportedFormats[ext] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	return info, nil
}
