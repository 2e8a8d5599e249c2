package transcribe

import "errors"

var (
	ErrUnsupportedLanguage  = errors.New("unsupported language")
	ErrFileNotFound         = errors.New("audio file not found")
	ErrEmptyFile            = errors.New("audio file is empty")
	ErrFileTooLarge         = errors.New("audio file too large")
	ErrUnsupportedFormat    = errors.New("unsupported audio format")
	ErrModelLoad            = errors.New("speech model failed to load")
	ErrTranscriptionTimeout = errors.New("transcription timed out")
	ErrInference            = errors.New("transcription failed")
)
