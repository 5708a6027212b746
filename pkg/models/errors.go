package models

import "errors"

var (
	ErrConsentRequired   = errors.New("recording consent is required")
	ErrPermissionDenied  = errors.New("microphone access denied")
	ErrDeviceUnavailable = errors.New("no microphone available")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrFileTooLarge      = errors.New("file too large")
	ErrRequestFailed     = errors.New("request failed")
)

// UserMessage turns an error into the inline message shown to the clinician.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConsentRequired):
		return "Recording consent is required before starting."
	case errors.Is(err, ErrPermissionDenied):
		return "Microphone access denied. Please allow microphone access."
	case errors.Is(err, ErrDeviceUnavailable):
		return "No microphone found. Please connect a microphone."
	case errors.Is(err, ErrUnsupportedFormat):
		return "Please upload an audio file (MP3, WAV, WebM, MP4, OGG, AAC)."
	case errors.Is(err, ErrFileTooLarge):
		return "File too large. Maximum size is 25MB."
	case errors.Is(err, ErrRequestFailed):
		return "Failed to process audio. Please try again."
	default:
		return "Something went wrong. Please try again."
	}
}
