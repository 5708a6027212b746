// Package ingestion turns a live recording or a user-selected file into one
// validated payload and holds it until consent allows processing.
package ingestion

import (
	"fmt"
	"io"
	"mime"
	"strings"

	"consultation-capture/pkg/models"

	"github.com/gabriel-vasile/mimetype"
)

// Payloads must stay strictly below these ceilings: a file of exactly
// 25 MiB is already too large.
const (
	MaxPayloadBytes = 25 * 1024 * 1024
	MaxImageBytes   = 10 * 1024 * 1024
)

var acceptedAudio = map[string]bool{
	"audio/webm":  true,
	"audio/wav":   true,
	"audio/mp3":   true,
	"audio/mpeg":  true,
	"audio/mp4":   true,
	"audio/ogg":   true,
	"audio/x-m4a": true,
	"audio/aac":   true,
}

var acceptedImages = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// Source is either RecordedAudio or UploadedFile.
type Source interface {
	source()
}

// RecordedAudio is the finalized buffer of a capture session.
type RecordedAudio struct {
	Payload *models.AudioPayload
}

// UploadedFile is a file picked or dropped by the user. Size is the size
// the client declared, or -1 when unknown.
type UploadedFile struct {
	Name     string
	MimeType string
	Size     int64
	Reader   io.Reader
}

func (RecordedAudio) source() {}
func (UploadedFile) source()  {}

// Normalize validates a source and returns the payload the pipeline takes.
// Type is checked before size, and a declared size over the ceiling is
// rejected without reading the body.
func Normalize(src Source) (*models.AudioPayload, error) {
	switch s := src.(type) {
	case RecordedAudio:
		if s.Payload == nil {
			return nil, fmt.Errorf("%w: empty recording", models.ErrUnsupportedFormat)
		}
		p := *s.Payload
		p.Source = models.SourceRecording
		if err := Validate(&p); err != nil {
			return nil, err
		}
		return &p, nil

	case UploadedFile:
		data, mimeType, err := readFile(s, acceptedAudio, MaxPayloadBytes, "audio/")
		if err != nil {
			return nil, err
		}
		return &models.AudioPayload{
			Data:      data,
			MimeType:  mimeType,
			FileName:  s.Name,
			SizeBytes: int64(len(data)),
			Source:    models.SourceUpload,
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown source %T", models.ErrUnsupportedFormat, src)
	}
}

// Validate checks an already materialized payload against the allowlist and
// the ceiling.
func Validate(p *models.AudioPayload) error {
	base, ok := baseType(p.MimeType)
	if !ok || !acceptedAudio[base] {
		return fmt.Errorf("%w: %q", models.ErrUnsupportedFormat, p.MimeType)
	}
	p.SizeBytes = int64(len(p.Data))
	if p.SizeBytes >= MaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes", models.ErrFileTooLarge, p.SizeBytes)
	}
	if p.SizeBytes == 0 {
		return fmt.Errorf("%w: empty audio", models.ErrUnsupportedFormat)
	}
	return nil
}

// NormalizeImage validates an uploaded prescription image.
func NormalizeImage(f UploadedFile) (*models.ImagePayload, error) {
	data, mimeType, err := readFile(f, acceptedImages, MaxImageBytes, "image/")
	if err != nil {
		return nil, err
	}
	return &models.ImagePayload{
		Data:      data,
		MimeType:  mimeType,
		FileName:  f.Name,
		SizeBytes: int64(len(data)),
	}, nil
}

// ValidateImage is Validate for image payloads.
func ValidateImage(p *models.ImagePayload) error {
	base, ok := baseType(p.MimeType)
	if !ok || !acceptedImages[base] {
		return fmt.Errorf("%w: %q", models.ErrUnsupportedFormat, p.MimeType)
	}
	p.SizeBytes = int64(len(p.Data))
	if p.SizeBytes >= MaxImageBytes {
		return fmt.Errorf("%w: %d bytes", models.ErrFileTooLarge, p.SizeBytes)
	}
	if p.SizeBytes == 0 {
		return fmt.Errorf("%w: empty image", models.ErrUnsupportedFormat)
	}
	return nil
}

func readFile(f UploadedFile, allowed map[string]bool, limit int64, family string) ([]byte, string, error) {
	declared, ok := baseType(f.MimeType)
	sniff := !ok || declared == "application/octet-stream"
	if !sniff && !allowed[declared] {
		return nil, "", fmt.Errorf("%w: %q", models.ErrUnsupportedFormat, f.MimeType)
	}
	if f.Size >= limit {
		return nil, "", fmt.Errorf("%w: %d bytes", models.ErrFileTooLarge, f.Size)
	}
	if f.Reader == nil {
		return nil, "", fmt.Errorf("%w: no file data", models.ErrUnsupportedFormat)
	}

	data, err := io.ReadAll(io.LimitReader(f.Reader, limit))
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", f.Name, err)
	}
	if int64(len(data)) >= limit {
		return nil, "", fmt.Errorf("%w: at least %d bytes", models.ErrFileTooLarge, limit)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty file", models.ErrUnsupportedFormat)
	}

	mimeType := declared
	if sniff {
		mimeType = detect(data, allowed, family)
		if mimeType == "" {
			return nil, "", fmt.Errorf("%w: unrecognized content", models.ErrUnsupportedFormat)
		}
	}
	return data, mimeType, nil
}

// detect sniffs the content and walks up the detected type's parents until
// one of them is allowed.
func detect(data []byte, allowed map[string]bool, family string) string {
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		base, _ := baseType(m.String())
		if allowed[base] {
			return base
		}
		for t := range allowed {
			if m.Is(t) {
				return t
			}
		}
		if !strings.HasPrefix(base, family) {
			continue
		}
		if alt := familyAlias(base); allowed[alt] {
			return alt
		}
	}
	return ""
}

// familyAlias maps the types mimetype reports to the names browsers send.
func familyAlias(t string) string {
	switch t {
	case "audio/x-wav", "audio/wave":
		return "audio/wav"
	case "audio/x-mpeg":
		return "audio/mpeg"
	case "audio/x-aac":
		return "audio/aac"
	case "audio/x-ogg":
		return "audio/ogg"
	case "audio/m4a":
		return "audio/x-m4a"
	}
	return ""
}

func baseType(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	t, _, err := mime.ParseMediaType(value)
	if err != nil {
		return "", false
	}
	return strings.ToLower(t), true
}
