package orchestrator

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/lgulliver/darkroom/internal/queue"
	"github.com/lgulliver/darkroom/pkg/utils"
)

// PayloadError means a queued capture could not be read from disk
type PayloadError struct {
	Path string
	Err  error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("failed to read capture %s: %v", e.Path, e.Err)
}

func (e *PayloadError) Unwrap() error {
	return e.Err
}

// Payload is a capture ready to be sent
type Payload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// LoadPayload reads a queued capture. The content type is sniffed when the
// queue does not record one.
func LoadPayload(item queue.Item) (*Payload, error) {
	data, err := os.ReadFile(item.Path)
	if err != nil {
		return nil, &PayloadError{Path: item.Path, Err: err}
	}

	contentType := item.MimeType
	if contentType == "" {
		contentType = DetectContentType(data)
	}

	return &Payload{
		Filename:    filepath.Base(item.Path),
		ContentType: contentType,
		Data:        data,
	}, nil
}

// DetectContentType sniffs data and returns its media type without parameters
func DetectContentType(data []byte) string {
	mediaType, _, _ := strings.Cut(mimetype.Detect(data).String(), ";")
	return strings.TrimSpace(mediaType)
}

// Spool holds private copies of captures so they can be purged after
// delivery without touching the originals. A zero Spool keeps captures
// in place and never deletes them.
type Spool struct {
	Dir string
}

// Stage copies src into the spool and returns the copy's path
func (s Spool) Stage(src, photoID string) (string, error) {
	if s.Dir == "" {
		return src, nil
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create spool directory: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", &PayloadError{Path: src, Err: err}
	}
	defer in.Close()

	dst := filepath.Join(s.Dir, utils.SanitizeKeySegment(photoID)+utils.FileExtension(src))
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create spool file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("failed to copy capture into spool: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("failed to close spool file: %w", err)
	}
	return dst, nil
}

// Owns reports whether path is a spooled copy
func (s Spool) Owns(path string) bool {
	if s.Dir == "" {
		return false
	}
	rel, err := filepath.Rel(s.Dir, path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// Purge removes a spooled copy. Paths outside the spool are left alone.
func (s Spool) Purge(path string) error {
	if !s.Owns(path) {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to purge %s: %w", path, err)
	}
	return nil
}
