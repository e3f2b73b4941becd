// Package intake converts uploaded files into embedded data URLs, the form
// in which prescriptions and medicine photos are stored.
package intake

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var (
	ErrMissingFile        = errors.New("file is required")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not accepted")
	ErrEmptyFile          = errors.New("file is empty")
)

// DefaultMaxBytes caps an upload at 10 MB.
const DefaultMaxBytes int64 = 10 * 1024 * 1024

// Accept lists for the two upload kinds, in file-picker notation.
var (
	PrescriptionAccept = []string{"image/*", "application/pdf"}
	PhotoAccept        = []string{"image/*"}
)

// Policy bounds what an upload may be.
type Policy struct {
	Accept   []string
	MaxBytes int64
}

// Allows reports whether contentType matches one of the accept patterns. An
// empty accept list allows everything.
func (p Policy) Allows(contentType string) bool {
	if len(p.Accept) == 0 {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}
	mediaType = strings.ToLower(mediaType)
	for _, pattern := range p.Accept {
		pattern = strings.ToLower(pattern)
		if strings.HasSuffix(pattern, "/*") {
			if strings.HasPrefix(mediaType, strings.TrimSuffix(pattern, "*")) {
				return true
			}
			continue
		}
		if mediaType == pattern {
			return true
		}
	}
	return false
}

// Encode reads r and returns a data URL. A blank or generic content type is
// replaced by one sniffed from the content.
func Encode(r io.Reader, contentType string, p Policy) (string, error) {
	limit := p.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", fmt.Errorf("reading upload: %w", err)
	}
	if int64(len(data)) > limit {
		return "", ErrFileTooLarge
	}
	if len(data) == 0 {
		return "", ErrEmptyFile
	}

	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}
	if !p.Allows(contentType) {
		return "", fmt.Errorf("%w: %s", ErrInvalidContentType, contentType)
	}

	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// FromForm encodes the multipart file under field.
func FromForm(c echo.Context, field string, p Policy) (string, error) {
	file, err := c.FormFile(field)
	if err != nil {
		return "", ErrMissingFile
	}
	src, err := file.Open()
	if err != nil {
		return "", fmt.Errorf("opening upload: %w", err)
	}
	defer src.Close()

	return Encode(src, file.Header.Get("Content-Type"), p)
}

// StatusCode maps intake errors onto HTTP statuses.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrInvalidContentType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrMissingFile), errors.Is(err, ErrEmptyFile):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
