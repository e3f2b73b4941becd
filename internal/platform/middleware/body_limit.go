package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// ErrBodyTooLarge is returned by request body reads past the limit.
var ErrBodyTooLarge = echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")

// BodyLimitConfig sets the request body caps in bytes. Upload applies to
// multipart requests, JSON to everything else. Zero disables a cap.
type BodyLimitConfig struct {
	JSON   int64
	Upload int64
}

// UploadBodyLimits derives both caps from the largest accepted file. A JSON
// body may carry a file inline as a base64 data URL, which is a third larger
// than the file, so it gets twice the room.
func UploadBodyLimits(maxFileBytes int64) BodyLimitConfig {
	const slack = 64 << 10
	return BodyLimitConfig{
		JSON:   2*maxFileBytes + slack,
		Upload: maxFileBytes + slack,
	}
}

// BodyLimit rejects requests whose body exceeds the configured cap. A
// declared Content-Length over the cap is refused before the handler runs;
// otherwise reads fail with ErrBodyTooLarge once the cap is passed.
func BodyLimit(cfg BodyLimitConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := cfg.JSON
			if strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
				limit = cfg.Upload
			}
			if limit <= 0 {
				return next(c)
			}

			if req.ContentLength > limit {
				return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
					fmt.Sprintf("request body exceeds %d bytes", limit))
			}
			req.Body = &cappedBody{ReadCloser: req.Body, remaining: limit}
			return next(c)
		}
	}
}

type cappedBody struct {
	io.ReadCloser
	remaining int64
}

func (b *cappedBody) Read(p []byte) (int, error) {
	if b.remaining < 0 {
		return 0, ErrBodyTooLarge
	}
	// Read one byte past the cap so overflow is noticed.
	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}
	n, err := b.ReadCloser.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		return 0, ErrBodyTooLarge
	}
	return n, err
}
