package intake

import (
	"bytes"
	"encoding/base64"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestPolicy_Allows(t *testing.T) {
	tests := []struct {
		accept []string
		ct     string
		want   bool
	}{
		{PrescriptionAccept, "image/png", true},
		{PrescriptionAccept, "IMAGE/JPEG", true},
		{PrescriptionAccept, "application/pdf", true},
		{PrescriptionAccept, "application/pdf; charset=binary", true},
		{PrescriptionAccept, "text/plain", false},
		{PhotoAccept, "application/pdf", false},
		{PhotoAccept, "image/webp", true},
		{nil, "text/plain", true},
	}
	for _, tt := range tests {
		p := Policy{Accept: tt.accept}
		if got := p.Allows(tt.ct); got != tt.want {
			t.Errorf("Allows(%v, %q) = %v, want %v", tt.accept, tt.ct, got, tt.want)
		}
	}
}

func TestEncode(t *testing.T) {
	got, err := Encode(bytes.NewReader(pngHeader), "image/png", Policy{Accept: PhotoAccept})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngHeader)
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestEncode_SniffsGenericType(t *testing.T) {
	pdf := []byte("%PDF-1.7\n%binary")
	for _, ct := range []string{"", "application/octet-stream"} {
		got, err := Encode(bytes.NewReader(pdf), ct, Policy{Accept: PrescriptionAccept})
		if err != nil {
			t.Fatalf("encode with %q: %v", ct, err)
		}
		if !strings.HasPrefix(got, "data:application/pdf;base64,") {
			t.Errorf("expected sniffed pdf, got %q", got)
		}
	}
}

func TestEncode_Errors(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		ct       string
		policy   Policy
		wantErr  error
		wantCode int
	}{
		{"too large", bytes.Repeat([]byte("a"), 11), "image/png", Policy{MaxBytes: 10}, ErrFileTooLarge, http.StatusRequestEntityTooLarge},
		{"empty", nil, "image/png", Policy{}, ErrEmptyFile, http.StatusBadRequest},
		{"wrong type", []byte("hello"), "text/plain", Policy{Accept: PhotoAccept}, ErrInvalidContentType, http.StatusUnsupportedMediaType},
		{"sniffed wrong type", []byte("hello"), "", Policy{Accept: PrescriptionAccept}, ErrInvalidContentType, http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(bytes.NewReader(tt.data), tt.ct, tt.policy)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if code := StatusCode(err); code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, code)
			}
		})
	}
}

func TestEncode_ExactLimit(t *testing.T) {
	data := bytes.Repeat([]byte("a"), 10)
	if _, err := Encode(bytes.NewReader(data), "image/png", Policy{MaxBytes: 10}); err != nil {
		t.Errorf("expected a file at the limit to pass, got %v", err)
	}
}

func TestStatusCode_Unknown(t *testing.T) {
	if code := StatusCode(errors.New("disk")); code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", code)
	}
	if code := StatusCode(ErrMissingFile); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func formContext(t *testing.T, field, contentType string, content []byte) echo.Context {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if field != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="upload"`)
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		part.Write(content)
	}
	w.Close()

	e := echo.New()
	req := httptest.NewRequest(http.MethodPut, "/", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromForm(t *testing.T) {
	c := formContext(t, "file", "image/png", pngHeader)
	got, err := FromForm(c, "file", Policy{Accept: PhotoAccept})
	if err != nil {
		t.Fatalf("from form: %v", err)
	}
	if !strings.HasPrefix(got, "data:image/png;base64,") {
		t.Errorf("unexpected data URL %q", got)
	}
}

func TestFromForm_MissingField(t *testing.T) {
	c := formContext(t, "", "", nil)
	if _, err := FromForm(c, "file", Policy{}); !errors.Is(err, ErrMissingFile) {
		t.Errorf("expected ErrMissingFile, got %v", err)
	}

	c = formContext(t, "photo", "image/png", pngHeader)
	if _, err := FromForm(c, "file", Policy{}); !errors.Is(err, ErrMissingFile) {
		t.Errorf("expected ErrMissingFile for another field, got %v", err)
	}
}
