package document

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// ErrUnsupported is returned for content that is neither a PDF nor an image
var ErrUnsupported = errors.New("unsupported document type")

// Document is an invoice source. Its bytes are not modified after loading.
type Document struct {
	Name        string
	ContentType string
	Data        []byte
	Pages       int // zero when the page tree could not be read
}

// Open loads a document from disk
func Open(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading document: %w", err)
	}
	return FromBytes(filepath.Base(path), data, "")
}

// FromBytes wraps uploaded or in-memory content. The content type is sniffed
// when it is empty or generic.
func FromBytes(name string, data []byte, contentType string) (*Document, error) {
	if len(data) == 0 {
		return nil, errors.New("document is empty")
	}

	ct := normalizeContentType(contentType)
	if ct == "" || ct == "application/octet-stream" {
		ct = normalizeContentType(mimetype.Detect(data).String())
	}

	doc := &Document{
		Name:        name,
		ContentType: ct,
		Data:        data,
	}

	switch {
	case doc.IsPDF():
		pages, err := api.PageCount(bytes.NewReader(data), nil)
		if err != nil {
			// The text layer and renderer report their own errors.
			slog.Warn("Could not read PDF page count", "document", name, "error", err)
		}
		doc.Pages = pages
	case doc.IsImage():
		doc.Pages = 1
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, ct)
	}

	return doc, nil
}

// IsPDF reports whether the document is a PDF
func (d *Document) IsPDF() bool {
	return d.ContentType == "application/pdf"
}

// IsImage reports whether the document is a single image
func (d *Document) IsImage() bool {
	return strings.HasPrefix(d.ContentType, "image/")
}

func normalizeContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if ct == "" {
		return ""
	}
	if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
		return mediaType
	}
	return ct
}
