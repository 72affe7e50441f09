package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// DefaultScale renders pages at 300 DPI
const DefaultScale = 300.0 / 72.0

// PageImage is one rendered page. The caller owns it and drops it once the
// page has been recognized.
type PageImage struct {
	Index int
	Scale float64
	Image image.Image
}

// PNG encodes the page
func (p PageImage) PNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, p.Image); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// Renderer rasterizes every page of a document in page order.
// scale is the DPI relative to 72.
type Renderer interface {
	Render(ctx context.Context, doc *Document, scale float64) ([]PageImage, error)
}

// RenderError means the document could not be rasterized
type RenderError struct {
	Document string
	Err      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("rendering %s: %v", e.Document, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// ErrTooManyPages means a PDF is longer than the configured page limit
var ErrTooManyPages = errors.New("too many pages")

// Fitz reads and renders documents with MuPDF
type Fitz struct {
	MaxPages int // zero means no limit
}

// PageTexts returns the embedded text of every page. Images have no text layer.
func (f *Fitz) PageTexts(ctx context.Context, doc *Document) ([]string, error) {
	if !doc.IsPDF() {
		return nil, nil
	}
	if err := f.checkPages(doc.Pages); err != nil {
		return nil, err
	}

	fd, err := fitz.NewFromMemory(doc.Data)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer fd.Close()

	n := fd.NumPage()
	if err := f.checkPages(n); err != nil {
		return nil, err
	}
	texts := make([]string, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := fd.Text(i)
		if err != nil {
			return nil, fmt.Errorf("reading text of page %d: %w", i+1, err)
		}
		texts[i] = text
	}
	return texts, nil
}

// Render rasterizes every page at scale
func (f *Fitz) Render(ctx context.Context, doc *Document, scale float64) ([]PageImage, error) {
	if scale <= 0 {
		scale = DefaultScale
	}

	if !doc.IsPDF() {
		img, err := decodeImage(doc.Data, doc.ContentType)
		if err != nil {
			return nil, &RenderError{Document: doc.Name, Err: err}
		}
		return []PageImage{{Index: 0, Scale: scale, Image: img}}, nil
	}
	// The page tree count from loading is checked before MuPDF parses anything.
	if err := f.checkPages(doc.Pages); err != nil {
		return nil, &RenderError{Document: doc.Name, Err: err}
	}

	fd, err := fitz.NewFromMemory(doc.Data)
	if err != nil {
		return nil, &RenderError{Document: doc.Name, Err: fmt.Errorf("opening PDF: %w", err)}
	}
	defer fd.Close()

	n := fd.NumPage()
	if n == 0 {
		return nil, &RenderError{Document: doc.Name, Err: fmt.Errorf("document has no pages")}
	}
	if err := f.checkPages(n); err != nil {
		return nil, &RenderError{Document: doc.Name, Err: err}
	}

	pages := make([]PageImage, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := fd.ImageDPI(i, 72*scale)
		if err != nil {
			return nil, &RenderError{Document: doc.Name, Err: fmt.Errorf("rendering page %d: %w", i+1, err)}
		}
		pages = append(pages, PageImage{Index: i, Scale: scale, Image: img})
	}
	return pages, nil
}

func (f *Fitz) checkPages(n int) error {
	if f.MaxPages > 0 && n > f.MaxPages {
		return fmt.Errorf("%w: document has %d pages, limit is %d", ErrTooManyPages, n, f.MaxPages)
	}
	return nil
}

// decodeImage decodes a photographed or scanned invoice
func decodeImage(data []byte, mimeType string) (image.Image, error) {
	// Go's standard image package doesn't support HEIC (common on iPhones)
	if isHEICFormat(data) || isHEICMimeType(mimeType) {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") {
			return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF. Error: %w", err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// isHEICFormat checks for an ftyp box with a HEIC brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}
