package document

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
)

// TextLayer reads the text embedded in a document, one string per page
type TextLayer interface {
	PageTexts(ctx context.Context, doc *Document) ([]string, error)
}

// Recognizer performs OCR on a single page
type Recognizer interface {
	Recognize(ctx context.Context, page PageImage) (string, error)
}

// Method records which tier produced the text
type Method string

const (
	MethodEmbedded Method = "embedded"
	MethodOCR      Method = "ocr"
)

// Extraction is the plain text of a document. Text is "" when nothing could
// be read.
type Extraction struct {
	Text     string
	Method   Method
	Pages    int
	Warnings []string
}

// TextExtractor reads embedded text and falls back to OCR when there is none
type TextExtractor struct {
	layer      TextLayer
	renderer   Renderer
	recognizer Recognizer
	scale      float64
	workers    int
}

// NewTextExtractor creates a TextExtractor. A zero scale renders at 300 DPI
// and zero workers uses one per CPU.
func NewTextExtractor(layer TextLayer, renderer Renderer, recognizer Recognizer, scale float64, workers int) *TextExtractor {
	if scale <= 0 {
		scale = DefaultScale
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &TextExtractor{
		layer:      layer,
		renderer:   renderer,
		recognizer: recognizer,
		scale:      scale,
		workers:    workers,
	}
}

// Extract returns the document's text. Embedded text wins when it has any
// non-whitespace content; otherwise every page is rendered and recognized.
// A *RenderError is returned only when the OCR path cannot rasterize the
// document. Pages that fail recognition contribute "".
func (e *TextExtractor) Extract(ctx context.Context, doc *Document) (Extraction, error) {
	var warnings []string

	texts, err := e.embedded(ctx, doc)
	if err != nil {
		slog.Warn("Embedded text extraction failed, falling back to OCR", "document", doc.Name, "error", err)
		warnings = append(warnings, fmt.Sprintf("embedded text: %v", err))
		texts = nil
	}
	if text := strings.Join(texts, "\n"); strings.TrimSpace(text) != "" {
		return Extraction{Text: text, Method: MethodEmbedded, Pages: len(texts), Warnings: warnings}, nil
	}

	slog.Info("No embedded text, running OCR", "document", doc.Name)
	pages, err := e.renderer.Render(ctx, doc, e.scale)
	if err != nil {
		return Extraction{Method: MethodOCR, Warnings: warnings}, err
	}

	results := make([]string, len(pages))
	failures := make([]string, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, page := range pages {
		g.Go(func() error {
			text, err := e.recognizer.Recognize(gctx, page)
			if err != nil {
				slog.Warn("OCR failed for page", "document", doc.Name, "page", page.Index+1, "error", err)
				failures[i] = fmt.Sprintf("ocr page %d: %v", page.Index+1, err)
				return nil
			}
			results[i] = text
			return nil
		})
	}
	_ = g.Wait()
	for _, f := range failures {
		if f != "" {
			warnings = append(warnings, f)
		}
	}
	if err := ctx.Err(); err != nil {
		return Extraction{Method: MethodOCR, Warnings: warnings}, err
	}

	return Extraction{
		Text:     strings.Join(results, "\n"),
		Method:   MethodOCR,
		Pages:    len(pages),
		Warnings: warnings,
	}, nil
}

// embedded runs the text layer. A panic in the layer counts as a failure.
func (e *TextExtractor) embedded(ctx context.Context, doc *Document) (texts []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			texts, err = nil, fmt.Errorf("text layer panicked: %v", r)
		}
	}()
	return e.layer.PageTexts(ctx, doc)
}
