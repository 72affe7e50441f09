package document

import (
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"
)

// Tesseract recognizes page text with the Tesseract OCR engine.
// Tesseract and its language data must be installed on the system, e.g.
//
//	apt-get install tesseract-ocr tesseract-ocr-eng
type Tesseract struct {
	Language       string // e.g. "eng"
	TessdataPrefix string // optional tessdata directory
	Enhance        bool   // grayscale, contrast and sharpen before recognition
}

// Recognize implements Recognizer. Each call uses its own engine instance, so
// pages can be recognized concurrently.
func (t *Tesseract) Recognize(ctx context.Context, page PageImage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if t.Enhance {
		page.Image = enhanceForOCR(page.Image)
	}
	data, err := page.PNG()
	if err != nil {
		return "", err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if t.TessdataPrefix != "" {
		if err := client.SetTessdataPrefix(t.TessdataPrefix); err != nil {
			return "", fmt.Errorf("setting tessdata prefix: %w", err)
		}
	}
	lang := t.Language
	if lang == "" {
		lang = "eng"
	}
	if err := client.SetLanguage(lang); err != nil {
		return "", fmt.Errorf("setting language: %w", err)
	}
	if err := client.SetImageFromBytes(data); err != nil {
		return "", fmt.Errorf("setting image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("recognizing page %d: %w", page.Index+1, err)
	}
	return text, nil
}

// enhanceForOCR improves faint or low contrast scans
func enhanceForOCR(src image.Image) image.Image {
	img := imaging.Grayscale(src)
	img = imaging.AdjustContrast(img, 20)
	return imaging.Sharpen(img, 1.0)
}
