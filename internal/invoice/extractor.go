package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/zombor/invoice-reconciler/internal/decoding"
	"github.com/zombor/invoice-reconciler/internal/llm"
)

// DefaultMaxInputChars keeps the prompt inside a 2048 token context
const DefaultMaxInputChars = 6000

const instructions = `You are reading the text of an invoice. Fill in the invoice number, the invoice date as printed, the supplier name and every product or service line with its description, HSN/SAC code, quantity, unit, rate and total price. Use an empty value for anything the text does not contain.

Invoice text:
`

// ErrNoText means there was no invoice text to read a record from
var ErrNoText = errors.New("no invoice text")

// Extraction is an invoice record and the fields that fell back to defaults
type Extraction struct {
	Record Record
	Faults []*decoding.ExtractionError
	Tokens int
}

// Degraded reports whether any field used its default
func (e *Extraction) Degraded() bool {
	return len(e.Faults) > 0
}

// Extractor turns invoice text into a Record with constrained decoding
type Extractor struct {
	decoder  *decoding.Decoder
	maxInput int
}

// NewExtractor creates an Extractor. maxInput caps the characters of invoice
// text placed in the prompt; zero uses DefaultMaxInputChars.
func NewExtractor(decoder *decoding.Decoder, maxInput int) *Extractor {
	if maxInput <= 0 {
		maxInput = DefaultMaxInputChars
	}
	return &Extractor{decoder: decoder, maxInput: maxInput}
}

// Extract generates the invoice record for text. Blank text yields the
// all-default record without consulting the model.
func (e *Extractor) Extract(ctx context.Context, h *llm.Handle, text string) (*Extraction, error) {
	if strings.TrimSpace(text) == "" {
		if err := h.Err(); err != nil {
			return nil, err
		}
		return emptyExtraction()
	}

	if utf8.RuneCountInString(text) > e.maxInput {
		slog.Warn("Invoice text truncated for the prompt", "chars", utf8.RuneCountInString(text), "limit", e.maxInput)
		text = truncate(text, e.maxInput)
	}

	res, err := e.decoder.Decode(ctx, h, instructions+text, Schema)
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(res.JSON, &rec); err != nil {
		return nil, fmt.Errorf("decoding invoice record: %w", err)
	}

	return &Extraction{Record: rec, Faults: res.Faults, Tokens: res.Tokens}, nil
}

func emptyExtraction() (*Extraction, error) {
	var rec Record
	if err := json.Unmarshal(decoding.Default(Schema), &rec); err != nil {
		return nil, fmt.Errorf("decoding default invoice record: %w", err)
	}
	return &Extraction{
		Record: rec,
		Faults: []*decoding.ExtractionError{{Field: "$", Err: ErrNoText}},
	}, nil
}

func truncate(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
