package decoding

import (
	"fmt"

	"github.com/zombor/invoice-reconciler/internal/schema"
)

// resultMarker separates the instructions from the record being generated
const resultMarker = "\nResult: "

// buildPrefix renders the fixed part of every step's prompt. The record
// generated so far is appended to it.
func buildPrefix(instructions string, t *schema.Type) (string, error) {
	tags, err := t.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("rendering schema: %w", err)
	}
	return instructions +
		"\nOutput result in the following JSON schema format:\n" +
		string(tags) +
		resultMarker, nil
}
