package runs

import (
	"encoding/json"
	"time"

	"github.com/zombor/invoice-reconciler/internal/document"
	"github.com/zombor/invoice-reconciler/internal/pipeline"
)

// Run is a processed invoice and everything kept about it
type Run struct {
	ID            string           `json:"id"`
	Filename      string           `json:"filename"`
	ContentType   string           `json:"content_type"`
	DocumentPath  string           `json:"document_path"`
	ArtifactPath  string           `json:"artifact_path"`
	Identifier    string           `json:"identifier,omitempty"`
	TextMethod    document.Method  `json:"text_method"`
	Outcome       pipeline.Outcome `json:"outcome"`
	Notes         []pipeline.Note  `json:"notes,omitempty"`
	States        []pipeline.State `json:"states"`
	PendingOrders int              `json:"pending_orders"`
	Output        pipeline.Output  `json:"output"`
	CreatedAt     time.Time        `json:"created_at"`
}

// MarshalArtifact renders the output file written for every run
func MarshalArtifact(out pipeline.Output) ([]byte, error) {
	return json.MarshalIndent(out, "", "    ")
}
