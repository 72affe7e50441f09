package runs

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/invoice-reconciler/internal/document"
	"github.com/zombor/invoice-reconciler/internal/pipeline"
)

// Processor runs one document through the pipeline
type Processor interface {
	Run(ctx context.Context, doc *document.Document) (*pipeline.Result, error)
}

// IDGenerator generates unique IDs for runs
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type systemTime struct{}

func (systemTime) Now() time.Time {
	return time.Now().UTC()
}

// Service processes uploaded invoices and keeps their history
type Service struct {
	db          DB
	processor   Processor
	storage     Storage
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a Service with uuid run IDs and the system clock
func NewService(db DB, processor Processor, storage Storage) *Service {
	return NewServiceWithDeps(db, processor, storage, uuidGenerator{}, systemTime{})
}

// NewServiceWithDeps creates a Service with custom dependencies for testing
func NewServiceWithDeps(db DB, processor Processor, storage Storage, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		processor:   processor,
		storage:     storage,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

var (
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	spaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename keeps letters, digits, spaces, hyphens and underscores
// and caps the base name at 50 characters
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if unsafeChars.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = ""
	}
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	base = unsafeChars.ReplaceAllString(base, "")
	base = strings.TrimSpace(spaces.ReplaceAllString(base, " "))
	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "invoice"
	}
	return base + ext
}

// ProcessInvoice stores the document, runs it and records the run. The
// artifact is written for complete and degraded runs alike. A failed run
// leaves nothing behind and returns the pipeline's *pipeline.StageError.
func (s *Service) ProcessInvoice(ctx context.Context, filename string, data []byte, contentType string) (*Run, error) {
	id := s.idGenerator.Generate()
	now := s.timeSource.Now()
	cleanFilename := sanitizeFilename(filename)

	doc, err := document.FromBytes(cleanFilename, data, contentType)
	if err != nil {
		return nil, fmt.Errorf("reading document: %w", err)
	}

	docPath, err := s.storage.Save(fmt.Sprintf("%s_%s", id, cleanFilename), data)
	if err != nil {
		return nil, fmt.Errorf("saving document: %w", err)
	}

	res, err := s.processor.Run(ctx, doc)
	if err != nil {
		slog.Error("Failed to process invoice",
			"filename", filename,
			"content_type", doc.ContentType,
			"file_size", len(data),
			"error", err,
		)
		s.storage.Delete(docPath)
		return nil, fmt.Errorf("processing invoice: %w", err)
	}

	artifact, err := MarshalArtifact(res.Output)
	if err != nil {
		s.storage.Delete(docPath)
		return nil, fmt.Errorf("encoding output: %w", err)
	}
	artifactPath, err := s.storage.Save(id+"_invoice_output.json", artifact)
	if err != nil {
		s.storage.Delete(docPath)
		return nil, fmt.Errorf("saving output: %w", err)
	}

	run := &Run{
		ID:            id,
		Filename:      cleanFilename,
		ContentType:   doc.ContentType,
		DocumentPath:  docPath,
		ArtifactPath:  artifactPath,
		Identifier:    res.Identifier,
		TextMethod:    res.TextMethod,
		Outcome:       res.Outcome,
		Notes:         res.Notes,
		States:        res.States,
		PendingOrders: res.PendingOrders,
		Output:        res.Output,
		CreatedAt:     now,
	}

	if err := s.db.SaveRun(run); err != nil {
		s.storage.Delete(docPath)
		s.storage.Delete(artifactPath)
		return nil, fmt.Errorf("saving run to database: %w", err)
	}

	slog.Info("Processed invoice", "id", id, "filename", cleanFilename, "outcome", run.Outcome)
	return run, nil
}

// GetRun retrieves a run by ID
func (s *Service) GetRun(id string) (*Run, error) {
	run, err := s.db.GetRun(id)
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}
	return run, nil
}

// ListRuns returns all runs, newest first
func (s *Service) ListRuns() ([]*Run, error) {
	runs, err := s.db.ListRuns()
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// DeleteRun removes a run and its files
func (s *Service) DeleteRun(id string) error {
	run, err := s.db.GetRun(id)
	if err != nil {
		return fmt.Errorf("getting run for deletion: %w", err)
	}

	for _, name := range []string{run.DocumentPath, run.ArtifactPath} {
		if err := s.storage.Delete(name); err != nil {
			slog.Warn("Failed to delete file", "filename", name, "error", err)
		}
	}

	if err := s.db.DeleteRun(id); err != nil {
		return fmt.Errorf("deleting run from database: %w", err)
	}
	return nil
}

// GetRunFile returns the uploaded document of a run and its content type
func (s *Service) GetRunFile(id string) ([]byte, string, error) {
	run, err := s.db.GetRun(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting run: %w", err)
	}
	data, err := s.storage.Get(run.DocumentPath)
	if err != nil {
		return nil, "", fmt.Errorf("getting run file: %w", err)
	}
	return data, run.ContentType, nil
}

// GetRunArtifact returns the output file written for a run
func (s *Service) GetRunArtifact(id string) ([]byte, error) {
	run, err := s.db.GetRun(id)
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}
	data, err := s.storage.Get(run.ArtifactPath)
	if err != nil {
		return nil, fmt.Errorf("getting run output: %w", err)
	}
	return data, nil
}
