package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zombor/invoice-reconciler/internal/decoding"
	"github.com/zombor/invoice-reconciler/internal/document"
	"github.com/zombor/invoice-reconciler/internal/invoice"
	"github.com/zombor/invoice-reconciler/internal/llm"
)

// State is a step of a run
type State int

const (
	Idle State = iota
	TextExtracting
	SchemaExtracting
	IdentifierExtracting
	OrderFetching
	Matching
	Done
	Failed
)

var stateNames = map[State]string{
	Idle:                 "idle",
	TextExtracting:       "text_extracting",
	SchemaExtracting:     "schema_extracting",
	IdentifierExtracting: "identifier_extracting",
	OrderFetching:        "order_fetching",
	Matching:             "matching",
	Done:                 "done",
	Failed:               "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText writes the state name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText reads a state name
func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// StageError is a run failure and the step it happened in
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ErrEmptyText means neither the text layer nor OCR produced any text
var ErrEmptyText = errors.New("no text could be extracted from the document")

// Outcome tells a complete run from one where something fell back to a default
type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	OutcomeDegraded Outcome = "degraded"
)

// Note is a message attached to a run
type Note struct {
	Stage    State  `json:"stage"`
	Message  string `json:"message"`
	Degraded bool   `json:"degraded"`
}

// Output is the artifact written for every run
type Output struct {
	InvoiceData invoice.Record  `json:"invoice_data"`
	POMatch     []invoice.Match `json:"po_match"`
}

// MarshalJSON always writes po_match as a list
func (o Output) MarshalJSON() ([]byte, error) {
	type output Output
	if o.POMatch == nil {
		o.POMatch = []invoice.Match{}
	}
	return json.Marshal(output(o))
}

// Result describes a finished run
type Result struct {
	Output        Output
	Outcome       Outcome
	Notes         []Note
	States        []State
	Identifier    string
	TextMethod    document.Method
	PendingOrders int
	Faults        []*decoding.ExtractionError
}

// Config tunes the orchestrator
type Config struct {
	// OrderTimeout bounds the whole pending order fetch, retries included
	OrderTimeout time.Duration
	// Parallel runs record extraction and the order lookup concurrently
	Parallel bool
}

// DefaultConfig returns the orchestrator defaults
func DefaultConfig() Config {
	return Config{OrderTimeout: 90 * time.Second}
}

// TextSource produces the plain text of a document
type TextSource interface {
	Extract(ctx context.Context, doc *document.Document) (document.Extraction, error)
}

// RecordExtractor turns invoice text into a record using the model
type RecordExtractor interface {
	Extract(ctx context.Context, h *llm.Handle, text string) (*invoice.Extraction, error)
}

// OrderFetcher looks up pending orders for a GSTIN
type OrderFetcher interface {
	Fetch(ctx context.Context, identifier string) ([]invoice.PendingOrder, error)
}

// Orchestrator runs documents through text extraction, record extraction,
// order lookup and matching.
type Orchestrator struct {
	text    TextSource
	records RecordExtractor
	orders  OrderFetcher
	model   *llm.Handle
	cfg     Config
}

// New creates an Orchestrator. It fails with a *llm.ModelLoadError when the
// model handle is not usable. A nil orders skips the lookup.
func New(text TextSource, records RecordExtractor, orders OrderFetcher, model *llm.Handle, cfg Config) (*Orchestrator, error) {
	if err := model.Err(); err != nil {
		return nil, err
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = DefaultConfig().OrderTimeout
	}
	return &Orchestrator{
		text:    text,
		records: records,
		orders:  orders,
		model:   model,
		cfg:     cfg,
	}, nil
}

// run holds the bookkeeping of one Run. Both branches may write to it.
type run struct {
	mu  sync.Mutex
	res *Result
}

func (r *run) enter(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.States = append(r.res.States, s)
}

func (r *run) note(s State, degraded bool, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.Notes = append(r.res.Notes, Note{Stage: s, Message: fmt.Sprintf(format, args...), Degraded: degraded})
}

func (r *run) fail(s State, err error) (*Result, error) {
	slog.Error("Run failed", "stage", s, "error", err)
	r.enter(Failed)
	return r.res, &StageError{Stage: s, Err: err}
}

// Run processes one document. Only a missing model, a cancelled context or a
// document that cannot be rendered for OCR fail the run, as a *StageError
// returned with the partial Result. Everything else degrades the result.
func (o *Orchestrator) Run(ctx context.Context, doc *document.Document) (*Result, error) {
	start := time.Now()
	r := &run{res: &Result{}}
	r.enter(Idle)

	if err := o.model.Err(); err != nil {
		return r.fail(Idle, err)
	}

	r.enter(TextExtracting)
	ext, err := o.text.Extract(ctx, doc)
	if err != nil {
		return r.fail(TextExtracting, err)
	}
	r.res.TextMethod = ext.Method
	for _, w := range ext.Warnings {
		r.note(TextExtracting, false, "%s", w)
	}
	if strings.TrimSpace(ext.Text) == "" {
		slog.Warn("No text extracted, continuing with an empty record", "document", doc.Name)
		r.note(TextExtracting, true, "%v", ErrEmptyText)
	}

	var (
		rec    *invoice.Extraction
		orders []invoice.PendingOrder
	)
	if o.cfg.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			rec, err = o.extractRecord(gctx, r, ext.Text)
			return err
		})
		g.Go(func() error {
			orders = o.pendingOrders(gctx, r, ext.Text)
			return nil
		})
		if err := g.Wait(); err != nil {
			return r.fail(SchemaExtracting, err)
		}
	} else {
		rec, err = o.extractRecord(ctx, r, ext.Text)
		if err != nil {
			return r.fail(SchemaExtracting, err)
		}
		orders = o.pendingOrders(ctx, r, ext.Text)
	}

	r.enter(Matching)
	matches := invoice.MatchOrders(rec.Record.ProductsServices, orders)

	res := r.res
	res.Output = Output{InvoiceData: rec.Record, POMatch: matches}
	res.PendingOrders = len(orders)
	res.Faults = rec.Faults
	res.Outcome = OutcomeComplete
	for _, n := range res.Notes {
		if n.Degraded {
			res.Outcome = OutcomeDegraded
		}
	}
	r.enter(Done)

	slog.Info("Run finished",
		"document", doc.Name,
		"outcome", res.Outcome,
		"text_method", res.TextMethod,
		"items", len(rec.Record.ProductsServices),
		"pending_orders", res.PendingOrders,
		"matches", len(matches),
		"duration", time.Since(start),
	)
	return res, nil
}

func (o *Orchestrator) extractRecord(ctx context.Context, r *run, text string) (*invoice.Extraction, error) {
	r.enter(SchemaExtracting)
	rec, err := o.records.Extract(ctx, o.model, text)
	if err != nil {
		return nil, err
	}
	if rec.Degraded() {
		fields := make([]string, 0, len(rec.Faults))
		for _, f := range rec.Faults {
			fields = append(fields, f.Field)
		}
		slog.Warn("Record fields used defaults", "fields", fields)
		r.note(SchemaExtracting, true, "fields used defaults: %s", strings.Join(fields, ", "))
	}
	return rec, nil
}

// pendingOrders never fails. Anything that prevents a lookup yields no orders.
func (o *Orchestrator) pendingOrders(ctx context.Context, r *run, text string) []invoice.PendingOrder {
	r.enter(IdentifierExtracting)
	id, ok := invoice.ExtractIdentifier(text)
	if !ok {
		slog.Info("No GSTIN found, skipping pending order lookup")
		r.note(IdentifierExtracting, false, "no GSTIN found in the document")
		return nil
	}
	r.mu.Lock()
	r.res.Identifier = id
	r.mu.Unlock()

	if o.orders == nil {
		r.note(OrderFetching, false, "no pending order service configured")
		return nil
	}

	r.enter(OrderFetching)
	orders, err := o.fetch(ctx, id)
	if err != nil {
		slog.Warn("Pending order lookup failed, continuing without orders", "gstin", id, "error", err)
		r.note(OrderFetching, true, "pending orders unavailable: %v", err)
		return nil
	}
	return orders
}

// fetch waits at most OrderTimeout for the fetcher, even one that ignores its context
func (o *Orchestrator) fetch(ctx context.Context, id string) ([]invoice.PendingOrder, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.OrderTimeout)
	defer cancel()

	type reply struct {
		orders []invoice.PendingOrder
		err    error
	}
	ch := make(chan reply, 1)
	go func() {
		orders, err := o.orders.Fetch(ctx, id)
		ch <- reply{orders: orders, err: err}
	}()

	select {
	case rep := <-ch:
		return rep.orders, rep.err
	case <-ctx.Done():
		return nil, fmt.Errorf("no response within %s: %w", o.cfg.OrderTimeout, ctx.Err())
	}
}
