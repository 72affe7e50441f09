package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Token is one candidate continuation with its log probability
type Token struct {
	Text    string
	LogProb float64
}

// Backend defines the interface for next-token generation
type Backend interface {
	// NextTokens returns up to n candidate next tokens for prompt
	NextTokens(ctx context.Context, prompt string, n int) ([]Token, error)
	// Close releases the backend
	Close() error
}

// Config describes the model backend and its sampling parameters
type Config struct {
	Backend     string // "ollama" or "gemini"
	Model       string
	URL         string
	APIKey      string
	ContextSize int
	Temperature float64
	TopP        float64
	MaxTokens   int
	Seed        uint64
	Timeout     time.Duration
}

// DefaultConfig mirrors the settings the extraction prompts were tuned with
func DefaultConfig() Config {
	return Config{
		Backend:     "ollama",
		Model:       "mistral:7b-instruct",
		URL:         "http://localhost:11434",
		ContextSize: 2048,
		Temperature: 0.7,
		TopP:        0.9,
		MaxTokens:   1024,
		Timeout:     120 * time.Second,
	}
}

// ErrClosed is returned when a closed handle is used
var ErrClosed = errors.New("model handle closed")

// ModelLoadError means the backend could not be made available
type ModelLoadError struct {
	Model string
	Err   error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("loading model %q: %v", e.Model, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}

// Handle owns a loaded backend. Use holds it exclusively for the duration of
// the callback, so one record is generated at a time.
type Handle struct {
	mu      sync.Mutex
	backend Backend
	cfg     Config
	closed  bool
}

// NewHandle wraps an already loaded backend
func NewHandle(backend Backend, cfg Config) *Handle {
	return &Handle{backend: backend, cfg: cfg}
}

// Load creates the configured backend and verifies the model is available
func Load(ctx context.Context, cfg Config) (*Handle, error) {
	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, &ModelLoadError{Model: cfg.Model, Err: err}
	}
	return NewHandle(backend, cfg), nil
}

func newBackend(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Backend {
	case "", "ollama":
		o, err := NewOllama(cfg)
		if err != nil {
			return nil, err
		}
		if err := o.Load(ctx); err != nil {
			return nil, err
		}
		return o, nil
	case "gemini":
		g, err := NewGemini(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := g.Load(ctx); err != nil {
			g.Close()
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// Config returns the configuration the handle was loaded with
func (h *Handle) Config() Config {
	return h.cfg
}

// Err reports whether the handle can still be used
func (h *Handle) Err() error {
	if h == nil {
		return &ModelLoadError{Err: errors.New("no model loaded")}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return &ModelLoadError{Model: h.cfg.Model, Err: ErrClosed}
	}
	return nil
}

// Use runs fn with exclusive access to the backend
func (h *Handle) Use(fn func(Backend, Config) error) error {
	if h == nil {
		return &ModelLoadError{Err: errors.New("no model loaded")}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return &ModelLoadError{Model: h.cfg.Model, Err: ErrClosed}
	}
	return fn(h.backend, h.cfg)
}

// Close releases the backend. Further use fails with ErrClosed.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.backend.Close()
}
