package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Ollama implements the Backend interface using a local Ollama server
type Ollama struct {
	baseURL string
	cfg     Config
	client  *http.Client
}

// NewOllama creates a new Ollama Backend instance
// Models must be pulled first (e.g. `ollama pull mistral:7b-instruct`); the
// instruct-tuned 7B models are the smallest that follow the invoice prompt reliably.
func NewOllama(cfg Config) (*Ollama, error) {
	if cfg.URL == "" {
		cfg.URL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("ollama model name is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &Ollama{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type ollamaOptions struct {
	NumPredict  int     `json:"num_predict"`
	NumCtx      int     `json:"num_ctx,omitempty"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p,omitempty"`
	Seed        uint64  `json:"seed,omitempty"`
}

// ollamaGenerateRequest represents the request body for Ollama's generate API
type ollamaGenerateRequest struct {
	Model       string         `json:"model"`
	Prompt      string         `json:"prompt"`
	Raw         bool           `json:"raw,omitempty"`
	Stream      bool           `json:"stream"`
	KeepAlive   string         `json:"keep_alive,omitempty"`
	Logprobs    bool           `json:"logprobs,omitempty"`
	TopLogprobs int            `json:"top_logprobs,omitempty"`
	Options     *ollamaOptions `json:"options,omitempty"`
}

type ollamaLogprob struct {
	Token       string          `json:"token"`
	Logprob     float64         `json:"logprob"`
	TopLogprobs []ollamaLogprob `json:"top_logprobs,omitempty"`
}

// ollamaGenerateResponse represents the response from Ollama's generate API
type ollamaGenerateResponse struct {
	Response string          `json:"response"`
	Done     bool            `json:"done"`
	Logprobs []ollamaLogprob `json:"logprobs,omitempty"`
}

// Load checks the model exists and asks the server to load it into memory
func (o *Ollama) Load(ctx context.Context) error {
	if err := o.post(ctx, "/api/show", map[string]string{"model": o.cfg.Model}, nil); err != nil {
		return fmt.Errorf("looking up model: %w", err)
	}
	// An empty prompt loads the model without generating.
	warm := ollamaGenerateRequest{Model: o.cfg.Model, KeepAlive: "30m"}
	if err := o.post(ctx, "/api/generate", warm, nil); err != nil {
		return fmt.Errorf("loading model: %w", err)
	}
	return nil
}

// NextTokens generates a single token and returns the server's top candidates for it
func (o *Ollama) NextTokens(ctx context.Context, prompt string, n int) ([]Token, error) {
	reqBody := ollamaGenerateRequest{
		Model:       o.cfg.Model,
		Prompt:      prompt,
		Raw:         true,
		Stream:      false,
		Logprobs:    true,
		TopLogprobs: n,
		Options: &ollamaOptions{
			NumPredict:  1,
			NumCtx:      o.cfg.ContextSize,
			Temperature: o.cfg.Temperature,
			TopP:        o.cfg.TopP,
			Seed:        o.cfg.Seed,
		},
	}

	var genResp ollamaGenerateResponse
	if err := o.post(ctx, "/api/generate", reqBody, &genResp); err != nil {
		return nil, err
	}

	if len(genResp.Logprobs) > 0 {
		first := genResp.Logprobs[0]
		if len(first.TopLogprobs) > 0 {
			tokens := make([]Token, 0, len(first.TopLogprobs))
			for _, lp := range first.TopLogprobs {
				tokens = append(tokens, Token{Text: lp.Token, LogProb: lp.Logprob})
			}
			return tokens, nil
		}
		return []Token{{Text: first.Token, LogProb: first.Logprob}}, nil
	}

	// Servers without logprob support still return the sampled token.
	if genResp.Response == "" {
		return nil, nil
	}
	return []Token{{Text: genResp.Response, LogProb: 0}}, nil
}

func (o *Ollama) post(ctx context.Context, path string, body any, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Close closes the Ollama client (no-op for HTTP client)
func (o *Ollama) Close() error {
	return nil
}
