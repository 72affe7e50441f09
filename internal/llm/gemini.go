package llm

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// geminiMaxCandidates is the largest candidate count the API accepts
const geminiMaxCandidates = 8

// Gemini implements the Backend interface using Google Gemini.
// The API does not expose token log probabilities, so each step samples
// several one-token candidates and uses their frequencies instead.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
	name   string
}

// NewGemini creates a new Gemini Backend instance
func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetMaxOutputTokens(1)
	model.SetTemperature(float32(cfg.Temperature))
	if cfg.TopP > 0 {
		model.SetTopP(float32(cfg.TopP))
	}

	return &Gemini{
		client: client,
		model:  model,
		name:   modelName,
	}, nil
}

// Load checks the model exists
func (g *Gemini) Load(ctx context.Context) error {
	if _, err := g.model.Info(ctx); err != nil {
		return fmt.Errorf("looking up model %s: %w", g.name, err)
	}
	return nil
}

// NextTokens samples up to n single-token continuations of prompt
func (g *Gemini) NextTokens(ctx context.Context, prompt string, n int) ([]Token, error) {
	if n > geminiMaxCandidates {
		n = geminiMaxCandidates
	}
	if n < 1 {
		n = 1
	}
	g.model.SetCandidateCount(int32(n))

	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}

	counts := make(map[string]int)
	var order []string
	total := 0
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		var text strings.Builder
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
		s := text.String()
		if s == "" {
			continue
		}
		if counts[s] == 0 {
			order = append(order, s)
		}
		counts[s]++
		total++
	}

	tokens := make([]Token, 0, len(order))
	for _, s := range order {
		tokens = append(tokens, Token{Text: s, LogProb: math.Log(float64(counts[s]) / float64(total))})
	}
	return tokens, nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
