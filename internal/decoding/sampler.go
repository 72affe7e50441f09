package decoding

import (
	"cmp"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/zombor/invoice-reconciler/internal/llm"
)

// sampler chooses among the candidates the grammar allows using temperature
// and nucleus (top-p) sampling over their log probabilities.
type sampler struct {
	temperature float64
	topP        float64
	rng         *rand.Rand
}

func newSampler(cfg llm.Config) *sampler {
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &sampler{
		temperature: cfg.Temperature,
		topP:        cfg.TopP,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// pick returns one allowed candidate, or false if none is allowed.
// A temperature of zero or below always takes the most likely candidate.
func (s *sampler) pick(cands []llm.Token, allow func(string) bool) (llm.Token, bool) {
	pool := make([]llm.Token, 0, len(cands))
	for _, c := range cands {
		if allow(c.Text) {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		return llm.Token{}, false
	}
	slices.SortStableFunc(pool, func(a, b llm.Token) int {
		return cmp.Compare(b.LogProb, a.LogProb)
	})
	if s.temperature <= 0 || len(pool) == 1 {
		return pool[0], true
	}

	weights := make([]float64, len(pool))
	total := 0.0
	for i, c := range pool {
		weights[i] = math.Exp((c.LogProb - pool[0].LogProb) / s.temperature)
		total += weights[i]
	}

	if s.topP > 0 && s.topP < 1 {
		cum := 0.0
		for i, w := range weights {
			cum += w / total
			if cum >= s.topP {
				weights = weights[:i+1]
				break
			}
		}
		total = 0
		for _, w := range weights {
			total += w
		}
	}

	r := s.rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return pool[i], true
		}
	}
	return pool[len(weights)-1], true
}

// mass sums the probability of the candidates that satisfy match
func mass(cands []llm.Token, match func(string) bool) float64 {
	total := 0.0
	for _, c := range cands {
		if match(c.Text) {
			total += math.Exp(c.LogProb)
		}
	}
	return total
}
