package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Ollama", func() {
	var (
		server *ghttp.Server
		cfg    Config
		ollama *Ollama
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		cfg = DefaultConfig()
		cfg.URL = server.URL()
		cfg.Model = "mistral"
		var err error
		ollama, err = NewOllama(cfg)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("NewOllama", func() {
		When("no model is configured", func() {
			It("returns the error", func() {
				cfg.Model = ""
				_, err := NewOllama(cfg)
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("NextTokens", func() {
		var (
			tokens []Token
			err    error
			req    ollamaGenerateRequest
		)

		JustBeforeEach(func() {
			tokens, err = ollama.NextTokens(context.Background(), "Result: {", 5)
		})

		When("the server returns top logprobs", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.CombineHandlers(
					ghttp.VerifyRequest("POST", "/api/generate"),
					func(w http.ResponseWriter, r *http.Request) {
						Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
					},
					ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
						"response": `"`,
						"done":     true,
						"logprobs": []map[string]any{{
							"token":   `"`,
							"logprob": -0.1,
							"top_logprobs": []map[string]any{
								{"token": `"`, "logprob": -0.1},
								{"token": "\n", "logprob": -2.5},
							},
						}},
					}),
				))
			})

			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return the candidates in server order", func() {
				Expect(tokens).To(Equal([]Token{{Text: `"`, LogProb: -0.1}, {Text: "\n", LogProb: -2.5}}))
			})

			It("should request a single raw token with logprobs", func() {
				Expect(req.Raw).To(BeTrue())
				Expect(req.Prompt).To(Equal("Result: {"))
				Expect(req.Logprobs).To(BeTrue())
				Expect(req.TopLogprobs).To(Equal(5))
				Expect(req.Options.NumPredict).To(Equal(1))
				Expect(req.Options.NumCtx).To(Equal(2048))
				Expect(req.Options.Temperature).To(Equal(0.7))
				Expect(req.Options.TopP).To(Equal(0.9))
			})
		})

		When("the server does not support logprobs", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
					"response": "INV",
					"done":     true,
				}))
			})

			It("should return the sampled token", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(tokens).To(Equal([]Token{{Text: "INV", LogProb: 0}}))
			})
		})

		When("the server fails", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "boom"))
			})

			It("returns the error", func() {
				Expect(err).To(MatchError(ContainSubstring("status 500")))
			})
		})
	})

	Describe("Load", func() {
		var err error

		JustBeforeEach(func() {
			err = ollama.Load(context.Background())
		})

		When("the model exists", func() {
			BeforeEach(func() {
				server.AppendHandlers(
					ghttp.CombineHandlers(
						ghttp.VerifyRequest("POST", "/api/show"),
						ghttp.VerifyJSON(`{"model": "mistral"}`),
						ghttp.RespondWith(http.StatusOK, `{}`),
					),
					ghttp.CombineHandlers(
						ghttp.VerifyRequest("POST", "/api/generate"),
						ghttp.RespondWith(http.StatusOK, `{"done": true}`),
					),
				)
			})

			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})
		})

		When("the model is missing", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusNotFound, `{"error": "model not found"}`))
			})

			It("returns the error", func() {
				Expect(err).To(MatchError(ContainSubstring("looking up model")))
			})
		})
	})
})

var _ = Describe("Load", func() {
	When("the backend is unknown", func() {
		It("returns a ModelLoadError", func() {
			cfg := DefaultConfig()
			cfg.Backend = "llamafile"
			_, err := Load(context.Background(), cfg)
			var loadErr *ModelLoadError
			Expect(errors.As(err, &loadErr)).To(BeTrue())
			Expect(loadErr.Model).To(Equal(cfg.Model))
		})
	})

	When("the ollama server is unreachable", func() {
		It("returns a ModelLoadError", func() {
			server := ghttp.NewServer()
			url := server.URL()
			server.Close()

			cfg := DefaultConfig()
			cfg.URL = url
			_, err := Load(context.Background(), cfg)
			var loadErr *ModelLoadError
			Expect(errors.As(err, &loadErr)).To(BeTrue())
		})
	})

	When("gemini has no api key", func() {
		It("returns a ModelLoadError", func() {
			cfg := DefaultConfig()
			cfg.Backend = "gemini"
			_, err := Load(context.Background(), cfg)
			Expect(err).To(MatchError(ContainSubstring("api key is required")))
		})
	})
})
