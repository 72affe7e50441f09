package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/invoice-reconciler/internal/decoding"
	"github.com/zombor/invoice-reconciler/internal/document"
	"github.com/zombor/invoice-reconciler/internal/invoice"
	"github.com/zombor/invoice-reconciler/internal/llm"
	"github.com/zombor/invoice-reconciler/internal/orders"
	"github.com/zombor/invoice-reconciler/internal/pipeline"
	"github.com/zombor/invoice-reconciler/internal/runs"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	modelDefaults := llm.DefaultConfig()
	orderDefaults := orders.DefaultConfig()
	decodeDefaults := decoding.DefaultOptions()

	fs := ff.NewFlagSet("invoice-reconciler")
	var (
		// model
		backend     = fs.StringLong("backend", modelDefaults.Backend, "Model backend: 'ollama' or 'gemini'")
		model       = fs.StringLong("model", "", "Model name, empty for the backend default ("+modelDefaults.Model+" on ollama)")
		ollamaURL   = fs.StringLong("ollama-url", modelDefaults.URL, "Ollama API base URL")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		ctxSize     = fs.IntLong("ctx-size", modelDefaults.ContextSize, "Model context window in tokens")
		temperature = fs.Float64Long("temperature", modelDefaults.Temperature, "Sampling temperature, 0 for greedy")
		topP        = fs.Float64Long("top-p", modelDefaults.TopP, "Nucleus sampling probability mass")
		maxTokens   = fs.IntLong("max-tokens", modelDefaults.MaxTokens, "Token budget for one invoice record")
		maxString   = fs.IntLong("max-string-tokens", decodeDefaults.MaxStringTokens, "Token cap for one string value")
		maxInput    = fs.IntLong("max-input", invoice.DefaultMaxInputChars, "Characters of invoice text given to the model")
		seed        = fs.Uint64Long("seed", 0, "Sampling seed, 0 for random")
		modelWait   = fs.DurationLong("model-timeout", modelDefaults.Timeout, "Timeout for one model request")
		// text
		ocrLang    = fs.StringLong("ocr-lang", "eng", "Tesseract language")
		ocrDPI     = fs.Float64Long("ocr-dpi", 300, "Resolution pages are rendered at for OCR")
		ocrEnhance = fs.BoolLong("ocr-enhance", "Grayscale and sharpen pages before OCR")
		tessdata   = fs.StringLong("tessdata", "", "Tesseract tessdata directory")
		maxPages   = fs.IntLong("max-pages", 0, "Refuse documents with more pages, 0 for no limit")
		ocrWorkers = fs.IntLong("ocr-workers", 0, "Pages recognized concurrently, 0 for one per CPU")
		// pending orders
		poURL        = fs.StringLong("po-url", "", "Pending purchase order report URL, empty to skip the lookup")
		poKey        = fs.StringLong("po-key", "", "Pending order service API key")
		poParam      = fs.StringLong("po-param", orderDefaults.Param, "Query parameter carrying the GSTIN")
		poTimeout    = fs.DurationLong("po-timeout", orderDefaults.Timeout, "Timeout for one pending order request")
		poRetries    = fs.UintLong("po-retries", orderDefaults.Attempts, "Pending order request attempts")
		poRetryDelay = fs.DurationLong("po-retry-delay", orderDefaults.Delay, "Delay between pending order attempts")
		poWait       = fs.DurationLong("po-wait", pipeline.DefaultConfig().OrderTimeout, "Longest wait for pending orders, retries included")
		parallel     = fs.BoolLong("parallel", "Extract the record and fetch pending orders concurrently")
		// modes
		input       = fs.StringLong("input", "", "Process this invoice, write -output and exit")
		output      = fs.StringLong("output", filepath.Join("output", "invoice_output.json"), "Output file for -input")
		port        = fs.IntLong("port", 8080, "HTTP server port")
		dbPath      = fs.StringLong("db", "invoice-reconciler.db", "Database file path")
		storagePath = fs.StringLong("storage", "./invoices", "Storage directory path")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel    = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("INVOICE_RECONCILER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid log level %q\n", *logLevel)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load the model
	modelCfg := llm.Config{
		Backend:     *backend,
		Model:       *model,
		URL:         *ollamaURL,
		ContextSize: *ctxSize,
		Temperature: *temperature,
		TopP:        *topP,
		MaxTokens:   *maxTokens,
		Seed:        *seed,
		Timeout:     *modelWait,
	}
	if modelCfg.Model == "" && modelCfg.Backend != "gemini" {
		modelCfg.Model = modelDefaults.Model
	}
	if modelCfg.Backend == "gemini" {
		modelCfg.APIKey = *geminiKey
		if modelCfg.APIKey == "" {
			modelCfg.APIKey = os.Getenv("GEMINI_API_KEY")
		}
		if modelCfg.APIKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
	}
	slog.Info("Loading model...", "backend", modelCfg.Backend, "model", modelCfg.Model)
	handle, err := llm.Load(ctx, modelCfg)
	if err != nil {
		slog.Error("Failed to load model", "error", err)
		os.Exit(1)
	}
	defer handle.Close()

	// Text extraction
	fitz := &document.Fitz{MaxPages: *maxPages}
	ocr := &document.Tesseract{Language: *ocrLang, TessdataPrefix: *tessdata, Enhance: *ocrEnhance}
	text := document.NewTextExtractor(fitz, fitz, ocr, *ocrDPI/72, *ocrWorkers)

	// Record extraction
	opts := decoding.DefaultOptions()
	opts.MaxStringTokens = *maxString
	records := invoice.NewExtractor(decoding.New(opts), *maxInput)

	// Pending orders
	var fetcher pipeline.OrderFetcher
	if *poURL != "" {
		client, err := orders.NewClient(orders.Config{
			BaseURL:  *poURL,
			APIKey:   *poKey,
			Param:    *poParam,
			Timeout:  *poTimeout,
			Attempts: *poRetries,
			Delay:    *poRetryDelay,
		})
		if err != nil {
			slog.Error("Failed to initialize pending order client", "error", err)
			os.Exit(1)
		}
		fetcher = client
	} else {
		slog.Warn("No pending order service configured, invoices will have no matches")
	}

	orchestrator, err := pipeline.New(text, records, fetcher, handle, pipeline.Config{
		OrderTimeout: *poWait,
		Parallel:     *parallel,
	})
	if err != nil {
		slog.Error("Failed to initialize pipeline", "error", err)
		os.Exit(1)
	}

	if *input != "" {
		if err := processFile(ctx, orchestrator, *input, *output); err != nil {
			slog.Error("Failed to process invoice", "input", *input, "error", err)
			os.Exit(1)
		}
		return
	}

	serve(ctx, orchestrator, *dbPath, *storagePath, *port, runs.BasicAuth{Username: *authUser, Password: *authPass})
}

// processFile runs one invoice and writes its artifact
func processFile(ctx context.Context, orchestrator *pipeline.Orchestrator, input, output string) error {
	doc, err := document.Open(input)
	if err != nil {
		return err
	}

	res, err := orchestrator.Run(ctx, doc)
	if err != nil {
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			slog.Error("Run failed", "stage", stageErr.Stage, "states", res.States)
		}
		return err
	}
	for _, n := range res.Notes {
		slog.Info("Run note", "stage", n.Stage, "message", n.Message, "degraded", n.Degraded)
	}

	data, err := runs.MarshalArtifact(res.Output)
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	if err := os.WriteFile(output, data, 0644); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}

	slog.Info("Wrote invoice output", "path", output, "outcome", res.Outcome, "matches", len(res.Output.POMatch))
	return nil
}

// serve runs the HTTP API until ctx is cancelled
func serve(ctx context.Context, orchestrator *pipeline.Orchestrator, dbPath, storagePath string, port int, basicAuth runs.BasicAuth) {
	slog.Info("Initializing database...")
	db, err := runs.NewBoltDB(dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	slog.Info("Initializing storage...")
	store, err := runs.NewLocalStorage(storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	service := runs.NewService(db, orchestrator, store)
	server := runs.NewServer(service, basicAuth)

	addr := fmt.Sprintf(":%d", port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
	if basicAuth.Username != "" || basicAuth.Password != "" {
		slog.Info("Basic auth enabled", "user", basicAuth.Username)
	}

	<-ctx.Done()
	slog.Info("Shutting down...")
}
