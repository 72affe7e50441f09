package runs_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/invoice-reconciler/internal/decoding"
	"github.com/zombor/invoice-reconciler/internal/document"
	"github.com/zombor/invoice-reconciler/internal/invoice"
	"github.com/zombor/invoice-reconciler/internal/llm"
	"github.com/zombor/invoice-reconciler/internal/orders"
	"github.com/zombor/invoice-reconciler/internal/pipeline"
	"github.com/zombor/invoice-reconciler/internal/runs"
)

const invoiceRecord = `{"invoice_number": "INV-7", "invoice_date": "01/04/2024", "supplier": "Acme Steel", "products_services": [{"description": "Steel Rod", "hsn_sac": "7214", "quantity": 10, "unit": "kg", "rate": 55.5, "total_price": 555}, {"description": "Bolt", "hsn_sac": "7318", "quantity": 200, "unit": "pcs", "rate": 2, "total_price": 400}]}`

// staticText is a text layer that returns the same pages for any document
type staticText []string

func (s staticText) PageTexts(ctx context.Context, doc *document.Document) ([]string, error) {
	return s, nil
}

// noRender fails every render, so OCR is never reached in these specs
type noRender struct{}

func (noRender) Render(ctx context.Context, doc *document.Document, scale float64) ([]document.PageImage, error) {
	return nil, &document.RenderError{Document: doc.Name, Err: io.ErrUnexpectedEOF}
}

// recordBackend steers decoding towards a fixed record
type recordBackend struct{}

func (recordBackend) NextTokens(ctx context.Context, prompt string, n int) ([]llm.Token, error) {
	i := strings.LastIndex(prompt, "\nResult: ")
	rest, ok := strings.CutPrefix(invoiceRecord, prompt[i+len("\nResult: "):])
	if !ok || rest == "" {
		return nil, nil
	}
	return []llm.Token{{Text: rest[:min(6, len(rest))], LogProb: -0.05}}, nil
}

func (recordBackend) Close() error {
	return nil
}

var _ = Describe("Integration", func() {
	var (
		tempDir   string
		pages     staticText
		db        *runs.BoltDB
		server    *runs.Server
		poService *ghttp.Server
		apiServer *ghttp.Server
	)

	BeforeEach(func() {
		tempDir = GinkgoT().TempDir()
		pages = staticText{"TAX INVOICE INV-7\nAcme Steel GSTIN 29ABCDE1234F1Z5", "Steel Rod 10 kg\nBolt 200 pcs"}
		poService = ghttp.NewServer()
		apiServer = ghttp.NewServer()
	})

	AfterEach(func() {
		poService.Close()
		apiServer.Close()
		if db != nil {
			db.Close()
		}
	})

	JustBeforeEach(func() {
		var err error
		db, err = runs.NewBoltDB(filepath.Join(tempDir, "test.db"))
		Expect(err).NotTo(HaveOccurred())
		store, err := runs.NewLocalStorage(filepath.Join(tempDir, "invoices"))
		Expect(err).NotTo(HaveOccurred())

		cfg := llm.DefaultConfig()
		cfg.Temperature = 0
		handle := llm.NewHandle(recordBackend{}, cfg)

		ocfg := orders.DefaultConfig()
		ocfg.BaseURL = poService.URL() + "/pending_po_report/"
		ocfg.Attempts = 1
		client, err := orders.NewClient(ocfg)
		Expect(err).NotTo(HaveOccurred())

		orchestrator, err := pipeline.New(
			document.NewTextExtractor(pages, noRender{}, nil, 0, 1),
			invoice.NewExtractor(decoding.New(decoding.DefaultOptions()), 0),
			client,
			handle,
			pipeline.DefaultConfig(),
		)
		Expect(err).NotTo(HaveOccurred())

		server = runs.NewServer(runs.NewService(db, orchestrator, store), runs.BasicAuth{})
	})

	do := func(req *http.Request) *http.Response {
		apiServer.AppendHandlers(server.ServeHTTP)
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	upload := func() *http.Response {
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile("file", "invoice.pdf")
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write([]byte("%PDF-1.4\n"))
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		req, err := http.NewRequest(http.MethodPost, apiServer.URL()+"/api/invoices", body)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", writer.FormDataContentType())
		return do(req)
	}

	get := func(path string) []byte {
		req, err := http.NewRequest(http.MethodGet, apiServer.URL()+path, nil)
		Expect(err).NotTo(HaveOccurred())
		resp := do(req)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		data, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return data
	}

	When("a pending order matches a line item", func() {
		BeforeEach(func() {
			poService.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest("GET", "/pending_po_report/", "gstin=29ABCDE1234F1Z5"),
				ghttp.RespondWith(http.StatusOK, `[{"description": "Steel Rod", "po_number": "PO-9"}, {"description": "Washer", "po_number": "PO-10"}]`),
			))
		})

		It("should upload, persist and serve the run", func() {
			resp := upload()
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var run runs.Run
			Expect(json.NewDecoder(resp.Body).Decode(&run)).To(Succeed())
			Expect(run.Outcome).To(Equal(pipeline.OutcomeComplete))
			Expect(run.Identifier).To(Equal("29ABCDE1234F1Z5"))
			Expect(run.TextMethod).To(Equal(document.MethodEmbedded))

			artifact := get("/api/runs/" + run.ID + "/output")
			Expect(artifact).To(MatchJSON(`{
				"invoice_data": ` + invoiceRecord + `,
				"po_match": [{
					"invoice_item": {"description": "Steel Rod", "hsn_sac": "7214", "quantity": 10, "unit": "kg", "rate": 55.5, "total_price": 555},
					"po_item": {"description": "Steel Rod", "po_number": "PO-9"}
				}]
			}`))

			var listed []runs.Run
			Expect(json.Unmarshal(get("/api/runs"), &listed)).To(Succeed())
			Expect(listed).To(HaveLen(1))
			Expect(listed[0].ID).To(Equal(run.ID))

			Expect(get("/api/runs/" + run.ID + "/file")).To(Equal([]byte("%PDF-1.4\n")))
		})
	})

	When("the pending order service is down", func() {
		BeforeEach(func() {
			poService.AppendHandlers(ghttp.RespondWith(http.StatusServiceUnavailable, "maintenance"))
		})

		It("should record a degraded run with no matches", func() {
			resp := upload()
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var run runs.Run
			Expect(json.NewDecoder(resp.Body).Decode(&run)).To(Succeed())
			Expect(run.Outcome).To(Equal(pipeline.OutcomeDegraded))

			artifact := get("/api/runs/" + run.ID + "/output")
			Expect(artifact).To(MatchJSON(`{"invoice_data": ` + invoiceRecord + `, "po_match": []}`))
		})
	})

	When("the document has no text and cannot be rendered", func() {
		BeforeEach(func() {
			pages = staticText{" ", "\n"}
		})

		It("should fail at text extraction without keeping anything", func() {
			resp := upload()
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			var body map[string]string
			Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
			Expect(body).To(HaveKeyWithValue("stage", "text_extracting"))

			var listed []runs.Run
			Expect(json.Unmarshal(get("/api/runs"), &listed)).To(Succeed())
			Expect(listed).To(BeEmpty())
			Expect(poService.ReceivedRequests()).To(BeEmpty())
		})
	})
})
