package decoding

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/zombor/invoice-reconciler/internal/llm"
	"github.com/zombor/invoice-reconciler/internal/schema"
)

const invoiceTags = `{"invoice_number": "str", "invoice_date": "str", "supplier": "str", "products_services": [{"description": "str", "hsn_sac": "str", "quantity": "int", "unit": "str", "rate": "float", "total_price": "float"}]}`

const invoiceRecord = `{"invoice_number": "INV-42", "invoice_date": "12/03/2024", "supplier": "Acme Steel", "products_services": [{"description": "Steel Rod", "hsn_sac": "7214", "quantity": 10, "unit": "kg", "rate": 55.5, "total_price": 555}, {"description": "Bolt", "hsn_sac": "7318", "quantity": 200, "unit": "pcs", "rate": 2, "total_price": 400}]}`

var _ = Describe("Decoder", func() {
	var (
		ctx     context.Context
		backend llm.Backend
		cfg     llm.Config
		opts    Options
		tags    string
		res     *Result
		err     error
	)

	BeforeEach(func() {
		ctx = context.Background()
		cfg = greedyConfig()
		opts = DefaultOptions()
		tags = invoiceTags
	})

	JustBeforeEach(func() {
		handle := llm.NewHandle(backend, cfg)
		res, err = New(opts).Decode(ctx, handle, "Extract the invoice.", schema.MustParse(tags))
	})

	When("the model follows the grammar", func() {
		var oracle *oracleBackend

		BeforeEach(func() {
			oracle = &oracleBackend{target: invoiceRecord}
			backend = oracle
		})

		It("should not return an error", func() {
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
		})

		It("should produce the record", func() {
			gomega.Expect(string(res.JSON)).To(gomega.Equal(invoiceRecord))
		})

		It("should not be degraded", func() {
			gomega.Expect(res.Degraded()).To(gomega.BeFalse())
			gomega.Expect(res.Tokens).To(gomega.Equal(len(oracle.prompts)))
		})

		It("should prompt with the instructions and the schema", func() {
			gomega.Expect(oracle.prompts[0]).To(gomega.Equal(
				"Extract the invoice.\nOutput result in the following JSON schema format:\n" +
					invoiceTags + "\nResult: {\"invoice_number\": \"",
			))
		})

		When("sampling with the default temperature", func() {
			BeforeEach(func() {
				cfg = llm.DefaultConfig()
			})

			It("should still keep to the likely tokens", func() {
				gomega.Expect(string(res.JSON)).To(gomega.Equal(invoiceRecord))
			})
		})
	})

	When("the schema has booleans and string arrays", func() {
		BeforeEach(func() {
			tags = `{"paid": "bool", "tags": ["str"], "notes": "str"}`
			backend = &oracleBackend{target: `{"paid": true, "tags": ["steel", "bulk"], "notes": "ok"}`}
		})

		It("should produce the record", func() {
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(string(res.JSON)).To(gomega.Equal(`{"paid": true, "tags": ["steel", "bulk"], "notes": "ok"}`))
		})
	})

	When("the model has nothing to say", func() {
		BeforeEach(func() {
			backend = &oracleBackend{target: `{"invoice_number": "", "invoice_date": "", "supplier": "", "products_services": []}`}
		})

		It("should produce empty values without faults", func() {
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(string(res.JSON)).To(gomega.Equal(string(Default(schema.MustParse(invoiceTags)))))
			gomega.Expect(res.Degraded()).To(gomega.BeFalse())
		})
	})

	When("the token budget runs out", func() {
		BeforeEach(func() {
			backend = &oracleBackend{target: invoiceRecord}
			opts.MaxTokens = 4
		})

		It("should default the remaining fields", func() {
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(string(res.JSON)).To(gomega.Equal(`{"invoice_number": "INV-42", "invoice_date": "", "supplier": "", "products_services": []}`))
			gomega.Expect(res.Tokens).To(gomega.Equal(4))
		})

		It("should report each defaulted field", func() {
			gomega.Expect(res.Degraded()).To(gomega.BeTrue())
			var fields []string
			for _, f := range res.Faults {
				gomega.Expect(f.Err).To(gomega.MatchError(ErrBudgetExhausted))
				fields = append(fields, f.Field)
			}
			gomega.Expect(fields).To(gomega.Equal([]string{"invoice_date", "supplier", "products_services"}))
		})
	})

	When("a string runs past its token cap", func() {
		BeforeEach(func() {
			tags = `{"note": "str"}`
			backend = &fixedBackend{tokens: []llm.Token{{Text: "ab", LogProb: -0.1}}}
			opts.MaxStringTokens = 3
		})

		It("should cut the string off", func() {
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(string(res.JSON)).To(gomega.Equal(`{"note": "ababab"}`))
			gomega.Expect(res.Degraded()).To(gomega.BeFalse())
		})
	})

	When("no candidate fits a number", func() {
		BeforeEach(func() {
			tags = `{"count": "int"}`
			backend = &fixedBackend{tokens: []llm.Token{{Text: "abc", LogProb: -0.1}, {Text: "-3", LogProb: -0.2}}}
		})

		It("should default the number", func() {
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(string(res.JSON)).To(gomega.Equal(`{"count": 0}`))
			gomega.Expect(res.Faults).To(gomega.HaveLen(1))
			gomega.Expect(res.Faults[0].Field).To(gomega.Equal("count"))
			gomega.Expect(errors.Is(res.Faults[0], ErrNoCandidate)).To(gomega.BeTrue())
		})
	})

	When("the backend fails", func() {
		BeforeEach(func() {
			backend = &fixedBackend{err: errors.New("connection refused")}
		})

		It("should produce the default record", func() {
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(string(res.JSON)).To(gomega.Equal(string(Default(schema.MustParse(invoiceTags)))))
		})

		It("should report every top-level field", func() {
			gomega.Expect(res.Faults).To(gomega.HaveLen(4))
			gomega.Expect(res.Faults[3].Field).To(gomega.Equal("products_services"))
			gomega.Expect(res.Faults[0]).To(gomega.MatchError(gomega.ContainSubstring("connection refused")))
		})
	})

	When("the context is cancelled", func() {
		var fixed *fixedBackend

		BeforeEach(func() {
			fixed = &fixedBackend{tokens: []llm.Token{{Text: "x", LogProb: 0}}}
			backend = fixed
			cancelled, cancel := context.WithCancel(context.Background())
			cancel()
			ctx = cancelled
		})

		It("should abort", func() {
			gomega.Expect(err).To(gomega.MatchError(context.Canceled))
			gomega.Expect(res).To(gomega.BeNil())
			gomega.Expect(fixed.calls).To(gomega.BeZero())
		})
	})

	When("the handle is closed", func() {
		It("should return a ModelLoadError", func() {
			handle := llm.NewHandle(&fixedBackend{}, cfg)
			gomega.Expect(handle.Close()).To(gomega.Succeed())

			_, err := New(opts).Decode(ctx, handle, "", schema.MustParse(invoiceTags))
			var loadErr *llm.ModelLoadError
			gomega.Expect(errors.As(err, &loadErr)).To(gomega.BeTrue())
		})
	})
})

var _ = Describe("numberChunk", func() {
	DescribeTable("splitting candidates",
		func(s string, first, dot bool, digits string, done, ok bool) {
			d, dn, k := numberChunk(s, first, dot)
			gomega.Expect(k).To(gomega.Equal(ok))
			if ok {
				gomega.Expect(d).To(gomega.Equal(digits))
				gomega.Expect(dn).To(gomega.Equal(done))
			}
		},
		Entry("digits", "12", true, false, "12", false, true),
		Entry("leading space", " 12", true, false, "12", false, true),
		Entry("terminated", "5,", false, false, "5", true, true),
		Entry("closing brace", "0}", false, false, "0", true, true),
		Entry("decimal", "5.2", true, true, "5.2", false, true),
		Entry("decimal in integer", "5.2", true, false, "", false, false),
		Entry("leading dot", ".5", true, true, "", false, false),
		Entry("negative", "-1", true, false, "", false, false),
		Entry("words", "abc", false, false, "", false, false),
	)
})

var _ = Describe("Default", func() {
	It("should fill every field", func() {
		t := schema.MustParse(`{"a": "str", "b": "int", "c": "float", "d": "bool", "e": [{"f": "str"}]}`)
		gomega.Expect(string(Default(t))).To(gomega.Equal(`{"a": "", "b": 0, "c": 0, "d": false, "e": []}`))
		gomega.Expect(t.Validate(Default(t))).To(gomega.Succeed())
	})
})

var _ = Describe("repair", func() {
	var t *schema.Type

	BeforeEach(func() {
		t = schema.MustParse(invoiceTags)
	})

	It("should keep the fields that conform", func() {
		doc := `{"invoice_number": "INV-42", "invoice_date": 20240312, "supplier": "Acme Steel", "products_services": [{"description": "Steel Rod", "hsn_sac": "7214", "quantity": -3, "unit": "kg", "rate": 55.5, "total_price": 555}]}`

		out, faults := repair(t, []byte(doc))
		gomega.Expect(string(out)).To(gomega.Equal(`{"invoice_number": "INV-42", "invoice_date": "", "supplier": "Acme Steel", "products_services": [{"description": "Steel Rod", "hsn_sac": "7214", "quantity": 0, "unit": "kg", "rate": 55.5, "total_price": 555}]}`))
		gomega.Expect(t.Validate(out)).To(gomega.Succeed())

		gomega.Expect(faults).To(gomega.HaveLen(2))
		gomega.Expect(faults[0].Field).To(gomega.Equal("invoice_date"))
		gomega.Expect(faults[1].Field).To(gomega.Equal("products_services[0].quantity"))
		gomega.Expect(errors.Is(faults[0], ErrMismatch)).To(gomega.BeTrue())
	})

	It("should default missing keys and drop unknown ones", func() {
		out, faults := repair(t, []byte(`{"invoice_number": "INV-42", "total": 9, "products_services": []}`))
		gomega.Expect(string(out)).To(gomega.Equal(`{"invoice_number": "INV-42", "invoice_date": "", "supplier": "", "products_services": []}`))
		gomega.Expect(faults).To(gomega.HaveLen(3))
		gomega.Expect(faults[2].Field).To(gomega.Equal("total"))
	})

	It("should fall back to the default record when the output is not JSON", func() {
		out, faults := repair(t, []byte(`{"invoice_number": "INV`))
		gomega.Expect(string(out)).To(gomega.Equal(string(Default(t))))
		gomega.Expect(faults).To(gomega.HaveLen(1))
		gomega.Expect(faults[0].Field).To(gomega.Equal("$"))
	})
})
