package invoice

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ExtractIdentifier", func() {
	It("should return the GSTIN", func() {
		id, ok := ExtractIdentifier("Supplier GSTIN: 27AAPFU0939F1ZV\nInvoice No 42")
		Expect(ok).To(BeTrue())
		Expect(id).To(Equal("27AAPFU0939F1ZV"))
	})

	It("should return the first of several", func() {
		text := "Seller 29ABCDE1234F1Z5 Buyer 27AAPFU0939F1ZV"
		id, ok := ExtractIdentifier(text)
		Expect(ok).To(BeTrue())
		Expect(id).To(Equal("29ABCDE1234F1Z5"))

		again, _ := ExtractIdentifier(text)
		Expect(again).To(Equal(id))
	})

	It("should find a GSTIN inside a longer token", func() {
		id, ok := ExtractIdentifier("GSTIN:29ABCDE1234F1Z5/2024")
		Expect(ok).To(BeTrue())
		Expect(id).To(Equal("29ABCDE1234F1Z5"))
	})

	DescribeTable("not found",
		func(text string) {
			id, ok := ExtractIdentifier(text)
			Expect(ok).To(BeFalse())
			Expect(id).To(BeEmpty())
		},
		Entry("empty text", ""),
		Entry("no Z in the 14th place", "29ABCDE1234F1X5"),
		Entry("lower case", "29abcde1234f1z5"),
		Entry("too short", "29ABCDE1234F1Z"),
	)
})

var _ = Describe("MatchOrders", func() {
	var (
		items   []LineItem
		orders  []PendingOrder
		matches []Match
	)

	JustBeforeEach(func() {
		matches = MatchOrders(items, orders)
	})

	When("two orders share a description", func() {
		BeforeEach(func() {
			items = []LineItem{{Description: "Steel Rod"}, {Description: "Bolt"}}
			orders = []PendingOrder{
				orderJSON(`{"description": "Steel Rod", "po_number": "PO-1"}`),
				orderJSON(`{"description": "Steel Rod", "po_number": "PO-2"}`),
				orderJSON(`{"description": "Nut", "po_number": "PO-3"}`),
			}
		})

		It("should pair the item with each order in order", func() {
			Expect(matches).To(HaveLen(2))
			Expect(matches[0].InvoiceItem.Description).To(Equal("Steel Rod"))
			Expect(matches[0].POItem).To(Equal(orders[0]))
			Expect(matches[1].InvoiceItem.Description).To(Equal("Steel Rod"))
			Expect(matches[1].POItem).To(Equal(orders[1]))
		})

		It("should not match Bolt", func() {
			for _, m := range matches {
				Expect(m.InvoiceItem.Description).NotTo(Equal("Bolt"))
			}
		})

		It("should not modify the inputs", func() {
			Expect(items).To(Equal([]LineItem{{Description: "Steel Rod"}, {Description: "Bolt"}}))
			Expect(orders).To(HaveLen(3))
			Expect(orders[2].Description).To(Equal("Nut"))
		})
	})

	When("descriptions differ in case or spacing", func() {
		BeforeEach(func() {
			items = []LineItem{{Description: "steel rod"}, {Description: "Steel Rod "}}
			orders = []PendingOrder{NewPendingOrder("Steel Rod")}
		})

		It("should not match", func() {
			Expect(matches).To(BeEmpty())
		})
	})

	When("two items match one order", func() {
		BeforeEach(func() {
			items = []LineItem{{Description: "Nut", Quantity: 1}, {Description: "Nut", Quantity: 2}}
			orders = []PendingOrder{NewPendingOrder("Nut")}
		})

		It("should emit both pairs", func() {
			Expect(matches).To(HaveLen(2))
			Expect(matches[0].InvoiceItem.Quantity).To(Equal(1))
			Expect(matches[1].InvoiceItem.Quantity).To(Equal(2))
		})
	})

	When("an order has no description", func() {
		BeforeEach(func() {
			items = []LineItem{{Description: ""}}
			orders = []PendingOrder{orderJSON(`{"po_number": "PO-9"}`), orderJSON(`{"description": 12}`)}
		})

		It("should not match it", func() {
			Expect(matches).To(BeEmpty())
		})
	})

	When("there are no orders", func() {
		BeforeEach(func() {
			items = []LineItem{{Description: "Bolt"}}
			orders = nil
		})

		It("should return an empty list", func() {
			Expect(matches).NotTo(BeNil())
			data, err := json.Marshal(matches)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("[]"))
		})
	})
})

func orderJSON(s string) PendingOrder {
	var o PendingOrder
	Expect(json.Unmarshal([]byte(s), &o)).To(Succeed())
	return o
}
