package invoice

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zombor/invoice-reconciler/internal/schema"
)

// Schema is the record every invoice is extracted into
var Schema = schema.MustParse(`{
	"invoice_number": "str",
	"invoice_date": "str",
	"supplier": "str",
	"products_services": [{
		"description": "str",
		"hsn_sac": "str",
		"quantity": "int",
		"unit": "str",
		"rate": "float",
		"total_price": "float"
	}]
}`)

// Record is the structured form of one invoice
type Record struct {
	InvoiceNumber    string     `json:"invoice_number"`
	InvoiceDate      string     `json:"invoice_date"`
	Supplier         string     `json:"supplier"`
	ProductsServices []LineItem `json:"products_services"`
}

// MarshalJSON always writes products_services as a list
func (r Record) MarshalJSON() ([]byte, error) {
	type record Record
	if r.ProductsServices == nil {
		r.ProductsServices = []LineItem{}
	}
	return json.Marshal(record(r))
}

// LineItem is one product or service billed on the invoice
type LineItem struct {
	Description string  `json:"description"`
	HSNSAC      string  `json:"hsn_sac"` // tax classification code
	Quantity    int     `json:"quantity"`
	Unit        string  `json:"unit"`
	Rate        float64 `json:"rate"`
	TotalPrice  float64 `json:"total_price"`
}

// PendingOrder is a purchase order line from the order service. The service's
// record is kept as received; only the description is interpreted.
type PendingOrder struct {
	Description string
	described   bool
	raw         json.RawMessage
}

// NewPendingOrder creates an order with only a description, for callers that
// build orders themselves instead of fetching them from the order service
func NewPendingOrder(description string) PendingOrder {
	return PendingOrder{Description: description, described: true}
}

// HasDescription reports whether the service supplied a string description
func (p PendingOrder) HasDescription() bool {
	return p.described
}

// UnmarshalJSON keeps the whole object and reads its description
func (p *PendingOrder) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("pending order must be an object: %w", err)
	}
	if fields == nil {
		return errors.New("pending order must be an object")
	}

	*p = PendingOrder{raw: append(json.RawMessage(nil), bytes.TrimSpace(data)...)}
	if d, ok := fields["description"]; ok {
		if err := json.Unmarshal(d, &p.Description); err == nil {
			p.described = true
		}
	}
	return nil
}

// MarshalJSON writes the order exactly as the service sent it
func (p PendingOrder) MarshalJSON() ([]byte, error) {
	if p.raw != nil {
		return p.raw, nil
	}
	return json.Marshal(map[string]string{"description": p.Description})
}

// Fields decodes the order into a generic map
func (p PendingOrder) Fields() (map[string]any, error) {
	data, err := p.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decoding pending order: %w", err)
	}
	return fields, nil
}

// Match pairs an invoice line item with a pending order line
type Match struct {
	InvoiceItem LineItem     `json:"invoice_item"`
	POItem      PendingOrder `json:"po_item"`
}
