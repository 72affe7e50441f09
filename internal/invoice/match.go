package invoice

import "regexp"

// gstinPattern matches an Indian GST registration number: state code, PAN,
// entity number, the literal Z and a check character.
var gstinPattern = regexp.MustCompile(`\d{2}[A-Z]{5}\d{4}[A-Z][A-Z\d]Z[A-Z\d]`)

// ExtractIdentifier returns the first GSTIN in text
func ExtractIdentifier(text string) (string, bool) {
	id := gstinPattern.FindString(text)
	return id, id != ""
}

// MatchOrders pairs every line item with every pending order that has exactly
// the same description. Results follow item order, then order order, and are
// not deduplicated. Neither input is modified.
func MatchOrders(items []LineItem, orders []PendingOrder) []Match {
	matches := []Match{}
	for _, item := range items {
		for _, order := range orders {
			if order.HasDescription() && item.Description == order.Description {
				matches = append(matches, Match{InvoiceItem: item, POItem: order})
			}
		}
	}
	return matches
}
