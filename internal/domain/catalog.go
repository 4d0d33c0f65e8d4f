package domain

// CartItem is a product line as submitted by the client. Prices never come
// from the client.
type CartItem struct {
	ProductID string
	Quantity  int
}

// CatalogItem is the purchasable view of a product at the time of checkout.
type CatalogItem struct {
	ID        string
	Price     int64
	Currency  string
	Published bool
	Stock     int
}

func (c CatalogItem) Purchasable(quantity int) bool {
	return c.Published && c.Stock >= quantity
}
