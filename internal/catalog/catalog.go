// Package catalog resolves cart lines against the product catalog. Only the
// purchasable view needed at checkout is exposed here.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"reconciler/internal/domain"
)

// Catalog returns the catalog entries for ids. Unknown ids are simply absent
// from the result.
type Catalog interface {
	GetPurchasableItems(ctx context.Context, ids []string) ([]domain.CatalogItem, error)
}

// StaticCatalog is an in-memory catalog for local development and tests.
type StaticCatalog struct {
	mu    sync.RWMutex
	items map[string]domain.CatalogItem
}

func NewStaticCatalog(items ...domain.CatalogItem) *StaticCatalog {
	c := &StaticCatalog{items: make(map[string]domain.CatalogItem, len(items))}
	for _, item := range items {
		c.items[item.ID] = item
	}
	return c
}

type fileItem struct {
	ID        string `json:"id"`
	Price     string `json:"price"`
	Currency  string `json:"currency"`
	Published bool   `json:"published"`
	Stock     int    `json:"stock"`
}

// LoadStaticCatalog reads a JSON array of products. Prices are decimal
// strings in the product currency, e.g. "19.99".
func LoadStaticCatalog(path string) (*StaticCatalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	var entries []fileItem
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode catalog file %s: %w", path, err)
	}

	items := make([]domain.CatalogItem, 0, len(entries))
	for _, e := range entries {
		currency, err := domain.NormalizeCurrency(e.Currency)
		if err != nil {
			return nil, fmt.Errorf("product %s: %w", e.ID, err)
		}
		price, err := domain.ParseMinor(e.Price, currency)
		if err != nil {
			return nil, fmt.Errorf("product %s: %w", e.ID, err)
		}
		items = append(items, domain.CatalogItem{
			ID:        e.ID,
			Price:     price,
			Currency:  currency,
			Published: e.Published,
			Stock:     e.Stock,
		})
	}
	return NewStaticCatalog(items...), nil
}

func (c *StaticCatalog) Put(item domain.CatalogItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[item.ID] = item
}

func (c *StaticCatalog) GetPurchasableItems(_ context.Context, ids []string) ([]domain.CatalogItem, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.CatalogItem, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if item, ok := c.items[id]; ok {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
