package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"reconciler/internal/domain"
)

type PostgresCatalog struct {
	db *sql.DB
}

func NewPostgresCatalog(db *sql.DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

func (c *PostgresCatalog) GetPurchasableItems(ctx context.Context, ids []string) ([]domain.CatalogItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, price, currency, published, stock
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
	`
	rows, err := c.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var items []domain.CatalogItem
	for rows.Next() {
		var item domain.CatalogItem
		if err := rows.Scan(&item.ID, &item.Price, &item.Currency, &item.Published, &item.Stock); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		item.Currency = strings.TrimSpace(item.Currency)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating products: %w", err)
	}
	return items, nil
}

// Upsert inserts or replaces a product. It backs the seed command and tests.
func (c *PostgresCatalog) Upsert(ctx context.Context, item domain.CatalogItem, title string) error {
	query := `
		INSERT INTO products (id, title, price, currency, published, stock)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title, price = EXCLUDED.price, currency = EXCLUDED.currency,
		    published = EXCLUDED.published, stock = EXCLUDED.stock, updated_at = NOW()
	`
	if _, err := c.db.ExecContext(ctx, query, item.ID, title, item.Price, item.Currency, item.Published, item.Stock); err != nil {
		return fmt.Errorf("failed to upsert product %s: %w", item.ID, err)
	}
	return nil
}
