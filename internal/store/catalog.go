package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Listing - минимальные сведения об объявлении, нужные для обмена
type Listing struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Status     string
	AllowTrade bool
}

// ListingCatalog читает объявления из таблицы listings сервиса каталога
type ListingCatalog struct {
	pool *pgxpool.Pool
}

// NewListingCatalog создает каталог поверх пула соединений
func NewListingCatalog(pool *pgxpool.Pool) *ListingCatalog {
	return &ListingCatalog{pool: pool}
}

// LookupListings возвращает найденные объявления по их ID
func (c *ListingCatalog) LookupListings(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Listing, error) {
	rows, err := c.pool.Query(ctx, `
        SELECT id, user_id, status, allow_trade
        FROM listings
        WHERE id = ANY($1::uuid[])
    `, itemsToText(ids))
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса объявлений: %w", classify(err))
	}
	defer rows.Close()

	result := make(map[uuid.UUID]Listing, len(ids))
	for rows.Next() {
		var l Listing
		if err := rows.Scan(&l.ID, &l.UserID, &l.Status, &l.AllowTrade); err != nil {
			return nil, fmt.Errorf("ошибка сканирования объявления: %w", err)
		}
		result[l.ID] = l
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения объявлений: %w", classify(err))
	}
	return result, nil
}
