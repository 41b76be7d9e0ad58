package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/rajivgeraev/flippy-trade/internal/store"
)

// ItemPolicy решает, можно ли участнику выставить указанные предметы
type ItemPolicy interface {
	ValidateItems(ctx context.Context, ownerID uuid.UUID, ids []uuid.UUID) error
}

// TrustPolicy считает ID предметов непрозрачными ссылками и ничего не проверяет
type TrustPolicy struct{}

func (TrustPolicy) ValidateItems(context.Context, uuid.UUID, []uuid.UUID) error {
	return nil
}

// Catalog отдаёт сведения об объявлениях из каталога
type Catalog interface {
	LookupListings(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]store.Listing, error)
}

// CatalogPolicy проверяет предметы по каталогу объявлений: объявление
// существует, принадлежит владельцу списка, активно и допускает обмен
type CatalogPolicy struct {
	Catalog Catalog
}

func (p CatalogPolicy) ValidateItems(ctx context.Context, ownerID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	listings, err := p.Catalog.LookupListings(ctx, ids)
	if err != nil {
		return fmt.Errorf("ошибка проверки предметов в каталоге: %w", err)
	}

	for _, id := range ids {
		listing, ok := listings[id]
		switch {
		case !ok:
			return newError(KindValidation, "Объявление %s не найдено", id)
		case listing.UserID != ownerID:
			return newError(KindValidation, "Объявление %s принадлежит другому пользователю", id)
		case listing.Status != "active":
			return newError(KindValidation, "Объявление %s не активно", id)
		case !listing.AllowTrade:
			return newError(KindValidation, "Объявление %s недоступно для обмена", id)
		}
	}
	return nil
}
