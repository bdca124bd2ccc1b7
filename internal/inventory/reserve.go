package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mtaani/commerce-backend/pkg/db/models"
	pkgerrors "github.com/mtaani/commerce-backend/pkg/errors"
)

// ReservationRequest asks for qty units of a product.
type ReservationRequest struct {
	ProductID uuid.UUID
	Qty       int
}

// Reserve decrements stock for every request inside the caller's transaction.
//
// Each product row is locked with SELECT ... FOR UPDATE before the check, so
// concurrent placements serialize on the row and stock can never go negative.
// The first product that cannot be satisfied fails the whole call; the caller
// is expected to roll back, which releases every reservation taken so far.
func Reserve(ctx context.Context, tx *gorm.DB, requests []ReservationRequest) ([]models.Product, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction required")
	}
	if len(requests) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one reservation is required")
	}

	reserved := make([]models.Product, 0, len(requests))
	for _, req := range requests {
		if req.ProductID == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
		}
		if req.Qty <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("quantity must be positive for product %s", req.ProductID))
		}

		var product models.Product
		err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&product, "id = ?", req.ProductID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("product %s not found", req.ProductID))
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "locking product row")
		}

		if product.Stock < req.Qty {
			return nil, pkgerrors.New(pkgerrors.CodeOutOfStock, fmt.Sprintf("insufficient stock for product %s", req.ProductID)).
				WithDetails(map[string]any{
					"product_id": product.ID.String(),
					"requested":  req.Qty,
					"available":  product.Stock,
				})
		}

		product.Stock -= req.Qty
		product.InStock = product.Stock > 0
		if err := tx.WithContext(ctx).Model(&models.Product{}).
			Where("id = ?", product.ID).
			Updates(map[string]any{
				"stock":    product.Stock,
				"in_stock": product.InStock,
			}).Error; err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "updating product stock")
		}

		reserved = append(reserved, product)
	}
	return reserved, nil
}

// Release returns previously reserved units to stock. Used when an order is
// cancelled outside the placement transaction.
func Release(ctx context.Context, tx *gorm.DB, requests []ReservationRequest) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "transaction required")
	}
	for _, req := range requests {
		if req.ProductID == uuid.Nil || req.Qty <= 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, "invalid release request")
		}

		var product models.Product
		err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&product, "id = ?", req.ProductID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("product %s not found", req.ProductID))
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "locking product row")
		}

		newStock := product.Stock + req.Qty
		if err := tx.WithContext(ctx).Model(&models.Product{}).
			Where("id = ?", product.ID).
			Updates(map[string]any{
				"stock":    newStock,
				"in_stock": newStock > 0,
			}).Error; err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "restoring product stock")
		}
	}
	return nil
}
