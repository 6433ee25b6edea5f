package repository

import (
	"context"
	"errors"
	"fmt"

	"crmcore/internal/model"

	"github.com/jackc/pgx/v5"
)

// PricingRepository reads messaging price reference data.
type PricingRepository interface {
	// FindPricing returns the price row for the key, or nil when the package has no price for it.
	FindPricing(ctx context.Context, packageID, messageType string, direction model.Direction) (*model.MessagingPricing, error)
}

type pricingRepo struct {
	db Querier
}

// NewPricingRepo creates a new PricingRepository.
func NewPricingRepo(db Querier) PricingRepository {
	return &pricingRepo{db: db}
}

func (r *pricingRepo) FindPricing(ctx context.Context, packageID, messageType string, direction model.Direction) (*model.MessagingPricing, error) {
	const q = `
		SELECT id, package_id, message_type, direction, price::text, price_type
		FROM messaging_pricings
		WHERE package_id = $1
		  AND message_type = $2
		  AND direction = $3
	`
	var p model.MessagingPricing
	var price, dir, priceType string
	err := r.db.QueryRow(ctx, q, packageID, messageType, string(direction)).Scan(
		&p.ID,
		&p.PackageID,
		&p.MessageType,
		&dir,
		&price,
		&priceType,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch pricing for package %s %s/%s: %w", packageID, messageType, direction, err)
	}
	if p.Price, err = parseDecimal(price); err != nil {
		return nil, err
	}
	p.Direction = model.Direction(dir)
	p.PriceType = model.PriceType(priceType)
	return &p, nil
}
