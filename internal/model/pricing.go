package model

import "github.com/shopspring/decimal"

// Direction tells whether a message was sent or received.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// PriceType selects how a pricing row's Price is interpreted.
type PriceType string

const (
	PriceTypeFlat       PriceType = "PRICE"
	PriceTypePercentage PriceType = "PERCENTAGE"
)

// MessagingPricing is immutable reference data keyed by package, message type and direction.
type MessagingPricing struct {
	ID          string          `db:"id" json:"id"`
	PackageID   string          `db:"package_id" json:"package_id"`
	MessageType string          `db:"message_type" json:"message_type"`
	Direction   Direction       `db:"direction" json:"direction"`
	Price       decimal.Decimal `db:"price" json:"price"`
	PriceType   PriceType       `db:"price_type" json:"price_type"`
}
