package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is the side of the ledger a row lands on.
type TransactionType string

const (
	TransactionIn  TransactionType = "IN"
	TransactionOut TransactionType = "OUT"
)

// BillingTransaction is an append-only ledger row. Every change to
// users.current_credit has exactly one of these.
type BillingTransaction struct {
	ID                 string          `db:"id" json:"id"`
	UserID             string          `db:"user_id" json:"user_id"`
	AgencyID           string          `db:"agency_id" json:"agency_id"`
	Amount             decimal.Decimal `db:"amount" json:"amount"`
	Type               TransactionType `db:"type" json:"type"`
	ContactID          *string         `db:"contact_id" json:"contact_id,omitempty"`
	ConversationID     *string         `db:"conversation_id" json:"conversation_id,omitempty"`
	BroadcastID        *string         `db:"broadcast_id" json:"broadcast_id,omitempty"`
	MessagingPricingID *string         `db:"messaging_pricing_id" json:"messaging_pricing_id,omitempty"`
	UserPackageID      *string         `db:"user_package_id" json:"user_package_id,omitempty"`
	Reason             string          `db:"reason" json:"reason"`
	BalanceAfter       decimal.Decimal `db:"balance_after" json:"balance_after"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
}
