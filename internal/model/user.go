package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User represents a billable user in the system
type User struct {
	UserID        string          `db:"id" json:"user_id"`
	AgencyID      string          `db:"agency_id" json:"agency_id"`
	CurrentCredit decimal.Decimal `db:"current_credit" json:"current_credit"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// IsNegative reports whether the user's balance has dropped below zero.
func (u *User) IsNegative() bool {
	return u.CurrentCredit.IsNegative()
}
