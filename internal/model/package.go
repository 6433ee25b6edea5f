package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PackageStatus is the lifecycle state of a user's package.
type PackageStatus string

const (
	PackageStatusActive    PackageStatus = "ACTIVE"
	PackageStatusTrialing  PackageStatus = "TRIALING"
	PackageStatusExpired   PackageStatus = "EXPIRED"
	PackageStatusCancelled PackageStatus = "CANCELLED"
)

// Package is a billing plan users can subscribe to.
type Package struct {
	ID           string          `db:"id" json:"id"`
	Name         string          `db:"name" json:"name"`
	Price        decimal.Decimal `db:"price" json:"price"`
	DurationDays int             `db:"duration_days" json:"duration_days"`
}

// UserPackage represents a user's subscription to a package
type UserPackage struct {
	ID                 string        `db:"id" json:"id"`
	UserID             string        `db:"user_id" json:"user_id"`
	AgencyID           string        `db:"agency_id" json:"agency_id"`
	PackageID          string        `db:"package_id" json:"package_id"`
	Status             PackageStatus `db:"status" json:"status"`
	AutoRenew          bool          `db:"auto_renew" json:"auto_renew"`
	CurrentPeriodStart time.Time     `db:"current_period_start" json:"current_period_start"`
	CurrentPeriodEnd   time.Time     `db:"current_period_end" json:"current_period_end"`
	TrialEndsAt        *time.Time    `db:"trial_ends_at" json:"trial_ends_at,omitempty"`
	CreatedAt          time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time     `db:"updated_at" json:"updated_at"`
}

// DuePackage joins a user package that needs attention with the plan it belongs to.
type DuePackage struct {
	UserPackage
	Price        decimal.Decimal `db:"price"`
	DurationDays int             `db:"duration_days"`
}
