package service

import (
	"context"
	"errors"
	"fmt"

	"crmcore/internal/model"
	"crmcore/internal/repository"
	"crmcore/internal/telemetry"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	// ErrPercentagePricingUnsupported rejects PERCENTAGE pricing rows until the
	// charging formula for them is defined.
	ErrPercentagePricingUnsupported = errors.New("percentage_pricing_unsupported")
	ErrInvalidChargeAmount          = errors.New("invalid_charge_amount")
)

// NoOpReason says why a deduction made no change.
type NoOpReason string

const (
	NoOpNoActivePackage NoOpReason = "no_active_package"
	NoOpNoPricing       NoOpReason = "no_pricing"
	NoOpSendFailed      NoOpReason = "send_failed"
)

// DeductRequest is one billable messaging event.
type DeductRequest struct {
	UserID         string          `validate:"required"`
	AgencyID       string          `validate:"required"`
	MessageType    string          `validate:"required"`
	Direction      model.Direction `validate:"required,oneof=IN OUT"`
	IsSuccess      bool
	ContactID      *string `validate:"omitempty,min=1"`
	ConversationID *string `validate:"omitempty,min=1"`
	BroadcastID    *string `validate:"omitempty,min=1"`
	Reason         string  `validate:"max=500"`
}

// DeductResult is either a NoOp with its reason or the committed debit.
type DeductResult struct {
	NoOp          bool
	Reason        NoOpReason
	Cost          decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Transaction   *model.BillingTransaction
}

// ChargeRequest debits a fixed amount outside of message pricing, e.g. a package renewal.
type ChargeRequest struct {
	UserID        string          `validate:"required"`
	AgencyID      string          `validate:"required"`
	Amount        decimal.Decimal `validate:"-"`
	UserPackageID *string         `validate:"omitempty,min=1"`
	Reason        string          `validate:"required,max=500"`
}

// LedgerService is the only writer of user credit. It performs no duplicate
// suppression; callers invoke it once per billable event.
type LedgerService interface {
	Deduct(ctx context.Context, req DeductRequest) (*DeductResult, error)
	// Charge debits req.Amount and runs inTx inside the same transaction.
	Charge(ctx context.Context, req ChargeRequest, inTx repository.InTxFunc) (*repository.DebitResult, error)
}

type ledgerService struct {
	packages repository.PackageRepository
	pricing  repository.PricingRepository
	ledger   repository.LedgerRepository
	validate *validator.Validate
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
}

// NewLedgerService creates a new LedgerService with a scoped logger.
func NewLedgerService(
	packages repository.PackageRepository,
	pricing repository.PricingRepository,
	ledger repository.LedgerRepository,
	validate *validator.Validate,
	metrics *telemetry.Metrics,
	logger zerolog.Logger,
) LedgerService {
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	return &ledgerService{
		packages: packages,
		pricing:  pricing,
		ledger:   ledger,
		validate: validate,
		metrics:  metrics,
		logger:   logger.With().Str("service", "LedgerService").Logger(),
	}
}

func (s *ledgerService) Deduct(ctx context.Context, req DeductRequest) (*DeductResult, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, fmt.Errorf("invalid deduct request: %w", err)
	}
	log := s.logger.With().
		Str("user_id", req.UserID).
		Str("message_type", req.MessageType).
		Str("direction", string(req.Direction)).
		Logger()

	pkg, err := s.packages.GetCurrentPackage(ctx, req.UserID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch current package")
		return nil, err
	}
	if pkg == nil {
		log.Debug().Msg("No active package; not billing")
		return s.noOp(ctx, NoOpNoActivePackage), nil
	}

	pricing, err := s.pricing.FindPricing(ctx, pkg.PackageID, req.MessageType, req.Direction)
	if err != nil {
		log.Error().Err(err).Str("package_id", pkg.PackageID).Msg("Failed to fetch messaging pricing")
		return nil, err
	}
	if pricing == nil {
		log.Warn().Str("package_id", pkg.PackageID).Msg("No messaging pricing configured; not billing")
		s.metrics.PricingGap(ctx, pkg.PackageID, req.MessageType, string(req.Direction))
		return s.noOp(ctx, NoOpNoPricing), nil
	}

	cost, err := costOf(pricing)
	if err != nil {
		log.Error().Err(err).Str("pricing_id", pricing.ID).Msg("Cannot price event")
		return nil, err
	}

	if !req.IsSuccess {
		return s.noOp(ctx, NoOpSendFailed), nil
	}

	txType := model.TransactionIn
	if req.Direction == model.DirectionOut {
		txType = model.TransactionOut
	}
	pricingID := pricing.ID
	res, err := s.ledger.ApplyDebit(ctx, repository.Debit{
		UserID:             req.UserID,
		AgencyID:           req.AgencyID,
		Amount:             cost,
		Type:               txType,
		ContactID:          req.ContactID,
		ConversationID:     req.ConversationID,
		BroadcastID:        req.BroadcastID,
		MessagingPricingID: &pricingID,
		Reason:             req.Reason,
	}, nil)
	if err != nil {
		log.Error().Err(err).Str("cost", cost.String()).Msg("Failed to apply debit")
		return nil, err
	}
	s.metrics.LedgerDebit(ctx, string(txType))
	log.Info().
		Str("transaction_id", res.Transaction.ID).
		Str("cost", cost.String()).
		Str("balance_after", res.BalanceAfter.String()).
		Msg("Credit deducted")

	return &DeductResult{
		Cost:          cost,
		BalanceBefore: res.BalanceBefore,
		BalanceAfter:  res.BalanceAfter,
		Transaction:   res.Transaction,
	}, nil
}

func (s *ledgerService) noOp(ctx context.Context, reason NoOpReason) *DeductResult {
	s.metrics.LedgerNoOp(ctx, string(reason))
	return &DeductResult{NoOp: true, Reason: reason}
}

// costOf resolves the amount a pricing row charges for one event.
func costOf(p *model.MessagingPricing) (decimal.Decimal, error) {
	switch p.PriceType {
	case model.PriceTypeFlat:
		if p.Price.IsNegative() {
			return decimal.Zero, fmt.Errorf("pricing %s has negative price %s", p.ID, p.Price)
		}
		return p.Price, nil
	case model.PriceTypePercentage:
		return decimal.Zero, fmt.Errorf("pricing %s: %w", p.ID, ErrPercentagePricingUnsupported)
	default:
		return decimal.Zero, fmt.Errorf("pricing %s has unknown price type %q", p.ID, p.PriceType)
	}
}

func (s *ledgerService) Charge(ctx context.Context, req ChargeRequest, inTx repository.InTxFunc) (*repository.DebitResult, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, fmt.Errorf("invalid charge request: %w", err)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("charge for user %s of %s: %w", req.UserID, req.Amount, ErrInvalidChargeAmount)
	}
	res, err := s.ledger.ApplyDebit(ctx, repository.Debit{
		UserID:        req.UserID,
		AgencyID:      req.AgencyID,
		Amount:        req.Amount,
		Type:          model.TransactionOut,
		UserPackageID: req.UserPackageID,
		Reason:        req.Reason,
	}, inTx)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", req.UserID).Str("amount", req.Amount.String()).Msg("Failed to apply charge")
		return nil, err
	}
	s.metrics.LedgerDebit(ctx, string(model.TransactionOut))
	s.logger.Info().
		Str("user_id", req.UserID).
		Str("transaction_id", res.Transaction.ID).
		Str("amount", req.Amount.String()).
		Str("balance_after", res.BalanceAfter.String()).
		Msg("Credit charged")
	return res, nil
}
