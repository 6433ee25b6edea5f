package repository

import (
	"context"
	"errors"
	"fmt"

	"crmcore/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// ErrUserNotFound is returned when a debit targets a user that does not exist.
var ErrUserNotFound = errors.New("user_not_found")

// Debit describes one balance decrement and the ledger row that records it.
type Debit struct {
	UserID             string
	AgencyID           string
	Amount             decimal.Decimal
	Type               model.TransactionType
	ContactID          *string
	ConversationID     *string
	BroadcastID        *string
	MessagingPricingID *string
	UserPackageID      *string
	Reason             string
}

// DebitResult is the committed outcome of a Debit.
type DebitResult struct {
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Transaction   *model.BillingTransaction
}

// InTxFunc runs dependent writes inside the debit transaction.
type InTxFunc func(ctx context.Context, tx pgx.Tx) error

// LedgerRepository owns every write to users.current_credit.
type LedgerRepository interface {
	// ApplyDebit decrements the user's credit and appends the billing transaction in a
	// single database transaction. inTx, when non-nil, runs after both writes and
	// before commit; its error rolls everything back.
	ApplyDebit(ctx context.Context, d Debit, inTx InTxFunc) (*DebitResult, error)
}

type ledgerRepo struct {
	pool TxPool
}

// NewLedgerRepo creates a new LedgerRepository.
func NewLedgerRepo(pool TxPool) LedgerRepository {
	return &ledgerRepo{pool: pool}
}

func (r *ledgerRepo) ApplyDebit(ctx context.Context, d Debit, inTx InTxFunc) (*DebitResult, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("starting transaction for debit of user %s: %w", d.UserID, err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	amount := d.Amount.String()

	// The row lock taken by UPDATE serializes concurrent debits of one user.
	const debitQ = `
		UPDATE users
		SET current_credit = current_credit - $2::numeric, updated_at = NOW()
		WHERE id = $1
		RETURNING (current_credit + $2::numeric)::text, current_credit::text
	`
	var beforeRaw, afterRaw string
	if err := tx.QueryRow(ctx, debitQ, d.UserID, amount).Scan(&beforeRaw, &afterRaw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("debit user %s: %w", d.UserID, ErrUserNotFound)
		}
		return nil, fmt.Errorf("debit user %s: %w", d.UserID, err)
	}
	before, err := parseDecimal(beforeRaw)
	if err != nil {
		return nil, err
	}
	after, err := parseDecimal(afterRaw)
	if err != nil {
		return nil, err
	}

	txn := &model.BillingTransaction{
		UserID:             d.UserID,
		AgencyID:           d.AgencyID,
		Amount:             d.Amount,
		Type:               d.Type,
		ContactID:          d.ContactID,
		ConversationID:     d.ConversationID,
		BroadcastID:        d.BroadcastID,
		MessagingPricingID: d.MessagingPricingID,
		UserPackageID:      d.UserPackageID,
		Reason:             d.Reason,
		BalanceAfter:       after,
	}
	const insertQ = `
		INSERT INTO billing_transactions
			(user_id, agency_id, amount, type, contact_id, conversation_id, broadcast_id,
			 messaging_pricing_id, user_package_id, reason, balance_after)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10, $11::numeric)
		RETURNING id, created_at
	`
	if err := tx.QueryRow(ctx, insertQ,
		txn.UserID,
		txn.AgencyID,
		amount,
		string(txn.Type),
		txn.ContactID,
		txn.ConversationID,
		txn.BroadcastID,
		txn.MessagingPricingID,
		txn.UserPackageID,
		txn.Reason,
		after.String(),
	).Scan(&txn.ID, &txn.CreatedAt); err != nil {
		return nil, fmt.Errorf("recording billing transaction for user %s: %w", d.UserID, err)
	}

	if inTx != nil {
		if err := inTx(ctx, tx); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing debit for user %s: %w", d.UserID, err)
	}
	return &DebitResult{BalanceBefore: before, BalanceAfter: after, Transaction: txn}, nil
}
