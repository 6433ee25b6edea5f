package repository

import (
	"context"
	"errors"
	"fmt"

	"crmcore/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type UserRepository interface {
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	// ListNegativeBalances returns users whose credit dropped below zero, most negative first.
	ListNegativeBalances(ctx context.Context, limit int) ([]model.User, error)
}

type userRepo struct {
	db Querier
}

func NewUserRepo(db Querier) UserRepository {
	return &userRepo{db: db}
}

func (r *userRepo) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	const q = `SELECT id, agency_id, current_credit::text, created_at, updated_at FROM users WHERE id = $1`
	u, err := scanUser(r.db.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch user %s: %w", id, err)
	}
	return u, nil
}

func (r *userRepo) ListNegativeBalances(ctx context.Context, limit int) ([]model.User, error) {
	const q = `
		SELECT id, agency_id, current_credit::text, created_at, updated_at
		FROM users
		WHERE current_credit < 0
		ORDER BY current_credit ASC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list negative users: %w", err)
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan negative user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list negative users: %w", err)
	}
	return users, nil
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var credit string
	if err := row.Scan(&u.UserID, &u.AgencyID, &credit, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	c, err := parseDecimal(credit)
	if err != nil {
		return nil, err
	}
	u.CurrentCredit = c
	return &u, nil
}

// parseDecimal reads a NUMERIC column selected as ::text.
func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d, nil
}
