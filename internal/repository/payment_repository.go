package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/digkill/CreatorBot/internal/models"
)

// MySQL server error numbers.
const (
	errDuplicateEntry  = 1062
	errNoReferencedRow = 1452
)

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// RecordAndCredit stores the payment and adds its priority credits in one transaction.
// A charge id seen before credits nothing and reports false; a charge for an unknown
// user is ErrUserNotFound.
func (r *PaymentRepository) RecordAndCredit(ctx context.Context, payment *models.Payment) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const insert = `
INSERT INTO payments (tg_id, provider, charge_id, currency, amount, credits, raw_payload)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, insert, payment.UserID, payment.Provider, payment.ChargeID, payment.Currency, payment.Amount, payment.Credits, payment.Payload)
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) {
			switch myErr.Number {
			case errDuplicateEntry:
				return false, nil
			case errNoReferencedRow:
				return false, ErrUserNotFound
			}
		}
		return false, fmt.Errorf("insert payment: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		payment.ID = id
	}

	const credit = `UPDATE users SET credits_priority = credits_priority + ?, updated_at = NOW() WHERE tg_id = ?`
	upd, err := tx.ExecContext(ctx, credit, payment.Credits, payment.UserID)
	if err != nil {
		return false, fmt.Errorf("add paid credits: %w", err)
	}
	if n, err := upd.RowsAffected(); err == nil && n == 0 {
		return false, ErrUserNotFound
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit payment tx: %w", err)
	}
	return true, nil
}
