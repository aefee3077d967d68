package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/CreatorBot/internal/models"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrNegativeBalance = errors.New("credit adjustment would make balance negative")
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const selectUser = `
SELECT tg_id, COALESCE(username, ''), COALESCE(first_name, ''), credits_priority, credits_standard, referred_by, created_at, updated_at
FROM users`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var referredBy sql.NullInt64
	if err := row.Scan(&u.ID, &u.Username, &u.FirstName, &u.CreditsPriority, &u.CreditsStandard, &referredBy, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if referredBy.Valid {
		ref := referredBy.Int64
		u.ReferredBy = &ref
	}
	return &u, nil
}

// Get returns nil without error when the identity has never been seen.
func (r *UserRepository) Get(ctx context.Context, id int64) (*models.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, selectUser+` WHERE tg_id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

// Create inserts the user unless the identity already exists. The referrer bonus is
// applied in the same transaction and only when this call inserted the row, so a
// replayed first contact never pays the referrer twice.
func (r *UserRepository) Create(ctx context.Context, user *models.User, referrerBonus int) (*models.User, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const insert = `
INSERT IGNORE INTO users (tg_id, username, first_name, credits_priority, credits_standard, referred_by)
VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?)`
	var referredBy any
	if user.ReferredBy != nil {
		referredBy = *user.ReferredBy
	}
	res, err := tx.ExecContext(ctx, insert, user.ID, user.Username, user.FirstName, user.CreditsPriority, user.CreditsStandard, referredBy)
	if err != nil {
		return nil, false, fmt.Errorf("insert user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("user rows affected: %w", err)
	}
	created := affected > 0

	if created && user.ReferredBy != nil && referrerBonus > 0 {
		const bonus = `UPDATE users SET credits_priority = credits_priority + ?, updated_at = NOW() WHERE tg_id = ?`
		if _, err := tx.ExecContext(ctx, bonus, referrerBonus, *user.ReferredBy); err != nil {
			return nil, false, fmt.Errorf("apply referrer bonus: %w", err)
		}
	}

	stored, err := scanUser(tx.QueryRowContext(ctx, selectUser+` WHERE tg_id = ?`, user.ID))
	if err != nil {
		return nil, false, fmt.Errorf("reload user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit user tx: %w", err)
	}
	return stored, created, nil
}

func (r *UserRepository) UpdateProfile(ctx context.Context, id int64, username, firstName string) error {
	const query = `
UPDATE users SET username = NULLIF(?, ''), first_name = NULLIF(?, ''), updated_at = NOW()
WHERE tg_id = ?`
	if _, err := r.db.ExecContext(ctx, query, username, firstName, id); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// AdjustCredits applies both deltas or neither. Adjustments that would drive a balance
// below zero are rejected rather than clamped.
func (r *UserRepository) AdjustCredits(ctx context.Context, id int64, priorityDelta, standardDelta int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var priority, standard int
	row := tx.QueryRowContext(ctx, `SELECT credits_priority, credits_standard FROM users WHERE tg_id = ? FOR UPDATE`, id)
	if err := row.Scan(&priority, &standard); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("lock user balance: %w", err)
	}
	if priority+priorityDelta < 0 || standard+standardDelta < 0 {
		return ErrNegativeBalance
	}

	const update = `
UPDATE users SET credits_priority = credits_priority + ?, credits_standard = credits_standard + ?, updated_at = NOW()
WHERE tg_id = ?`
	if _, err := tx.ExecContext(ctx, update, priorityDelta, standardDelta, id); err != nil {
		return fmt.Errorf("adjust credits: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit adjust tx: %w", err)
	}
	return nil
}

// ConsumeOneCredit takes one unit from the priority tier, else the standard tier, under
// a row lock so concurrent requests for the same user serialize on the balance.
func (r *UserRepository) ConsumeOneCredit(ctx context.Context, id int64) (models.CreditTier, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.TierNone, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var priority, standard int
	row := tx.QueryRowContext(ctx, `SELECT credits_priority, credits_standard FROM users WHERE tg_id = ? FOR UPDATE`, id)
	if err := row.Scan(&priority, &standard); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TierNone, false, nil
		}
		return models.TierNone, false, fmt.Errorf("lock user balance: %w", err)
	}

	var (
		query string
		tier  models.CreditTier
	)
	switch {
	case priority > 0:
		query = `UPDATE users SET credits_priority = credits_priority - 1, updated_at = NOW() WHERE tg_id = ?`
		tier = models.TierPriority
	case standard > 0:
		query = `UPDATE users SET credits_standard = credits_standard - 1, updated_at = NOW() WHERE tg_id = ?`
		tier = models.TierStandard
	default:
		return models.TierNone, false, nil
	}

	if _, err := tx.ExecContext(ctx, query, id); err != nil {
		return models.TierNone, false, fmt.Errorf("consume %s credit: %w", tier, err)
	}
	if err := tx.Commit(); err != nil {
		return models.TierNone, false, fmt.Errorf("commit consume tx: %w", err)
	}
	return tier, true, nil
}

func (r *UserRepository) ListIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT tg_id FROM users`)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
