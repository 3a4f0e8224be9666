package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Blockeeer/ai-hair-simulation/internal/models"
	"github.com/Blockeeer/ai-hair-simulation/internal/quota"
)

// UserRepository stores users and their quota columns. It is the MySQL quota.Store:
// every mutation is a single conditional UPDATE checked through RowsAffected.
type UserRepository struct {
	db *sql.DB
}

var _ quota.Store = (*UserRepository)(nil)

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, COALESCE(telegram_id, 0), COALESCE(username, ''), COALESCE(first_name, ''), COALESCE(last_name, ''),
tier, free_daily_limit, free_used_today, COALESCE(last_reset_date, ''), credit_balance, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	q := &u.Quota
	if err := row.Scan(&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.LastName,
		&q.Tier, &q.FreeDailyLimit, &q.FreeUsedToday, &q.LastResetDate, &q.CreditBalance, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	q.UserID = u.ID
	return &u, nil
}

func (r *UserRepository) FindByID(ctx context.Context, id int64) (*models.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

func (r *UserRepository) FindByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id = ?`, telegramID)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	const query = `
INSERT INTO users (telegram_id, username, first_name, last_name, tier, free_daily_limit, credit_balance)
VALUES (NULLIF(?, 0), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?)`
	tier := user.Quota.Tier
	if tier == "" {
		tier = "free"
	}
	res, err := r.db.ExecContext(ctx, query, user.TelegramID, user.Username, user.FirstName, user.LastName,
		tier, user.Quota.FreeDailyLimit, user.Quota.CreditBalance)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	user.ID = id
	user.Quota.UserID = id
	user.Quota.Tier = tier
	return user, nil
}

func (r *UserRepository) UpdateProfile(ctx context.Context, userID int64, username, firstName, lastName string) error {
	const query = `
UPDATE users SET username = NULLIF(?, ''), first_name = NULLIF(?, ''), last_name = NULLIF(?, ''), updated_at = NOW()
WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, username, firstName, lastName, userID); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// Ensure returns the user for telegramID, creating it with freeLimit on first contact.
func (r *UserRepository) Ensure(ctx context.Context, telegramID int64, username, firstName, lastName string, freeLimit int) (*models.User, bool, error) {
	user, err := r.FindByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, false, err
	}
	if user != nil {
		if user.Username != username || user.FirstName != firstName || user.LastName != lastName {
			if err := r.UpdateProfile(ctx, user.ID, username, firstName, lastName); err != nil {
				return nil, false, err
			}
		}
		return user, false, nil
	}
	newUser := &models.User{
		TelegramID: telegramID,
		Username:   username,
		FirstName:  firstName,
		LastName:   lastName,
		Quota:      models.QuotaState{FreeDailyLimit: freeLimit},
	}
	created, err := r.Create(ctx, newUser)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func (r *UserRepository) getQuota(ctx context.Context, userID int64) (models.QuotaState, error) {
	const query = `
SELECT tier, free_daily_limit, free_used_today, COALESCE(last_reset_date, ''), credit_balance
FROM users WHERE id = ?`
	st := models.QuotaState{UserID: userID}
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&st.Tier, &st.FreeDailyLimit, &st.FreeUsedToday, &st.LastResetDate, &st.CreditBalance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.QuotaState{}, quota.ErrUserNotFound
		}
		return models.QuotaState{}, fmt.Errorf("scan quota: %w", err)
	}
	return st, nil
}

// Load resets the free counter when it belongs to another day, then reads the state.
// The reset is conditional so concurrent loads on the same day reset at most once.
func (r *UserRepository) Load(ctx context.Context, userID int64, day string) (models.QuotaState, error) {
	const reset = `
UPDATE users SET free_used_today = 0, last_reset_date = ?, updated_at = NOW()
WHERE id = ? AND (last_reset_date IS NULL OR last_reset_date <> ?)`
	if _, err := r.db.ExecContext(ctx, reset, day, userID, day); err != nil {
		return models.QuotaState{}, fmt.Errorf("reset daily quota: %w", err)
	}
	return r.getQuota(ctx, userID)
}

func (r *UserRepository) Get(ctx context.Context, userID int64) (models.QuotaState, error) {
	return r.getQuota(ctx, userID)
}

func (r *UserRepository) ConsumeFree(ctx context.Context, userID int64, day string) (bool, error) {
	const query = `
UPDATE users SET free_used_today = free_used_today + 1, updated_at = NOW()
WHERE id = ? AND last_reset_date = ? AND free_used_today < free_daily_limit`
	res, err := r.db.ExecContext(ctx, query, userID, day)
	if err != nil {
		return false, fmt.Errorf("consume free generation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("free rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *UserRepository) ConsumeCredit(ctx context.Context, userID int64) (bool, error) {
	const query = `
UPDATE users SET credit_balance = credit_balance - 1, updated_at = NOW()
WHERE id = ? AND credit_balance >= 1`
	res, err := r.db.ExecContext(ctx, query, userID)
	if err != nil {
		return false, fmt.Errorf("consume credit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("credit rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *UserRepository) AddCredits(ctx context.Context, userID int64, credits int) (int, error) {
	const query = `UPDATE users SET credit_balance = credit_balance + ?, updated_at = NOW() WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, credits, userID)
	if err != nil {
		return 0, fmt.Errorf("add credits: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("credit rows affected: %w", err)
	}
	if affected == 0 {
		return 0, quota.ErrUserNotFound
	}
	st, err := r.getQuota(ctx, userID)
	if err != nil {
		return 0, err
	}
	return st.CreditBalance, nil
}
