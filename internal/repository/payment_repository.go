package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/Blockeeer/ai-hair-simulation/internal/models"
	"github.com/Blockeeer/ai-hair-simulation/internal/payment"
)

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

// PaymentRepository is the MySQL payment.SessionStore.
type PaymentRepository struct {
	db *sql.DB
}

var _ payment.SessionStore = (*PaymentRepository)(nil)

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, s *models.PaymentSession) error {
	const query = `
INSERT INTO payment_sessions (session_id, user_id, package_id, provider, credits_granted, currency, amount)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, s.SessionID, s.UserID, s.PackageID, s.Provider, s.CreditsGranted, s.Currency, s.Amount)
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
			return payment.ErrDuplicate
		}
		return fmt.Errorf("insert payment session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	s.ID = id
	return nil
}

func (r *PaymentRepository) Get(ctx context.Context, sessionID string) (*models.PaymentSession, error) {
	const query = `
SELECT id, session_id, user_id, package_id, provider, credits_granted, currency, amount, processed_at, created_at
FROM payment_sessions WHERE session_id = ?`
	var (
		s         models.PaymentSession
		processed sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, sessionID).Scan(&s.ID, &s.SessionID, &s.UserID, &s.PackageID, &s.Provider,
		&s.CreditsGranted, &s.Currency, &s.Amount, &processed, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, payment.ErrSessionNotFound
		}
		return nil, fmt.Errorf("scan payment session: %w", err)
	}
	if processed.Valid {
		t := processed.Time
		s.ProcessedAt = &t
	}
	return &s, nil
}

// MarkProcessed flips processed_at and credits the owner in one multi-table UPDATE.
// Only the statement that finds processed_at still NULL changes any rows.
func (r *PaymentRepository) MarkProcessed(ctx context.Context, sessionID string, credits int, at time.Time) (bool, int, error) {
	const grant = `
UPDATE payment_sessions ps
JOIN users u ON u.id = ps.user_id
SET ps.processed_at = ?, ps.credits_granted = ?, u.credit_balance = u.credit_balance + ?, u.updated_at = NOW()
WHERE ps.session_id = ? AND ps.processed_at IS NULL`
	res, err := r.db.ExecContext(ctx, grant, at, credits, credits, sessionID)
	if err != nil {
		return false, 0, fmt.Errorf("grant session credits: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("grant rows affected: %w", err)
	}

	const balance = `
SELECT u.credit_balance FROM payment_sessions ps
JOIN users u ON u.id = ps.user_id
WHERE ps.session_id = ?`
	var bal int
	if err := r.db.QueryRowContext(ctx, balance, sessionID).Scan(&bal); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, 0, payment.ErrSessionNotFound
		}
		return false, 0, fmt.Errorf("read balance: %w", err)
	}
	return affected > 0, bal, nil
}
