package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Blockeeer/ai-hair-simulation/internal/models"
)

var (
	ErrPromoNotFound        = errors.New("promo code not found")
	ErrPromoExhausted       = errors.New("promo code exhausted")
	ErrPromoAlreadyRedeemed = errors.New("promo code already redeemed")
)

type PromoRepository struct {
	db *sql.DB
}

func NewPromoRepository(db *sql.DB) *PromoRepository {
	return &PromoRepository{db: db}
}

func (r *PromoRepository) GetByCode(ctx context.Context, code string) (*models.PromoCode, error) {
	const query = `SELECT id, code, credits, max_uses, uses, created_at FROM promo_codes WHERE code = ?`
	row := r.db.QueryRowContext(ctx, query, code)
	var promo models.PromoCode
	if err := row.Scan(&promo.ID, &promo.Code, &promo.Credits, &promo.MaxUses, &promo.Uses, &promo.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan promo: %w", err)
	}
	return &promo, nil
}

func (r *PromoRepository) GetByID(ctx context.Context, id int64) (*models.PromoCode, error) {
	const query = `SELECT id, code, credits, max_uses, uses, created_at FROM promo_codes WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)
	var promo models.PromoCode
	if err := row.Scan(&promo.ID, &promo.Code, &promo.Credits, &promo.MaxUses, &promo.Uses, &promo.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get promo by id: %w", err)
	}
	return &promo, nil
}

func (r *PromoRepository) List(ctx context.Context) ([]models.PromoCode, error) {
	const query = `SELECT id, code, credits, max_uses, uses, created_at FROM promo_codes ORDER BY id DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list promos: %w", err)
	}
	defer rows.Close()

	var promos []models.PromoCode
	for rows.Next() {
		var promo models.PromoCode
		if err := rows.Scan(&promo.ID, &promo.Code, &promo.Credits, &promo.MaxUses, &promo.Uses, &promo.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan promo list: %w", err)
		}
		promos = append(promos, promo)
	}
	return promos, rows.Err()
}

func (r *PromoRepository) Create(ctx context.Context, promo *models.PromoCode) (*models.PromoCode, error) {
	const query = `
INSERT INTO promo_codes (code, credits, max_uses, uses)
VALUES (?, ?, ?, 0)`
	res, err := r.db.ExecContext(ctx, query, promo.Code, promo.Credits, promo.MaxUses)
	if err != nil {
		return nil, fmt.Errorf("create promo: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("promo last insert id: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *PromoRepository) Update(ctx context.Context, promo *models.PromoCode) (*models.PromoCode, error) {
	const query = `
UPDATE promo_codes
SET code = ?, credits = ?, max_uses = ?, uses = ?
WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, promo.Code, promo.Credits, promo.MaxUses, promo.Uses, promo.ID); err != nil {
		return nil, fmt.Errorf("update promo: %w", err)
	}
	return r.GetByID(ctx, promo.ID)
}

func (r *PromoRepository) Delete(ctx context.Context, id int64) error {
	const query = `DELETE FROM promo_codes WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete promo: %w", err)
	}
	return nil
}

// Redeem records one redemption of code by userID and adds the code's credits to
// the user's balance in a single transaction. It returns the credits granted and
// the new balance.
func (r *PromoRepository) Redeem(ctx context.Context, userID int64, code string) (int, int, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var promoID int64
	var credits, uses, maxUses int
	row := tx.QueryRowContext(ctx, `SELECT id, credits, uses, max_uses FROM promo_codes WHERE code = ? FOR UPDATE`, code)
	if err := row.Scan(&promoID, &credits, &uses, &maxUses); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, ErrPromoNotFound
		}
		return 0, 0, fmt.Errorf("lock promo: %w", err)
	}
	if uses >= maxUses {
		return 0, 0, ErrPromoExhausted
	}

	row = tx.QueryRowContext(ctx, `SELECT 1 FROM promo_redemptions WHERE user_id = ? AND promo_code_id = ?`, userID, promoID)
	var dummy int
	if err := row.Scan(&dummy); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, 0, fmt.Errorf("check redemption: %w", err)
		}
	} else {
		return 0, 0, ErrPromoAlreadyRedeemed
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO promo_redemptions (user_id, promo_code_id) VALUES (?, ?)`, userID, promoID); err != nil {
		return 0, 0, fmt.Errorf("insert redemption: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE promo_codes SET uses = uses + 1 WHERE id = ?`, promoID); err != nil {
		return 0, 0, fmt.Errorf("increment promo uses: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET credit_balance = credit_balance + ?, updated_at = NOW() WHERE id = ?`, credits, userID); err != nil {
		return 0, 0, fmt.Errorf("add promo credits: %w", err)
	}

	var balance int
	if err := tx.QueryRowContext(ctx, `SELECT credit_balance FROM users WHERE id = ?`, userID).Scan(&balance); err != nil {
		return 0, 0, fmt.Errorf("read balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit promo tx: %w", err)
	}
	return credits, balance, nil
}
