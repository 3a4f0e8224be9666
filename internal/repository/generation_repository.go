package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Blockeeer/ai-hair-simulation/internal/models"
)

type GenerationRepository struct {
	db *sql.DB
}

func NewGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

func (r *GenerationRepository) Log(ctx context.Context, entry *models.GenerationLog) error {
	const query = `
INSERT INTO generation_logs (user_id, style, color, model, gender, funding_source, result_url)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	p := entry.Params.Normalized()
	res, err := r.db.ExecContext(ctx, query, entry.UserID, p.Style, p.Color, p.Model, p.Gender, entry.Source, entry.ResultURL)
	if err != nil {
		return fmt.Errorf("insert generation log: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// ListByUser returns the newest generations first.
func (r *GenerationRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]models.GenerationLog, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	const query = `
SELECT id, user_id, style, color, model, gender, funding_source, result_url, created_at
FROM generation_logs WHERE user_id = ?
ORDER BY id DESC
LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var logs []models.GenerationLog
	for rows.Next() {
		var l models.GenerationLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.Params.Style, &l.Params.Color, &l.Params.Model, &l.Params.Gender,
			&l.Source, &l.ResultURL, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
