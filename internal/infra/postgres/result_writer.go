package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"buzzquiz-server/internal/domain"
)

// ResultWriter persists scored answers into the results table.
type ResultWriter struct {
	pool *pgxpool.Pool
}

func NewResultWriter(pool *pgxpool.Pool) *ResultWriter {
	return &ResultWriter{pool: pool}
}

func (w *ResultWriter) WriteResult(ctx context.Context, result domain.Result) error {
	_, err := w.pool.Exec(ctx,
		`INSERT INTO results (game_id, question_id, buzzer_id, answer, is_correct, points, response_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		result.GameID, result.QuestionID, result.BuzzerID, result.Answer,
		result.IsCorrect, result.Points, result.ResponseTimeMs, result.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}
