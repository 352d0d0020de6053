package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"buzzquiz-server/internal/domain"
)

// JingleLoader loads jingle metadata from Postgres.
type JingleLoader struct {
	pool *pgxpool.Pool
}

func NewJingleLoader(pool *pgxpool.Pool) *JingleLoader {
	return &JingleLoader{pool: pool}
}

func (l *JingleLoader) GetJingle(ctx context.Context, id int64) (domain.Jingle, error) {
	var j domain.Jingle
	err := l.pool.QueryRow(ctx,
		`SELECT id, name, file_path FROM jingles WHERE id=$1`, id,
	).Scan(&j.ID, &j.Name, &j.FilePath)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Jingle{}, domain.ErrJingleNotFound
	}
	if err != nil {
		return domain.Jingle{}, fmt.Errorf("load jingle: %w", err)
	}
	return j, nil
}
