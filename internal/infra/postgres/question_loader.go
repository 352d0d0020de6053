package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"buzzquiz-server/internal/domain"
)

// QuestionLoader loads question rows from Postgres. The answers column
// holds a JSON-encoded string array.
type QuestionLoader struct {
	pool *pgxpool.Pool
}

func NewQuestionLoader(pool *pgxpool.Pool) *QuestionLoader {
	return &QuestionLoader{pool: pool}
}

func (l *QuestionLoader) LoadQuestion(ctx context.Context, id int64) (domain.Question, error) {
	var (
		q          domain.Question
		qType      string
		rawAnswers *string
	)
	err := l.pool.QueryRow(ctx,
		`SELECT id, text, type, category, points, answers, correct_answer FROM questions WHERE id=$1`, id,
	).Scan(&q.ID, &q.Text, &qType, &q.Category, &q.Points, &rawAnswers, &q.CorrectAnswer)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	if err != nil {
		return domain.Question{}, fmt.Errorf("load question: %w", err)
	}
	q.Type = domain.QuestionType(qType)
	if rawAnswers != nil && *rawAnswers != "" {
		if err := json.Unmarshal([]byte(*rawAnswers), &q.Answers); err != nil {
			return domain.Question{}, fmt.Errorf("decode answers: %w", err)
		}
	}
	return q, nil
}
