package app

import (
	"context"

	"buzzquiz-server/internal/domain"
)

// QuestionRepository loads question content (from cache/backing store).
type QuestionRepository interface {
	GetQuestion(ctx context.Context, id int64) (domain.Question, error)
}

// JingleRepository loads jingle metadata and file paths.
type JingleRepository interface {
	GetJingle(ctx context.Context, id int64) (domain.Jingle, error)
}

// ResultWriter persists scored answers. Failures are logged by the
// caller, never propagated; in-memory state stays authoritative.
type ResultWriter interface {
	WriteResult(ctx context.Context, result domain.Result) error
}

// WinnerEvent is published when the arbitration window elects a winner.
type WinnerEvent struct {
	BuzzerID       string
	PlayerName     string
	ResponseTimeMs int64
}

// Notifier is the minimal capability the engine needs to publish
// timer-driven outcomes. The transport layer implements it; the engine
// never imports the transport.
type Notifier interface {
	BuzzWinner(gameID string, questionID int64, winner WinnerEvent)
}
