package memory

import (
	"context"
	"sync"

	"buzzquiz-server/internal/domain"
)

// ResultWriter keeps results in memory. The demo-mode stand-in for the
// Postgres writer; tests use it to assert persistence calls.
type ResultWriter struct {
	mu      sync.Mutex
	results []domain.Result
}

func NewResultWriter() *ResultWriter {
	return &ResultWriter{}
}

func (w *ResultWriter) WriteResult(_ context.Context, result domain.Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results = append(w.results, result)
	return nil
}

// Results returns a copy of everything written so far.
func (w *ResultWriter) Results() []domain.Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]domain.Result, len(w.results))
	copy(out, w.results)
	return out
}
