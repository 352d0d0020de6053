package memory

import (
	"context"
	"sync"

	"buzzquiz-server/internal/domain"
)

// JingleRepository is an in-memory jingle metadata store.
type JingleRepository struct {
	mu      sync.RWMutex
	jingles map[int64]domain.Jingle
}

func NewJingleRepository(jingles map[int64]domain.Jingle) *JingleRepository {
	if jingles == nil {
		jingles = make(map[int64]domain.Jingle)
	}
	return &JingleRepository{jingles: jingles}
}

func (r *JingleRepository) GetJingle(_ context.Context, id int64) (domain.Jingle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if j, ok := r.jingles[id]; ok {
		return j, nil
	}
	return domain.Jingle{}, domain.ErrJingleNotFound
}

// Put registers or replaces a jingle record.
func (r *JingleRepository) Put(j domain.Jingle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jingles[j.ID] = j
}
