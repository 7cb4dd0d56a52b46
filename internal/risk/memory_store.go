package risk

import (
	"context"
	"sync"

	"github.com/mbd888/trustscore/internal/pagination"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]*Assessment // sessionID → assessments, oldest first
}

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string][]*Assessment),
	}
}

func (s *MemoryStore) Record(ctx context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := cloneAssessment(a)
	s.assessments[a.SessionID] = append(s.assessments[a.SessionID], cp)
	return nil
}

// ListBySession returns the most recent assessments first, up to limit.
func (s *MemoryStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Assessment, error) {
	return s.ListBySessionPage(ctx, sessionID, limit, nil)
}

func (s *MemoryStore) ListBySessionPage(ctx context.Context, sessionID string, limit int, cursor *pagination.Cursor) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[sessionID]
	if len(all) == 0 {
		return nil, nil
	}

	var result []*Assessment
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		if cursor != nil && !cursor.Before(all[i].EvaluatedAt, all[i].ID) {
			continue
		}
		result = append(result, cloneAssessment(all[i]))
	}
	return result, nil
}

func (s *MemoryStore) Latest(ctx context.Context, sessionID string) (*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[sessionID]
	if len(all) == 0 {
		return nil, ErrNotFound
	}
	return cloneAssessment(all[len(all)-1]), nil
}

func cloneAssessment(a *Assessment) *Assessment {
	cp := *a
	cp.Factors = append([]string(nil), a.Factors...)
	cp.Recommendations = append([]string(nil), a.Recommendations...)
	cp.TopReasons = append(cp.TopReasons[:0:0], a.TopReasons...)
	cp.Degraded = append([]string(nil), a.Degraded...)
	return &cp
}
