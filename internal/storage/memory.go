package storage

import (
	"sync"

	"github.com/xaenox/whoop-insight-bot/internal/models"
)

// MemoryHistory keeps finalized exchanges per chat in process memory. Each
// chat retains at most limit entries; older ones are dropped first.
type MemoryHistory struct {
	mu       sync.RWMutex
	limit    int
	sessions map[int64][]models.Exchange
}

func NewMemoryHistory(limit int) *MemoryHistory {
	return &MemoryHistory{
		limit:    limit,
		sessions: make(map[int64][]models.Exchange),
	}
}

func (s *MemoryHistory) Append(chatID int64, exchange models.Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.sessions[chatID], exchange)
	if s.limit > 0 && len(history) > s.limit {
		history = append([]models.Exchange(nil), history[len(history)-s.limit:]...)
	}
	s.sessions[chatID] = history
	return nil
}

// List returns up to limit of the most recent exchanges, oldest first.
// A non-positive limit returns everything retained.
func (s *MemoryHistory) List(chatID int64, limit int) ([]models.Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.sessions[chatID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]models.Exchange, len(history))
	copy(out, history)
	return out, nil
}

func (s *MemoryHistory) Clear(chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, chatID)
	return nil
}
