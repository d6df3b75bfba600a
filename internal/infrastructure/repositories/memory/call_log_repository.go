package memory

import (
	"context"
	"sort"
	"sync"

	"passpot/internal/core/domain"
	"passpot/internal/core/ports"
	"passpot/pkg/utils"
)

// MemoryCallLogRepository keeps call history in process memory. It backs the
// call API when Redis is disabled and the repository tests.
type MemoryCallLogRepository struct {
	entries map[string]*domain.CallLogEntry
	byUser  map[domain.UserID][]string
	mu      sync.RWMutex
}

func NewMemoryCallLogRepository() ports.CallLogRepository {
	return &MemoryCallLogRepository{
		entries: make(map[string]*domain.CallLogEntry),
		byUser:  make(map[domain.UserID][]string),
	}
}

func (r *MemoryCallLogRepository) Save(ctx context.Context, entry *domain.CallLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.ID == "" {
		entry.ID = utils.GenerateEntryID()
	}

	stored := *entry
	_, exists := r.entries[entry.ID]
	r.entries[entry.ID] = &stored

	if !exists {
		r.byUser[entry.CallerID] = append(r.byUser[entry.CallerID], entry.ID)
		if entry.ReceiverID != entry.CallerID {
			r.byUser[entry.ReceiverID] = append(r.byUser[entry.ReceiverID], entry.ID)
		}
	}

	return nil
}

func (r *MemoryCallLogRepository) ListByUser(ctx context.Context, userID domain.UserID, limit int) ([]*domain.CallLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byUser[userID]
	entries := make([]*domain.CallLogEntry, 0, len(ids))
	for _, id := range ids {
		if entry, ok := r.entries[id]; ok {
			copied := *entry
			entries = append(entries, &copied)
		}
	}

	// Newest first
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StartTime.After(entries[j].StartTime)
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
