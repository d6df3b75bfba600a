package ports

import (
	"context"

	"passpot/internal/core/domain"
)

// CallLogRepository is the storage port behind the call log backend.
type CallLogRepository interface {
	Save(ctx context.Context, entry *domain.CallLogEntry) error
	ListByUser(ctx context.Context, userID domain.UserID, limit int) ([]*domain.CallLogEntry, error)
}
