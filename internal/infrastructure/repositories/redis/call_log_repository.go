package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"passpot/internal/core/domain"
	"passpot/internal/core/ports"
	"passpot/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// RedisCallLogRepository stores entries as JSON keys plus a per-user sorted
// set scored by end time, so ListByUser is a reverse range.
type RedisCallLogRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisCallLogRepository(client *redis.Client) ports.CallLogRepository {
	return &RedisCallLogRepository{
		client: client,
		prefix: "passpot:calllog:",
	}
}

func (r *RedisCallLogRepository) entryKey(id string) string {
	return r.prefix + id
}

func (r *RedisCallLogRepository) userIndexKey(userID domain.UserID) string {
	return fmt.Sprintf("passpot:user:%s:calls", userID)
}

func (r *RedisCallLogRepository) Save(ctx context.Context, entry *domain.CallLogEntry) error {
	if entry.ID == "" {
		entry.ID = utils.GenerateEntryID()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal call log entry: %w", err)
	}

	key := r.entryKey(entry.ID)
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set call log entry in Redis: %w", err)
	}

	score := float64(entry.EndTime.UnixMilli())
	member := redis.Z{Score: score, Member: entry.ID}

	if err := r.client.ZAdd(ctx, r.userIndexKey(entry.CallerID), member).Err(); err != nil {
		return fmt.Errorf("failed to index entry for caller: %w", err)
	}
	if entry.ReceiverID != entry.CallerID {
		if err := r.client.ZAdd(ctx, r.userIndexKey(entry.ReceiverID), member).Err(); err != nil {
			return fmt.Errorf("failed to index entry for receiver: %w", err)
		}
	}

	return nil
}

func (r *RedisCallLogRepository) ListByUser(ctx context.Context, userID domain.UserID, limit int) ([]*domain.CallLogEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	ids, err := r.client.ZRevRange(ctx, r.userIndexKey(userID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read call index from Redis: %w", err)
	}

	entries := make([]*domain.CallLogEntry, 0, len(ids))
	for _, id := range ids {
		data, err := r.client.Get(ctx, r.entryKey(id)).Result()
		if err == redis.Nil {
			// Index can briefly outlive a deleted entry.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get call log entry from Redis: %w", err)
		}

		var entry domain.CallLogEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call log entry: %w", err)
		}
		entries = append(entries, &entry)
	}

	return entries, nil
}
