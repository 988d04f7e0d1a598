package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tunesync/model"
)

const syncProgressTTL = 24 * time.Hour

// GetSyncProgressKey generates the Redis key for a user's sync progress.
func GetSyncProgressKey(userID int64) string {
	return fmt.Sprintf("sync:progress:%d", userID)
}

// SyncProgressCache publishes per-user sync progress snapshots. It backs the
// status endpoint and the websocket feed; losing an entry only degrades the
// live view, never the sync itself.
type SyncProgressCache struct {
	client *redis.Client
}

// NewSyncProgressCache wires the cache to the shared client.
func NewSyncProgressCache(client *redis.Client) *SyncProgressCache {
	return &SyncProgressCache{client: client}
}

// Report stores the latest progress snapshot for a user.
func (c *SyncProgressCache) Report(ctx context.Context, progress model.SyncProgress) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to marshal sync progress: %w", err)
	}
	key := GetSyncProgressKey(progress.UserID)
	if err := c.client.Set(ctx, key, data, syncProgressTTL).Err(); err != nil {
		return fmt.Errorf("failed to store sync progress: %w", err)
	}
	return nil
}

// Clear removes a user's progress snapshot.
func (c *SyncProgressCache) Clear(ctx context.Context, userID int64) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	if err := c.client.Del(ctx, GetSyncProgressKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear sync progress: %w", err)
	}
	return nil
}

// GetProgress loads the current progress snapshot for a user. Returns
// (nil, nil) when no snapshot exists.
func (c *SyncProgressCache) GetProgress(ctx context.Context, userID int64) (*model.SyncProgress, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}
	data, err := c.client.Get(ctx, GetSyncProgressKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync progress: %w", err)
	}
	progress := &model.SyncProgress{}
	if err := json.Unmarshal(data, progress); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync progress: %w", err)
	}
	return progress, nil
}
