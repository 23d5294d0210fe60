package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const markerPrefix = "task_submitted:"

func MarkerKey(taskID string) string {
	return markerPrefix + taskID
}

// Markers holds the short-lived existence flags that prove a task was
// submitted and has not resolved yet.
type Markers struct {
	client redis.UniversalClient
}

func NewMarkers(client redis.UniversalClient) *Markers {
	return &Markers{client: client}
}

func (m *Markers) Set(ctx context.Context, taskID string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("set marker: non-positive ttl %s", ttl)
	}
	if err := m.client.Set(ctx, MarkerKey(taskID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("set marker: %w", err)
	}
	return nil
}

func (m *Markers) Exists(ctx context.Context, taskID string) (bool, error) {
	err := m.client.Get(ctx, MarkerKey(taskID)).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("get marker: %w", err)
	}
	return true, nil
}

// Delete removes the marker. Deleting an absent marker is not an error.
func (m *Markers) Delete(ctx context.Context, taskID string) error {
	if err := m.client.Del(ctx, MarkerKey(taskID)).Err(); err != nil {
		return fmt.Errorf("delete marker: %w", err)
	}
	return nil
}
