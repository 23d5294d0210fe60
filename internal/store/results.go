package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/podushkina/taskrunner/internal/task"
)

const resultPrefix = "taskrunner:result:"

func ResultKey(taskID string) string {
	return resultPrefix + taskID
}

// Results is the result backend: one immutable entry per task id, retained
// for ttl (0 keeps entries indefinitely).
type Results struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewResults(client redis.UniversalClient, ttl time.Duration) *Results {
	return &Results{client: client, ttl: ttl}
}

// Put stores the result unless one already exists for the id. It reports
// whether this call wrote the entry.
func (r *Results) Put(ctx context.Context, taskID string, data []byte) (bool, error) {
	ok, err := r.client.SetNX(ctx, ResultKey(taskID), data, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("put result: %w", err)
	}
	return ok, nil
}

// Get is the non-blocking retrieval. It returns task.ErrResultMissing when
// no entry exists and task.ErrResultTimeout when the backend does not answer
// before ctx's deadline.
func (r *Results) Get(ctx context.Context, taskID string) ([]byte, error) {
	data, err := r.client.Get(ctx, ResultKey(taskID)).Bytes()
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

func classify(err error) error {
	if errors.Is(err, redis.Nil) {
		return task.ErrResultMissing
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", task.ErrResultTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", task.ErrResultTimeout, err)
	}
	return fmt.Errorf("get result: %w", err)
}
