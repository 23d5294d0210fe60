// Package lifecycle owns task submission and the status protocol that tells
// "never submitted", "in flight" and "finished" apart using an existence
// marker in the key-value store and the result backend.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/podushkina/taskrunner/internal/logging"
	"github.com/podushkina/taskrunner/internal/metrics"
	"github.com/podushkina/taskrunner/internal/task"
)

type MarkerStore interface {
	Set(ctx context.Context, taskID string, ttl time.Duration) error
	Exists(ctx context.Context, taskID string) (bool, error)
	Delete(ctx context.Context, taskID string) error
}

// ResultBackend is the non-blocking side of the result store. Get returns
// task.ErrResultMissing or task.ErrResultTimeout when no result is available.
type ResultBackend interface {
	Get(ctx context.Context, taskID string) ([]byte, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, t *task.Task) error
}

type Validator interface {
	Validate(kind, input string, shots int) error
}

type Options struct {
	// MarkerTTL must cover the worker pool's worst-case in-flight window.
	MarkerTTL    time.Duration
	DefaultKind  string
	DefaultShots int
	// QueryTimeout bounds each backend read made by Query.
	QueryTimeout time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

type Submission struct {
	Kind  string
	Input string
	Shots int
}

type Manager struct {
	markers   MarkerStore
	results   ResultBackend
	queue     Enqueuer
	validator Validator
	opts      Options
	log       *zap.Logger
}

func NewManager(markers MarkerStore, results ResultBackend, queue Enqueuer, validator Validator, opts Options) (*Manager, error) {
	if opts.MarkerTTL <= 0 {
		return nil, errors.New("marker ttl must be positive")
	}
	if opts.DefaultShots <= 0 {
		return nil, errors.New("default shots must be positive")
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 2 * time.Second
	}
	l := opts.Logger
	if l == nil {
		l = logging.L()
	}
	return &Manager{
		markers:   markers,
		results:   results,
		queue:     queue,
		validator: validator,
		opts:      opts,
		log:       l.Named("lifecycle"),
	}, nil
}

// Submit validates the input, writes the existence marker and enqueues one
// unit of work. The marker is written before the enqueue so that a fast
// worker can never finish before it exists; if the enqueue fails the marker
// is rolled back and the error wraps task.ErrEnqueue.
func (m *Manager) Submit(ctx context.Context, s Submission) (string, error) {
	if s.Kind == "" {
		s.Kind = m.opts.DefaultKind
	}
	if s.Shots == 0 {
		s.Shots = m.opts.DefaultShots
	}

	if err := m.validator.Validate(s.Kind, s.Input, s.Shots); err != nil {
		m.opts.Metrics.Submission("invalid")
		logging.FromContext(ctx, m.log).Warn("rejected submission", zap.String("kind", s.Kind), zap.Error(err))
		return "", err
	}

	id := task.NewID()
	ctx = logging.WithTaskID(ctx, id)
	log := logging.FromContext(ctx, m.log)

	if err := m.markers.Set(ctx, id, m.opts.MarkerTTL); err != nil {
		m.opts.Metrics.Submission("enqueue_failed")
		log.Error("write existence marker", zap.Error(err))
		return "", fmt.Errorf("%w: %v", task.ErrEnqueue, err)
	}

	t := &task.Task{ID: id, Kind: s.Kind, Input: s.Input, Shots: s.Shots, Attempt: 1}
	if err := m.queue.Enqueue(ctx, t); err != nil {
		m.opts.Metrics.Submission("enqueue_failed")
		log.Error("enqueue task", zap.Error(err))
		m.rollbackMarker(ctx, id)
		return "", fmt.Errorf("%w: %v", task.ErrEnqueue, err)
	}

	m.opts.Metrics.Submission("accepted")
	log.Info("task submitted", zap.String("kind", s.Kind), zap.Int("shots", s.Shots))
	log.Debug("task input", zap.String("input", s.Input))
	return id, nil
}

func (m *Manager) rollbackMarker(ctx context.Context, id string) {
	// the caller's context may already be cancelled; the rollback must still run
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.QueryTimeout)
	defer cancel()
	if err := m.markers.Delete(rbCtx, id); err != nil {
		logging.FromContext(ctx, m.log).Error("roll back existence marker, left to expire", zap.Error(err))
	}
}

// Query derives the task status. It never blocks on the result backend and
// never returns an error: failures are folded into an error Status.
func (m *Manager) Query(ctx context.Context, id string) task.Status {
	st := m.query(logging.WithTaskID(ctx, id), id)
	m.opts.Metrics.Query(string(st.State))
	return st
}

func (m *Manager) query(ctx context.Context, id string) task.Status {
	log := logging.FromContext(ctx, m.log)

	if !task.ValidID(id) {
		log.Debug("malformed task id")
		return task.NotFound()
	}

	readCtx, cancel := context.WithTimeout(ctx, m.opts.QueryTimeout)
	raw, err := m.results.Get(readCtx, id)
	cancel()

	switch {
	case err == nil:
		decoded := task.DecodeResult(raw)
		if decoded.Err != nil {
			log.Error("undecodable result", zap.Error(decoded.Err))
			return task.Failed(task.MessageFormatInvalid)
		}
		m.clearMarker(ctx, id)
		log.Info("task completed")
		return task.Completed(decoded.Counts)

	case errors.Is(err, task.ErrResultMissing), errors.Is(err, task.ErrResultTimeout):
		readCtx, cancel := context.WithTimeout(ctx, m.opts.QueryTimeout)
		exists, merr := m.markers.Exists(readCtx, id)
		cancel()
		if merr != nil {
			log.Error("read existence marker", zap.Error(merr))
			return task.Failed(merr.Error())
		}
		if exists {
			return task.Pending()
		}
		return task.NotFound()

	default:
		log.Error("task status error", zap.Error(err))
		return task.Failed(err.Error())
	}
}

// clearMarker drops the marker once a result has been observed. Failure is
// only logged: the result stays readable whatever the marker state.
func (m *Manager) clearMarker(ctx context.Context, id string) {
	delCtx, cancel := context.WithTimeout(ctx, m.opts.QueryTimeout)
	defer cancel()
	if err := m.markers.Delete(delCtx, id); err != nil {
		m.opts.Metrics.MarkerCleanupFailed()
		logging.FromContext(ctx, m.log).Warn("delete existence marker", zap.Error(err))
	}
}
