package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/podushkina/taskrunner/internal/config"
	"github.com/podushkina/taskrunner/internal/handlers"
	"github.com/podushkina/taskrunner/internal/logging"
	"github.com/podushkina/taskrunner/internal/metrics"
	"github.com/podushkina/taskrunner/internal/queue"
	"github.com/podushkina/taskrunner/internal/task"
)

var ErrTimeLimit = errors.New("time limit exceeded")

const (
	defaultLeaseSlack = 30 * time.Second
	reapBatch         = 100
)

type Executor interface {
	Execute(ctx context.Context, t *task.Task) handlers.Outcome
}

type ResultWriter interface {
	Put(ctx context.Context, taskID string, data []byte) (bool, error)
}

type MarkerClearer interface {
	Delete(ctx context.Context, taskID string) error
}

type Options struct {
	Count           int
	PollTimeout     time.Duration
	PromoteInterval time.Duration
	// LeaseTimeout is how long a delivery may sit unsettled in any
	// consumer's processing list before it is requeued. Defaults to the
	// time limit plus 30s; zero with no time limit disables reaping.
	LeaseTimeout time.Duration
	// SettleAttempts bounds Ack/Retry/Kill tries before the delivery is
	// left to the reaper.
	SettleAttempts int
	SettleBackoff  time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

type Pool struct {
	queue   *queue.Queue
	exec    Executor
	results ResultWriter
	markers MarkerClearer
	policy  config.RetryPolicy
	opts    Options
	log     *zap.Logger
	wg      sync.WaitGroup
}

func NewPool(q *queue.Queue, exec Executor, results ResultWriter, markers MarkerClearer, policy config.RetryPolicy, opts Options) *Pool {
	if opts.Count <= 0 {
		opts.Count = 1
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 2 * time.Second
	}
	if opts.PromoteInterval <= 0 {
		opts.PromoteInterval = 500 * time.Millisecond
	}
	if opts.LeaseTimeout <= 0 && policy.TimeLimit > 0 {
		opts.LeaseTimeout = policy.TimeLimit + defaultLeaseSlack
	}
	if opts.SettleAttempts <= 0 {
		opts.SettleAttempts = 5
	}
	if opts.SettleBackoff <= 0 {
		opts.SettleBackoff = 100 * time.Millisecond
	}
	l := opts.Logger
	if l == nil {
		l = logging.L()
	}
	return &Pool{
		queue:   q,
		exec:    exec,
		results: results,
		markers: markers,
		policy:  policy,
		opts:    opts,
		log:     l.Named("worker"),
	}
}

// Start returns this consumer's unsettled deliveries to the queue, then
// launches the workers and the promoter, which also reaps deliveries whose
// lease ran out. They run until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	if n, err := p.queue.Recover(ctx); err != nil {
		p.log.Error("recover unsettled tasks", zap.Error(err))
	} else if n > 0 {
		p.log.Info("requeued unsettled tasks", zap.Int("count", n))
	}

	for i := 0; i < p.opts.Count; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	p.wg.Add(1)
	go p.promoter(ctx)

	p.log.Info("started workers", zap.Int("count", p.opts.Count))
}

// Stop waits for in-flight attempts to settle after the Start context is cancelled.
func (p *Pool) Stop() {
	p.wg.Wait()
	p.log.Info("all workers stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With(zap.Int("worker", id))
	log.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("worker shutting down")
			return
		default:
			d, err := p.queue.Dequeue(ctx, p.opts.PollTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error("dequeue", zap.Error(err))
				sleep(ctx, time.Second)
				continue
			}

			if d == nil {
				continue
			}

			// an attempt in progress is allowed to finish during shutdown
			p.process(context.WithoutCancel(ctx), log, d)
		}
	}
}

func (p *Pool) promoter(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := p.queue.PromoteDue(ctx, now, 100)
			if err != nil {
				if ctx.Err() == nil {
					p.log.Error("promote delayed tasks", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				p.log.Debug("promoted delayed tasks", zap.Int("count", n))
			}
			p.reap(ctx, now)
		}
	}
}

func (p *Pool) reap(ctx context.Context, now time.Time) {
	if p.opts.LeaseTimeout <= 0 {
		return
	}
	n, err := p.queue.Reap(ctx, now, p.opts.LeaseTimeout, reapBatch)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Error("reap stale deliveries", zap.Error(err))
		}
		return
	}
	if n > 0 {
		p.log.Warn("requeued deliveries with expired lease", zap.Int("count", n))
	}
}

func (p *Pool) process(ctx context.Context, log *zap.Logger, d *queue.Delivery) {
	t := d.Task
	// each attempt gets its own correlation id
	ctx = logging.WithRequestID(logging.WithTaskID(ctx, t.ID), uuid.NewString())
	log = logging.FromContext(ctx, log).With(zap.String("kind", t.Kind), zap.Int("attempt", t.Attempt))
	log.Info("processing task")

	err := p.Handle(ctx, t)
	if err == nil {
		if p.settle(ctx, log, "ack", func(ctx context.Context) error { return p.queue.Ack(ctx, d) }) {
			log.Info("task completed")
		}
		return
	}

	if t.Attempt < p.policy.MaxAttempts {
		delay := p.policy.Backoff(t.Attempt)
		log.Warn("task attempt failed, retrying", zap.Error(err), zap.Duration("backoff", delay))
		p.settle(ctx, log, "retry", func(ctx context.Context) error { return p.queue.Retry(ctx, d, delay) })
		return
	}

	// no result is written and the marker is left to expire
	log.Error("task failed permanently", zap.Error(err))
	if p.settle(ctx, log, "dead-letter", func(ctx context.Context) error { return p.queue.Kill(ctx, d, err.Error()) }) {
		p.opts.Metrics.DeadLettered(t.Kind)
	}
}

// settle retries a queue transition with doubling backoff. When every try
// fails the delivery stays in the processing list until its lease expires
// and the reaper requeues it.
func (p *Pool) settle(ctx context.Context, log *zap.Logger, op string, fn func(context.Context) error) bool {
	delay := p.opts.SettleBackoff
	for try := 1; ; try++ {
		err := fn(ctx)
		if err == nil {
			return true
		}
		if try >= p.opts.SettleAttempts {
			log.Error("settle delivery failed", zap.String("op", op), zap.Int("tries", try), zap.Error(err))
			return false
		}
		log.Warn("settle delivery", zap.String("op", op), zap.Int("try", try), zap.Error(err))
		sleep(ctx, delay)
		delay *= 2
	}
}

// Handle runs one attempt of t within the per-attempt time limit. On success
// the result is written before the existence marker is deleted; on failure
// neither is touched and the error is returned for the retry policy.
func (p *Pool) Handle(ctx context.Context, t *task.Task) error {
	start := time.Now()
	out := p.execute(ctx, t)
	outcome := "success"
	if out.Err != nil {
		outcome = "failure"
	}
	p.opts.Metrics.Execution(t.Kind, outcome, time.Since(start))

	if out.Err != nil {
		return fmt.Errorf("execute %s: %w", t.Kind, out.Err)
	}

	data, err := task.EncodeResult(out.Counts)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	written, err := p.results.Put(ctx, t.ID, data)
	if err != nil {
		return err
	}
	if !written {
		logging.FromContext(ctx, p.log).Info("result already stored, keeping the first one")
	}

	if err := p.markers.Delete(ctx, t.ID); err != nil {
		// the result is already readable; the marker will expire on its own
		logging.FromContext(ctx, p.log).Warn("delete existence marker", zap.Error(err))
	}
	return nil
}

func (p *Pool) execute(ctx context.Context, t *task.Task) handlers.Outcome {
	if p.policy.TimeLimit <= 0 {
		return p.exec.Execute(ctx, t)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.policy.TimeLimit)
	defer cancel()

	done := make(chan handlers.Outcome, 1)
	go func() {
		done <- p.exec.Execute(attemptCtx, t)
	}()

	select {
	case out := <-done:
		return out
	case <-attemptCtx.Done():
		return handlers.Fail(fmt.Errorf("%w after %s", ErrTimeLimit, p.policy.TimeLimit))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
