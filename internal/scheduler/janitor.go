// Package scheduler runs periodic maintenance on the execution store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/promptflow/internal/streaming"
	"github.com/rendis/promptflow/pkg/schema"
)

// DefaultSchedule prunes once an hour.
const DefaultSchedule = "@hourly"

// ErrPruneInProgress is returned when a prune is requested while another runs.
var ErrPruneInProgress = errors.New("prune already in progress")

// Pruner deletes finished executions created before a cutoff.
// Satisfied by store.Store.
type Pruner interface {
	PruneExecutions(ctx context.Context, before time.Time) (int64, error)
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithLogger sets the janitor logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Janitor) { j.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// WithHub publishes an executions_pruned event after every prune that
// removed something.
func WithHub(hub streaming.EventHub) Option {
	return func(j *Janitor) { j.hub = hub }
}

// Janitor prunes execution records older than the retention window on a cron
// schedule. Runs never overlap.
type Janitor struct {
	pruner    Pruner
	retention time.Duration
	schedule  cron.Schedule
	logger    *slog.Logger
	now       func() time.Time
	hub       streaming.EventHub

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewJanitor creates a janitor. spec is a five-field cron expression or a
// descriptor such as @daily; empty means DefaultSchedule.
func NewJanitor(p Pruner, retention time.Duration, spec string, opts ...Option) (*Janitor, error) {
	if retention <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "retention must be positive, got %s", retention)
	}
	if spec == "" {
		spec = DefaultSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse prune schedule %q: %s", spec, err.Error()).WithCause(err)
	}

	j := &Janitor{
		pruner:    p,
		retention: retention,
		schedule:  sched,
		logger:    slog.New(slog.DiscardHandler),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Start launches the background loop. The first prune runs immediately.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done != nil {
		return fmt.Errorf("janitor already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})

	go j.loop(loopCtx, j.done)
	j.logger.Info("retention janitor started", slog.Duration("retention", j.retention))
	return nil
}

func (j *Janitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	j.tick(ctx)

	for {
		wait := max(j.NextRun(j.now()).Sub(j.now()), 0)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.tick(ctx)
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	if _, err := j.Prune(ctx); err != nil && !errors.Is(err, ErrPruneInProgress) && ctx.Err() == nil {
		j.logger.Error("prune executions failed", slog.String("error", err.Error()))
	}
}

// Prune deletes finished executions older than the retention window and
// returns how many were removed.
func (j *Janitor) Prune(ctx context.Context) (int64, error) {
	if !j.running.CompareAndSwap(false, true) {
		return 0, ErrPruneInProgress
	}
	defer j.running.Store(false)

	cutoff := j.now().UTC().Add(-j.retention)
	n, err := j.pruner.PruneExecutions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune executions before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if n > 0 {
		j.logger.Info("pruned executions", slog.Int64("count", n), slog.Time("before", cutoff))
		if j.hub != nil {
			_ = j.hub.Publish(ctx, streaming.StreamEvent{
				EventType: schema.EventExecutionsPruned,
				Payload:   map[string]any{"count": n, "before": cutoff},
			})
		}
	}
	return n, nil
}

// NextRun returns the next scheduled prune after from.
func (j *Janitor) NextRun(from time.Time) time.Time {
	return j.schedule.Next(from)
}

// Stop cancels the loop and waits for an in-flight prune to return.
func (j *Janitor) Stop() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancel == nil {
		return nil
	}

	j.cancel()
	<-j.done
	j.cancel = nil
	j.done = nil

	j.logger.Info("retention janitor stopped")
	return nil
}
