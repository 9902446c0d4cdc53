package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/avatartalk/pkg/logging"
)

var (
	ErrInvalidState = errors.New("runner: invalid state transition")
	ErrDrainTimeout = errors.New("runner: drain timeout")
)

const defaultDrainTimeout = 10 * time.Second

// Option configures a LifecycleRunner.
type Option func(*LifecycleRunner)

// WithDrainTimeout bounds how long Drain may take before the run gives up
// with ErrDrainTimeout.
func WithDrainTimeout(d time.Duration) Option {
	return func(r *LifecycleRunner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithBanner prints the banner to w when Run starts.
func WithBanner(w io.Writer) Option {
	return func(r *LifecycleRunner) { r.banner = w }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *LifecycleRunner) {
		if l != nil {
			r.logger = logging.NewComponentLogger(l, "lifecycle")
		}
	}
}

// LifecycleRunner runs start hooks, blocks until its context ends or Stop
// is called, then drains exactly once.
type LifecycleRunner struct {
	hooks   Hooks
	drainer Drainer
	timeout time.Duration
	banner  io.Writer
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopErr  error
	stopped  chan struct{}
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, opts ...Option) *LifecycleRunner {
	r := &LifecycleRunner{
		hooks:   hooks,
		drainer: drainer,
		timeout: defaultDrainTimeout,
		logger:  logging.NewComponentLogger(slog.Default(), "lifecycle"),
		state:   StateNew,
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run returns ErrInvalidState unless the runner is new. A failing OnStart
// still drains whatever it managed to start.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.state != StateNew {
		r.mu.Unlock()
		cancel()
		return ErrInvalidState
	}
	r.cancel = cancel
	r.mu.Unlock()
	r.transition(StateStarting)

	if r.banner != nil {
		PrintBanner(r.banner)
	}
	if r.hooks.OnStart != nil {
		if err := r.hooks.OnStart(runCtx); err != nil {
			r.logger.Error("lifecycle_start_failed", slog.String("error", err.Error()))
			cancel()
			return errors.Join(err, r.drain())
		}
	}
	r.transition(StateRunning)
	<-runCtx.Done()
	return r.drain()
}

// Stop cancels a running lifecycle and drains. Later calls return the first
// result.
func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return r.drain()
}

func (r *LifecycleRunner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stopped is closed once draining has finished.
func (r *LifecycleRunner) Stopped() <-chan struct{} {
	return r.stopped
}

func (r *LifecycleRunner) drain() error {
	r.stopOnce.Do(func() {
		r.transition(StateDraining)
		started := time.Now()
		if r.drainer != nil {
			r.stopErr = r.drainWithin()
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.transition(StateStopped)
		r.logger.Info("lifecycle_drained",
			slog.Int64("drain_ms", time.Since(started).Milliseconds()),
			slog.Bool("timed_out", errors.Is(r.stopErr, ErrDrainTimeout)))
		close(r.stopped)
	})
	<-r.stopped
	return r.stopErr
}

func (r *LifecycleRunner) drainWithin() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.drainer.Drain(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ErrDrainTimeout
	}
}

func (r *LifecycleRunner) transition(to State) {
	r.mu.Lock()
	from := r.state
	r.state = to
	r.mu.Unlock()
	r.logger.Debug("lifecycle_state",
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}

var _ Runner = (*LifecycleRunner)(nil)
