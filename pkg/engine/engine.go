// Package engine assembles the avatar session, the turn coordinator and
// their providers from configuration and runs them as one lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/harunnryd/avatartalk/pkg/avatar"
	"github.com/harunnryd/avatartalk/pkg/chat"
	"github.com/harunnryd/avatartalk/pkg/config"
	"github.com/harunnryd/avatartalk/pkg/events"
	"github.com/harunnryd/avatartalk/pkg/logging"
	"github.com/harunnryd/avatartalk/pkg/metrics"
	"github.com/harunnryd/avatartalk/pkg/observers"
	"github.com/harunnryd/avatartalk/pkg/redact"
	"github.com/harunnryd/avatartalk/pkg/resilience"
	"github.com/harunnryd/avatartalk/pkg/runner"
	"github.com/harunnryd/avatartalk/pkg/transcript"
	"github.com/harunnryd/avatartalk/pkg/turn"
)

const (
	drainTimeout  = 10 * time.Second
	recentMetrics = 64
)

type Options struct {
	Config   config.Config
	Registry *Registry
	// Publisher, when set, receives every event as JSON on
	// observability.event_topic.
	Publisher message.Publisher
	Logger    *slog.Logger
	// Banner is where Run prints the startup banner. Nil prints nothing.
	Banner io.Writer
}

type Engine struct {
	cfg       config.Config
	logger    *slog.Logger
	sessionID string

	bus         *events.Bus
	session     *avatar.Session
	coordinator *turn.Coordinator
	source      transcript.Source
	channel     chat.Channel

	asyncObs *metrics.AsyncObserver
	recent   *metrics.MemoryObserver
	usage    *observers.UsageObserver
	timeline *observers.TimelineObserver
	runner   *runner.LifecycleRunner
}

// New builds every provider named in the configuration. Nothing connects
// until Start.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	registry := opts.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	e := &Engine{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(base, "engine"),
		sessionID: uuid.NewString(),
		bus:       events.NewBus(),
	}

	source, err := registry.BuildTranscript(cfg)
	if err != nil {
		return nil, err
	}
	channel, err := registry.BuildChat(cfg)
	if err != nil {
		return nil, err
	}
	relays, err := registry.BuildRelay(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := registry.BuildAvatar(cfg, relays)
	if err != nil {
		return nil, err
	}
	e.source, e.channel = source, channel

	store := observers.Artifacts{Dir: strings.TrimSpace(cfg.Observability.ArtifactsDir)}
	obsList := []metrics.Observer{observers.NewLatencyObserver(base), observers.NewLoggerObserver(base)}
	if store.Enabled() {
		if days := cfg.Observability.RetentionDays; days > 0 {
			removed, err := store.Purge(time.Now().AddDate(0, 0, -days))
			if err != nil {
				e.logger.Warn("artifact_purge_failed", slog.String("error", err.Error()))
			} else if removed > 0 {
				e.logger.Info("artifacts_purged", slog.Int("removed", removed))
			}
		}
		e.timeline = observers.NewTimelineObserver(store)
		obsList = append(obsList, e.timeline)
	}
	e.usage = observers.NewUsageObserver(store)
	e.recent = metrics.NewMemoryObserver(recentMetrics)
	obsList = append(obsList, e.usage, e.recent)
	e.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), 2048)

	if opts.Publisher != nil {
		fwd := events.NewForwarder(opts.Publisher, cfg.Observability.EventTopic, base)
		e.bus.Subscribe(fwd.Emit)
	}

	sessionOpts := []avatar.Option{
		avatar.WithRetryPolicy(resilience.NewRetryPolicy(cfg.Avatar.StartRetries, cfg.Avatar.StartBackoff())),
		avatar.WithFallbackAppearances(cfg.Avatar.Fallbacks...),
		avatar.WithStopTimeout(cfg.Avatar.StopTimeout()),
		avatar.WithDefaultVoice(cfg.Avatar.DefaultVoice),
		avatar.WithLogger(base),
		avatar.WithObserver(e.asyncObs, e.sessionID),
	}
	if cfg.Avatar.BreakerThreshold > 0 {
		cooldown := time.Duration(cfg.Avatar.BreakerCooldownMS) * time.Millisecond
		breaker := resilience.NewCircuitBreaker(cfg.Avatar.BreakerThreshold, cooldown)
		breaker.OnStateChange(func(from, to resilience.BreakerState) {
			level := slog.LevelWarn
			if to == resilience.BreakerClosed {
				level = slog.LevelInfo
			}
			e.logger.Log(context.Background(), level, "avatar_breaker_state",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		})
		sessionOpts = append(sessionOpts, avatar.WithCircuitBreaker(breaker))
	}
	e.session = avatar.NewSession(backend, e.bus, sessionOpts...)

	e.coordinator = turn.NewCoordinator(source, channel, e.session, e.bus, turn.Options{
		Policy:             cfg.Turn.Policy(),
		StartMuted:         cfg.Turn.StartMuted,
		Debounce:           time.Duration(cfg.Turn.DebounceMS) * time.Millisecond,
		NearDuplicateChars: cfg.Turn.NearDuplicateChars,
		Language:           cfg.Turn.Language,
		InterruptOnBargeIn: cfg.Turn.InterruptOnBargeIn,
		HistoryLimit:       cfg.Turn.HistoryLimit,
		Logger:             base,
		Observer:           e.asyncObs,
		SessionID:          e.sessionID,
	})
	e.bus.Subscribe(e.coordinator.HandleEvent, turn.SpeechEventTypes...)

	e.runner = runner.NewLifecycleRunner(runner.DrainerFunc(e.Stop), runner.Hooks{
		OnStart: e.Start,
		OnStop: func() {
			e.logger.Info("shutdown", slog.Int("goroutines", runtime.NumGoroutine()))
		},
	}, runner.WithDrainTimeout(drainTimeout), runner.WithBanner(opts.Banner), runner.WithLogger(base))

	e.logger.Info("engine_init",
		slog.String("environment", cfg.Environment),
		slog.String("session_id", e.sessionID),
		slog.String("transcript_provider", cfg.Vendors.Transcript.Provider),
		slog.String("chat_provider", cfg.Vendors.Chat.Provider),
		slog.String("avatar_provider", cfg.Vendors.Avatar.Provider),
		slog.String("relay_provider", cfg.Relay.Provider),
		slog.String("interlock", cfg.Turn.Policy().String()),
		slog.Bool("redact_pii", redact.Enabled()))
	return e, nil
}

// Start opens the avatar session and then the conversation.
func (e *Engine) Start(ctx context.Context) error {
	appearance := e.cfg.Avatar.Appearance()
	if err := e.session.StartSession(ctx, appearance.Character, appearance.Style); err != nil {
		return err
	}
	if err := e.coordinator.Start(ctx); err != nil {
		return err
	}
	e.logger.Info("engine_ready",
		slog.String("appearance", e.session.Appearance().String()),
		slog.String("channel", e.channel.Name()))
	return nil
}

// Stop ends the conversation, then the avatar session, then flushes
// observers. It is safe to call more than once.
func (e *Engine) Stop(ctx context.Context) error {
	err := errors.Join(
		e.coordinator.Stop(ctx),
		e.session.StopSession(ctx),
	)
	e.asyncObs.Close()
	if dropped := e.asyncObs.Dropped(); dropped > 0 {
		e.logger.Warn("metrics_dropped", slog.Int64("count", dropped))
	}
	if e.timeline != nil {
		err = errors.Join(err, e.timeline.Close())
	}
	if summary, ok := e.usage.Summary(e.sessionID); ok {
		e.logger.Info("session_usage",
			slog.Int("turns", summary.Turns),
			slog.Int("speak_requests", summary.SpeakRequests),
			slog.Int("spoken_chars", summary.SpokenChars),
			slog.Float64("speaking_seconds", summary.SpeakingSeconds))
	}
	return errors.Join(err, e.usage.Close())
}

// Run starts the engine and blocks until ctx is done, then drains.
func (e *Engine) Run(ctx context.Context) error {
	return e.runner.Run(ctx)
}

// Done is closed once Run has drained the engine.
func (e *Engine) Done() <-chan struct{} { return e.runner.Stopped() }

func (e *Engine) Config() config.Config { return e.cfg }
func (e *Engine) SessionID() string { return e.sessionID }
func (e *Engine) Bus() *events.Bus { return e.bus }
func (e *Engine) Session() *avatar.Session { return e.session }
func (e *Engine) Coordinator() *turn.Coordinator { return e.coordinator }
func (e *Engine) Source() transcript.Source { return e.source }
func (e *Engine) Channel() chat.Channel { return e.channel }
func (e *Engine) Usage() (observers.UsageSummary, bool) {
	return e.usage.Summary(e.sessionID)
}

// RecentMetrics returns up to n of the latest metrics events, oldest first,
// after everything queued so far has been delivered.
func (e *Engine) RecentMetrics(n int) []metrics.MetricsEvent {
	_ = e.asyncObs.Flush()
	return e.recent.Last(n)
}
