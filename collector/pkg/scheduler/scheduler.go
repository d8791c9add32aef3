package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/launchpad/collector/pkg/distribution"
	"github.com/malbeclabs/launchpad/collector/pkg/metrics"
)

const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Runner performs one collection pass.
type Runner interface {
	Run(ctx context.Context) *distribution.RunSummary
}

// Notifier is told about every completed run.
type Notifier interface {
	NotifyRun(ctx context.Context, summary *distribution.RunSummary) error
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Runner   Runner
	Notifier Notifier // optional
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Runner == nil {
		return errors.New("runner is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Scheduler runs the collection pass periodically. At most one pass is in flight at a time;
// ticks and manual triggers that arrive while a pass is running are dropped, not queued.
type Scheduler struct {
	log *slog.Logger
	cfg Config

	running atomic.Bool
	dropped atomic.Int64
	wg      sync.WaitGroup

	mu      sync.Mutex
	stopCh  chan struct{}
	lastRun *distribution.RunSummary

	readyOnce sync.Once
	readyCh   chan struct{}
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		log:     cfg.Logger,
		cfg:     cfg,
		readyCh: make(chan struct{}),
	}, nil
}

// Start runs a pass immediately and then every interval until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("interval must be greater than 0")
	}

	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.mu.Unlock()

	s.log.Info("scheduler: started", "interval", interval.String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tick(ctx, TriggerScheduled)

		ticker := s.cfg.Clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.Chan():
				s.tick(ctx, TriggerScheduled)
			}
		}
	}()
	return nil
}

// StartAutoCollection starts the scheduler with an interval given in hours.
func (s *Scheduler) StartAutoCollection(ctx context.Context, hours float64) error {
	return s.Start(ctx, time.Duration(hours*float64(time.Hour)))
}

// Stop cancels future ticks. A pass already in flight runs to completion; use Wait to block on it.
// The scheduler can be started again afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.log.Info("scheduler: stopped")
}

// Wait blocks until the tick loop and any in-flight pass have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// TryRunNow starts a pass in the background unless one is already running. The returned channel
// receives the summary once the pass completes.
func (s *Scheduler) TryRunNow(ctx context.Context) (<-chan *distribution.RunSummary, bool) {
	return s.start(ctx, TriggerManual)
}

// RunOnceNow triggers a pass without waiting for it. The channel receives nil if the trigger
// was dropped because a pass was already running.
func (s *Scheduler) RunOnceNow(ctx context.Context) <-chan *distribution.RunSummary {
	ch, ok := s.start(ctx, TriggerManual)
	if !ok {
		dropped := make(chan *distribution.RunSummary, 1)
		dropped <- nil
		close(dropped)
		return dropped
	}
	return ch
}

func (s *Scheduler) tick(ctx context.Context, trigger string) {
	_, _ = s.start(ctx, trigger)
}

func (s *Scheduler) start(ctx context.Context, trigger string) (<-chan *distribution.RunSummary, bool) {
	if !s.running.CompareAndSwap(false, true) {
		s.dropped.Add(1)
		metrics.RunsTotal.WithLabelValues(trigger, "dropped").Inc()
		s.log.Warn("scheduler: run already in progress, dropping trigger", "trigger", trigger)
		return nil, false
	}

	ch := make(chan *distribution.RunSummary, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(ch)
		summary := s.execute(ctx, trigger)
		s.notify(ctx, summary)
		ch <- summary
	}()
	return ch, true
}

func (s *Scheduler) execute(ctx context.Context, trigger string) (summary *distribution.RunSummary) {
	defer s.running.Store(false)

	metrics.RunInFlight.Set(1)
	defer metrics.RunInFlight.Set(0)

	start := s.cfg.Clock.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler: run panicked", "trigger", trigger, "panic", r)
			metrics.RunsTotal.WithLabelValues(trigger, "panic").Inc()
			summary = nil
		}
	}()

	s.log.Info("scheduler: run starting", "trigger", trigger)
	summary = s.cfg.Runner.Run(ctx)
	if summary == nil {
		return nil
	}
	summary.Trigger = trigger

	duration := s.cfg.Clock.Since(start)
	metrics.RunsTotal.WithLabelValues(trigger, "completed").Inc()
	metrics.RunDuration.Observe(duration.Seconds())

	s.mu.Lock()
	s.lastRun = summary
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })

	s.log.Info("scheduler: run completed",
		"trigger", trigger,
		"run_id", summary.ID.String(),
		"tokens", len(summary.Results),
		"succeeded", summary.Succeeded(),
		"failed", summary.Failed(),
		"duration", duration.String(),
	)
	return summary
}

// notify runs after the running flag is released so a slow notifier never drops triggers.
func (s *Scheduler) notify(ctx context.Context, summary *distribution.RunSummary) {
	if s.cfg.Notifier == nil || summary == nil {
		return
	}
	if err := s.cfg.Notifier.NotifyRun(ctx, summary); err != nil {
		s.log.Warn("scheduler: failed to send run notification", "error", err)
	}
}

// LastRun returns the most recent completed summary, or nil before the first pass finishes.
func (s *Scheduler) LastRun() *distribution.RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Ready reports whether at least one pass has completed.
func (s *Scheduler) Ready() bool {
	select {
	case <-s.readyCh:
		return true
	default:
		return false
	}
}

// Dropped is the number of triggers dropped because a pass was already running.
func (s *Scheduler) Dropped() int64 {
	return s.dropped.Load()
}
