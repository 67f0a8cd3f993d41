package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrZonedSpec rejects expressions carrying a TZ= or CRON_TZ= prefix.
// Schedules always fire in UTC.
var ErrZonedSpec = errors.New("schedule: cron expression must not name a timezone")

// specParser reads five-field expressions and @hourly style descriptors.
var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSpec parses a UTC cron expression.
func ParseSpec(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("schedule: empty cron expression")
	}
	if upper := strings.ToUpper(spec); strings.HasPrefix(upper, "TZ=") || strings.HasPrefix(upper, "CRON_TZ=") {
		return nil, ErrZonedSpec
	}
	parsed, err := specParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("schedule: parse %q: %w", spec, err)
	}
	return parsed, nil
}

// Config configures a Scheduler.
type Config struct {
	// Spec is a UTC cron expression, five fields or a descriptor.
	Spec string
	// Run executes one validation pass.
	Run func(ctx context.Context) error
	// MaxRuns stops the loop after that many passes; zero means unbounded.
	MaxRuns int

	Now    func() time.Time
	After  func(time.Duration) <-chan time.Time
	Logger *slog.Logger
}

// Scheduler repeats validation passes on a cron schedule. Passes never
// overlap: activations that fall inside a running pass are skipped.
type Scheduler struct {
	schedule cron.Schedule
	run      func(ctx context.Context) error
	maxRuns  int
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	runs   int
	cancel context.CancelFunc
	done   chan struct{}
}

// New validates cfg and returns a stopped scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Run == nil {
		return nil, errors.New("scheduler run func is nil")
	}
	schedule, err := ParseSpec(cfg.Spec)
	if err != nil {
		return nil, err
	}
	if cfg.MaxRuns < 0 {
		return nil, errors.New("scheduler max runs must not be negative")
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.After == nil {
		cfg.After = time.After
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		schedule: schedule,
		run:      cfg.Run,
		maxRuns:  cfg.MaxRuns,
		now:      cfg.Now,
		after:    cfg.After,
		logger:   cfg.Logger,
	}, nil
}

// Start launches the background loop. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("scheduler is nil")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		s.loop(loopCtx)
	}()
	return nil
}

// Done is closed when the loop exits. It is nil before Start.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Stop cancels the loop and waits for the in-flight pass to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Runs reports how many passes have completed.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// Next returns the next activation after now.
func (s *Scheduler) Next() time.Time {
	return s.schedule.Next(s.now().UTC())
}

// RunOnce executes a single pass immediately.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if s == nil || s.run == nil {
		return errors.New("scheduler is not configured")
	}

	started := s.now().UTC()
	err := s.run(ctx)

	s.mu.Lock()
	s.runs++
	count := s.runs
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled validation failed", "run", count, "scheduled_at", started, "error", err)
	} else {
		s.logger.Info("scheduled validation finished", "run", count, "scheduled_at", started, "elapsed", s.now().Sub(started))
	}
	return err
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		if s.maxRuns > 0 && s.Runs() >= s.maxRuns {
			return
		}

		now := s.now().UTC()
		next := s.schedule.Next(now)
		s.logger.Debug("waiting for next validation", "next_run_at", next)

		select {
		case <-ctx.Done():
			return
		case <-s.after(next.Sub(now)):
		}

		_ = s.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		if after := s.now().UTC(); s.schedule.Next(next).Before(after) {
			s.logger.Warn("validation pass overran schedule, skipping missed activations",
				"scheduled_at", next,
				"finished_at", after,
			)
		}
	}
}
