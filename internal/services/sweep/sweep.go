// Package sweep runs the periodic pass over every user's timers,
// dispatching due notifications through the rate-limited sender.
package sweep

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"timerbot/internal/registry"
	"timerbot/internal/services/notify"
	"timerbot/internal/transport"
	logx "timerbot/pkg/logx"
)

const (
	DefaultSchedule        = "@every 15s"
	DefaultRealertInterval = 5 * time.Minute
)

type Config struct {
	// Schedule is a cron spec or @every interval for the sweep cadence.
	Schedule string
	// RealertInterval throttles repeat alerts for unacknowledged timers.
	RealertInterval time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = DefaultSchedule
	}
	if c.RealertInterval <= 0 {
		c.RealertInterval = DefaultRealertInterval
	}
	return c
}

type Service struct {
	reg    *registry.Registry
	sender *notify.Sender
	log    logx.Logger

	parser cron.Parser

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	runCtx  context.Context
	cancel  context.CancelFunc
	cycleMu sync.Mutex
}

func New(cfg Config, reg *registry.Registry, sender *notify.Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		reg:    reg,
		sender: sender,
		log:    log,
		cfg:    cfg.withDefaults(),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Apply picks up new config. A schedule change restarts the cron loop;
// the realert interval takes effect on the next cycle either way.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	restart := s.c != nil && cfg.Schedule != s.cfg.Schedule
	s.cfg = cfg
	if !restart {
		return
	}
	old := s.c
	s.c = nil
	if err := s.startLocked(s.runCtx); err != nil {
		// Keep the old loop running rather than going silent.
		s.c = old
		s.log.Warn("invalid sweep schedule; keeping previous", logx.String("schedule", cfg.Schedule), logx.Err(err))
		return
	}
	old.Stop()
}

// ValidateSchedule reports whether spec is an acceptable sweep cadence.
func ValidateSchedule(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	_, err := parser.Parse(spec)
	return err
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	return s.startLocked(s.runCtx)
}

func (s *Service) startLocked(ctx context.Context) error {
	c := cron.New(cron.WithParser(s.parser))
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in sweep cycle", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		s.runCycle(ctx)
	})
	if err != nil {
		return err
	}
	s.c = c
	c.Start()
	s.log.Info("sweep started", logx.String("schedule", s.cfg.Schedule), logx.Duration("realert", s.cfg.RealertInterval))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// runCycle sweeps every known user once. Cycles never overlap: if the
// previous one is still sending, this tick is skipped.
func (s *Service) runCycle(ctx context.Context) {
	if !s.cycleMu.TryLock() {
		s.log.Debug("sweep cycle still running, skipping tick")
		return
	}
	defer s.cycleMu.Unlock()

	s.mu.Lock()
	realert := s.cfg.RealertInterval
	s.mu.Unlock()

	now := time.Now()
	var sent int
	for _, userID := range s.reg.UserIDs() {
		if ctx.Err() != nil {
			return
		}
		n, err := s.reg.SweepUser(ctx, userID, now, realert, func(ctx context.Context, text string) error {
			// Private chat ids equal user ids on Telegram.
			return s.sender.Send(ctx, transport.ChatTarget{ChatID: userID}, text)
		})
		sent += n
		if err != nil {
			// One user's delivery failure never blocks the others.
			s.log.Warn("sweep delivery failed", logx.Int64("user", userID), logx.Err(err))
		}
	}
	if sent > 0 {
		s.log.Debug("sweep cycle done", logx.Int("sent", sent), logx.Duration("took", time.Since(now)))
	}
}
