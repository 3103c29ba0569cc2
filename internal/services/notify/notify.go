// Package notify pushes outbound texts through the transport adapter
// with a shared token-bucket rate limit and bounded retries.
//
// Sends are synchronous: the caller learns whether delivery succeeded,
// which the sweep needs before it commits a timer's state change.
package notify

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"timerbot/internal/transport"
	logx "timerbot/pkg/logx"
)

type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// Sender is safe for concurrent use. Apply may be called at any time to
// pick up new config.
type Sender struct {
	adapter transport.Adapter
	log     logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, adapter transport.Adapter, log logx.Logger) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sender{adapter: adapter, log: log}
	s.applyLocked(cfg)
	return s
}

func (s *Sender) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Sender) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Send delivers text to the chat, waiting on the rate limiter and
// retrying transient failures with exponential backoff. It returns the
// last delivery error once attempts are exhausted.
func (s *Sender) Send(ctx context.Context, to transport.ChatTarget, text string) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := s.adapter.SendText(callCtx, to, text, &transport.SendOptions{DisablePreview: true})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Debug("send failed",
			logx.Int64("chat", to.ChatID), logx.Int("attempt", attempt), logx.Err(err))

		if attempt >= attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		}
	}
	return lastErr
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// Exponential backoff: base * 2^(attempt-1), jittered 0.7..1.3.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}
