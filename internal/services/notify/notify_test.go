package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"timerbot/internal/transport"
	logx "timerbot/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []string
	chats []int64
	errs  []error
}

func (a *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                           { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, text)
	a.chats = append(a.chats, to.ChatID)
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		return err
	}
	return nil
}

func TestSendDelivers(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := New(Config{RatePerSec: 100}, ad, logx.Nop())

	if err := s.Send(context.Background(), transport.ChatTarget{ChatID: 42}, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(ad.sent) != 1 || ad.sent[0] != "hello" || ad.chats[0] != 42 {
		t.Fatalf("adapter saw %v to %v", ad.sent, ad.chats)
	}
}

func TestSendRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{errs: []error{errors.New("transient"), errors.New("transient")}}
	s := New(Config{RatePerSec: 100, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, ad, logx.Nop())

	if err := s.Send(context.Background(), transport.ChatTarget{ChatID: 1}, "x"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(ad.sent) != 3 {
		t.Fatalf("adapter called %d times, want 3", len(ad.sent))
	}
}

func TestSendExhaustsRetries(t *testing.T) {
	t.Parallel()
	boom := errors.New("hard down")
	ad := &fakeAdapter{errs: []error{boom, boom, boom}}
	s := New(Config{RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, ad, logx.Nop())

	err := s.Send(context.Background(), transport.ChatTarget{ChatID: 1}, "x")
	if !errors.Is(err, boom) {
		t.Fatalf("send error = %v, want the adapter error", err)
	}
	if len(ad.sent) != 3 {
		t.Fatalf("adapter called %d times, want 3", len(ad.sent))
	}
}

func TestSendHonorsCancellation(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{errs: []error{errors.New("transient")}}
	s := New(Config{RatePerSec: 100, RetryMax: 5, RetryBase: time.Hour, RetryMaxDelay: time.Hour}, ad, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := s.Send(ctx, transport.ChatTarget{ChatID: 1}, "x")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("send error = %v, want context.Canceled", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeAdapter{}, logx.Nop())
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if cfg.RatePerSec != 3 || cfg.RetryBase != 500*time.Millisecond || cfg.SendTimeout != 10*time.Second {
		t.Fatalf("defaults = %+v", cfg)
	}
}
