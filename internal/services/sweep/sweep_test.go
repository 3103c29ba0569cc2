package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"timerbot/internal/registry"
	"timerbot/internal/services/notify"
	"timerbot/internal/timer"
	"timerbot/internal/transport"
	logx "timerbot/pkg/logx"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent map[int64][]string
	fail map[int64]error
}

func (a *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                           { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail[to.ChatID]; err != nil {
		return err
	}
	if a.sent == nil {
		a.sent = map[int64][]string{}
	}
	a.sent[to.ChatID] = append(a.sent[to.ChatID], text)
	return nil
}

func (a *fakeAdapter) texts(chat int64) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent[chat]...)
}

func newService(ad *fakeAdapter) (*Service, *registry.Registry) {
	reg := registry.New(nil, logx.Nop())
	sender := notify.New(notify.Config{RatePerSec: 1000}, ad, logx.Nop())
	return New(Config{}, reg, sender, logx.Nop()), reg
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()
	if cfg.Schedule != DefaultSchedule || cfg.RealertInterval != DefaultRealertInterval {
		t.Fatalf("defaults = %+v", cfg)
	}
	keep := Config{Schedule: "@every 1m", RealertInterval: time.Minute}.withDefaults()
	if keep.Schedule != "@every 1m" || keep.RealertInterval != time.Minute {
		t.Fatalf("explicit config overridden: %+v", keep)
	}
}

func TestCycleDeliversDueTimers(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	svc, reg := newService(ad)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	reg.Seed(7, false, []*timer.Timer{
		{Description: "tea", TargetAt: past, CreatedAt: past},
	})
	reg.Seed(8, false, []*timer.Timer{
		{Description: "later", TargetAt: time.Now().Add(time.Hour), CreatedAt: past},
	})

	svc.runCycle(ctx)

	if got := ad.texts(7); len(got) != 1 {
		t.Fatalf("user 7 received %v", got)
	}
	if got := ad.texts(8); len(got) != 0 {
		t.Fatalf("user 8 received %v", got)
	}
	if len(reg.List(7)) != 0 {
		t.Fatal("fired timer not removed")
	}

	// Nothing left to send next cycle.
	svc.runCycle(ctx)
	if got := ad.texts(7); len(got) != 1 {
		t.Fatalf("second cycle re-sent: %v", got)
	}
}

func TestCycleIsolatesUserFailures(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{fail: map[int64]error{7: errors.New("blocked")}}
	svc, reg := newService(ad)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	reg.Seed(7, false, []*timer.Timer{{Description: "tea", TargetAt: past, CreatedAt: past}})
	reg.Seed(9, false, []*timer.Timer{{Description: "coffee", TargetAt: past, CreatedAt: past}})

	svc.runCycle(ctx)

	if got := ad.texts(9); len(got) != 1 {
		t.Fatalf("healthy user missed delivery: %v", got)
	}
	// The failing user's timer survives for a retry.
	if len(reg.List(7)) != 1 {
		t.Fatal("failed delivery removed the timer")
	}

	ad.mu.Lock()
	delete(ad.fail, 7)
	ad.mu.Unlock()
	svc.runCycle(ctx)
	if got := ad.texts(7); len(got) != 1 {
		t.Fatalf("retry cycle did not deliver: %v", got)
	}
}

func TestCycleSkipsPausedUsers(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	svc, reg := newService(ad)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	reg.Seed(7, true, []*timer.Timer{{Description: "tea", TargetAt: past, CreatedAt: past}})

	svc.runCycle(ctx)
	if got := ad.texts(7); len(got) != 0 {
		t.Fatalf("paused user received %v", got)
	}
	if len(reg.List(7)) != 1 {
		t.Fatal("paused sweep mutated the collection")
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	svc, _ := newService(ad)

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Second start is a no-op.
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	svc.Apply(Config{Schedule: "@every 1h", RealertInterval: time.Minute})

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	svc.Stop(stopCtx)
	svc.Stop(stopCtx)
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()
	for _, spec := range []string{"", "@every 15s", "*/5 * * * *", "30 */1 * * * *"} {
		if err := ValidateSchedule(spec); err != nil {
			t.Fatalf("ValidateSchedule(%q): %v", spec, err)
		}
	}
	for _, spec := range []string{"often", "@every", "61 * * * *"} {
		if err := ValidateSchedule(spec); err == nil {
			t.Fatalf("ValidateSchedule(%q) accepted", spec)
		}
	}
}

func TestApplyKeepsRunningOnBadSchedule(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	svc, _ := newService(ad)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svc.Stop(ctx)
	}()

	svc.Apply(Config{Schedule: "garbage", RealertInterval: time.Minute})
	svc.mu.Lock()
	running := svc.c != nil
	svc.mu.Unlock()
	if !running {
		t.Fatal("bad schedule stopped the sweep loop")
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	reg := registry.New(nil, logx.Nop())
	sender := notify.New(notify.Config{RatePerSec: 1000}, ad, logx.Nop())
	svc := New(Config{Schedule: "not a schedule"}, reg, sender, logx.Nop())

	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("bad schedule accepted")
	}
}
