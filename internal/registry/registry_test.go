package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"timerbot/internal/timer"
	logx "timerbot/pkg/logx"
)

var regNow = time.Date(2024, time.January, 1, 10, 0, 0, 0, time.UTC)

type storeCall struct {
	op     string
	userID int64
	desc   string
}

type fakeStore struct {
	mu    sync.Mutex
	calls []storeCall
	fail  map[string]error
}

func (s *fakeStore) record(op string, userID int64, desc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, storeCall{op: op, userID: userID, desc: desc})
	if s.fail != nil {
		return s.fail[op]
	}
	return nil
}

func (s *fakeStore) PutTimer(_ context.Context, userID int64, t *timer.Timer) error {
	return s.record("put", userID, t.Description)
}

func (s *fakeStore) DeleteTimer(_ context.Context, userID int64, desc string) error {
	return s.record("delete", userID, desc)
}

func (s *fakeStore) SetLastAlert(_ context.Context, userID int64, desc string, _ time.Time) error {
	return s.record("alert", userID, desc)
}

func (s *fakeStore) SetPaused(_ context.Context, userID int64, _ bool) error {
	return s.record("pause", userID, "")
}

func (s *fakeStore) ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.op + ":" + c.desc
	}
	return out
}

func TestCreateAndList(t *testing.T) {
	t.Parallel()
	r := New(nil, logx.Nop())
	ctx := context.Background()

	if _, err := r.Create(ctx, 1, "tea: in 5 m", regNow); err != nil {
		t.Fatalf("create tea: %v", err)
	}
	if _, err := r.Create(ctx, 1, "laundry: in 2 m", regNow); err != nil {
		t.Fatalf("create laundry: %v", err)
	}
	if _, err := r.Create(ctx, 2, "tea: in 1 m", regNow); err != nil {
		t.Fatalf("create for other user: %v", err)
	}

	got := r.List(1)
	if len(got) != 2 {
		t.Fatalf("List(1) returned %d timers, want 2", len(got))
	}
	if got[0].Description != "laundry" || got[1].Description != "tea" {
		t.Fatalf("List(1) order = [%s, %s], want [laundry, tea]", got[0].Description, got[1].Description)
	}
	if len(r.List(2)) != 1 {
		t.Fatalf("List(2) returned %d timers, want 1", len(r.List(2)))
	}
	if len(r.List(3)) != 0 {
		t.Fatalf("List(3) returned timers for an unknown user")
	}
}

func TestCreateDuplicateDescription(t *testing.T) {
	t.Parallel()
	r := New(nil, logx.Nop())
	ctx := context.Background()

	if _, err := r.Create(ctx, 1, "tea: in 5 m", regNow); err != nil {
		t.Fatalf("first create: %v", err)
	}
	// Same description, different schedule: still a duplicate.
	_, err := r.Create(ctx, 1, "tea: tomorrow at 9am", regNow)
	if !errors.Is(err, ErrTimerExists) {
		t.Fatalf("duplicate create error = %v, want ErrTimerExists", err)
	}
	if got := r.List(1); len(got) != 1 || !got[0].TargetAt.Equal(regNow.Add(5*time.Minute)) {
		t.Fatalf("duplicate create modified the existing timer: %+v", got)
	}

	// Other users are unaffected by the collision.
	if _, err := r.Create(ctx, 2, "tea: in 5 m", regNow); err != nil {
		t.Fatalf("create for other user: %v", err)
	}
}

func TestCreatePersistFailure(t *testing.T) {
	t.Parallel()
	st := &fakeStore{fail: map[string]error{"put": errors.New("disk full")}}
	r := New(st, logx.Nop())

	if _, err := r.Create(context.Background(), 1, "tea: in 5 m", regNow); err == nil {
		t.Fatal("create with failing store succeeded")
	}
	if len(r.List(1)) != 0 {
		t.Fatal("failed create left a timer in the collection")
	}
}

func TestAck(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	r := New(st, logx.Nop())
	ctx := context.Background()

	if _, err := r.Create(ctx, 1, "tea: in 5 m", regNow); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Ack(ctx, 1, "tea"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if len(r.List(1)) != 0 {
		t.Fatal("acked timer still listed")
	}
	if err := r.Ack(ctx, 1, "tea"); !errors.Is(err, ErrTimerNotFound) {
		t.Fatalf("second ack error = %v, want ErrTimerNotFound", err)
	}
	if err := r.Ack(ctx, 1, "coffee"); !errors.Is(err, ErrTimerNotFound) {
		t.Fatalf("ack of unknown timer error = %v, want ErrTimerNotFound", err)
	}

	want := []string{"put:tea", "delete:tea"}
	got := st.ops()
	if len(got) != len(want) {
		t.Fatalf("store ops = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("store ops = %v, want %v", got, want)
		}
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	r := New(nil, logx.Nop())
	ctx := context.Background()

	if r.Paused(1) {
		t.Fatal("new user starts paused")
	}
	if err := r.SetPaused(ctx, 1, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !r.Paused(1) {
		t.Fatal("pause flag not set")
	}
	if err := r.SetPaused(ctx, 1, false); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if r.Paused(1) {
		t.Fatal("resume did not clear the flag")
	}
}

func TestSeedReplacesState(t *testing.T) {
	t.Parallel()
	r := New(nil, logx.Nop())

	r.Seed(1, true, []*timer.Timer{
		{Description: "tea", TargetAt: regNow.Add(time.Hour), CreatedAt: regNow},
	})
	if !r.Paused(1) {
		t.Fatal("seeded pause flag lost")
	}
	got := r.List(1)
	if len(got) != 1 || got[0].Description != "tea" {
		t.Fatalf("seeded timers = %+v", got)
	}

	ids := r.UserIDs()
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("UserIDs() = %v, want [1]", ids)
	}
}

func TestSweepUserFiresOneShot(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	r := New(st, logx.Nop())
	ctx := context.Background()

	if _, err := r.Create(ctx, 1, "tea: in 5 m", regNow); err != nil {
		t.Fatalf("create: %v", err)
	}

	var texts []string
	send := func(_ context.Context, text string) error {
		texts = append(texts, text)
		return nil
	}

	// Before the target nothing happens.
	sent, err := r.SweepUser(ctx, 1, regNow.Add(4*time.Minute), 5*time.Minute, send)
	if err != nil || sent != 0 {
		t.Fatalf("early sweep sent=%d err=%v", sent, err)
	}

	fireAt := regNow.Add(5 * time.Minute)
	sent, err = r.SweepUser(ctx, 1, fireAt, 5*time.Minute, send)
	if err != nil || sent != 1 {
		t.Fatalf("sweep at target sent=%d err=%v", sent, err)
	}
	if want := "Timer 'tea' done at 10:05:00AM"; texts[0] != want {
		t.Fatalf("notification = %q, want %q", texts[0], want)
	}
	if len(r.List(1)) != 0 {
		t.Fatal("fired one-shot timer still present")
	}

	// Fired and gone: later sweeps are silent.
	sent, err = r.SweepUser(ctx, 1, fireAt.Add(time.Hour), 5*time.Minute, send)
	if err != nil || sent != 0 {
		t.Fatalf("post-fire sweep sent=%d err=%v", sent, err)
	}
}

func TestSweepUserRealertThrottle(t *testing.T) {
	t.Parallel()
	r := New(nil, logx.Nop())
	ctx := context.Background()

	if _, err := r.Create(ctx, 1, "meds: in 1 m req-ack", regNow); err != nil {
		t.Fatalf("create: %v", err)
	}

	var count int
	send := func(_ context.Context, _ string) error {
		count++
		return nil
	}
	realert := 5 * time.Minute
	due := regNow.Add(time.Minute)

	steps := []struct {
		name string
		at   time.Time
		want int
	}{
		{"first alert", due, 1},
		{"throttled", due.Add(time.Minute), 1},
		{"exactly the interval, still throttled", due.Add(realert), 1},
		{"past the interval", due.Add(realert + time.Second), 2},
		{"throttled again", due.Add(realert + 2*time.Minute), 2},
		{"next window", due.Add(2*realert + 2*time.Second), 3},
	}
	for _, s := range steps {
		if _, err := r.SweepUser(ctx, 1, s.at, realert, send); err != nil {
			t.Fatalf("%s: sweep at %v: %v", s.name, s.at, err)
		}
		if count != s.want {
			t.Fatalf("%s: alerts after sweep at %v = %d, want %d", s.name, s.at, count, s.want)
		}
	}

	// The timer persists until acknowledged.
	if len(r.List(1)) != 1 {
		t.Fatal("ack-required timer removed without ack")
	}
	if err := r.Ack(ctx, 1, "meds"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := r.SweepUser(ctx, 1, due.Add(time.Hour), realert, send); err != nil {
		t.Fatalf("sweep after ack: %v", err)
	}
	if count != 3 {
		t.Fatalf("alerts after ack = %d, want 3", count)
	}
}

func TestSweepUserSkipsPaused(t *testing.T) {
	t.Parallel()
	r := New(nil, logx.Nop())
	ctx := context.Background()

	if _, err := r.Create(ctx, 1, "tea: in 1 m", regNow); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.SetPaused(ctx, 1, true); err != nil {
		t.Fatalf("pause: %v", err)
	}

	var count int
	send := func(_ context.Context, _ string) error {
		count++
		return nil
	}
	due := regNow.Add(time.Minute)
	if sent, err := r.SweepUser(ctx, 1, due, 5*time.Minute, send); err != nil || sent != 0 {
		t.Fatalf("paused sweep sent=%d err=%v", sent, err)
	}
	if len(r.List(1)) != 1 {
		t.Fatal("paused sweep mutated the collection")
	}

	// After resuming, the overdue one-shot fires late rather than being
	// dropped.
	if err := r.SetPaused(ctx, 1, false); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if sent, err := r.SweepUser(ctx, 1, due.Add(time.Hour), 5*time.Minute, send); err != nil || sent != 1 {
		t.Fatalf("resumed sweep sent=%d err=%v", sent, err)
	}
}

func TestSweepUserDeliveryFailureLeavesStateUnchanged(t *testing.T) {
	t.Parallel()
	r := New(nil, logx.Nop())
	ctx := context.Background()

	if _, err := r.Create(ctx, 1, "tea: in 1 m", regNow); err != nil {
		t.Fatalf("create: %v", err)
	}

	due := regNow.Add(time.Minute)
	failing := func(_ context.Context, _ string) error { return errors.New("telegram down") }
	if _, err := r.SweepUser(ctx, 1, due, 5*time.Minute, failing); err == nil {
		t.Fatal("sweep with failing delivery returned nil error")
	}
	if len(r.List(1)) != 1 {
		t.Fatal("failed delivery removed the timer")
	}

	// The next cycle retries and succeeds.
	var count int
	ok := func(_ context.Context, _ string) error { count++; return nil }
	if _, err := r.SweepUser(ctx, 1, due.Add(time.Minute), 5*time.Minute, ok); err != nil {
		t.Fatalf("retry sweep: %v", err)
	}
	if count != 1 || len(r.List(1)) != 0 {
		t.Fatalf("retry sweep count=%d remaining=%d", count, len(r.List(1)))
	}
}

// One failed delivery must not starve the other due timers of the same
// user in that cycle.
func TestSweepUserDeliveryFailureIsolatedPerTimer(t *testing.T) {
	t.Parallel()
	r := New(nil, logx.Nop())
	ctx := context.Background()

	if _, err := r.Create(ctx, 1, "aa: in 1 m", regNow); err != nil {
		t.Fatalf("create aa: %v", err)
	}
	if _, err := r.Create(ctx, 1, "bb: in 2 m", regNow); err != nil {
		t.Fatalf("create bb: %v", err)
	}

	var delivered []string
	send := func(_ context.Context, text string) error {
		if strings.Contains(text, "'aa'") {
			return errors.New("telegram down")
		}
		delivered = append(delivered, text)
		return nil
	}
	due := regNow.Add(5 * time.Minute)
	sent, err := r.SweepUser(ctx, 1, due, 5*time.Minute, send)
	if err == nil {
		t.Fatal("sweep with one failing delivery returned nil error")
	}
	if sent != 1 || len(delivered) != 1 || !strings.Contains(delivered[0], "'bb'") {
		t.Fatalf("sent=%d delivered=%v", sent, delivered)
	}

	// The failed timer survives for a retry, the delivered one is gone.
	left := r.List(1)
	if len(left) != 1 || left[0].Description != "aa" {
		t.Fatalf("remaining timers = %+v", left)
	}
	ok := func(_ context.Context, _ string) error { return nil }
	if sent, err := r.SweepUser(ctx, 1, due.Add(time.Minute), 5*time.Minute, ok); err != nil || sent != 1 {
		t.Fatalf("retry sweep sent=%d err=%v", sent, err)
	}
	if len(r.List(1)) != 0 {
		t.Fatal("retried timer still present")
	}
}

func TestSweepAndAckRace(t *testing.T) {
	t.Parallel()
	r := New(nil, logx.Nop())
	ctx := context.Background()
	due := regNow.Add(time.Minute)

	for i := 0; i < 50; i++ {
		desc := fmt.Sprintf("job %d", i)
		if _, err := r.Create(ctx, 1, desc+": in 1 m", regNow); err != nil {
			t.Fatalf("create %s: %v", desc, err)
		}

		var fired int
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := r.SweepUser(ctx, 1, due, 5*time.Minute, func(_ context.Context, _ string) error {
				fired++
				return nil
			}); err != nil {
				t.Errorf("sweep: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			err := r.Ack(ctx, 1, desc)
			if err != nil && !errors.Is(err, ErrTimerNotFound) {
				t.Errorf("ack: %v", err)
			}
		}()
		wg.Wait()

		// Exactly one terminal transition: either the sweep fired it or
		// the ack removed it first, never both, never neither.
		if fired > 1 {
			t.Fatalf("timer %q fired %d times", desc, fired)
		}
		if len(r.List(1)) != 0 {
			t.Fatalf("timer %q survived both sweep and ack", desc)
		}
	}
}

func TestPlanOrderAndMix(t *testing.T) {
	t.Parallel()
	now := regNow.Add(time.Hour)
	timers := []*timer.Timer{
		{Description: "later", TargetAt: now.Add(time.Minute)},
		{Description: "b", TargetAt: regNow.Add(10 * time.Minute)},
		{Description: "a", TargetAt: regNow.Add(10 * time.Minute)},
		{Description: "first", TargetAt: regNow},
		{Description: "quiet", TargetAt: regNow, RequireAck: true, LastAlert: now.Add(-time.Minute)},
	}

	acts := Plan(timers, now, 5*time.Minute)
	var got []string
	for _, a := range acts {
		got = append(got, a.Timer.Description)
	}
	want := []string{"first", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("planned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("planned %v, want %v", got, want)
		}
	}
	for _, a := range acts {
		if a.Kind != ActionFire {
			t.Fatalf("action for %q kind = %v, want ActionFire", a.Timer.Description, a.Kind)
		}
	}
}
