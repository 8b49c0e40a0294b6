package pacer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/domain"
)

func testConfig() config.PacingConfig {
	cfg := config.DefaultConfig().Pacing
	cfg.RandomDelayMax = 0 // deterministic delays
	return cfg
}

func newTestPacer(t *testing.T, cfg config.PacingConfig) (*Pacer, *time.Time) {
	t.Helper()
	p := New(cfg)
	t.Cleanup(p.Close)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.Local)
	clock := &now
	p.now = func() time.Time { return *clock }
	return p, clock
}

func admit(t *testing.T, p *Pacer, account, peer, body string) *Ticket {
	t.Helper()
	ticket, err := p.Admit(context.Background(), account, peer, []byte(body))
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	return ticket
}

func TestFirstSendAdmittedImmediately(t *testing.T) {
	p, _ := newTestPacer(t, testConfig())

	start := time.Now()
	ticket := admit(t, p, "acct", "491555@s.whatsapp.net", "hello")
	ticket.Commit()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("first send should be immediate, took %s", elapsed)
	}
}

func TestCommitRecordsExactlyOneSend(t *testing.T) {
	p, _ := newTestPacer(t, testConfig())

	ticket := admit(t, p, "acct", "peer", "hello")
	ticket.Commit()
	ticket.Commit() // double commit must not double count

	if got := p.HourCount("acct"); got != 1 {
		t.Fatalf("hour window count = %d, want 1", got)
	}
	if got := p.DayCount("acct"); got != 1 {
		t.Fatalf("day count = %d, want 1", got)
	}
}

func TestAbortRecordsNothing(t *testing.T) {
	p, _ := newTestPacer(t, testConfig())

	ticket := admit(t, p, "acct", "peer", "hello")
	ticket.Abort()

	if got := p.HourCount("acct"); got != 0 {
		t.Fatalf("hour window count = %d after abort, want 0", got)
	}
	if got := p.DayCount("acct"); got != 0 {
		t.Fatalf("day count = %d after abort, want 0", got)
	}
}

func TestMinIntervalDelay(t *testing.T) {
	p, clock := newTestPacer(t, testConfig())

	ticket := admit(t, p, "acct", "peer", "first")
	ticket.Commit()

	*clock = clock.Add(time.Second)
	delay, err := p.RequiredDelay("acct")
	if err != nil {
		t.Fatalf("RequiredDelay failed: %v", err)
	}
	if want := 4 * time.Second; delay != want {
		t.Fatalf("delay = %s, want %s", delay, want)
	}
}

func TestDuplicateWindowBoundary(t *testing.T) {
	p, clock := newTestPacer(t, testConfig())
	ctx := context.Background()

	ticket := admit(t, p, "acct", "peer", "hello")
	ticket.Commit()

	// One millisecond inside the window: blocked.
	*clock = clock.Add(60*time.Second - time.Millisecond)
	_, err := p.Admit(ctx, "acct", "peer", []byte("hello"))
	var ge *domain.GatewayError
	if !errors.As(err, &ge) || ge.Kind != domain.KindDuplicateBlocked {
		t.Fatalf("expected duplicate_blocked at 59,999ms, got %v", err)
	}

	// One millisecond past the window: allowed.
	*clock = clock.Add(2 * time.Millisecond)
	ticket, err = p.Admit(ctx, "acct", "peer", []byte("hello"))
	if err != nil {
		t.Fatalf("expected admit at 60,001ms, got %v", err)
	}
	ticket.Abort()
}

func TestDuplicateDistinguishesPeerAndBody(t *testing.T) {
	p, _ := newTestPacer(t, testConfig())

	ticket := admit(t, p, "acct", "peer-a", "hello")
	ticket.Commit()

	// Same body to a different peer is not a duplicate (it would wait for
	// the min interval, so only check the guard directly).
	if p.dupes.Seen(dupeKey("acct", "peer-b", []byte("hello")), p.now()) {
		t.Fatal("different peer must not trip the duplicate guard")
	}
	if p.dupes.Seen(dupeKey("acct", "peer-a", []byte("other")), p.now()) {
		t.Fatal("different body must not trip the duplicate guard")
	}
	if !p.dupes.Seen(dupeKey("acct", "peer-a", []byte("hello")), p.now()) {
		t.Fatal("identical tuple must trip the duplicate guard")
	}
}

func TestHourlyCapHolds(t *testing.T) {
	cfg := testConfig()
	p, clock := newTestPacer(t, cfg)

	// 60 sends spread over the last 59 seconds.
	st := p.account("acct")
	base := clock.Add(-59 * time.Second)
	for i := 0; i < cfg.MaxPerHour; i++ {
		st.hourWindow = append(st.hourWindow, base.Add(time.Duration(i)*950*time.Millisecond))
	}
	st.lastSend = *clock
	st.dayKey = localDayKey(*clock)
	st.dayCount = cfg.MaxPerHour

	delay, err := p.RequiredDelay("acct")
	if err != nil {
		t.Fatalf("hourly cap must hold, not error: %v", err)
	}
	if delay < 60*time.Second {
		t.Fatalf("61st send delay = %s, want >= 60s", delay)
	}

	// Once the window moves past the oldest entries the delay collapses to
	// the min-interval remainder.
	*clock = clock.Add(time.Hour)
	delay, err = p.RequiredDelay("acct")
	if err != nil {
		t.Fatalf("RequiredDelay after window moved: %v", err)
	}
	if delay != 0 {
		t.Fatalf("delay after window moved = %s, want 0", delay)
	}
}

func TestDailyCapReturnsRetryAfter(t *testing.T) {
	cfg := testConfig()
	p, clock := newTestPacer(t, cfg)

	st := p.account("acct")
	st.dayKey = localDayKey(*clock)
	st.dayCount = cfg.MaxPerDay

	_, err := p.Admit(context.Background(), "acct", "peer", []byte("hello"))
	var ge *domain.GatewayError
	if !errors.As(err, &ge) || ge.Kind != domain.KindDailyCap {
		t.Fatalf("expected daily_cap error, got %v", err)
	}
	want := timeToLocalMidnight(*clock)
	if ge.RetryAfter != want {
		t.Fatalf("retry after = %s, want seconds to midnight %s", ge.RetryAfter, want)
	}
}

func TestDayBucketRollsOver(t *testing.T) {
	cfg := testConfig()
	p, clock := newTestPacer(t, cfg)

	st := p.account("acct")
	st.dayKey = localDayKey(*clock)
	st.dayCount = cfg.MaxPerDay

	*clock = clock.Add(24 * time.Hour)
	delay, err := p.RequiredDelay("acct")
	if err != nil {
		t.Fatalf("new day must reset the bucket: %v", err)
	}
	if delay != 0 {
		t.Fatalf("delay = %s on a fresh day, want 0", delay)
	}
	if got := p.DayCount("acct"); got != 0 {
		t.Fatalf("day count = %d on a fresh day, want 0", got)
	}
}

func TestShutdownInterruptsAdmission(t *testing.T) {
	p, _ := newTestPacer(t, testConfig())

	// Occupy the account's turn so the next Admit blocks.
	first := admit(t, p, "acct", "peer", "one")
	defer first.Abort()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Admit(ctx, "acct", "peer", []byte("two"))
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if domain.KindOf(err) != domain.KindShutdown {
			t.Fatalf("expected shutdown error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled admission did not return")
	}
}
