// Package pacer is the single source of truth for all timing and admission
// decisions whose purpose is behavioral camouflage. Every outbound send,
// including auto-replies, passes through Admit before it may touch the
// transport; bypassing the pacer is a correctness bug because it produces
// the send patterns the network bans on.
package pacer

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/domain"
)

// Pacer holds per-account rate state and the cross-account duplicate
// guard. State is in-process only and recreated on restart.
type Pacer struct {
	cfg config.PacingConfig

	mu       sync.Mutex
	accounts map[string]*accountState

	dupes *dupGuard

	// now is swappable in tests.
	now func() time.Time
}

type accountState struct {
	// turn serializes admissions per account: acquired before the pacing
	// sleep, released at commit/abort. Goroutines blocked on the channel
	// are served in arrival order, which gives per-account send ordering.
	turn chan struct{}

	mu         sync.Mutex
	lastSend   time.Time
	hourWindow []time.Time
	dayKey     string
	dayCount   int
}

// New creates a Pacer. Close must be called to stop the duplicate guard's
// eviction loop.
func New(cfg config.PacingConfig) *Pacer {
	p := &Pacer{
		cfg:      cfg,
		accounts: make(map[string]*accountState),
		dupes:    newDupGuard(cfg.DuplicateWindow),
		now:      time.Now,
	}
	return p
}

// Close releases background resources.
func (p *Pacer) Close() {
	p.dupes.Close()
}

func (p *Pacer) account(accountID string) *accountState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.accounts[accountID]
	if !ok {
		st = &accountState{turn: make(chan struct{}, 1)}
		st.turn <- struct{}{}
		p.accounts[accountID] = st
	}
	return st
}

// ForgetAccount drops rate state for a removed account.
func (p *Pacer) ForgetAccount(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.accounts, accountID)
}

// Ticket is an admitted send. The caller performs the transport send and
// then either Commit (records the send in the rate state and duplicate
// guard) or Abort (releases the turn without recording).
type Ticket struct {
	p      *Pacer
	st     *accountState
	dupKey string
	done   bool
}

// Admit blocks until the account may send to the peer, or fails with a
// taxonomy error: duplicate_blocked, daily_cap, or shutdown when ctx is
// cancelled while waiting. The hourly cap is a held wait, not an error;
// the call sleeps until the rolling window frees a slot.
func (p *Pacer) Admit(ctx context.Context, accountID, peerID string, body []byte) (*Ticket, error) {
	st := p.account(accountID)

	// Take the account's admission turn (FIFO per account).
	select {
	case <-st.turn:
	case <-ctx.Done():
		return nil, domain.NewGatewayError(domain.KindShutdown, "gateway is shutting down")
	}

	release := func() { st.turn <- struct{}{} }

	dupKey := dupeKey(accountID, peerID, body)
	if p.dupes.Seen(dupKey, p.now()) {
		release()
		return nil, domain.NewGatewayError(domain.KindDuplicateBlocked,
			"identical message sent to this recipient moments ago")
	}

	for {
		delay, capErr := p.requiredDelay(st)
		if capErr != nil {
			release()
			return nil, capErr
		}
		if delay <= 0 {
			return &Ticket{p: p, st: st, dupKey: dupKey}, nil
		}
		select {
		case <-ctx.Done():
			release()
			return nil, domain.NewGatewayError(domain.KindShutdown, "gateway is shutting down")
		case <-time.After(delay):
		}
	}
}

// Commit records the send. Call after the transport accepted the frame.
func (t *Ticket) Commit() {
	if t.done {
		return
	}
	t.done = true
	now := t.p.now()

	t.st.mu.Lock()
	t.st.lastSend = now
	t.st.hourWindow = append(pruneWindow(t.st.hourWindow, now), now)
	day := localDayKey(now)
	if t.st.dayKey != day {
		t.st.dayKey = day
		t.st.dayCount = 0
	}
	t.st.dayCount++
	t.st.mu.Unlock()

	t.p.dupes.Mark(t.dupKey, now)
	t.st.turn <- struct{}{}
}

// Abort releases the admission without recording a send.
func (t *Ticket) Abort() {
	if t.done {
		return
	}
	t.done = true
	t.st.turn <- struct{}{}
}

// requiredDelay computes the pacing delay per the admission rules. The
// returned delay already includes the random jitter when non-zero. A day
// cap violation is returned as an error instead of a delay.
func (p *Pacer) requiredDelay(st *accountState) (time.Duration, error) {
	now := p.now()

	st.mu.Lock()
	defer st.mu.Unlock()

	st.hourWindow = pruneWindow(st.hourWindow, now)
	day := localDayKey(now)
	if st.dayKey != day {
		st.dayKey = day
		st.dayCount = 0
	}

	if p.cfg.MaxPerDay > 0 && st.dayCount >= p.cfg.MaxPerDay {
		until := timeToLocalMidnight(now)
		return 0, domain.NewCapError(domain.KindDailyCap,
			fmt.Sprintf("daily send cap of %d reached", p.cfg.MaxPerDay), until)
	}

	var delay time.Duration
	if !st.lastSend.IsZero() {
		if rest := p.cfg.MinSendInterval - now.Sub(st.lastSend); rest > delay {
			delay = rest
		}
	}
	if p.cfg.MaxPerHour > 0 && len(st.hourWindow) >= p.cfg.MaxPerHour {
		if hold := 60 * time.Second; hold > delay {
			delay = hold
		}
	}

	if delay > 0 {
		delay += p.jitter()
	}
	return delay, nil
}

// RequiredDelay reports the delay a send on the account would currently
// incur. Zero means it would be admitted immediately; the error carries a
// day-cap rejection.
func (p *Pacer) RequiredDelay(accountID string) (time.Duration, error) {
	return p.requiredDelay(p.account(accountID))
}

// HourCount returns the number of sends in the rolling hour window.
func (p *Pacer) HourCount(accountID string) int {
	st := p.account(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.hourWindow = pruneWindow(st.hourWindow, p.now())
	return len(st.hourWindow)
}

// DayCount returns the number of sends recorded for the current local day.
func (p *Pacer) DayCount(accountID string) int {
	st := p.account(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.dayKey != localDayKey(p.now()) {
		return 0
	}
	return st.dayCount
}

func (p *Pacer) jitter() time.Duration {
	max := p.cfg.RandomDelayMax
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

func pruneWindow(window []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	return window[i:]
}

func localDayKey(now time.Time) string {
	return now.Local().Format("2006-01-02")
}

func timeToLocalMidnight(now time.Time) time.Duration {
	local := now.Local()
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location()).AddDate(0, 0, 1)
	return midnight.Sub(local)
}

func dupeKey(accountID, peerID string, body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("%s|%s|%x", accountID, peerID, sum[:16])
}
