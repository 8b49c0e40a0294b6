// Package runtime manages the connection lifecycle of one account: auth
// restore, pairing, the protocol socket, reconnect policy and teardown.
// One Runtime exists per account; transport events are serialized by the
// protocol library, so handler bodies stay short and non-blocking.
package runtime

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/authblob"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/protocol"
	"github.com/oriys/quasar/internal/store"
)

// Config tunes one runtime.
type Config struct {
	AuthDir          string        // this account's auth directory
	InstanceID       string        // hostname-pid-starttime of this process
	LockStaleWindow  time.Duration // ownership locks older than this may be stolen (default 10m)
	LocalFreshWindow time.Duration // local auth newer than this beats the store copy (default 5m)
	ReconnectBudget  int           // generic reconnect attempts before giving up (default 10)
}

func (c *Config) defaults() {
	if c.LockStaleWindow <= 0 {
		c.LockStaleWindow = 10 * time.Minute
	}
	if c.LocalFreshWindow <= 0 {
		c.LocalFreshWindow = 5 * time.Minute
	}
	if c.ReconnectBudget <= 0 {
		c.ReconnectBudget = 10
	}
}

// Events receives the runtime's observable lifecycle notifications. No
// callback carries raw protocol-library types; the protocol boundary
// types are the gateway's own.
type Events struct {
	QR           func(accountID, dataURL string)
	Ready        func(accountID, phoneNumber string)
	Disconnected func(accountID, reason string)
	MessageIn    func(accountID string, env *protocol.Envelope)
	MessageAck   func(accountID, messageID, peerJID string, level int)
}

const (
	replacedMaxPerHour  = 2
	replacedBackoffBase = 30 * time.Second
	replacedBackoffMax  = 10 * time.Minute
)

// Reconnect delay draws, overridable in tests.
var (
	pairingRetryDelay = func() time.Duration { return jitterBetween(15*time.Second, 30*time.Second) }
	reconnectDelay    = func() time.Duration { return jitterBetween(10*time.Second, 20*time.Second) }
)

// Runtime drives one account.
type Runtime struct {
	accountID string
	st        store.Store
	dialer    protocol.Dialer
	getFrame  protocol.GetMessageFunc
	fp        protocol.Fingerprint
	events    Events
	cfg       Config

	saver *saver

	mu            sync.Mutex
	status        domain.AccountStatus
	sock          protocol.Socket
	phoneNumber   string
	lastQR        string
	pairing       bool
	paired        bool
	reconnects    int
	replacedTimes []time.Time
	stopped       bool

	stopCh chan struct{}
}

// New creates a Runtime for an account. Start must be called to connect.
func New(accountID string, st store.Store, dialer protocol.Dialer, getFrame protocol.GetMessageFunc, fp protocol.Fingerprint, events Events, cfg Config) *Runtime {
	cfg.defaults()
	return &Runtime{
		accountID: accountID,
		st:        st,
		dialer:    dialer,
		getFrame:  getFrame,
		fp:        fp,
		events:    events,
		cfg:       cfg,
		status:    domain.StatusInitializing,
		stopCh:    make(chan struct{}),
	}
}

// AccountID returns the owning account id.
func (r *Runtime) AccountID() string { return r.accountID }

// Status returns the current lifecycle status.
func (r *Runtime) Status() domain.AccountStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// PhoneNumber returns the network phone id once known.
func (r *Runtime) PhoneNumber() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phoneNumber
}

// LastQR returns the most recent QR data URL while pairing, or "".
func (r *Runtime) LastQR() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != domain.StatusQRReady {
		return ""
	}
	return r.lastQR
}

// Start restores authentication and opens the transport. It returns once
// the socket connect is underway; progress is reported through Events.
func (r *Runtime) Start(ctx context.Context) error {
	r.setStatus(domain.StatusInitializing)
	r.saver = newSaver(r.accountID, r.cfg.AuthDir, r.st, r.cfg.InstanceID)

	paired, err := r.restoreAuth(ctx)
	if err != nil {
		r.saver.Stop()
		r.setStatus(domain.StatusError)
		return err
	}

	r.mu.Lock()
	r.paired = paired
	r.pairing = !paired
	r.mu.Unlock()

	if !paired {
		r.setStatus(domain.StatusNeedsQR)
	}
	return r.connect(ctx)
}

// restoreAuth implements the restore contract: a recently touched local
// directory wins outright (a live pairing handshake must not be
// destroyed); otherwise the store blob replaces local state after
// validation, and an invalid blob is cleared so the account pairs fresh.
// Local and store state are never merged.
func (r *Runtime) restoreAuth(ctx context.Context) (bool, error) {
	if authblob.DirFreshWithin(r.cfg.AuthDir, r.cfg.LocalFreshWindow) {
		blob, err := authblob.FromDir(r.cfg.AuthDir, authblob.OwnerLock{})
		if err == nil && blob.Valid() {
			return true, nil
		}
		// Mid-pairing scratch state: keep the files, pairing continues.
		return false, nil
	}

	var data string
	err := store.WithRetry(ctx, func(ctx context.Context) error {
		var err error
		data, err = r.st.GetSessionData(ctx, r.accountID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("read session blob: %w", err)
	}
	if data == "" {
		if err := os.RemoveAll(r.cfg.AuthDir); err != nil {
			return false, fmt.Errorf("clear stale auth dir: %w", err)
		}
		return false, nil
	}

	blob, err := authblob.Decode(data)
	if err != nil || !blob.Valid() {
		logging.Op().Warn("invalid session blob, forcing re-pair", "account", r.accountID, "error", err)
		if clearErr := r.st.ClearSessionData(ctx, r.accountID); clearErr != nil {
			logging.Op().Error("clear invalid session blob failed", "account", r.accountID, "error", clearErr)
		}
		if err := os.RemoveAll(r.cfg.AuthDir); err != nil {
			return false, fmt.Errorf("clear stale auth dir: %w", err)
		}
		return false, nil
	}

	now := time.Now().UTC()
	if blob.Owner.InstanceID != "" && blob.Owner.InstanceID != r.cfg.InstanceID &&
		!blob.Owner.Stale(now, r.cfg.LockStaleWindow) {
		return false, domain.NewGatewayError(domain.KindLockedByOther,
			fmt.Sprintf("account is driven by instance %s", blob.Owner.InstanceID))
	}

	if err := blob.WriteDir(r.cfg.AuthDir); err != nil {
		return false, fmt.Errorf("restore auth dir: %w", err)
	}
	return true, nil
}

// connect dials a fresh socket off the current auth directory.
func (r *Runtime) connect(ctx context.Context) error {
	handlers := protocol.Handlers{
		QR:          r.onQR,
		Open:        r.onOpen,
		Closed:      r.onClosed,
		Message:     r.onMessage,
		Ack:         r.onAck,
		CredsUpdate: r.onCredsUpdate,
	}
	sock, err := r.dialer.Dial(r.cfg.AuthDir, r.fp, handlers, r.getFrame)
	if err != nil {
		r.setStatus(domain.StatusError)
		return fmt.Errorf("dial transport: %w", err)
	}

	r.mu.Lock()
	r.sock = sock
	r.mu.Unlock()

	if err := sock.Connect(ctx); err != nil {
		r.setStatus(domain.StatusError)
		return fmt.Errorf("connect transport: %w", err)
	}
	return nil
}

func (r *Runtime) onQR(dataURL string) {
	r.mu.Lock()
	r.lastQR = dataURL
	r.pairing = true
	r.mu.Unlock()

	r.setStatus(domain.StatusQRReady)
	if r.events.QR != nil {
		r.events.QR(r.accountID, dataURL)
	}
}

func (r *Runtime) onOpen(selfJID string) {
	phone := protocol.UserPart(selfJID)

	r.mu.Lock()
	r.pairing = false
	r.paired = true
	r.reconnects = 0
	r.lastQR = ""
	if r.phoneNumber == "" {
		r.phoneNumber = phone
	}
	r.mu.Unlock()

	r.setStatus(domain.StatusReady)

	// The phone id is recorded on the first ready transition only; the
	// store keeps the first value.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.st.SetAccountPhoneNumber(ctx, r.accountID, phone); err != nil {
			logging.Op().Error("record phone number failed", "account", r.accountID, "error", err)
		}
	}()

	// Stabilization save: the local auth state just became authoritative
	// and later key finalization depends on this snapshot for crash
	// recovery. This write also (re)claims the ownership lock.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := r.saver.Flush(ctx); err != nil {
			logging.Op().Error("stabilization save failed", "account", r.accountID, "error", err)
		}
	}()

	if r.events.Ready != nil {
		r.events.Ready(r.accountID, phone)
	}
}

func (r *Runtime) onMessage(env *protocol.Envelope) {
	if r.events.MessageIn != nil {
		r.events.MessageIn(r.accountID, env)
	}
}

func (r *Runtime) onAck(messageID, peerJID string, level int) {
	if r.events.MessageAck != nil {
		r.events.MessageAck(r.accountID, messageID, peerJID, level)
	}
}

func (r *Runtime) onCredsUpdate() {
	// Rate-key rotation must hit the store before a crash loses it.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := r.saver.Flush(ctx); err != nil {
			logging.Op().Error("creds update save failed", "account", r.accountID, "error", err)
		}
	}()
}

func (r *Runtime) onClosed(cause protocol.CloseCause, detail string) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	pairing := r.pairing
	r.mu.Unlock()

	metrics.ReconnectAttempt(string(cause))
	logging.Op().Info("transport closed",
		"account", r.accountID, "cause", cause, "detail", detail, "pairing", pairing)

	switch cause {
	case protocol.CauseLoggedOut:
		r.handleLoggedOut()

	case protocol.CauseConnectionReplaced:
		r.handleReplaced()

	case protocol.CauseRestartRequired, protocol.CauseConnectionClosed:
		if pairing {
			// QR rotation: the local directory holds in-progress handshake
			// keys. Recreate the socket without wiping local files and
			// without re-reading the store.
			r.scheduleReconnect(pairingRetryDelay())
			return
		}
		r.handleGenericClose()

	default:
		r.handleGenericClose()
	}
}

func (r *Runtime) handleLoggedOut() {
	r.setStatus(domain.StatusLoggedOut)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.st.ClearSessionData(ctx, r.accountID); err != nil {
		logging.Op().Error("clear session blob on logout failed", "account", r.accountID, "error", err)
	}
	if err := os.RemoveAll(r.cfg.AuthDir); err != nil {
		logging.Op().Error("clear auth dir on logout failed", "account", r.accountID, "error", err)
	}

	r.mu.Lock()
	r.paired = false
	r.mu.Unlock()

	if r.events.Disconnected != nil {
		r.events.Disconnected(r.accountID, "logged_out")
	}
}

// handleReplaced backs off hard when another device took the session over.
// At most two attempts per rolling hour: more aggressive retry is exactly
// the pattern the network bans on.
func (r *Runtime) handleReplaced() {
	now := time.Now()

	r.mu.Lock()
	cutoff := now.Add(-time.Hour)
	kept := r.replacedTimes[:0]
	for _, t := range r.replacedTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.replacedTimes = kept
	attempts := len(r.replacedTimes)
	if attempts < replacedMaxPerHour {
		r.replacedTimes = append(r.replacedTimes, now)
	}
	r.mu.Unlock()

	if attempts >= replacedMaxPerHour {
		r.setStatus(domain.StatusDisconnected)
		if r.events.Disconnected != nil {
			r.events.Disconnected(r.accountID,
				"connection replaced by another session; close other sessions and wait at least an hour before reconnecting")
		}
		return
	}

	backoff := replacedBackoffBase << attempts
	if backoff > replacedBackoffMax {
		backoff = replacedBackoffMax
	}
	r.setStatus(domain.StatusReconnecting)
	r.scheduleReconnect(backoff)
}

func (r *Runtime) handleGenericClose() {
	r.mu.Lock()
	r.reconnects++
	attempts := r.reconnects
	r.mu.Unlock()

	if attempts > r.cfg.ReconnectBudget {
		r.setStatus(domain.StatusDisconnected)
		if r.events.Disconnected != nil {
			r.events.Disconnected(r.accountID, "reconnect budget exhausted")
		}
		return
	}
	r.setStatus(domain.StatusReconnecting)
	r.scheduleReconnect(reconnectDelay())
}

// scheduleReconnect recreates the socket after the delay. The local auth
// directory is reused as-is; the store is never re-read on reconnect.
func (r *Runtime) scheduleReconnect(delay time.Duration) {
	go func() {
		select {
		case <-r.stopCh:
			return
		case <-time.After(delay):
		}

		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return
		}
		if r.sock != nil {
			_ = r.sock.Close()
			r.sock = nil
		}
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := r.connect(ctx); err != nil {
			logging.Op().Error("reconnect failed", "account", r.accountID, "error", err)
			r.handleGenericClose()
		}
	}()
}

// Send transmits through the live socket. Callers must have passed pacer
// admission first; the runtime itself only checks connection state.
func (r *Runtime) Send(ctx context.Context, toJID string, out protocol.Outgoing) (*protocol.WireMessage, error) {
	r.mu.Lock()
	sock, status := r.sock, r.status
	r.mu.Unlock()

	switch status {
	case domain.StatusReady:
	case domain.StatusNeedsQR, domain.StatusQRReady:
		return nil, domain.NewGatewayError(domain.KindNeedsQR, "account requires QR pairing")
	default:
		return nil, domain.NewGatewayError(domain.KindNotConnected,
			fmt.Sprintf("account is %s", status))
	}
	if sock == nil {
		return nil, domain.NewGatewayError(domain.KindNotConnected, "transport not open")
	}
	return sock.Send(ctx, toJID, out)
}

// Socket exposes the live socket for presence and typing simulation, or
// nil when not connected.
func (r *Runtime) Socket() protocol.Socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sock
}

// NudgePresence announces availability. Failures are swallowed.
func (r *Runtime) NudgePresence(ctx context.Context) {
	r.mu.Lock()
	sock, status := r.sock, r.status
	r.mu.Unlock()
	if status != domain.StatusReady || sock == nil {
		return
	}
	if err := sock.SendPresence(ctx, protocol.PresenceAvailable); err != nil {
		logging.Op().Debug("presence nudge failed", "account", r.accountID, "error", err)
	}
}

// RequestSave schedules a debounced auth save.
func (r *Runtime) RequestSave() {
	if r.saver != nil {
		r.saver.Request()
	}
}

// FlushAuth performs a forced save, used on shutdown and by the periodic
// save sweep.
func (r *Runtime) FlushAuth(ctx context.Context) error {
	r.mu.Lock()
	paired := r.paired
	r.mu.Unlock()
	if !paired || r.saver == nil {
		return nil
	}
	return r.saver.Flush(ctx)
}

// Logout invalidates the session server-side and clears auth state.
func (r *Runtime) Logout(ctx context.Context) error {
	r.mu.Lock()
	sock := r.sock
	r.mu.Unlock()
	if sock == nil {
		r.handleLoggedOut()
		return nil
	}
	return sock.Logout(ctx)
}

// Stop flushes auth state and tears the socket down. The runtime cannot
// be restarted; the supervisor builds a fresh one.
func (r *Runtime) Stop(ctx context.Context) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	sock := r.sock
	r.sock = nil
	terminal := r.status.Terminal()
	r.mu.Unlock()

	close(r.stopCh)

	if err := r.FlushAuth(ctx); err != nil {
		logging.Op().Error("auth flush on stop failed", "account", r.accountID, "error", err)
	}
	if sock != nil {
		_ = sock.Close()
	}
	if r.saver != nil {
		r.saver.Stop()
	}
	if !terminal {
		r.setStatus(domain.StatusDisconnected)
	}
}

// setStatus applies a legal transition and mirrors it to the store.
func (r *Runtime) setStatus(next domain.AccountStatus) {
	r.mu.Lock()
	prev := r.status
	if prev == next {
		r.mu.Unlock()
		return
	}
	if prev != next && !domain.CanTransition(prev, next) && next != domain.StatusInitializing {
		logging.Op().Warn("illegal status transition ignored",
			"account", r.accountID, "from", prev, "to", next)
		r.mu.Unlock()
		return
	}
	r.status = next
	r.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.st.UpdateAccountStatus(ctx, r.accountID, next); err != nil {
			logging.Op().Debug("mirror status to store failed",
				"account", r.accountID, "status", next, "error", err)
		}
	}()
}

func jitterBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
