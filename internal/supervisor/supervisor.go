// Package supervisor owns the set of account runtimes and every shared
// in-process service: pacer, retry store, LID map, webhook queue and
// workers. It staggers startup connects, runs the periodic maintenance
// tasks and coordinates graceful shutdown.
package supervisor

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/autoreply"
	"github.com/oriys/quasar/internal/cache"
	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/lidmap"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/pacer"
	"github.com/oriys/quasar/internal/protocol"
	"github.com/oriys/quasar/internal/retrystore"
	"github.com/oriys/quasar/internal/router"
	"github.com/oriys/quasar/internal/runtime"
	"github.com/oriys/quasar/internal/store"
	"github.com/oriys/quasar/internal/webhookq"
)

// Supervisor wires and drives the gateway core.
type Supervisor struct {
	cfg        *config.Config
	st         store.Store
	dialer     protocol.Dialer
	instanceID string

	pace       *pacer.Pacer
	stagger    *pacer.Stagger
	retry      *retrystore.RetryStore
	lids       *lidmap.Map
	queue      *webhookq.Queue
	workers    *webhookq.WorkerPool
	inbound    *router.Router
	replyGuard *autoreply.LoopGuard

	mu       sync.Mutex
	runtimes map[string]*runtime.Runtime

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// Options carries optional collaborators.
type Options struct {
	// SubscriptionCache overrides the default in-memory subscription
	// cache, e.g. with a Redis-backed ReplicatedCache so invalidations
	// reach peer gateway processes.
	SubscriptionCache cache.Cache
	// AutoReplyAdapters enables the auto-responder when non-empty.
	AutoReplyAdapters []autoreply.Adapter
	// AutoReplySystemPrompt steers the responder.
	AutoReplySystemPrompt string
}

// New builds the supervisor and its service graph.
func New(cfg *config.Config, st store.Store, dialer protocol.Dialer, opts Options) *Supervisor {
	subCache := opts.SubscriptionCache
	if subCache == nil {
		subCache = cache.NewInMemoryCache()
	}

	s := &Supervisor{
		cfg:        cfg,
		st:         st,
		dialer:     dialer,
		instanceID: InstanceID(),
		pace:       pacer.New(cfg.Pacing),
		stagger:    pacer.NewStagger(cfg.Pacing),
		retry:      retrystore.New(st, cfg.RetryStore),
		lids:       lidmap.New(0),
		replyGuard: autoreply.NewLoopGuard(),
		runtimes:   make(map[string]*runtime.Runtime),
		stopCh:     make(chan struct{}),
	}
	s.queue = webhookq.NewQueue(st, subCache, cfg.Webhook)
	s.workers = webhookq.NewWorkerPool(st, cfg.Webhook)

	var responder router.AutoReplier
	if len(opts.AutoReplyAdapters) > 0 {
		responder = autoreply.New(opts.AutoReplyAdapters, opts.AutoReplySystemPrompt, s.autoReplySend)
	}
	s.inbound = router.New(s.queue, s.lids, s.retry, responder)
	return s
}

// InstanceID identifies this gateway process for ownership arbitration.
func InstanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), processStart.Unix())
}

var processStart = time.Now()

// Start brings up workers, restores accounts with saved auth under the
// stagger policy, and launches periodic tasks. Accounts without a blob are
// marked needs_qr and wait for an explicit pairing request.
func (s *Supervisor) Start(ctx context.Context) error {
	s.workers.Start()

	accounts, err := s.st.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	var restorable []string
	for _, a := range accounts {
		data, err := s.st.GetSessionData(ctx, a.ID)
		if err != nil {
			logging.Op().Error("read session blob failed", "account", a.ID, "error", err)
			continue
		}
		if data == "" {
			if err := s.st.UpdateAccountStatus(ctx, a.ID, domain.StatusNeedsQR); err != nil {
				logging.Op().Debug("mark needs_qr failed", "account", a.ID, "error", err)
			}
			continue
		}
		restorable = append(restorable, a.ID)
	}

	logging.Op().Info("supervisor starting",
		"instance", s.instanceID, "accounts", len(accounts), "restorable", len(restorable))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.connectStaggered(restorable)
	}()

	s.spawnPeriodic("memory-probe", time.Minute, s.memoryProbe)
	s.spawnPeriodic("save-sweep", s.cfg.Supervisor.SaveSweepInterval, s.saveSweep)
	s.spawnPeriodic("runtime-cleanup", time.Minute, s.cleanupTerminated)
	s.spawnPeriodic("retry-reaper", time.Hour, s.reapRetryStore)
	if s.cfg.Supervisor.KeepaliveURL != "" {
		s.spawnPeriodic("keepalive", s.cfg.Supervisor.KeepaliveInterval, s.keepalive)
	}
	return nil
}

// connectStaggered connects restored accounts under the stagger gate:
// never more than a handful per window, with randomized gaps. Connects
// are deferred while memory pressure is critical.
func (s *Supervisor) connectStaggered(accountIDs []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopCh
		cancel()
	}()

	for _, id := range accountIDs {
		for s.underPressure() {
			select {
			case <-s.stopCh:
				return
			case <-time.After(30 * time.Second):
			}
		}
		if err := s.stagger.WaitTurn(ctx); err != nil {
			return
		}
		if err := s.StartAccount(ctx, id); err != nil {
			logging.Op().Error("restore account failed", "account", id, "error", err)
		}
	}
}

// StartAccount creates and starts the runtime for one account. An
// existing non-terminal runtime is left alone.
func (s *Supervisor) StartAccount(ctx context.Context, accountID string) error {
	s.mu.Lock()
	if existing, ok := s.runtimes[accountID]; ok && !existing.Status().Terminal() {
		s.mu.Unlock()
		return nil
	}
	rt := runtime.New(accountID, s.st, s.dialer, s.retry.Getter(accountID),
		pacer.Fingerprint(accountID), s.runtimeEvents(), runtime.Config{
			AuthDir:    filepath.Join(s.cfg.Supervisor.AuthDir, accountID),
			InstanceID: s.instanceID,
		})
	s.runtimes[accountID] = rt
	metrics.SetActiveRuntimes(len(s.runtimes))
	s.mu.Unlock()

	if err := rt.Start(ctx); err != nil {
		return err
	}
	s.watchPresence(rt)
	return nil
}

func (s *Supervisor) runtimeEvents() runtime.Events {
	return runtime.Events{
		Ready: func(accountID, phoneNumber string) {
			logging.Op().Info("account ready", "account", accountID, "phone", phoneNumber)
			s.refreshReadyGauge()
			s.delayedPresence(accountID)
		},
		Disconnected: func(accountID, reason string) {
			logging.Op().Warn("account disconnected", "account", accountID, "reason", reason)
			s.refreshReadyGauge()
		},
		QR: func(accountID, _ string) {
			logging.Op().Info("pairing code available", "account", accountID)
		},
		MessageIn: func(accountID string, env *protocol.Envelope) {
			// Dispatch off the socket's event goroutine.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				s.inbound.HandleEnvelope(ctx, accountID, s.phoneNumber(accountID), env)
			}()
		},
		MessageAck: func(accountID, messageID, peerJID string, level int) {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				s.inbound.HandleAck(ctx, accountID, messageID, peerJID, level)
			}()
		},
	}
}

func (s *Supervisor) phoneNumber(accountID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.runtimes[accountID]; ok {
		return rt.PhoneNumber()
	}
	return ""
}

func (s *Supervisor) runtime(accountID string) (*runtime.Runtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[accountID]
	if !ok {
		return nil, domain.NewGatewayError(domain.KindNotFound, "account has no active runtime")
	}
	return rt, nil
}

// delayedPresence announces availability 30-60 seconds after a ready
// transition. The client never marks itself online during the handshake;
// the lag both matches interactive client behavior and is needed for
// reliable delivery receipts.
func (s *Supervisor) delayedPresence(accountID string) {
	delay := 30*time.Second + time.Duration(rand.Int63n(int64(30*time.Second)))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.stopCh:
			return
		case <-time.After(delay):
		}
		s.mu.Lock()
		rt, ok := s.runtimes[accountID]
		s.mu.Unlock()
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		rt.NudgePresence(ctx)
		cancel()
	}()
}

// watchPresence refreshes presence on an independent randomized interval
// per runtime so accounts never announce in lockstep.
func (s *Supervisor) watchPresence(rt *runtime.Runtime) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.stopCh:
				return
			case <-time.After(s.pace.PresenceInterval()):
			}
			if rt.Status().Terminal() {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			rt.NudgePresence(ctx)
			cancel()
		}
	}()
}

func (s *Supervisor) refreshReadyGauge() {
	s.mu.Lock()
	ready := 0
	for _, rt := range s.runtimes {
		if rt.Status() == domain.StatusReady {
			ready++
		}
	}
	metrics.SetReadyRuntimes(ready)
	s.mu.Unlock()
}

func (s *Supervisor) spawnPeriodic(name string, interval time.Duration, task func()) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				task()
			}
		}
	}()
	logging.Op().Debug("periodic task scheduled", "task", name, "interval", interval)
}

func (s *Supervisor) saveSweep() {
	s.mu.Lock()
	var ready []*runtime.Runtime
	for _, rt := range s.runtimes {
		if rt.Status() == domain.StatusReady {
			ready = append(ready, rt)
		}
	}
	s.mu.Unlock()
	for _, rt := range ready {
		rt.RequestSave()
	}
}

func (s *Supervisor) cleanupTerminated() {
	s.mu.Lock()
	var dead []*runtime.Runtime
	for id, rt := range s.runtimes {
		if rt.Status().Terminal() {
			dead = append(dead, rt)
			delete(s.runtimes, id)
		}
	}
	metrics.SetActiveRuntimes(len(s.runtimes))
	s.mu.Unlock()

	for _, rt := range dead {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		rt.Stop(ctx)
		cancel()
	}
	s.refreshReadyGauge()
}

func (s *Supervisor) reapRetryStore() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if n, err := s.retry.Reap(ctx); err != nil {
		logging.Op().Error("retry store reap failed", "error", err)
	} else if n > 0 {
		logging.Op().Info("retry store reaped", "rows", n)
	}
}

func (s *Supervisor) keepalive() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Supervisor.KeepaliveURL, nil)
	if err != nil {
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logging.Op().Debug("keepalive ping failed", "error", err)
		return
	}
	resp.Body.Close()
}

// Stop shuts the gateway down: every runtime flushes its auth blob within
// the combined deadline, then sockets close and shared services stop.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	rts := make([]*runtime.Runtime, 0, len(s.runtimes))
	for _, rt := range s.runtimes {
		rts = append(rts, rt)
	}
	s.mu.Unlock()

	close(s.stopCh)

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var flush sync.WaitGroup
	for _, rt := range rts {
		flush.Add(1)
		go func(rt *runtime.Runtime) {
			defer flush.Done()
			rt.Stop(flushCtx)
		}(rt)
	}
	flush.Wait()

	s.workers.Stop()
	s.pace.Close()
	s.retry.Close()
	s.wg.Wait()
	logging.Op().Info("supervisor stopped")
}

// Queue exposes the webhook enqueue side, e.g. for subscription edits to
// invalidate the cache.
func (s *Supervisor) Queue() *webhookq.Queue { return s.queue }

// Store exposes the persistence layer.
func (s *Supervisor) Store() store.Store { return s.st }
