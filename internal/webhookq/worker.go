package webhookq

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/store"
)

const (
	maxPayloadBytes        = 50 << 20 // payloads past this dead-letter without a transport attempt
	maxResponseBody        = 64 * 1024
	automationPostTimeout  = 5 * time.Second
	defaultPostTimeout     = 10 * time.Second
	stuckRecoveryFrequency = 10 // recovery pass every N ticks
)

// UserAgent identifies the gateway on webhook callouts.
var UserAgent = "quasar/1.0"

// WorkerPool polls the delivery queue and posts due jobs to their
// subscriber URLs. Only one pool instance runs per process; cross-process
// exclusion comes from the store's conditional claims.
type WorkerPool struct {
	st  store.Store
	cfg config.WebhookConfig

	stopCh  chan struct{}
	started bool
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// NewWorkerPool creates a worker pool from config.
func NewWorkerPool(st store.Store, cfg config.WebhookConfig) *WorkerPool {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 3 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = 5 * time.Minute
	}
	return &WorkerPool{st: st, cfg: cfg, stopCh: make(chan struct{})}
}

// Start launches the polling loop. A stuck-job recovery pass runs first so
// rows orphaned by a crash become due again immediately.
func (w *WorkerPool) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true

	if n, err := w.st.RecoverStuckDeliveries(context.Background(), w.cfg.Staleness); err != nil {
		logging.Op().Error("stuck delivery recovery failed", "error", err)
	} else if n > 0 {
		logging.Op().Warn("recovered stuck deliveries", "count", n)
	}

	w.wg.Add(1)
	go w.loop()
	logging.Op().Info("webhook workers started",
		"tick", w.cfg.TickInterval, "batch", w.cfg.BatchSize)
}

// Stop gracefully shuts the pool down, waiting for in-flight posts.
func (w *WorkerPool) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	logging.Op().Info("webhook workers stopped")
}

func (w *WorkerPool) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.tick()
			ticks++
			if ticks%stuckRecoveryFrequency == 0 {
				if n, err := w.st.RecoverStuckDeliveries(context.Background(), w.cfg.Staleness); err != nil {
					logging.Op().Error("stuck delivery recovery failed", "error", err)
				} else if n > 0 {
					logging.Op().Warn("recovered stuck deliveries", "count", n)
				}
			}
		}
	}
}

// tick claims one batch of due jobs and delivers them concurrently.
func (w *WorkerPool) tick() {
	jobs, err := w.st.AcquireDueDeliveryJobs(context.Background(), w.cfg.BatchSize, time.Now())
	if err != nil {
		logging.Op().Error("acquire delivery jobs failed", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	var batch sync.WaitGroup
	for _, job := range jobs {
		batch.Add(1)
		go func(job *domain.DeliveryJob) {
			defer batch.Done()
			w.process(job)
		}(job)
	}
	batch.Wait()
}

func (w *WorkerPool) process(job *domain.DeliveryJob) {
	if len(job.Payload) > maxPayloadBytes {
		status := http.StatusRequestEntityTooLarge
		w.deadLetter(job, fmt.Sprintf("payload of %d bytes exceeds delivery limit", len(job.Payload)), &status)
		return
	}

	status, err := w.post(job)
	switch classify(status, err) {
	case outcomeSuccess:
		if markErr := w.st.MarkDeliverySucceeded(context.Background(), job.ID, status); markErr != nil {
			logging.Op().Error("mark delivery succeeded failed", "job", job.ID, "error", markErr)
			return
		}
		metrics.DeliveryCompleted("success")
		logging.Op().Debug("webhook delivered",
			"job", job.ID, "account", job.AccountID, "status", status, "attempt", job.AttemptCount)

	case outcomePermanent:
		w.deadLetter(job, fmt.Sprintf("permanent subscriber error: status %d", status), nil)

	case outcomeTransient:
		detail := fmt.Sprintf("status %d", status)
		if err != nil {
			detail = err.Error()
		}
		w.retryOrDeadLetter(job, detail)
	}
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomePermanent
	outcomeTransient
)

// classify maps a POST result onto the retry policy: 2xx succeeds, 4xx is
// permanent by contract except 408/429, everything else (5xx, 408, 429,
// transport errors, timeouts) is retryable.
func classify(status int, err error) outcome {
	if err != nil {
		return outcomeTransient
	}
	switch {
	case status >= 200 && status < 300:
		return outcomeSuccess
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return outcomeTransient
	case status >= 400 && status < 500:
		return outcomePermanent
	default:
		return outcomeTransient
	}
}

func (w *WorkerPool) retryOrDeadLetter(job *domain.DeliveryJob, detail string) {
	if job.AttemptCount >= job.MaxRetries {
		w.deadLetter(job, detail, nil)
		return
	}
	backoff := calcBackoff(job.AttemptCount, w.cfg.BackoffBase, w.cfg.BackoffMax)
	nextAttempt := time.Now().UTC().Add(backoff)
	if err := w.st.MarkDeliveryForRetry(context.Background(), job.ID, detail, nextAttempt); err != nil {
		logging.Op().Error("mark delivery for retry failed", "job", job.ID, "error", err)
		return
	}
	metrics.DeliveryCompleted("retry")
	logging.Op().Warn("webhook delivery retry scheduled",
		"job", job.ID, "account", job.AccountID, "attempt", job.AttemptCount,
		"next_attempt_at", nextAttempt, "error", detail)
}

func (w *WorkerPool) deadLetter(job *domain.DeliveryJob, detail string, responseStatus *int) {
	if err := w.st.MarkDeliveryDeadLetter(context.Background(), job.ID, detail, responseStatus); err != nil {
		logging.Op().Error("mark delivery dead letter failed", "job", job.ID, "error", err)
		return
	}
	metrics.DeliveryCompleted("dead_letter")
	logging.Op().Warn("webhook delivery dead-lettered",
		"job", job.ID, "account", job.AccountID, "attempt", job.AttemptCount, "error", detail)
}

// post performs the HTTP callout. Returns the response status, or an error
// for transport-level failures.
func (w *WorkerPool) post(job *domain.DeliveryJob) (int, error) {
	timeout := defaultPostTimeout
	if isAutomationTarget(job.WebhookURL) {
		timeout = automationPostTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.WebhookURL, bytes.NewReader(job.Payload))
	if err != nil {
		return 0, fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("X-Account-ID", job.AccountID)
	if job.WebhookSecret != "" {
		req.Header.Set("X-Webhook-Secret", job.WebhookSecret)
	}

	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	start := time.Now()
	resp, err := client.Do(req)
	metrics.DeliveryDuration(time.Since(start))
	if err != nil {
		return 0, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain a bounded amount so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	return resp.StatusCode, nil
}

// SendTest performs a signed synchronous test delivery against a
// subscription, bypassing the queue. The signature lets the subscriber
// verify its secret wiring.
func SendTest(ctx context.Context, sub *domain.WebhookSubscription, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("create test request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("X-Account-ID", sub.AccountID)
	if sub.Secret != "" {
		req.Header.Set("X-Webhook-Secret", sub.Secret)
		req.Header.Set("X-Webhook-Signature", Sign(sub.Secret, payload))
	}

	client := &http.Client{Timeout: defaultPostTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	return resp.StatusCode, nil
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func calcBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > max || d < 0 {
		d = max
	}
	return d
}
