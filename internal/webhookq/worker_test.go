package webhookq

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/store"
)

func fastWorkerConfig() config.WebhookConfig {
	return config.WebhookConfig{
		TickInterval: 10 * time.Millisecond,
		BatchSize:    10,
		MaxRetries:   3,
		BackoffBase:  20 * time.Millisecond,
		BackoffMax:   100 * time.Millisecond,
		Staleness:    5 * time.Minute,
	}
}

type recordingTarget struct {
	mu       sync.Mutex
	bodies   [][]byte
	headers  []http.Header
	statuses []int
	next     int
}

// handler answers each request with the next status in the script,
// repeating the final one.
func (rt *recordingTarget) handler(script ...int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rt.mu.Lock()
		rt.bodies = append(rt.bodies, body)
		rt.headers = append(rt.headers, r.Header.Clone())
		status := script[rt.next]
		if rt.next < len(script)-1 {
			rt.next++
		}
		rt.statuses = append(rt.statuses, status)
		rt.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (rt *recordingTarget) count() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.bodies)
}

func enqueue(t *testing.T, st store.Store, url, secret string, payload []byte, maxRetries int) *domain.DeliveryJob {
	t.Helper()
	sub := domain.NewWebhookSubscription("acct", url, secret, nil)
	job := domain.NewDeliveryJob(sub, payload, maxRetries)
	if err := st.EnqueueDeliveryJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	return job
}

func waitForStatus(t *testing.T, st store.Store, jobID string, want domain.DeliveryStatus) *domain.DeliveryJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := st.GetDeliveryJob(context.Background(), jobID)
		if err != nil {
			t.Fatal(err)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := st.GetDeliveryJob(context.Background(), jobID)
	t.Fatalf("job never reached %s, still %s (attempts %d, last error %q)",
		want, job.Status, job.AttemptCount, job.LastError)
	return nil
}

func TestAtLeastOnceWithRetries(t *testing.T) {
	st := store.NewMemoryStore()
	target := &recordingTarget{}
	server := httptest.NewServer(target.handler(503, 503, 200))
	defer server.Close()

	job := enqueue(t, st, server.URL, "hook-secret", []byte(`{"event":"message"}`), 3)

	w := NewWorkerPool(st, fastWorkerConfig())
	w.Start()
	defer w.Stop()

	done := waitForStatus(t, st, job.ID, domain.DeliveryStatusSuccess)

	if got := target.count(); got != 3 {
		t.Fatalf("target saw %d POSTs, want 3", got)
	}
	if done.AttemptCount != 3 {
		t.Fatalf("attempt_count = %d, want 3", done.AttemptCount)
	}
	if done.ResponseStatus == nil || *done.ResponseStatus != 200 {
		t.Fatalf("response_status = %v, want 200", done.ResponseStatus)
	}

	target.mu.Lock()
	defer target.mu.Unlock()
	for i := 1; i < len(target.bodies); i++ {
		if !bytes.Equal(target.bodies[0], target.bodies[i]) {
			t.Fatal("retried deliveries must carry identical bodies")
		}
	}
	for _, h := range target.headers {
		if h.Get("X-Webhook-Secret") != "hook-secret" {
			t.Fatalf("missing secret header, got %q", h.Get("X-Webhook-Secret"))
		}
		if h.Get("X-Account-ID") != "acct" {
			t.Fatalf("missing account header, got %q", h.Get("X-Account-ID"))
		}
		if h.Get("Content-Type") != "application/json" {
			t.Fatalf("content type = %q", h.Get("Content-Type"))
		}
		if !strings.HasPrefix(h.Get("User-Agent"), "quasar/") {
			t.Fatalf("user agent = %q", h.Get("User-Agent"))
		}
	}
}

func TestPermanentErrorDeadLettersImmediately(t *testing.T) {
	st := store.NewMemoryStore()
	target := &recordingTarget{}
	server := httptest.NewServer(target.handler(410))
	defer server.Close()

	job := enqueue(t, st, server.URL, "", []byte(`{}`), 3)

	w := NewWorkerPool(st, fastWorkerConfig())
	w.Start()
	defer w.Stop()

	done := waitForStatus(t, st, job.ID, domain.DeliveryStatusDeadLetter)

	if got := target.count(); got != 1 {
		t.Fatalf("target saw %d POSTs, want exactly 1", got)
	}
	if done.ResponseStatus != nil {
		t.Fatalf("response_status = %v, want null on permanent dead letter", *done.ResponseStatus)
	}
	if !strings.Contains(done.LastError, "410") {
		t.Fatalf("last_error = %q, want mention of 410", done.LastError)
	}
}

func TestRetryBudgetExhaustionDeadLetters(t *testing.T) {
	st := store.NewMemoryStore()
	target := &recordingTarget{}
	server := httptest.NewServer(target.handler(503))
	defer server.Close()

	job := enqueue(t, st, server.URL, "", []byte(`{}`), 2)

	w := NewWorkerPool(st, fastWorkerConfig())
	w.Start()
	defer w.Stop()

	done := waitForStatus(t, st, job.ID, domain.DeliveryStatusDeadLetter)
	if done.AttemptCount != 2 {
		t.Fatalf("attempt_count = %d, want max_retries 2", done.AttemptCount)
	}
	if got := target.count(); got != 2 {
		t.Fatalf("target saw %d POSTs, want 2", got)
	}
}

func TestTransientFailureSchedulesFutureRetry(t *testing.T) {
	st := store.NewMemoryStore()
	target := &recordingTarget{}
	server := httptest.NewServer(target.handler(503))
	defer server.Close()

	cfg := fastWorkerConfig()
	cfg.BackoffBase = 10 * time.Second // long enough that the retry stays pending
	cfg.BackoffMax = time.Minute       // calcBackoff caps at BackoffMax
	job := enqueue(t, st, server.URL, "", []byte(`{}`), 3)

	w := NewWorkerPool(st, cfg)
	w.Start()
	defer w.Stop()

	failed := waitForStatus(t, st, job.ID, domain.DeliveryStatusFailed)
	if !failed.NextAttemptAt.After(time.Now().Add(5 * time.Second)) {
		t.Fatalf("next_attempt_at = %s, want a future backoff", failed.NextAttemptAt)
	}
}

func TestOversizePayloadDeadLettersWithoutTransport(t *testing.T) {
	st := store.NewMemoryStore()
	job := enqueue(t, st, "https://unreachable.example/hook", "", bytes.Repeat([]byte("x"), maxPayloadBytes+1), 3)

	w := NewWorkerPool(st, fastWorkerConfig())
	// Claim the row the way the loop would, then process directly.
	jobs, err := st.AcquireDueDeliveryJobs(context.Background(), 1, time.Now())
	if err != nil || len(jobs) != 1 {
		t.Fatalf("acquire: %v (%d jobs)", err, len(jobs))
	}
	w.process(jobs[0])

	done, err := st.GetDeliveryJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != domain.DeliveryStatusDeadLetter {
		t.Fatalf("status = %s, want dead_letter", done.Status)
	}
	if done.ResponseStatus == nil || *done.ResponseStatus != http.StatusRequestEntityTooLarge {
		t.Fatalf("response_status = %v, want synthesized 413", done.ResponseStatus)
	}
}

func TestStuckJobRecovery(t *testing.T) {
	st := store.NewMemoryStore()

	sub := domain.NewWebhookSubscription("acct", "https://a.example/hook", "", nil)
	job := domain.NewDeliveryJob(sub, []byte(`{}`), 3)
	job.NextAttemptAt = time.Now().Add(-time.Hour)
	if err := st.EnqueueDeliveryJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	// Claim with a clock in the past so updated_at looks stale.
	stale := time.Now().Add(-10 * time.Minute)
	claimed, err := st.AcquireDueDeliveryJobs(context.Background(), 1, stale)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("acquire: %v (%d jobs)", err, len(claimed))
	}

	n, err := st.RecoverStuckDeliveries(context.Background(), 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("recovered %d jobs, want 1", n)
	}

	recovered, _ := st.GetDeliveryJob(context.Background(), job.ID)
	if recovered.Status != domain.DeliveryStatusFailed {
		t.Fatalf("status = %s, want failed", recovered.Status)
	}
	if recovered.LastError != "recovered" {
		t.Fatalf("last_error = %q, want recovered", recovered.LastError)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		err    error
		want   outcome
	}{
		{200, nil, outcomeSuccess},
		{204, nil, outcomeSuccess},
		{301, nil, outcomeTransient},
		{400, nil, outcomePermanent},
		{404, nil, outcomePermanent},
		{408, nil, outcomeTransient},
		{429, nil, outcomeTransient},
		{410, nil, outcomePermanent},
		{500, nil, outcomeTransient},
		{503, nil, outcomeTransient},
		{0, io.ErrUnexpectedEOF, outcomeTransient},
	}
	for _, tt := range tests {
		if got := classify(tt.status, tt.err); got != tt.want {
			t.Fatalf("classify(%d, %v) = %d, want %d", tt.status, tt.err, got, tt.want)
		}
	}
}

func TestCalcBackoffDefaults(t *testing.T) {
	base, max := 2*time.Second, 60*time.Second
	if d := calcBackoff(1, base, max); d != 2*time.Second {
		t.Fatalf("attempt 1 backoff = %s, want 2s", d)
	}
	if d := calcBackoff(2, base, max); d != 4*time.Second {
		t.Fatalf("attempt 2 backoff = %s, want 4s", d)
	}
	if d := calcBackoff(3, base, max); d != 8*time.Second {
		t.Fatalf("attempt 3 backoff = %s, want 8s", d)
	}
	if d := calcBackoff(20, base, max); d != max {
		t.Fatalf("large attempt backoff = %s, want cap %s", d, max)
	}
}

func TestSignIsDeterministic(t *testing.T) {
	a := Sign("secret", []byte("body"))
	b := Sign("secret", []byte("body"))
	if a != b {
		t.Fatal("signature must be deterministic")
	}
	if a == Sign("other", []byte("body")) {
		t.Fatal("different secrets must produce different signatures")
	}
	if len(a) != 64 {
		t.Fatalf("hex HMAC-SHA256 length = %d, want 64", len(a))
	}
}

func TestSendTestSignsRequest(t *testing.T) {
	var gotSig string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Webhook-Signature")
	}))
	defer server.Close()

	sub := domain.NewWebhookSubscription("acct", server.URL, "s3cret", nil)
	payload := []byte(`{"event":"message"}`)
	status, err := SendTest(context.Background(), sub, payload)
	if err != nil {
		t.Fatalf("SendTest failed: %v", err)
	}
	if status != 200 {
		t.Fatalf("status = %d", status)
	}
	if gotSig != Sign("s3cret", payload) {
		t.Fatalf("signature mismatch: got %q", gotSig)
	}
	if !bytes.Equal(gotBody, payload) {
		t.Fatal("body altered in flight")
	}
}
