package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/domain"
)

// MemoryStore is an in-process Store used by component tests. Semantics
// mirror PostgresStore, including the conditional delivery-job claims.
type MemoryStore struct {
	mu        sync.Mutex
	accounts  map[string]*domain.Account
	sessions  map[string]string
	sessionAt map[string]time.Time
	webhooks  map[string]*domain.WebhookSubscription
	jobs      map[string]*domain.DeliveryJob
	wires     map[string]*domain.StoredMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*domain.Account),
		sessions:  make(map[string]string),
		sessionAt: make(map[string]time.Time),
		webhooks:  make(map[string]*domain.WebhookSubscription),
		jobs:      make(map[string]*domain.DeliveryJob),
		wires:     make(map[string]*domain.StoredMessage),
	}
}

func (s *MemoryStore) Close() error               { return nil }
func (s *MemoryStore) Ping(context.Context) error { return nil }

func copyAccount(a *domain.Account) *domain.Account {
	cp := *a
	if a.Metadata != nil {
		cp.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func (s *MemoryStore) SaveAccount(_ context.Context, a *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyAccount(a)
	cp.UpdatedAt = time.Now().UTC()
	if prev, ok := s.accounts[a.ID]; ok {
		cp.APIKey = prev.APIKey
		cp.CreatedAt = prev.CreatedAt
	}
	s.accounts[a.ID] = cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return copyAccount(a), nil
}

func (s *MemoryStore) GetAccountByAPIKey(_ context.Context, apiKey string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.APIKey == apiKey {
			return copyAccount(a), nil
		}
	}
	return nil, ErrAccountNotFound
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, copyAccount(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateAccountStatus(_ context.Context, id string, status domain.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetAccountPhoneNumber(_ context.Context, id, phoneNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if a.PhoneNumber == "" {
		a.PhoneNumber = phoneNumber
		a.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) DeleteAccount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	delete(s.accounts, id)
	delete(s.sessions, id)
	delete(s.sessionAt, id)
	for wid, w := range s.webhooks {
		if w.AccountID == id {
			delete(s.webhooks, wid)
		}
	}
	return nil
}

func (s *MemoryStore) SaveSessionData(_ context.Context, accountID, data string, savedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	s.sessions[accountID] = data
	s.sessionAt[accountID] = savedAt.UTC()
	return nil
}

func (s *MemoryStore) GetSessionData(_ context.Context, accountID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return "", fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return s.sessions[accountID], nil
}

func (s *MemoryStore) ClearSessionData(ctx context.Context, accountID string) error {
	return s.SaveSessionData(ctx, accountID, "", time.Now())
}

// SessionSavedAt exposes the last save time for test assertions.
func (s *MemoryStore) SessionSavedAt(accountID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionAt[accountID]
}

func copyWebhook(w *domain.WebhookSubscription) *domain.WebhookSubscription {
	cp := *w
	cp.Events = append([]string(nil), w.Events...)
	return &cp
}

func (s *MemoryStore) CreateWebhook(_ context.Context, w *domain.WebhookSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks[w.ID] = copyWebhook(w)
	return nil
}

func (s *MemoryStore) GetWebhook(_ context.Context, id string) (*domain.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWebhookNotFound, id)
	}
	return copyWebhook(w), nil
}

func (s *MemoryStore) ListWebhooks(_ context.Context, accountID string) ([]*domain.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.WebhookSubscription
	for _, w := range s.webhooks {
		if w.AccountID == accountID {
			out = append(out, copyWebhook(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateWebhook(_ context.Context, id string, update *WebhookUpdate) (*domain.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWebhookNotFound, id)
	}
	if update.URL != nil {
		w.URL = *update.URL
	}
	if update.Secret != nil {
		w.Secret = *update.Secret
	}
	if update.Events != nil {
		w.Events = append([]string(nil), update.Events...)
	}
	if update.IsActive != nil {
		w.IsActive = *update.IsActive
	}
	if update.MaxRetries != nil {
		w.MaxRetries = *update.MaxRetries
	}
	return copyWebhook(w), nil
}

func (s *MemoryStore) DeleteWebhook(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[id]; !ok {
		return fmt.Errorf("%w: %s", ErrWebhookNotFound, id)
	}
	delete(s.webhooks, id)
	return nil
}

func copyJob(j *domain.DeliveryJob) *domain.DeliveryJob {
	cp := *j
	cp.Payload = append([]byte(nil), j.Payload...)
	if j.ResponseStatus != nil {
		v := *j.ResponseStatus
		cp.ResponseStatus = &v
	}
	return &cp
}

func (s *MemoryStore) EnqueueDeliveryJob(_ context.Context, job *domain.DeliveryJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) GetDeliveryJob(_ context.Context, id string) (*domain.DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeliveryNotFound, id)
	}
	return copyJob(j), nil
}

func (s *MemoryStore) ListDeliveryJobs(_ context.Context, accountID string, limit int, statuses []domain.DeliveryStatus) ([]*domain.DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	match := func(st domain.DeliveryStatus) bool {
		if len(statuses) == 0 {
			return true
		}
		for _, want := range statuses {
			if st == want {
				return true
			}
		}
		return false
	}
	var out []*domain.DeliveryJob
	for _, j := range s.jobs {
		if j.AccountID == accountID && match(j.Status) {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AcquireDueDeliveryJobs(_ context.Context, batch int, now time.Time) ([]*domain.DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if batch <= 0 {
		batch = 10
	}
	var due []*domain.DeliveryJob
	for _, j := range s.jobs {
		if (j.Status == domain.DeliveryStatusPending || j.Status == domain.DeliveryStatusFailed) &&
			!j.NextAttemptAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if len(due) > batch {
		due = due[:batch]
	}
	out := make([]*domain.DeliveryJob, 0, len(due))
	for _, j := range due {
		j.Status = domain.DeliveryStatusProcessing
		j.AttemptCount++
		j.UpdatedAt = now.UTC()
		out = append(out, copyJob(j))
	}
	return out, nil
}

func (s *MemoryStore) MarkDeliverySucceeded(_ context.Context, id string, responseStatus int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.DeliveryStatusProcessing {
		return fmt.Errorf("%w: %s", ErrDeliveryNotFound, id)
	}
	j.Status = domain.DeliveryStatusSuccess
	j.ResponseStatus = &responseStatus
	j.LastError = ""
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkDeliveryForRetry(_ context.Context, id, lastError string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.DeliveryStatusProcessing {
		return fmt.Errorf("%w: %s", ErrDeliveryNotFound, id)
	}
	j.Status = domain.DeliveryStatusFailed
	j.LastError = lastError
	j.NextAttemptAt = nextAttemptAt.UTC()
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkDeliveryDeadLetter(_ context.Context, id, lastError string, responseStatus *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrDeliveryNotFound, id)
	}
	j.Status = domain.DeliveryStatusDeadLetter
	j.LastError = lastError
	j.ResponseStatus = responseStatus
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) RecoverStuckDeliveries(_ context.Context, staleness time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for _, j := range s.jobs {
		if j.Status == domain.DeliveryStatusProcessing && j.UpdatedAt.Before(now.Add(-staleness)) {
			j.Status = domain.DeliveryStatusFailed
			j.NextAttemptAt = now
			j.LastError = "recovered"
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) RequeueDeadLetter(_ context.Context, id string, maxRetries int) (*domain.DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeliveryNotFound, id)
	}
	if j.Status != domain.DeliveryStatusDeadLetter {
		return nil, fmt.Errorf("%w: %s", ErrNotDeadLetter, id)
	}
	now := time.Now().UTC()
	j.Status = domain.DeliveryStatusPending
	j.AttemptCount = 0
	j.MaxRetries = maxRetries
	j.NextAttemptAt = now
	j.LastError = ""
	j.ResponseStatus = nil
	j.UpdatedAt = now
	return copyJob(j), nil
}

func wireKey(accountID, messageID string) string {
	return accountID + "/" + messageID
}

func (s *MemoryStore) SaveWireMessage(_ context.Context, m *domain.StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	cp.Body = append([]byte(nil), m.Body...)
	s.wires[wireKey(m.AccountID, m.MessageID)] = &cp
	return nil
}

func (s *MemoryStore) GetWireMessage(_ context.Context, accountID, messageID string) (*domain.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.wires[wireKey(accountID, messageID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrWireMessageNotFound, accountID, messageID)
	}
	cp := *m
	cp.Body = append([]byte(nil), m.Body...)
	return &cp, nil
}

func (s *MemoryStore) DeleteWireMessagesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, m := range s.wires {
		if m.CreatedAt.Before(cutoff) {
			delete(s.wires, k)
			n++
		}
	}
	return n, nil
}
