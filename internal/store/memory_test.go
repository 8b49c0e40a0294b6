package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/domain"
)

func TestAccountLifecycle(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	account := domain.NewAccount("alpha", "first tenant")
	if err := st.SaveAccount(ctx, account); err != nil {
		t.Fatal(err)
	}

	got, err := st.GetAccount(ctx, account.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "alpha" || got.Status != domain.StatusInitializing {
		t.Fatalf("account round trip wrong: %+v", got)
	}

	byKey, err := st.GetAccountByAPIKey(ctx, account.APIKey)
	if err != nil || byKey.ID != account.ID {
		t.Fatalf("lookup by api key failed: %v", err)
	}

	if err := st.UpdateAccountStatus(ctx, account.ID, domain.StatusReady); err != nil {
		t.Fatal(err)
	}
	got, _ = st.GetAccount(ctx, account.ID)
	if got.Status != domain.StatusReady {
		t.Fatalf("status = %s", got.Status)
	}

	if err := st.DeleteAccount(ctx, account.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := st.GetAccount(ctx, account.ID); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestPhoneNumberFirstValueWins(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	account := domain.NewAccount("a", "")
	st.SaveAccount(ctx, account)

	st.SetAccountPhoneNumber(ctx, account.ID, "4915551111111")
	st.SetAccountPhoneNumber(ctx, account.ID, "4915552222222")

	got, _ := st.GetAccount(ctx, account.ID)
	if got.PhoneNumber != "4915551111111" {
		t.Fatalf("phone = %s, want first value retained", got.PhoneNumber)
	}
}

func TestDeleteAccountCascadesWebhooks(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	account := domain.NewAccount("a", "")
	st.SaveAccount(ctx, account)
	sub := domain.NewWebhookSubscription(account.ID, "https://x.example", "", nil)
	st.CreateWebhook(ctx, sub)

	if err := st.DeleteAccount(ctx, account.ID); err != nil {
		t.Fatal(err)
	}
	subs, _ := st.ListWebhooks(ctx, account.ID)
	if len(subs) != 0 {
		t.Fatalf("webhooks survived account deletion: %d", len(subs))
	}
}

func TestAcquireClaimsAtomically(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	sub := domain.NewWebhookSubscription("acct", "https://x.example", "", nil)
	job := domain.NewDeliveryJob(sub, []byte(`{}`), 3)
	st.EnqueueDeliveryJob(ctx, job)

	first, err := st.AcquireDueDeliveryJobs(ctx, 10, time.Now())
	if err != nil || len(first) != 1 {
		t.Fatalf("first acquire: %v (%d)", err, len(first))
	}
	if first[0].Status != domain.DeliveryStatusProcessing || first[0].AttemptCount != 1 {
		t.Fatalf("claim must set processing/attempt 1: %+v", first[0])
	}

	// A second worker polling sees nothing claimable.
	second, err := st.AcquireDueDeliveryJobs(ctx, 10, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Fatalf("second acquire claimed %d jobs, want 0", len(second))
	}
}

func TestAcquireRespectsNextAttemptAt(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	sub := domain.NewWebhookSubscription("acct", "https://x.example", "", nil)
	job := domain.NewDeliveryJob(sub, []byte(`{}`), 3)
	job.NextAttemptAt = time.Now().Add(time.Hour)
	st.EnqueueDeliveryJob(ctx, job)

	got, err := st.AcquireDueDeliveryJobs(ctx, 10, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("future job claimed: %d", len(got))
	}
}

func TestTerminalStatusesAreFinal(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	sub := domain.NewWebhookSubscription("acct", "https://x.example", "", nil)
	job := domain.NewDeliveryJob(sub, []byte(`{}`), 3)
	st.EnqueueDeliveryJob(ctx, job)

	claimed, _ := st.AcquireDueDeliveryJobs(ctx, 1, time.Now())
	if err := st.MarkDeliverySucceeded(ctx, claimed[0].ID, 200); err != nil {
		t.Fatal(err)
	}

	// No transition may leave success.
	if err := st.MarkDeliveryForRetry(ctx, job.ID, "x", time.Now()); err == nil {
		t.Fatal("retry transition out of success must fail")
	}
	if err := st.MarkDeliveryDeadLetter(ctx, job.ID, "x", nil); err == nil {
		t.Fatal("dead-letter transition out of success must fail")
	}
	got, _ := st.GetDeliveryJob(ctx, job.ID)
	if got.Status != domain.DeliveryStatusSuccess {
		t.Fatalf("status = %s, want success", got.Status)
	}
}

func TestRequeueDeadLetter(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	sub := domain.NewWebhookSubscription("acct", "https://x.example", "", nil)
	job := domain.NewDeliveryJob(sub, []byte(`{}`), 3)
	st.EnqueueDeliveryJob(ctx, job)

	// Not dead-lettered yet.
	if _, err := st.RequeueDeadLetter(ctx, job.ID, 3); !errors.Is(err, ErrNotDeadLetter) {
		t.Fatalf("expected ErrNotDeadLetter, got %v", err)
	}

	claimed, _ := st.AcquireDueDeliveryJobs(ctx, 1, time.Now())
	st.MarkDeliveryDeadLetter(ctx, claimed[0].ID, "gone", nil)

	requeued, err := st.RequeueDeadLetter(ctx, job.ID, 5)
	if err != nil {
		t.Fatal(err)
	}
	if requeued.Status != domain.DeliveryStatusPending || requeued.AttemptCount != 0 || requeued.MaxRetries != 5 {
		t.Fatalf("requeued job wrong: %+v", requeued)
	}
}

func TestSessionDataRoundTrip(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	account := domain.NewAccount("a", "")
	st.SaveAccount(ctx, account)

	savedAt := time.Now().UTC()
	if err := st.SaveSessionData(ctx, account.ID, "blob-data", savedAt); err != nil {
		t.Fatal(err)
	}
	data, err := st.GetSessionData(ctx, account.ID)
	if err != nil || data != "blob-data" {
		t.Fatalf("session data = %q err %v", data, err)
	}
	if !st.SessionSavedAt(account.ID).Equal(savedAt) {
		t.Fatal("saved-at timestamp lost")
	}

	if err := st.ClearSessionData(ctx, account.ID); err != nil {
		t.Fatal(err)
	}
	data, _ = st.GetSessionData(ctx, account.ID)
	if data != "" {
		t.Fatal("clear must empty the blob")
	}
}

func TestWithRetryGivesUpAfterThreeAttempts(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func(context.Context) error {
		calls++
		return errors.New("store down")
	})
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if calls != 3 {
		t.Fatalf("op called %d times, want 3", calls)
	}
}

func TestWithRetrySucceedsMidway(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("op called %d times, want 2", calls)
	}
}
