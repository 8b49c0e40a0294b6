package supervisor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/authblob"
	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/protocol"
	"github.com/oriys/quasar/internal/store"
)

const selfJID = "4915550000000:3@s.whatsapp.net"

func newTestSupervisor(t *testing.T) (*Supervisor, *store.MemoryStore, *protocol.FakeDialer) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Supervisor.AuthDir = t.TempDir()
	cfg.Pacing.RandomDelayMax = 0

	st := store.NewMemoryStore()
	dialer := protocol.NewFakeDialer()
	dialer.OnConnect = func(s *protocol.FakeSocket) { s.EmitOpen(selfJID) }

	sup := New(cfg, st, dialer, Options{})
	t.Cleanup(sup.Stop)
	return sup, st, dialer
}

func seedPairedAccount(t *testing.T, st *store.MemoryStore) *domain.Account {
	t.Helper()
	account := domain.NewAccount("tenant", "")
	if err := st.SaveAccount(context.Background(), account); err != nil {
		t.Fatal(err)
	}
	blob := &authblob.Blob{
		Version: authblob.SchemaVersion,
		Creds:   json.RawMessage(`{"me":{"id":"` + selfJID + `"}}`),
		Keys:    map[string][]byte{"pre-key-1.json": []byte(`{}`)},
		SavedAt: time.Now().UTC(),
	}
	data, err := blob.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SaveSessionData(context.Background(), account.ID, data, blob.SavedAt); err != nil {
		t.Fatal(err)
	}
	return account
}

func TestDuplicateSendBlockedOnce(t *testing.T) {
	sup, st, dialer := newTestSupervisor(t)
	account := seedPairedAccount(t, st)
	ctx := context.Background()

	if err := sup.StartAccount(ctx, account.ID); err != nil {
		t.Fatalf("StartAccount failed: %v", err)
	}

	result, err := sup.SendText(ctx, account.ID, "91855512345", "hello")
	if err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	if result.MessageID == "" {
		t.Fatal("send must return the wire message id")
	}

	_, err = sup.SendText(ctx, account.ID, "91855512345", "hello")
	if domain.KindOf(err) != domain.KindDuplicateBlocked {
		t.Fatalf("second identical send: got %v, want duplicate_blocked", err)
	}

	sock := dialer.LastSocket()
	if got := len(sock.Sent()); got != 1 {
		t.Fatalf("transport saw %d sends, want 1", got)
	}
	if got := sup.pace.DayCount(account.ID); got != 1 {
		t.Fatalf("pacer day counter = %d, want 1", got)
	}
}

func TestSendStoresPostSendFrame(t *testing.T) {
	sup, st, dialer := newTestSupervisor(t)
	account := seedPairedAccount(t, st)
	ctx := context.Background()

	if err := sup.StartAccount(ctx, account.ID); err != nil {
		t.Fatal(err)
	}
	result, err := sup.SendText(ctx, account.ID, "4915551234567", "retry me")
	if err != nil {
		t.Fatal(err)
	}

	frame, err := sup.retry.Get(ctx, account.ID, result.MessageID)
	if err != nil {
		t.Fatalf("post-send frame not retrievable: %v", err)
	}
	wire := dialer.LastSocket().Sent()[0].Wire
	if string(frame.Marshal()) != string(wire.Marshal()) {
		t.Fatal("stored frame must be the transport's post-send object")
	}
}

func TestSendSimulatesTyping(t *testing.T) {
	sup, st, dialer := newTestSupervisor(t)
	account := seedPairedAccount(t, st)
	ctx := context.Background()

	if err := sup.StartAccount(ctx, account.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := sup.SendText(ctx, account.ID, "4915551234567", "hi"); err != nil {
		t.Fatal(err)
	}

	states := dialer.LastSocket().ChatStates()
	if len(states) != 2 || states[0] != protocol.ChatStateComposing || states[1] != protocol.ChatStatePaused {
		t.Fatalf("chat states = %v, want composing then paused", states)
	}
}

func TestPresenceErrorsDoNotBlockSend(t *testing.T) {
	sup, st, dialer := newTestSupervisor(t)
	account := seedPairedAccount(t, st)
	ctx := context.Background()

	if err := sup.StartAccount(ctx, account.ID); err != nil {
		t.Fatal(err)
	}
	dialer.LastSocket().PresenceErr = context.DeadlineExceeded

	if _, err := sup.SendText(ctx, account.ID, "4915551234567", "still goes out"); err != nil {
		t.Fatalf("send must survive presence failure: %v", err)
	}
	if got := len(dialer.LastSocket().Sent()); got != 1 {
		t.Fatalf("transport saw %d sends, want 1", got)
	}
}

func TestVerifyWebhookSecret(t *testing.T) {
	sup, st, _ := newTestSupervisor(t)
	account := seedPairedAccount(t, st)
	ctx := context.Background()

	sub := domain.NewWebhookSubscription(account.ID, "https://x.example", "shared-secret", nil)
	if err := st.CreateWebhook(ctx, sub); err != nil {
		t.Fatal(err)
	}

	ok, err := sup.VerifyWebhookSecret(ctx, account.ID, "shared-secret")
	if err != nil || !ok {
		t.Fatalf("matching secret rejected: ok=%v err=%v", ok, err)
	}
	ok, _ = sup.VerifyWebhookSecret(ctx, account.ID, "wrong")
	if ok {
		t.Fatal("wrong secret accepted")
	}
	ok, _ = sup.VerifyWebhookSecret(ctx, account.ID, "")
	if ok {
		t.Fatal("empty secret accepted")
	}
}

func TestDeleteAccountCascades(t *testing.T) {
	sup, st, _ := newTestSupervisor(t)
	account := seedPairedAccount(t, st)
	ctx := context.Background()

	if err := sup.StartAccount(ctx, account.ID); err != nil {
		t.Fatal(err)
	}
	sub := domain.NewWebhookSubscription(account.ID, "https://x.example", "", nil)
	if err := st.CreateWebhook(ctx, sub); err != nil {
		t.Fatal(err)
	}

	if err := sup.DeleteAccount(ctx, account.ID); err != nil {
		t.Fatalf("DeleteAccount failed: %v", err)
	}

	if _, err := st.GetAccount(ctx, account.ID); err == nil {
		t.Fatal("account row must be gone")
	}
	subs, _ := st.ListWebhooks(ctx, account.ID)
	if len(subs) != 0 {
		t.Fatal("subscriptions must cascade")
	}
	if _, err := sup.runtime(account.ID); err == nil {
		t.Fatal("runtime must be removed")
	}
}

func TestWebhookReplyRequiresMatchingSecret(t *testing.T) {
	sup, st, _ := newTestSupervisor(t)
	account := seedPairedAccount(t, st)
	ctx := context.Background()

	sub := domain.NewWebhookSubscription(account.ID, "https://x.example", "reply-secret", nil)
	if err := st.CreateWebhook(ctx, sub); err != nil {
		t.Fatal(err)
	}
	if err := sup.StartAccount(ctx, account.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := sup.SendWebhookReply(ctx, account.ID, "4915551234567", "wrong", "hi"); err == nil {
		t.Fatal("wrong secret must be rejected")
	}
	if _, err := sup.SendWebhookReply(ctx, account.ID, "4915551234567", "reply-secret", "hi"); err != nil {
		t.Fatalf("valid reply failed: %v", err)
	}
}

func TestSendToUnknownAccount(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)

	_, err := sup.SendText(context.Background(), "missing", "49155", "hi")
	if domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestInstanceIDShape(t *testing.T) {
	id := InstanceID()
	if id == "" {
		t.Fatal("instance id empty")
	}
	if id != InstanceID() {
		t.Fatal("instance id must be stable within the process")
	}
}

func TestInboundFlowReachesWebhookQueue(t *testing.T) {
	sup, st, dialer := newTestSupervisor(t)
	account := seedPairedAccount(t, st)
	ctx := context.Background()

	sub := domain.NewWebhookSubscription(account.ID, "https://hooks.example/h", "", []string{"message"})
	if err := st.CreateWebhook(ctx, sub); err != nil {
		t.Fatal(err)
	}
	if err := sup.StartAccount(ctx, account.ID); err != nil {
		t.Fatal(err)
	}

	dialer.LastSocket().EmitMessage(&protocol.Envelope{
		Key:       protocol.MessageKey{ID: "IN1", RemoteJID: "4915551234567@s.whatsapp.net"},
		Timestamp: time.Now(),
		Content:   protocol.Content{Conversation: "inbound hello"},
		Wire:      protocol.NewWireMessage("IN1", []byte("frame")),
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		jobs, err := st.ListDeliveryJobs(ctx, account.ID, 10, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(jobs) == 1 {
			var ev domain.MessageEvent
			if err := json.Unmarshal(jobs[0].Payload, &ev); err != nil {
				t.Fatal(err)
			}
			if ev.Message != "inbound hello" || ev.Recipient != "4915550000000" {
				t.Fatalf("event wrong: %+v", ev)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("inbound message never reached the delivery queue")
}
