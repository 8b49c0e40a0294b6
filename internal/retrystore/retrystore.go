// Package retrystore serves the protocol library's resend callback. When
// the network asks for a message to be retransmitted, the stored wire
// frame for that id must be returned; a miss shows "waiting for this
// message" on the peer's device. Recently sent and received frames are
// held in a bounded in-process L1 and mirrored to the durable store.
package retrystore

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/oriys/quasar/internal/cache"
	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/protocol"
	"github.com/oriys/quasar/internal/store"
)

// ErrNotFound is returned when no frame is stored for the id. The result
// is explicit; a missing frame is never substituted with an empty body.
var ErrNotFound = protocol.ErrFrameNotFound

const l2WriteTimeout = 10 * time.Second

// RetryStore is the two-tier frame cache: a bounded LRU with TTL in
// process, backed by the wire_messages table.
type RetryStore struct {
	l1        *cache.InMemoryCache
	l1TTL     time.Duration
	st        store.Store
	retention time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a RetryStore from config. Close releases the L1.
func New(st store.Store, cfg config.RetryStoreConfig) *RetryStore {
	size := cfg.L1Size
	if size <= 0 {
		size = 1000
	}
	ttl := cfg.L1TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 168 * time.Hour
	}
	return &RetryStore{
		l1:        cache.NewBoundedCache(size),
		l1TTL:     ttl,
		st:        st,
		retention: retention,
	}
}

func (r *RetryStore) Close() {
	_ = r.l1.Close()
}

func frameKey(accountID, messageID string) string {
	return accountID + "/" + messageID
}

// Put stores a frame: L1 synchronously, the durable tier asynchronously.
// For outbound sends msg must be the post-send frame returned by the
// transport, never the caller's input descriptor: the network requests
// the frame and anything else fails to decrypt on the recipient.
func (r *RetryStore) Put(ctx context.Context, accountID string, msg *protocol.WireMessage, direction domain.MessageDirection, peerID string) {
	if msg == nil || msg.ID() == "" {
		return
	}
	body := msg.Marshal()
	_ = r.l1.Set(ctx, frameKey(accountID, msg.ID()), body, r.l1TTL)

	rec := &domain.StoredMessage{
		AccountID: accountID,
		MessageID: msg.ID(),
		Direction: direction,
		PeerID:    peerID,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	go func() {
		wctx, cancel := context.WithTimeout(context.Background(), l2WriteTimeout)
		defer cancel()
		if err := r.st.SaveWireMessage(wctx, rec); err != nil {
			logging.Op().Warn("persist wire message failed",
				"account", accountID, "message_id", rec.MessageID, "error", err)
		}
	}()
}

// Get returns the stored frame for a message id, consulting L1 then the
// durable tier (repopulating L1 on a hit). A miss returns ErrNotFound.
func (r *RetryStore) Get(ctx context.Context, accountID, messageID string) (*protocol.WireMessage, error) {
	key := frameKey(accountID, messageID)
	if body, err := r.l1.Get(ctx, key); err == nil {
		r.hits.Add(1)
		metrics.RetryFrameServed("hit")
		return protocol.UnmarshalWireMessage(messageID, body), nil
	}

	rec, err := r.st.GetWireMessage(ctx, accountID, messageID)
	if err != nil {
		if errors.Is(err, store.ErrWireMessageNotFound) {
			r.misses.Add(1)
			metrics.RetryFrameServed("miss")
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.hits.Add(1)
	metrics.RetryFrameServed("hit")
	_ = r.l1.Set(ctx, key, rec.Body, r.l1TTL)
	return protocol.UnmarshalWireMessage(messageID, rec.Body), nil
}

// Getter binds the resend callback for one account, in the shape the
// protocol dialer expects.
func (r *RetryStore) Getter(accountID string) protocol.GetMessageFunc {
	return func(messageID string) (*protocol.WireMessage, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.Get(ctx, accountID, messageID)
	}
}

// Reap deletes durable rows older than the retention window. Intended to
// run from a periodic supervisor task.
func (r *RetryStore) Reap(ctx context.Context) (int64, error) {
	return r.st.DeleteWireMessagesBefore(ctx, time.Now().Add(-r.retention))
}

// Stats reports L1+L2 hit/miss counts since start.
func (r *RetryStore) Stats() (hits, misses int64) {
	return r.hits.Load(), r.misses.Load()
}
