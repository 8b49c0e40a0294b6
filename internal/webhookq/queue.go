// Package webhookq is the durable at-least-once fan-out of canonical
// events to subscriber callbacks: a job table in the store, an enqueue
// side with per-subscriber payload shaping, and a polling worker pool
// with bounded retries and dead-lettering.
package webhookq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oriys/quasar/internal/cache"
	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/store"
)

// Queue is the enqueue side of the delivery pipeline.
type Queue struct {
	st       store.Store
	subCache cache.Cache
	subTTL   time.Duration
	retries  int
}

// NewQueue creates a Queue. subCache holds the per-account subscription
// lists under a short TTL so a burst of inbound traffic does not hammer
// the store.
func NewQueue(st store.Store, subCache cache.Cache, cfg config.WebhookConfig) *Queue {
	ttl := cfg.SubCacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return &Queue{st: st, subCache: subCache, subTTL: ttl, retries: retries}
}

func subCacheKey(accountID string) string {
	return "webhooks:" + accountID
}

// Publish fans an event of the given kind out to every matching active
// subscription of the account, inserting one pending job per subscriber.
// Returns the number of jobs enqueued.
func (q *Queue) Publish(ctx context.Context, accountID, kind string, event any) (int, error) {
	subs, err := q.subscriptions(ctx, accountID)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, sub := range subs {
		if !sub.IsActive || !sub.Subscribed(kind) {
			continue
		}
		payload, err := ShapePayload(sub.URL, event)
		if err != nil {
			return enqueued, fmt.Errorf("shape payload: %w", err)
		}
		job := domain.NewDeliveryJob(sub, payload, q.retries)
		if err := q.st.EnqueueDeliveryJob(ctx, job); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	if enqueued > 0 {
		logging.Op().Debug("webhook deliveries enqueued",
			"account", accountID, "event", kind, "jobs", enqueued)
	}
	return enqueued, nil
}

// Invalidate drops the cached subscription list after an edit. On a
// replicated cache the delete is broadcast, so peer gateway processes
// drop their copy too instead of serving it until the TTL runs out.
func (q *Queue) Invalidate(ctx context.Context, accountID string) {
	_ = q.subCache.Delete(ctx, subCacheKey(accountID))
}

func (q *Queue) subscriptions(ctx context.Context, accountID string) ([]*domain.WebhookSubscription, error) {
	key := subCacheKey(accountID)
	if data, err := q.subCache.Get(ctx, key); err == nil {
		var subs []*domain.WebhookSubscription
		if err := json.Unmarshal(data, &subs); err == nil {
			return subs, nil
		}
	}

	var subs []*domain.WebhookSubscription
	err := store.WithRetry(ctx, func(ctx context.Context) error {
		var err error
		subs, err = q.st.ListWebhooks(ctx, accountID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}

	if data, err := json.Marshal(subs); err == nil {
		_ = q.subCache.Set(ctx, key, data, q.subTTL)
	}
	return subs, nil
}

// Automation-platform targets get the canonical flat shape; everything
// else receives the raw event verbatim.
var automationMarkers = []string{"n8n", "nodemation"}

func isAutomationTarget(url string) bool {
	lower := strings.ToLower(url)
	for _, marker := range automationMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ShapePayload adapts an event for one subscriber URL.
func ShapePayload(url string, event any) (json.RawMessage, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	if !isAutomationTarget(url) {
		return raw, nil
	}
	return flattenEvent(raw)
}

// flattenEvent projects an event onto a single-level JSON object. Nested
// objects are inlined with underscore-joined keys so automation platforms
// can map fields without expressions.
func flattenEvent(raw json.RawMessage) (json.RawMessage, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		// Not an object (already canonical primitive/array): pass through.
		return raw, nil
	}
	flat := make(map[string]any, len(doc))
	flattenInto(flat, "", doc)
	return json.Marshal(flat)
}

func flattenInto(dst map[string]any, prefix string, src map[string]any) {
	for k, v := range src {
		key := k
		if prefix != "" {
			key = prefix + "_" + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(dst, key, nested)
			continue
		}
		dst[key] = v
	}
}
