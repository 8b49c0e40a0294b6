// Package router normalizes inbound protocol messages into the canonical
// event shape, resolves LIDs to phone digits, and dispatches the results
// to the webhook queue and the optional auto-replier.
package router

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/lidmap"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/protocol"
	"github.com/oriys/quasar/internal/retrystore"
	"github.com/oriys/quasar/internal/webhookq"
)

// AutoReplier handles a normalized inbound message, generating and sending
// a reply through the pacer-guarded send path. Implementations own their
// loop guard.
type AutoReplier interface {
	Reply(ctx context.Context, event *domain.MessageEvent)
}

// Router dispatches inbound transport events.
type Router struct {
	queue *webhookq.Queue
	lids  *lidmap.Map
	retry *retrystore.RetryStore

	// autoReply may be nil when no responder is configured.
	autoReply AutoReplier
}

// New creates a Router.
func New(queue *webhookq.Queue, lids *lidmap.Map, retry *retrystore.RetryStore, autoReply AutoReplier) *Router {
	return &Router{queue: queue, lids: lids, retry: retry, autoReply: autoReply}
}

// HandleEnvelope processes one inbound message for an account.
// selfDigits is the account's own phone number, used as the event
// recipient. Status broadcasts and self-echoes are dropped.
func (r *Router) HandleEnvelope(ctx context.Context, accountID, selfDigits string, env *protocol.Envelope) {
	if env == nil || env.Key.ID == "" {
		return
	}
	if env.Key.FromMe || protocol.IsStatusBroadcast(env.Key.RemoteJID) {
		return
	}

	// Retain the received frame before anything else so a resend request
	// arriving mid-dispatch can already be served.
	if env.Wire != nil {
		r.retry.Put(ctx, accountID, env.Wire, domain.DirectionIn, env.Key.RemoteJID)
	}

	r.learnLID(env.Key)

	text, msgType, interactive := extractContent(env.Content)

	event := &domain.MessageEvent{
		Event:            domain.EventKindMessage,
		AccountID:        accountID,
		Direction:        "incoming",
		MessageID:        env.Key.ID,
		Sender:           r.resolveSender(env.Key),
		Recipient:        selfDigits,
		Message:          text,
		Timestamp:        env.Timestamp.Unix(),
		Type:             msgType,
		ChatID:           env.Key.RemoteJID,
		IsGroup:          protocol.IsGroupJID(env.Key.RemoteJID),
		InteractiveReply: interactive,
		CreatedAt:        time.Now().UTC(),
	}
	metrics.InboundMessage(string(msgType))

	if _, err := r.queue.Publish(ctx, accountID, domain.EventKindMessage, event); err != nil {
		logging.Op().Error("enqueue message event failed",
			"account", accountID, "message_id", event.MessageID, "error", err)
	}

	if r.autoReply != nil && !event.IsGroup {
		r.autoReply.Reply(ctx, event)
	}
}

// HandleAck processes a delivery receipt. Levels below "sent" carry no
// subscriber-visible meaning and are dropped.
func (r *Router) HandleAck(ctx context.Context, accountID, messageID, peerJID string, level int) {
	name := domain.AckName(level)
	if name == "" {
		return
	}
	event := &domain.AckEvent{
		Event:     domain.EventKindMessageAck,
		AccountID: accountID,
		MessageID: messageID,
		Recipient: r.resolveJID(peerJID),
		Ack:       level,
		AckName:   name,
		Timestamp: time.Now().Unix(),
	}
	if _, err := r.queue.Publish(ctx, accountID, domain.EventKindMessageAck, event); err != nil {
		logging.Op().Error("enqueue ack event failed",
			"account", accountID, "message_id", messageID, "error", err)
	}
}

// learnLID records a LID→phone mapping whenever a key carries the sender
// phone number hint next to an LID id.
func (r *Router) learnLID(key protocol.MessageKey) {
	if key.SenderPN == "" {
		return
	}
	digits := protocol.UserPart(key.SenderPN)
	if protocol.IsLID(key.RemoteJID) {
		r.lids.Learn(protocol.UserPart(key.RemoteJID), digits)
	}
	if protocol.IsLID(key.Participant) {
		r.lids.Learn(protocol.UserPart(key.Participant), digits)
	}
}

// resolveSender prefers the key's phone-number hint over the remote id,
// which may be an LID.
func (r *Router) resolveSender(key protocol.MessageKey) string {
	if key.SenderPN != "" {
		return protocol.UserPart(key.SenderPN)
	}
	from := key.RemoteJID
	if protocol.IsGroupJID(from) && key.Participant != "" {
		from = key.Participant
	}
	return r.resolveJID(from)
}

func (r *Router) resolveJID(jid string) string {
	user := protocol.UserPart(jid)
	if protocol.IsLID(jid) {
		if digits, ok := r.lids.Resolve(user); ok {
			return digits
		}
	}
	return user
}

// extractContent pulls the display text and type classification out of the
// protocol content variants.
func extractContent(c protocol.Content) (string, domain.MessageType, *domain.InteractiveReply) {
	if len(c.InteractiveResponse) > 0 {
		reply := parseInteractiveReply(c.InteractiveResponse)
		text := ""
		if reply != nil {
			text = reply.Title
		}
		return text, domain.MessageTypeInteractiveReply, reply
	}

	switch {
	case c.Conversation != "":
		return c.Conversation, domain.MessageTypeText, nil
	case c.ExtendedText != "":
		return c.ExtendedText, domain.MessageTypeText, nil
	case c.HasImage:
		return c.ImageCaption, domain.MessageTypeImage, nil
	case c.HasVideo:
		return c.VideoCaption, domain.MessageTypeVideo, nil
	case c.HasAudio:
		return "", domain.MessageTypeAudio, nil
	case c.HasDocument:
		return "", domain.MessageTypeDocument, nil
	case c.HasSticker:
		return "", domain.MessageTypeSticker, nil
	case c.HasContact:
		return "", domain.MessageTypeContact, nil
	case c.HasLocation:
		return "", domain.MessageTypeLocation, nil
	}
	return "", domain.MessageTypeText, nil
}

// parseInteractiveReply decodes a button/list response document. The id
// prefix distinguishes the two variants.
func parseInteractiveReply(raw []byte) *domain.InteractiveReply {
	var doc struct {
		ID     string            `json:"id"`
		Title  string            `json:"title"`
		Params map[string]string `json:"params"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil || doc.ID == "" {
		return nil
	}
	kind := "button_reply"
	if strings.HasPrefix(doc.ID, "list_") || strings.HasPrefix(doc.ID, "row_") {
		kind = "list_reply"
	}
	return &domain.InteractiveReply{
		Type:   kind,
		ID:     doc.ID,
		Title:  doc.Title,
		Params: doc.Params,
	}
}
