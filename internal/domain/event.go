package domain

import "time"

// Event kinds fanned out to webhook subscribers.
const (
	EventKindMessage    = "message"
	EventKindMessageAck = "message_ack"
)

// MessageType classifies inbound message content.
type MessageType string

const (
	MessageTypeText             MessageType = "text"
	MessageTypeImage            MessageType = "image"
	MessageTypeVideo            MessageType = "video"
	MessageTypeAudio            MessageType = "audio"
	MessageTypeDocument         MessageType = "document"
	MessageTypeSticker          MessageType = "sticker"
	MessageTypeContact          MessageType = "contact"
	MessageTypeLocation         MessageType = "location"
	MessageTypeInteractiveReply MessageType = "interactive_reply"
)

// InteractiveReply describes a button or list selection carried by an
// inbound message.
type InteractiveReply struct {
	Type   string            `json:"type"` // button_reply | list_reply
	ID     string            `json:"id"`
	Title  string            `json:"title"`
	Params map[string]string `json:"params,omitempty"`
}

// MessageEvent is the canonical inbound message shape delivered to
// subscribers. Field names are part of the external contract.
type MessageEvent struct {
	Event            string            `json:"event"` // "message"
	AccountID        string            `json:"account_id"`
	Direction        string            `json:"direction"` // "incoming"
	MessageID        string            `json:"message_id"`
	Sender           string            `json:"sender"`    // E.164 digits
	Recipient        string            `json:"recipient"` // E.164 digits
	Message          string            `json:"message"`
	Timestamp        int64             `json:"timestamp"`
	Type             MessageType       `json:"type"`
	ChatID           string            `json:"chat_id"`
	IsGroup          bool              `json:"is_group"`
	InteractiveReply *InteractiveReply `json:"interactive_reply"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Ack levels reported by the transport.
const (
	AckSent      = 2
	AckDelivered = 3
	AckRead      = 4
)

// AckName maps an ack level to its wire name. Unknown levels map to "".
func AckName(level int) string {
	switch level {
	case AckSent:
		return "sent"
	case AckDelivered:
		return "delivered"
	case AckRead:
		return "read"
	}
	return ""
}

// AckEvent is the canonical delivery-receipt shape.
type AckEvent struct {
	Event     string `json:"event"` // "message_ack"
	AccountID string `json:"account_id"`
	MessageID string `json:"message_id"`
	Recipient string `json:"recipient"`
	Ack       int    `json:"ack"`
	AckName   string `json:"ack_name"`
	Timestamp int64  `json:"timestamp"`
}
