// Package protocol is the boundary to the underlying encrypted-chat
// protocol library. The gateway never touches library types directly;
// everything crossing this boundary is expressed in the interfaces and
// value types below, which keeps the rest of the codebase testable against
// the fake implementation in this package.
package protocol

import (
	"context"
	"errors"
	"strings"
	"time"
)

// CloseCause classifies why the transport closed. Reconnect policy branches
// on this classification.
type CloseCause string

const (
	CauseLoggedOut          CloseCause = "logged_out"
	CauseConnectionReplaced CloseCause = "connection_replaced"
	CauseRestartRequired    CloseCause = "restart_required"
	CauseConnectionClosed   CloseCause = "connection_closed"
	CauseStreamError        CloseCause = "stream_error"
)

// ChatState values emitted while composing.
type ChatState string

const (
	ChatStateComposing ChatState = "composing"
	ChatStatePaused    ChatState = "paused"
)

// Presence values.
type Presence string

const (
	PresenceAvailable   Presence = "available"
	PresenceUnavailable Presence = "unavailable"
)

// Fingerprint is the client identity tuple announced during the handshake.
// It must stay stable per account across runs.
type Fingerprint struct {
	DeviceLabel string
	BrowserName string
	Version     string
}

// MessageKey identifies a message on the wire. SenderPN carries the "sender
// phone number" hint present on some inbound keys when RemoteJID is an LID.
type MessageKey struct {
	ID          string
	RemoteJID   string
	Participant string
	SenderPN    string
	FromMe      bool
}

// Envelope is one inbound protocol message, already decrypted by the
// library but not yet normalized into the gateway event shape.
type Envelope struct {
	Key       MessageKey
	PushName  string
	Timestamp time.Time
	Content   Content

	// Wire is the received transport frame, retained so the retry store
	// can answer a later resend request for this id.
	Wire *WireMessage
}

// Content mirrors the protocol message payload variants the router cares
// about. Exactly the fields needed for normalization are surfaced.
type Content struct {
	Conversation string
	ExtendedText string

	ImageCaption string
	HasImage     bool
	VideoCaption string
	HasVideo     bool

	HasAudio    bool
	HasDocument bool
	HasSticker  bool
	HasContact  bool
	HasLocation bool

	// InteractiveResponse is the raw JSON of a button or list reply.
	InteractiveResponse []byte
}

// OutgoingText is a plain text send.
type OutgoingText struct {
	Text string
}

// OutgoingMedia is a media send with optional caption.
type OutgoingMedia struct {
	Data     []byte
	URL      string
	MimeType string
	FileName string
	Caption  string
}

// Outgoing is the union of caller-supplied send payloads. Exactly one
// field is set.
type Outgoing struct {
	Text  *OutgoingText
	Media *OutgoingMedia
}

// WireMessage is the opaque post-send (or as-received) transport frame.
// It is the object the network asks to be resent; storing anything else
// in its place breaks retry decryption on the peer.
type WireMessage struct {
	id    string
	frame []byte
}

// NewWireMessage wraps a frame produced by the library codec.
func NewWireMessage(id string, frame []byte) *WireMessage {
	return &WireMessage{id: id, frame: frame}
}

// ID returns the stable message id of the frame.
func (m *WireMessage) ID() string { return m.id }

// Marshal serializes the frame through the library codec.
func (m *WireMessage) Marshal() []byte {
	out := make([]byte, len(m.frame))
	copy(out, m.frame)
	return out
}

// UnmarshalWireMessage reverses Marshal.
func UnmarshalWireMessage(id string, data []byte) *WireMessage {
	frame := make([]byte, len(data))
	copy(frame, data)
	return &WireMessage{id: id, frame: frame}
}

// GetMessageFunc serves the library's resend callback: given a message id,
// return the stored frame or ErrFrameNotFound.
type GetMessageFunc func(messageID string) (*WireMessage, error)

// ErrFrameNotFound is returned by GetMessageFunc when no frame is stored.
var ErrFrameNotFound = errors.New("protocol: frame not found")

// Handlers receives transport events. The library serializes calls per
// socket; handlers run on the socket's event goroutine and must not block.
type Handlers struct {
	QR          func(dataURL string)
	Open        func(selfJID string)
	Closed      func(cause CloseCause, detail string)
	Message     func(env *Envelope)
	Ack         func(messageID, peerJID string, level int)
	CredsUpdate func()
}

// Socket is one live transport connection for one account.
type Socket interface {
	// Connect opens the transport. During pairing the library emits QR
	// events until the handshake completes with Open.
	Connect(ctx context.Context) error

	// Send transmits a message and returns the fully-formed wire frame.
	Send(ctx context.Context, toJID string, out Outgoing) (*WireMessage, error)

	// SendPresence announces global presence.
	SendPresence(ctx context.Context, p Presence) error

	// SubscribePresence registers interest in a peer's presence, which the
	// network requires before chat-state updates are shown.
	SubscribePresence(ctx context.Context, peerJID string) error

	// SendChatState emits composing/paused toward a peer.
	SendChatState(ctx context.Context, peerJID string, state ChatState) error

	// Logout invalidates the session server-side.
	Logout(ctx context.Context) error

	// Close tears down the transport without logging out.
	Close() error
}

// Dialer produces sockets bound to an on-disk auth directory. The library
// owns the directory contents while a socket is live.
type Dialer interface {
	Dial(authDir string, fp Fingerprint, h Handlers, getMessage GetMessageFunc) (Socket, error)
}

// JID helpers. The network uses @s.whatsapp.net for phone users, @lid for
// anonymized linked ids, @g.us for groups and status@broadcast for status.

const (
	userServer  = "s.whatsapp.net"
	lidServer   = "lid"
	groupServer = "g.us"

	statusBroadcastJID = "status@broadcast"
)

// UserJID builds a user JID from E.164 digits.
func UserJID(digits string) string {
	return digits + "@" + userServer
}

// UserPart returns the part before the @, with any device suffix stripped.
func UserPart(jid string) string {
	user := jid
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user
}

// IsGroupJID reports whether the JID addresses a group chat.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@"+groupServer)
}

// IsLID reports whether the JID is an anonymized linked id.
func IsLID(jid string) bool {
	return strings.HasSuffix(jid, "@"+lidServer)
}

// IsStatusBroadcast reports whether the JID is the status fan-out channel.
func IsStatusBroadcast(jid string) bool {
	return jid == statusBroadcastJID
}
