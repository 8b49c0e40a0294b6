package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeDialer hands out FakeSockets and remembers them so tests can drive
// transport events after the runtime connects.
type FakeDialer struct {
	mu      sync.Mutex
	sockets []*FakeSocket

	// OnConnect, when set, runs on every socket Connect call, typically to
	// script the pairing or open sequence.
	OnConnect func(s *FakeSocket)

	// DialErr fails Dial outright when set.
	DialErr error
}

func NewFakeDialer() *FakeDialer {
	return &FakeDialer{}
}

func (d *FakeDialer) Dial(authDir string, fp Fingerprint, h Handlers, getMessage GetMessageFunc) (Socket, error) {
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	s := &FakeSocket{
		AuthDir:     authDir,
		Fingerprint: fp,
		handlers:    h,
		getMessage:  getMessage,
		onConnect:   d.OnConnect,
	}
	d.mu.Lock()
	d.sockets = append(d.sockets, s)
	d.mu.Unlock()
	return s, nil
}

// Sockets returns every socket dialed so far.
func (d *FakeDialer) Sockets() []*FakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*FakeSocket, len(d.sockets))
	copy(out, d.sockets)
	return out
}

// LastSocket returns the most recently dialed socket, or nil.
func (d *FakeDialer) LastSocket() *FakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

// SentRecord captures one Send call observed by a fake socket.
type SentRecord struct {
	ToJID string
	Out   Outgoing
	At    time.Time
	Wire  *WireMessage
}

// FakeSocket is a scriptable in-memory Socket.
type FakeSocket struct {
	AuthDir     string
	Fingerprint Fingerprint

	mu         sync.Mutex
	handlers   Handlers
	getMessage GetMessageFunc
	onConnect  func(s *FakeSocket)
	connected  bool
	closed     bool
	nextID     int

	sent       []SentRecord
	chatStates []ChatState
	presences  []Presence
	subscribed []string
	loggedOut  bool

	// SendErr fails the next Send calls when set.
	SendErr error
	// PresenceErr fails presence and chat-state calls when set; the pacer
	// must swallow these.
	PresenceErr error
}

func (s *FakeSocket) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.connected = true
	cb := s.onConnect
	s.mu.Unlock()
	if cb != nil {
		cb(s)
	}
	return nil
}

func (s *FakeSocket) Send(ctx context.Context, toJID string, out Outgoing) (*WireMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return nil, s.SendErr
	}
	s.nextID++
	id := fmt.Sprintf("3EB0%08X", s.nextID)
	var body string
	switch {
	case out.Text != nil:
		body = out.Text.Text
	case out.Media != nil:
		body = out.Media.Caption
	}
	wire := NewWireMessage(id, []byte("frame:"+id+":"+body))
	s.sent = append(s.sent, SentRecord{ToJID: toJID, Out: out, At: time.Now(), Wire: wire})
	return wire, nil
}

func (s *FakeSocket) SendPresence(ctx context.Context, p Presence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PresenceErr != nil {
		return s.PresenceErr
	}
	s.presences = append(s.presences, p)
	return nil
}

func (s *FakeSocket) SubscribePresence(ctx context.Context, peerJID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PresenceErr != nil {
		return s.PresenceErr
	}
	s.subscribed = append(s.subscribed, peerJID)
	return nil
}

func (s *FakeSocket) SendChatState(ctx context.Context, peerJID string, state ChatState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PresenceErr != nil {
		return s.PresenceErr
	}
	s.chatStates = append(s.chatStates, state)
	return nil
}

func (s *FakeSocket) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.loggedOut = true
	s.mu.Unlock()
	s.EmitClose(CauseLoggedOut, "logout requested")
	return nil
}

func (s *FakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.connected = false
	return nil
}

// Sent returns a copy of the observed send records.
func (s *FakeSocket) Sent() []SentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentRecord, len(s.sent))
	copy(out, s.sent)
	return out
}

// ChatStates returns the emitted chat states in order.
func (s *FakeSocket) ChatStates() []ChatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatState, len(s.chatStates))
	copy(out, s.chatStates)
	return out
}

// Presences returns the announced presences in order.
func (s *FakeSocket) Presences() []Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Presence, len(s.presences))
	copy(out, s.presences)
	return out
}

// IsClosed reports whether Close was called.
func (s *FakeSocket) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// LoggedOut reports whether Logout was called.
func (s *FakeSocket) LoggedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedOut
}

// GetMessage invokes the resend callback wired at dial time.
func (s *FakeSocket) GetMessage(id string) (*WireMessage, error) {
	s.mu.Lock()
	cb := s.getMessage
	s.mu.Unlock()
	if cb == nil {
		return nil, ErrFrameNotFound
	}
	return cb(id)
}

// EmitQR delivers a QR event to the runtime.
func (s *FakeSocket) EmitQR(dataURL string) {
	if s.handlers.QR != nil {
		s.handlers.QR(dataURL)
	}
}

// EmitOpen delivers a connection-open event.
func (s *FakeSocket) EmitOpen(selfJID string) {
	if s.handlers.Open != nil {
		s.handlers.Open(selfJID)
	}
}

// EmitClose delivers a transport-close event.
func (s *FakeSocket) EmitClose(cause CloseCause, detail string) {
	if s.handlers.Closed != nil {
		s.handlers.Closed(cause, detail)
	}
}

// EmitMessage delivers an inbound envelope.
func (s *FakeSocket) EmitMessage(env *Envelope) {
	if s.handlers.Message != nil {
		s.handlers.Message(env)
	}
}

// EmitAck delivers a delivery receipt.
func (s *FakeSocket) EmitAck(messageID, peerJID string, level int) {
	if s.handlers.Ack != nil {
		s.handlers.Ack(messageID, peerJID, level)
	}
}

// EmitCredsUpdate signals a credentials rotation.
func (s *FakeSocket) EmitCredsUpdate() {
	if s.handlers.CredsUpdate != nil {
		s.handlers.CredsUpdate()
	}
}
