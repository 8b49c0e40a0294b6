package protocol

import (
	"bytes"
	"context"
	"testing"
)

func TestJIDHelpers(t *testing.T) {
	if got := UserJID("4915551234567"); got != "4915551234567@s.whatsapp.net" {
		t.Fatalf("UserJID = %q", got)
	}
	if got := UserPart("4915551234567:12@s.whatsapp.net"); got != "4915551234567" {
		t.Fatalf("UserPart with device suffix = %q", got)
	}
	if got := UserPart("plain"); got != "plain" {
		t.Fatalf("UserPart without server = %q", got)
	}
	if !IsGroupJID("12036302@g.us") || IsGroupJID("49155@s.whatsapp.net") {
		t.Fatal("group detection wrong")
	}
	if !IsLID("882934@lid") || IsLID("49155@s.whatsapp.net") {
		t.Fatal("LID detection wrong")
	}
	if !IsStatusBroadcast("status@broadcast") || IsStatusBroadcast("other@broadcast") {
		t.Fatal("status broadcast detection wrong")
	}
}

func TestWireMessageRoundTrip(t *testing.T) {
	frame := []byte{0x01, 0x02, 0xFF}
	m := NewWireMessage("MSG", frame)

	out := m.Marshal()
	if !bytes.Equal(out, frame) {
		t.Fatal("marshal changed the frame")
	}
	out[0] = 0x99
	if m.Marshal()[0] != 0x01 {
		t.Fatal("marshal must return a copy")
	}

	back := UnmarshalWireMessage("MSG", out)
	if back.ID() != "MSG" {
		t.Fatalf("id = %q", back.ID())
	}
}

func TestFakeSocketRecordsSends(t *testing.T) {
	d := NewFakeDialer()
	sock, err := d.Dial("/tmp/auth", Fingerprint{}, Handlers{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	fake := sock.(*FakeSocket)

	wire, err := fake.Send(context.Background(), "49155@s.whatsapp.net", Outgoing{
		Text: &OutgoingText{Text: "hello"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if wire.ID() == "" {
		t.Fatal("fake send must mint a message id")
	}
	if len(fake.Sent()) != 1 {
		t.Fatalf("sent records = %d", len(fake.Sent()))
	}
	if d.LastSocket() != fake {
		t.Fatal("dialer must track sockets")
	}
}

func TestUnregisteredDialerFails(t *testing.T) {
	SetDefaultDialer(nil)
	if _, err := DefaultDialer().Dial("", Fingerprint{}, Handlers{}, nil); err != ErrNoDialer {
		t.Fatalf("expected ErrNoDialer, got %v", err)
	}
}
