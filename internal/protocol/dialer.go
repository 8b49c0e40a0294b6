package protocol

import (
	"errors"
	"sync"
)

var (
	dialerMu      sync.RWMutex
	defaultDialer Dialer
)

// SetDefaultDialer registers the process-wide transport driver. The
// production driver wrapping the protocol library registers itself here
// from its init; tests register fakes.
func SetDefaultDialer(d Dialer) {
	dialerMu.Lock()
	defer dialerMu.Unlock()
	defaultDialer = d
}

// DefaultDialer returns the registered driver, or a dialer that fails
// every Dial with a clear error when none is registered.
func DefaultDialer() Dialer {
	dialerMu.RLock()
	defer dialerMu.RUnlock()
	if defaultDialer == nil {
		return unregisteredDialer{}
	}
	return defaultDialer
}

// ErrNoDialer indicates no transport driver was registered.
var ErrNoDialer = errors.New("protocol: no transport driver registered")

type unregisteredDialer struct{}

func (unregisteredDialer) Dial(string, Fingerprint, Handlers, GetMessageFunc) (Socket, error) {
	return nil, ErrNoDialer
}

var _ Dialer = unregisteredDialer{}
