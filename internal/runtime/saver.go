package runtime

import (
	"context"
	"time"

	"github.com/oriys/quasar/internal/authblob"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/store"
)

const (
	saveQuietWindow = 15 * time.Second
	saveMinInterval = 30 * time.Second
	saveTimeout     = 10 * time.Second
)

type saveRequest struct {
	forced bool
	done   chan error
}

// saver is the per-account save actor: requests post into a mailbox, a
// quiet window coalesces bursts and a minimum interval bounds write
// frequency. Forced saves (ready transition, creds rotation, shutdown)
// write immediately and drain anything pending. The actor goroutine is
// the only writer of this account's blob in the process.
type saver struct {
	accountID  string
	dir        string
	st         store.Store
	instanceID string

	requests chan saveRequest
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newSaver(accountID, dir string, st store.Store, instanceID string) *saver {
	s := &saver{
		accountID:  accountID,
		dir:        dir,
		st:         st,
		instanceID: instanceID,
		requests:   make(chan saveRequest, 16),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go s.loop()
	return s
}

// Request schedules a debounced save.
func (s *saver) Request() {
	select {
	case s.requests <- saveRequest{}:
	default:
		// Mailbox full means a save is already pending.
	}
}

// Flush performs a forced save and waits for the result.
func (s *saver) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case s.requests <- saveRequest{forced: true, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopCh:
		return nil
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *saver) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.doneCh
}

func (s *saver) loop() {
	defer close(s.doneCh)

	quiet := time.NewTimer(time.Hour)
	quiet.Stop()
	var (
		pending   bool
		lastWrite time.Time
	)

	for {
		select {
		case <-s.stopCh:
			return

		case req := <-s.requests:
			if req.forced {
				err := s.write()
				if err == nil {
					lastWrite = time.Now()
					pending = false
					quiet.Stop()
				}
				if req.done != nil {
					req.done <- err
				}
				continue
			}
			pending = true
			quiet.Reset(saveQuietWindow)

		case <-quiet.C:
			if !pending {
				continue
			}
			if wait := saveMinInterval - time.Since(lastWrite); wait > 0 {
				quiet.Reset(wait)
				continue
			}
			if err := s.write(); err != nil {
				logging.Op().Error("debounced auth save failed",
					"account", s.accountID, "error", err)
				quiet.Reset(saveQuietWindow)
				continue
			}
			lastWrite = time.Now()
			pending = false
		}
	}
}

// write snapshots the auth directory into a blob carrying a fresh
// ownership lock and upserts it.
func (s *saver) write() error {
	blob, err := authblob.FromDir(s.dir, authblob.OwnerLock{
		InstanceID: s.instanceID,
		AcquiredAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	data, err := blob.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	return store.WithRetry(ctx, func(ctx context.Context) error {
		return s.st.SaveSessionData(ctx, s.accountID, data, blob.SavedAt)
	})
}
