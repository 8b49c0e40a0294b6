package pacer

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/config"
)

// Stagger gates account connects so a batch restore never reconnects many
// accounts from the same address at once: at most Batch connects per
// rolling Window, with a randomized gap between consecutive connects.
// Synchronized reconnects are a primary ban signal, so the gate errs
// toward waiting.
type Stagger struct {
	cfg config.PacingConfig

	mu       sync.Mutex
	connects []time.Time
	last     time.Time
}

// NewStagger creates a connect gate from the pacing config.
func NewStagger(cfg config.PacingConfig) *Stagger {
	return &Stagger{cfg: cfg}
}

// WaitTurn blocks until the caller may connect one account, then records
// the connect. Returns ctx.Err() when cancelled while waiting.
func (s *Stagger) WaitTurn(ctx context.Context) error {
	for {
		wait := s.nextWait()
		if wait <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// nextWait computes the remaining wait, or records the connect and returns
// zero when a slot is free now.
func (s *Stagger) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-s.cfg.StaggerWindow)
	kept := s.connects[:0]
	for _, t := range s.connects {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.connects = kept

	if !s.last.IsZero() {
		gap := s.gap()
		if since := now.Sub(s.last); since < gap {
			return gap - since
		}
	}

	if s.cfg.StaggerBatch > 0 && len(s.connects) >= s.cfg.StaggerBatch {
		// Window full: wait until the oldest connect ages out.
		return s.connects[0].Add(s.cfg.StaggerWindow).Sub(now)
	}

	s.connects = append(s.connects, now)
	s.last = now
	return 0
}

func (s *Stagger) gap() time.Duration {
	min, max := s.cfg.StaggerGapMin, s.cfg.StaggerGapMax
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
