// Package nonce hands out submission sequence numbers for the single signing identity.
package nonce

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultRecencyWindow is how long a previous issuance is trusted over the remote count.
const DefaultRecencyWindow = 5 * time.Second

// Source reports the authoritative next sequence number for the identity.
type Source interface {
	CurrentSequence(ctx context.Context) (uint64, error)
}

type Sequencer struct {
	src    Source
	window time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	issued   bool
	last     uint64
	issuedAt time.Time
	// floor is one past the highest number known to be consumed on chain.
	floor uint64
}

func NewSequencer(src Source, window time.Duration, logger *slog.Logger) *Sequencer {
	if window <= 0 {
		window = DefaultRecencyWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{src: src, window: window, logger: logger, now: time.Now}
}

// Next returns the sequence number for the next submission. Within the
// recency window it assumes the previous submission is still propagating and
// returns last+1 without asking the source.
func (s *Sequencer) Next(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.issued && now.Sub(s.issuedAt) < s.window {
		return s.issue(s.last+1, now), nil
	}
	return s.fetch(ctx, now)
}

// Refresh bypasses the recency shortcut. The worker calls it after a
// sequencing conflict.
func (s *Sequencer) Refresh(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetch(ctx, s.now())
}

func (s *Sequencer) fetch(ctx context.Context, now time.Time) (uint64, error) {
	remote, err := s.src.CurrentSequence(ctx)
	if err != nil {
		return 0, fmt.Errorf("current sequence: %w", err)
	}
	n := remote
	if n < s.floor {
		s.logger.Warn("remote sequence behind consumed floor", "remote", remote, "floor", s.floor)
		n = s.floor
	}
	return s.issue(n, now), nil
}

func (s *Sequencer) issue(n uint64, now time.Time) uint64 {
	s.issued = true
	s.last = n
	s.issuedAt = now
	return n
}

// MarkConsumed records that n was accepted by the chain and must never be reissued.
func (s *Sequencer) MarkConsumed(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n+1 > s.floor {
		s.floor = n + 1
	}
}

// Release hands back a number that was issued but never broadcast, so the
// next call reuses it and no gap appears.
func (s *Sequencer) Release(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.issued || n != s.last || n < s.floor {
		return
	}
	if n == 0 {
		s.issued = false
		return
	}
	s.last = n - 1
}

// Last returns the most recently issued number and whether any was issued.
func (s *Sequencer) Last() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.issued
}
