// Package approvalqueue runs the background expiry sweep over PENDING
// approval items. The mutations themselves — Create/Approve/Reject/List —
// live on *engine.Engine, since every one of them must share the single
// store lock with task-state transitions (spec.md §5); this package is the
// one piece of the approval queue's lifecycle, the periodic sweep, that
// does not need to touch a task directly and is cleanly expressed as its
// own ticker-driven goroutine.
package approvalqueue

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/orchestrator/internal/engine"
)

// Sweeper periodically calls Engine.SweepExpiredApprovals.
type Sweeper struct {
	engine   *engine.Engine
	interval time.Duration
	log      zerolog.Logger
}

// NewSweeper builds a Sweeper. It does nothing until Run is called.
func NewSweeper(eng *engine.Engine, interval time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{engine: eng, interval: interval, log: log}
}

// Run blocks, sweeping every interval until ctx is cancelled. Callers that
// want it backgrounded should launch it in its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := s.engine.SweepExpiredApprovals(ctx)
			if err != nil {
				s.log.Error().Err(err).Msg("approval expiry sweep failed")
				continue
			}
			if swept > 0 {
				s.log.Info().Int("swept", swept).Msg("expired approval items")
			}
		}
	}
}
