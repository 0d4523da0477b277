package resilience

import (
	"context"

	"github.com/voxpilot/voxpilot/pkg/backend/infer"
)

// Batch is the slice of the batch inference client the guard forwards.
// *infer.Client implements it.
type Batch interface {
	Query(ctx context.Context, wav []byte) (*infer.Result, error)
	TextQuery(ctx context.Context, text string) (*infer.Result, error)
}

// BatchGuard routes batch inference calls through a [Breaker]. It exposes
// the same surface as the underlying client, so callers that accept the
// client interface accept a guard in its place.
type BatchGuard struct {
	next Batch
	cb   *Breaker
}

// GuardBatch wraps next with cb. A nil cb gets a breaker with default
// tuning.
func GuardBatch(next Batch, cb *Breaker) *BatchGuard {
	if cb == nil {
		cb = NewBreaker(BreakerConfig{Name: "batch"})
	}
	return &BatchGuard{next: next, cb: cb}
}

// Query forwards to the wrapped client unless the breaker is open.
func (g *BatchGuard) Query(ctx context.Context, wav []byte) (*infer.Result, error) {
	var res *infer.Result
	err := g.cb.Do(func() error {
		var err error
		res, err = g.next.Query(ctx, wav)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// TextQuery forwards to the wrapped client unless the breaker is open.
func (g *BatchGuard) TextQuery(ctx context.Context, text string) (*infer.Result, error) {
	var res *infer.Result
	err := g.cb.Do(func() error {
		var err error
		res, err = g.next.TextQuery(ctx, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// State exposes the breaker state for status displays.
func (g *BatchGuard) State() BreakerState {
	return g.cb.State()
}
