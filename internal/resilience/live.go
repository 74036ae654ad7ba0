package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/easel/pkg/provider/live"
)

// GuardedProvider is a [live.Provider] whose Connect calls pass through a
// [Breaker]. Cancelled dials do not count as failures.
type GuardedProvider struct {
	inner   live.Provider
	breaker *Breaker
}

var _ live.Provider = (*GuardedProvider)(nil)

// Guard wraps p with a breaker built from cfg. cfg.IsFailure is replaced.
func Guard(p live.Provider, cfg BreakerConfig) *GuardedProvider {
	cfg.IsFailure = dialFailed
	return &GuardedProvider{inner: p, breaker: NewBreaker(cfg)}
}

// Connect dials through the breaker. While the breaker is open it returns an
// error matching both [live.ErrChannelOpenFailed] and [ErrCircuitOpen]
// without contacting the endpoint.
func (g *GuardedProvider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Channel, error) {
	var ch live.Channel
	err := g.breaker.Execute(func() error {
		var err error
		ch, err = g.inner.Connect(ctx, cfg)
		if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			// The dial was abandoned by the caller, whatever the transport
			// reported.
			err = fmt.Errorf("%w: %w", err, ctx.Err())
		}
		return err
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, fmt.Errorf("%w: %w", live.ErrChannelOpenFailed, err)
	}
	return ch, err
}

// Capabilities returns the wrapped provider's capabilities.
func (g *GuardedProvider) Capabilities() live.Capabilities { return g.inner.Capabilities() }

// State reports the breaker state.
func (g *GuardedProvider) State() State { return g.breaker.State() }

func dialFailed(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
