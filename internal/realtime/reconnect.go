package realtime

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectPolicy bounds how ConnectWithBackoff retries.
type ReconnectPolicy struct {
	Min time.Duration
	Max time.Duration
	// MaxElapsed gives up after this long. Zero retries until ctx ends.
	MaxElapsed time.Duration
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Min: 500 * time.Millisecond,
		Max: 30 * time.Second,
	}
}

func (p ReconnectPolicy) backOff() *backoff.ExponentialBackOff {
	exp := backoff.NewExponentialBackOff()
	if p.Min > 0 {
		exp.InitialInterval = p.Min
	}
	if p.Max > 0 {
		exp.MaxInterval = p.Max
	}
	exp.MaxElapsedTime = p.MaxElapsed
	return exp
}

// ConnectWithBackoff calls Connect until it succeeds, waiting with
// exponential backoff and jitter between failed dials. Nothing calls it
// automatically; callers use it after observing Connected go false.
func (c *Client) ConnectWithBackoff(ctx context.Context, policy ReconnectPolicy) error {
	attempt := func() error {
		return c.Connect(ctx)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("websocket connect failed, retrying", "error", err, "wait", wait)
	}
	return backoff.RetryNotify(attempt, backoff.WithContext(policy.backOff(), ctx), notify)
}
