package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type RetryPolicy struct {
	MaxTries        uint
	MaxElapsed      time.Duration
	InitialInterval time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        5,
		MaxElapsed:      5 * time.Second,
		InitialInterval: 50 * time.Millisecond,
	}
}

// Retrying retries Publish and Bind with exponential backoff. Unbind is
// attempted once.
type Retrying struct {
	Bus
	policy RetryPolicy
	log    *slog.Logger
}

func NewRetrying(bus Bus, policy RetryPolicy, log *slog.Logger) *Retrying {
	if policy.MaxTries == 0 {
		policy.MaxTries = 1
	}
	return &Retrying{Bus: bus, policy: policy, log: log}
}

func (r *Retrying) Publish(ctx context.Context, routingKey string, body []byte) error {
	return r.retry(ctx, "publish", routingKey, func() error {
		return r.Bus.Publish(ctx, routingKey, body)
	})
}

func (r *Retrying) Bind(ctx context.Context, routingKey string) error {
	return r.retry(ctx, "bind", routingKey, func() error {
		return r.Bus.Bind(ctx, routingKey)
	})
}

func (r *Retrying) Unbind(ctx context.Context, routingKey string) error {
	if err := r.Bus.Unbind(ctx, routingKey); err != nil {
		return &Error{Op: "unbind", Key: routingKey, Err: err}
	}
	return nil
}

func (r *Retrying) retry(ctx context.Context, op, key string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	if r.policy.InitialInterval > 0 {
		b.InitialInterval = r.policy.InitialInterval
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if errors.Is(err, ErrClosed) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.policy.MaxTries),
		backoff.WithMaxElapsedTime(r.policy.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.log.Debug("broker operation failed, retrying", "op", op, "key", key, "error", err, "next", next)
		}),
	)
	if err != nil {
		return &Error{Op: op, Key: key, Err: err}
	}
	return nil
}
