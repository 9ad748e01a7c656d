package notify

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"qazna.org/entitlements/internal/reconcile"
)

// RetryPolicy bounds the in-place retries of a failing message.
type RetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
	// MaxElapsed gives up on a message after this long; 0 retries until
	// shutdown.
	MaxElapsed time.Duration
}

// DefaultRetryPolicy retries forever with a 30s ceiling.
var DefaultRetryPolicy = RetryPolicy{Initial: 500 * time.Millisecond, Max: 30 * time.Second}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	return b
}

// deliver hands payload to h until it succeeds or fails permanently. It
// reports whether the message may be acknowledged; false comes with the error
// that stopped the retries.
func deliver(ctx context.Context, h Handler, raw []byte, policy RetryPolicy, log zerolog.Logger) (bool, error) {
	payload, err := Payload(raw)
	if err != nil {
		log.Error().Err(err).Msg("dropping undecodable message")
		return true, nil
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := h.HandleNotification(ctx, payload)
		if errors.Is(err, reconcile.ErrMalformedNotification) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxElapsedTime(policy.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("notification failed, retrying")
		}),
	)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, reconcile.ErrMalformedNotification):
		log.Error().Err(err).Msg("dropping malformed notification")
		return true, nil
	default:
		return false, err
	}
}
