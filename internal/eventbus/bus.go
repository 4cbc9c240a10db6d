package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"agent/internal/monitor"
)

var _ Publisher = (*RedisBus)(nil)

// publishClient is the narrow slice of redis.Cmdable the publisher
// needs, so tests can substitute a fake without satisfying the entire
// Cmdable surface.
type publishClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisBus publishes result envelopes on a Redis pub/sub channel,
// retrying transient failures with exponential backoff. Per §4.G
// publication is synchronous on the critical path: the caller must not
// delete the queue message until Publish returns nil.
type RedisBus struct {
	client publishClient
	prefix string
	logger *slog.Logger
}

func NewRedisBus(client publishClient, channelPrefix string, logger *slog.Logger) *RedisBus {
	return &RedisBus{client: client, prefix: channelPrefix, logger: logger.With(slog.String("component", "result_publisher"))}
}

// Publish marshals env and publishes it to the request's deterministic
// channel, retrying up to 3 attempts (100ms, factor 2) on transport
// errors. It also reports the envelope's peak memory as a metric,
// swallowing any metric-sink failure per §4.G.
func (b *RedisBus) Publish(ctx context.Context, requestID string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("eventbus: marshal envelope for %s: %w", requestID, err)
	}

	channelKey := ChannelKey(b.prefix, requestID)

	policy := backoff.WithMaxRetries(
		&backoff.ExponentialBackOff{
			InitialInterval:     100 * time.Millisecond,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         backoff.DefaultMaxInterval,
			MaxElapsedTime:      0,
			Clock:               backoff.SystemClock,
		},
		2, // 3 total attempts: the first try plus 2 retries
	)

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		if pubErr := b.client.Publish(ctx, channelKey, data).Err(); pubErr != nil {
			b.logger.Warn("publish attempt failed", "request_id", requestID, "attempt", attempt, "error", pubErr)
			return pubErr
		}
		return nil
	}, backoff.WithContext(policy, ctx))

	if err != nil {
		return fmt.Errorf("eventbus: publish %s after %d attempts: %w", requestID, attempt, err)
	}

	monitor.FunctionPeakMemoryBytes.WithLabelValues(env.FunctionID, env.Runtime).Set(float64(env.PeakMemoryBytes))
	monitor.FunctionExitTotal.WithLabelValues(string(env.Status)).Inc()

	return nil
}
