package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/booking/booking/internal/domain/reservation"
	"github.com/booking/booking/internal/platform/bus"
	"github.com/booking/booking/internal/platform/metrics"
	"github.com/booking/booking/internal/platform/retry"
)

// Source hands unpublished events to publish, oldest first, and marks each
// one published once publish returns nil. It stops at the first failure.
type Source interface {
	Claim(ctx context.Context, limit int, publish func(ctx context.Context, ev reservation.Event) error) (int, error)
}

type Config struct {
	BatchSize int
	Interval  time.Duration
	Retry     retry.Policy
}

func DefaultConfig() Config {
	return Config{BatchSize: 100, Interval: time.Second, Retry: retry.DefaultPolicy()}
}

// Relay moves committed events from the outbox to the bus. Delivery is at
// least once: an event published right before a crash is published again.
type Relay struct {
	source  Source
	pub     bus.Publisher
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewRelay(source Source, pub bus.Publisher, cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Relay{
		source:  source,
		pub:     pub,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With().Str("component", "outbox-relay").Logger(),
	}
}

// Drain publishes batches until the outbox is empty or a publish fails.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.source.Claim(ctx, r.cfg.BatchSize, r.publish)
		total += n
		r.metrics.OutboxDelivered(n)
		if err != nil {
			r.metrics.OutboxFailed()
			return total, err
		}
		if n < r.cfg.BatchSize {
			return total, nil
		}
	}
}

func (r *Relay) publish(ctx context.Context, ev reservation.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	msg := bus.Message{
		ID:         ev.ID.String(),
		RoutingKey: ev.RoutingKey(),
		Tenant:     ev.Tenant,
		Body:       body,
		Timestamp:  ev.OccurredAt,
	}
	always := func(error) bool { return true }
	return retry.Do(ctx, r.cfg.Retry, always, func(ctx context.Context) error {
		return r.pub.Publish(ctx, msg)
	})
}

// Run drains the outbox every interval until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info().Dur("interval", r.cfg.Interval).Int("batch", r.cfg.BatchSize).Msg("outbox relay started")
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		n, err := r.Drain(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			r.logger.Warn().Err(err).Int("published", n).Msg("outbox drain interrupted")
		case n > 0:
			r.logger.Debug().Int("published", n).Msg("outbox drained")
		}
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}
