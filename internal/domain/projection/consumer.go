package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/booking/booking/internal/domain/reservation"
	"github.com/booking/booking/internal/platform/bus"
	"github.com/booking/booking/internal/platform/db"
	"github.com/booking/booking/internal/platform/metrics"
)

// TenantScope runs fn with ctx bound to tenant, the way request middleware
// does for HTTP handlers.
type TenantScope func(ctx context.Context, tenant string, fn func(ctx context.Context) error) error

// ContextScope tags ctx with the tenant only. It suits stores that read the
// tenant from the context.
func ContextScope(ctx context.Context, tenant string, fn func(ctx context.Context) error) error {
	return fn(db.ContextWithTenant(ctx, tenant))
}

// Parked is an event the consumer could not apply.
type Parked struct {
	MessageID  string    `json:"message_id"`
	RoutingKey string    `json:"routing_key"`
	Tenant     string    `json:"tenant,omitempty"`
	Body       string    `json:"body"`
	Reason     string    `json:"reason"`
	ParkedAt   time.Time `json:"parked_at"`
}

// Parker keeps poison events aside for an operator, oldest first.
type Parker interface {
	Park(ctx context.Context, p Parked) error
	List(ctx context.Context, offset, limit int) ([]Parked, int, error)
}

// Consumer applies lifecycle events from the bus to the cache.
type Consumer struct {
	cache   *Cache
	parker  Parker
	scope   TenantScope
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewConsumer(cache *Cache, parker Parker, scope TenantScope, m *metrics.Metrics, logger zerolog.Logger) *Consumer {
	if scope == nil {
		scope = ContextScope
	}
	return &Consumer{
		cache:   cache,
		parker:  parker,
		scope:   scope,
		metrics: m,
		logger:  logger.With().Str("component", "projection-consumer").Logger(),
	}
}

// Handle is a bus.Handler. Events that cannot be decoded or applied are
// parked and acknowledged so consumption continues; an error is returned only
// when parking itself fails.
func (c *Consumer) Handle(ctx context.Context, msg bus.Message) error {
	var ev reservation.Event
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		return c.park(ctx, msg, "", fmt.Errorf("decode: %w", err))
	}
	if err := validEvent(ev); err != nil {
		return c.park(ctx, msg, ev.Tenant, err)
	}

	err := c.scope(ctx, ev.Tenant, func(ctx context.Context) error {
		return c.cache.Apply(ctx, ev)
	})
	if err == nil {
		return nil
	}
	if ierr := c.cache.Invalidate(ctx, ev); ierr != nil {
		c.logger.Error().Err(ierr).Str("reservation_id", ev.ReservationID.String()).Msg("invalidate after failed apply")
	}
	return c.park(ctx, msg, ev.Tenant, err)
}

func validEvent(ev reservation.Event) error {
	switch {
	case !db.ValidTenant(ev.Tenant):
		return fmt.Errorf("invalid tenant %q", ev.Tenant)
	case ev.ReservationID == uuid.Nil:
		return errors.New("missing reservation id")
	case ev.Version <= 0:
		return fmt.Errorf("invalid version %d", ev.Version)
	case !ev.End.After(ev.Start):
		return errors.New("end must be after start")
	}
	return nil
}

func (c *Consumer) park(ctx context.Context, msg bus.Message, tenant string, reason error) error {
	p := Parked{
		MessageID:  msg.ID,
		RoutingKey: msg.RoutingKey,
		Tenant:     tenant,
		Body:       string(msg.Body),
		Reason:     reason.Error(),
		ParkedAt:   time.Now().UTC(),
	}
	c.metrics.ProjectionEvent("parked")
	c.logger.Warn().Err(reason).Str("message_id", msg.ID).Str("routing_key", msg.RoutingKey).Msg("event parked")
	if err := c.parker.Park(ctx, p); err != nil {
		return fmt.Errorf("park %s: %w", msg.ID, err)
	}
	return nil
}

// RedisParker appends parked events to a Redis list.
type RedisParker struct {
	rdb redis.UniversalClient
	key string
}

func NewRedisParker(rdb redis.UniversalClient, key string) *RedisParker {
	return &RedisParker{rdb: rdb, key: key}
}

func (p *RedisParker) Park(ctx context.Context, item Parked) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return p.rdb.RPush(ctx, p.key, data).Err()
}

func (p *RedisParker) List(ctx context.Context, offset, limit int) ([]Parked, int, error) {
	total, err := p.rdb.LLen(ctx, p.key).Result()
	if err != nil {
		return nil, 0, err
	}
	if limit <= 0 || int64(offset) >= total {
		return []Parked{}, int(total), nil
	}
	raw, err := p.rdb.LRange(ctx, p.key, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, 0, err
	}
	out := make([]Parked, 0, len(raw))
	for _, s := range raw {
		var item Parked
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			return nil, 0, fmt.Errorf("decode parked event: %w", err)
		}
		out = append(out, item)
	}
	return out, int(total), nil
}

type MemoryParker struct {
	mu    sync.Mutex
	items []Parked
}

func NewMemoryParker() *MemoryParker { return &MemoryParker{} }

func (p *MemoryParker) Park(_ context.Context, item Parked) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append(p.items, item)
	return nil
}

func (p *MemoryParker) List(_ context.Context, offset, limit int) ([]Parked, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := len(p.items)
	if offset >= total || limit <= 0 {
		return []Parked{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return append([]Parked(nil), p.items[offset:end]...), total, nil
}
