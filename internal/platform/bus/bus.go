package bus

import (
	"context"
	"errors"
	"time"
)

// Message is one event on the wire. ID is the producer's event id; delivery
// is at least once, so handlers must tolerate the same ID twice.
type Message struct {
	ID         string
	RoutingKey string
	Tenant     string
	Body       []byte
	Timestamp  time.Time
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Handler processes one delivery. A returned error rejects the message
// without requeueing it.
type Handler func(ctx context.Context, msg Message) error

// Subscriber delivers messages to h until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, h Handler) error
}

// Fanout runs every handler on each delivery, in order, so several
// consumers can share one queue. The errors are joined.
func Fanout(handlers ...Handler) Handler {
	return func(ctx context.Context, msg Message) error {
		var errs []error
		for _, h := range handlers {
			if err := h(ctx, msg); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
