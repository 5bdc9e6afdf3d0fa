package reservation

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventConfirmed   EventType = "reservation.confirmed"
	EventCancelled   EventType = "reservation.cancelled"
	EventRescheduled EventType = "reservation.rescheduled"
	EventStarted     EventType = "reservation.started"
	EventCompleted   EventType = "reservation.completed"
	EventNoShow      EventType = "reservation.no_show"
)

// EventFor maps a target status to the lifecycle event announcing it.
func EventFor(to Status) EventType {
	switch to {
	case StatusCancelled:
		return EventCancelled
	case StatusInProgress:
		return EventStarted
	case StatusCompleted:
		return EventCompleted
	case StatusNoShow:
		return EventNoShow
	}
	return EventConfirmed
}

// Event is a full snapshot of a reservation at one version. Consumers
// deduplicate by (ReservationID, Version).
type Event struct {
	ID            uuid.UUID     `json:"event_id"`
	Type          EventType     `json:"type"`
	Tenant        string        `json:"tenant"`
	ReservationID uuid.UUID     `json:"reservation_id"`
	Version       int64         `json:"version"`
	Status        Status        `json:"status"`
	ServiceID     uuid.UUID     `json:"service_id"`
	Bindings      []Binding     `json:"bindings"`
	Start         time.Time     `json:"start"`
	End           time.Time     `json:"end"`
	BufferBefore  time.Duration `json:"buffer_before"`
	BufferAfter   time.Duration `json:"buffer_after"`
	OccurredAt    time.Time     `json:"occurred_at"`
}

func NewEvent(typ EventType, r *Reservation, at time.Time) Event {
	bindings := make([]Binding, len(r.Bindings))
	copy(bindings, r.Bindings)
	return Event{
		ID:            uuid.New(),
		Type:          typ,
		Tenant:        r.Tenant,
		ReservationID: r.ID,
		Version:       r.Version,
		Status:        r.Status,
		ServiceID:     r.ServiceID,
		Bindings:      bindings,
		Start:         r.Start,
		End:           r.End,
		BufferBefore:  r.BufferBefore,
		BufferAfter:   r.BufferAfter,
		OccurredAt:    at.UTC(),
	}
}

// Snapshot rebuilds the reservation state carried by the event.
func (e Event) Snapshot() *Reservation {
	return &Reservation{
		ID:           e.ReservationID,
		Tenant:       e.Tenant,
		ServiceID:    e.ServiceID,
		Bindings:     e.Bindings,
		Start:        e.Start,
		End:          e.End,
		BufferBefore: e.BufferBefore,
		BufferAfter:  e.BufferAfter,
		Status:       e.Status,
		Version:      e.Version,
	}
}

// RoutingKey is the bus routing key for the event.
func (e Event) RoutingKey() string { return string(e.Type) }
