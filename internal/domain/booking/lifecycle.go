package booking

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/booking/booking/internal/domain/catalog"
	"github.com/booking/booking/internal/domain/reservation"
	"github.com/booking/booking/internal/platform/apperr"
)

func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID) (*reservation.Reservation, error) {
	return c.transition(ctx, id, reservation.StatusCancelled)
}

func (c *Coordinator) Start(ctx context.Context, id uuid.UUID) (*reservation.Reservation, error) {
	return c.transition(ctx, id, reservation.StatusInProgress)
}

func (c *Coordinator) Complete(ctx context.Context, id uuid.UUID) (*reservation.Reservation, error) {
	return c.transition(ctx, id, reservation.StatusCompleted)
}

func (c *Coordinator) NoShow(ctx context.Context, id uuid.UUID) (*reservation.Reservation, error) {
	return c.transition(ctx, id, reservation.StatusNoShow)
}

// transition moves a reservation along the state machine and enqueues the
// matching event in the same transaction. Repeating a transition that already
// happened returns the current state without a new event.
func (c *Coordinator) transition(ctx context.Context, id uuid.UUID, to reservation.Status) (*reservation.Reservation, error) {
	cur, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var updated *reservation.Reservation
	err = c.commit(ctx, cur.ResourceIDs(), func(ctx context.Context, tx reservation.Tx) error {
		r, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if r.Status == to {
			updated = r
			return nil
		}
		if !r.Status.CanTransition(to) {
			return apperr.InvalidTransition(string(r.Status), string(to))
		}
		prev := r.Version
		now := c.now().UTC()
		r.Status = to
		r.Version++
		r.UpdatedAt = now
		if err := tx.Update(ctx, r, prev); err != nil {
			return err
		}
		updated = r
		return tx.Enqueue(ctx, reservation.NewEvent(reservation.EventFor(to), r, now))
	})
	if errors.Is(err, reservation.ErrNotFound) {
		return nil, apperr.NotFound("reservation", id)
	}
	if err != nil {
		return nil, err
	}
	c.logger.Info().Str("reservation_id", id.String()).Str("status", string(updated.Status)).
		Int64("version", updated.Version).Msg("reservation transitioned")
	return updated, nil
}

// RescheduleRequest moves a confirmed reservation to a new slot. Unset
// resources default to the ones the reservation already holds.
type RescheduleRequest struct {
	Start          time.Time
	End            time.Time
	ResourceID     *uuid.UUID
	RoomID         *uuid.UUID
	EquipmentID    *uuid.UUID
	IdempotencyKey string
	PrincipalID    string
}

// Reschedule cancels the old reservation and confirms the new one in one
// transaction, linking them both ways. Either both changes commit or neither.
func (c *Coordinator) Reschedule(ctx context.Context, id uuid.UUID, req RescheduleRequest) (*Outcome, error) {
	out, err := c.reschedule(ctx, id, req)
	c.metrics.BookingOutcome(outcomeLabel(out, err))
	return out, err
}

func (c *Coordinator) reschedule(ctx context.Context, id uuid.UUID, req RescheduleRequest) (*Outcome, error) {
	if err := validateRequest(req.IdempotencyKey, req.Start, req.End); err != nil {
		return nil, err
	}
	if prior, err := c.replay(ctx, req.IdempotencyKey); prior != nil || err != nil {
		return prior, err
	}
	old, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !old.Status.CanTransition(reservation.StatusCancelled) {
		return nil, apperr.InvalidTransition(string(old.Status), "rescheduled")
	}

	book := Request{
		ServiceID:      old.ServiceID,
		LocationID:     old.LocationID,
		ResourceID:     req.ResourceID,
		RoomID:         req.RoomID,
		EquipmentID:    req.EquipmentID,
		Start:          req.Start,
		End:            req.End,
		IdempotencyKey: req.IdempotencyKey,
		PrincipalID:    req.PrincipalID,
	}
	for _, b := range old.Bindings {
		b := b
		switch {
		case b.Primary && book.ResourceID == nil:
			book.ResourceID = &b.ResourceID
		case !b.Primary && b.Kind == catalog.KindRoom && book.RoomID == nil:
			book.RoomID = &b.ResourceID
		case !b.Primary && b.Kind == catalog.KindEquipment && book.EquipmentID == nil:
			book.EquipmentID = &b.ResourceID
		}
	}

	p, err := c.prepare(ctx, book, &old.ID)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	oldID := old.ID
	next := &reservation.Reservation{
		ID:              uuid.New(),
		Tenant:          old.Tenant,
		ServiceID:       p.service.ID,
		LocationID:      p.location.ID,
		Bindings:        p.bindings,
		Start:           p.display.Start,
		End:             p.display.End,
		BufferBefore:    p.service.BufferBefore,
		BufferAfter:     p.service.BufferAfter,
		Status:          reservation.StatusConfirmed,
		Version:         1,
		IdempotencyKey:  req.IdempotencyKey,
		PrincipalID:     req.PrincipalID,
		RescheduledFrom: &oldID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	release := c.hold(ctx, next)
	defer release()

	ids := append(old.ResourceIDs(), next.ResourceIDs()...)
	ids = dedupe(ids)

	var cancelled *reservation.Reservation
	err = c.commit(ctx, ids, func(ctx context.Context, tx reservation.Tx) error {
		cur, err := tx.Get(ctx, oldID)
		if err != nil {
			return err
		}
		if cur.Status != reservation.StatusConfirmed {
			return apperr.InvalidTransition(string(cur.Status), "rescheduled")
		}
		if err := c.checkConflicts(ctx, tx, p, oldID); err != nil {
			return err
		}
		prev := cur.Version
		cur.Status = reservation.StatusCancelled
		cur.Version++
		cur.RescheduledTo = &next.ID
		cur.UpdatedAt = now
		if err := tx.Update(ctx, cur, prev); err != nil {
			return err
		}
		if err := tx.Insert(ctx, next); err != nil {
			return err
		}
		if err := tx.Enqueue(ctx, reservation.NewEvent(reservation.EventRescheduled, cur, now)); err != nil {
			return err
		}
		cancelled = cur
		return tx.Enqueue(ctx, reservation.NewEvent(reservation.EventConfirmed, next, now))
	})
	if errors.Is(err, reservation.ErrDuplicateKey) {
		return c.replay(ctx, req.IdempotencyKey)
	}
	if errors.Is(err, reservation.ErrNotFound) {
		return nil, apperr.NotFound("reservation", oldID)
	}
	if err != nil {
		return nil, err
	}
	c.logger.Info().Str("from", cancelled.ID.String()).Str("to", next.ID.String()).
		Time("start", next.Start).Msg("reservation rescheduled")
	return &Outcome{Reservation: next}, nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
