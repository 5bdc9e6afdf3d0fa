package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/booking/booking/internal/domain/interval"
	"github.com/booking/booking/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store { return &storePG{pool: pool} }

func (s *storePG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

func (s *storePG) beginner(ctx context.Context) beginner {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

const reservationCols = `id, service_id, location_id, start_at, end_at, buffer_before_seconds,
	buffer_after_seconds, status, version, idempotency_key, principal_id, rescheduled_from,
	rescheduled_to, created_at, updated_at`

func scanReservation(row pgx.Row) (*Reservation, error) {
	var r Reservation
	var bb, ba int64
	err := row.Scan(&r.ID, &r.ServiceID, &r.LocationID, &r.Start, &r.End, &bb, &ba,
		&r.Status, &r.Version, &r.IdempotencyKey, &r.PrincipalID, &r.RescheduledFrom,
		&r.RescheduledTo, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Start, r.End = r.Start.UTC(), r.End.UTC()
	r.BufferBefore = time.Duration(bb) * time.Second
	r.BufferAfter = time.Duration(ba) * time.Second
	return &r, nil
}

func loadBindings(ctx context.Context, q queryable, r *Reservation) error {
	rows, err := q.Query(ctx, `
		SELECT resource_id, resource_kind, units, is_primary
		FROM reservation_binding WHERE reservation_id = $1
		ORDER BY is_primary DESC, resource_id`, r.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	r.Bindings = r.Bindings[:0]
	for rows.Next() {
		var b Binding
		if err := rows.Scan(&b.ResourceID, &b.Kind, &b.Units, &b.Primary); err != nil {
			return err
		}
		r.Bindings = append(r.Bindings, b)
	}
	return rows.Err()
}

func get(ctx context.Context, q queryable, where string, arg interface{}) (*Reservation, error) {
	r, err := scanReservation(q.QueryRow(ctx, `SELECT `+reservationCols+` FROM reservation WHERE `+where, arg))
	if err != nil {
		return nil, err
	}
	r.Tenant = db.TenantFromContext(ctx)
	if err := loadBindings(ctx, q, r); err != nil {
		return nil, fmt.Errorf("load bindings for %s: %w", r.ID, err)
	}
	return r, nil
}

func (s *storePG) Get(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	return get(ctx, s.conn(ctx), `id = $1`, id)
}

func (s *storePG) GetByIdempotencyKey(ctx context.Context, key string) (*Reservation, error) {
	return get(ctx, s.conn(ctx), `idempotency_key = $1`, key)
}

const occupancyQuery = `
	SELECT b.reservation_id, r.service_id, b.resource_id, r.start_at, r.end_at,
		b.busy_start, b.busy_end, b.units, b.status, r.version
	FROM reservation_binding b
	JOIN reservation r ON r.id = b.reservation_id
	WHERE b.resource_id = $1 AND b.busy_start < $3 AND b.busy_end > $2`

func occupancies(ctx context.Context, q queryable, resourceID uuid.UUID, span interval.Interval, all bool) ([]Occupancy, error) {
	query := occupancyQuery
	if !all {
		query += ` AND b.status IN ('confirmed', 'in_progress', 'completed')`
	}
	query += ` ORDER BY b.busy_start, b.reservation_id`

	rows, err := q.Query(ctx, query, resourceID, span.Start, span.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Occupancy
	for rows.Next() {
		var o Occupancy
		if err := rows.Scan(&o.ReservationID, &o.ServiceID, &o.ResourceID, &o.Span.Start, &o.Span.End,
			&o.Buffered.Start, &o.Buffered.End, &o.Units, &o.Status, &o.Version); err != nil {
			return nil, err
		}
		o.Span = interval.Interval{Start: o.Span.Start.UTC(), End: o.Span.End.UTC()}
		o.Buffered = interval.Interval{Start: o.Buffered.Start.UTC(), End: o.Buffered.End.UTC()}
		items = append(items, o)
	}
	return items, rows.Err()
}

func (s *storePG) Occupancies(ctx context.Context, resourceID uuid.UUID, span interval.Interval, all bool) ([]Occupancy, error) {
	return occupancies(ctx, s.conn(ctx), resourceID, span, all)
}

func (s *storePG) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.beginner(ctx).BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(ctx, &txPG{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type txPG struct{ tx pgx.Tx }

func (t *txPG) LockResources(ctx context.Context, ids []uuid.UUID) error {
	tenant := db.TenantFromContext(ctx)
	for _, id := range ids {
		if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, tenant+":"+id.String()); err != nil {
			return fmt.Errorf("lock resource %s: %w", id, err)
		}
	}
	return nil
}

func (t *txPG) Get(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	return get(ctx, t.tx, `id = $1 FOR UPDATE`, id)
}

func (t *txPG) Occupancies(ctx context.Context, resourceID uuid.UUID, span interval.Interval) ([]Occupancy, error) {
	return occupancies(ctx, t.tx, resourceID, span, false)
}

func (t *txPG) Insert(ctx context.Context, r *Reservation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO reservation (id, service_id, location_id, start_at, end_at, buffer_before_seconds,
			buffer_after_seconds, status, version, idempotency_key, principal_id, rescheduled_from,
			rescheduled_to, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		r.ID, r.ServiceID, r.LocationID, r.Start, r.End, int64(r.BufferBefore/time.Second),
		int64(r.BufferAfter/time.Second), r.Status, r.Version, r.IdempotencyKey, r.PrincipalID,
		r.RescheduledFrom, r.RescheduledTo, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return err
	}

	busy := r.Buffered()
	for _, b := range r.Bindings {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO reservation_binding (reservation_id, resource_id, resource_kind, units,
				is_primary, status, busy_start, busy_end)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			r.ID, b.ResourceID, b.Kind, b.Units, b.Primary, r.Status, busy.Start, busy.End)
		if err != nil {
			return fmt.Errorf("insert binding %s: %w", b.ResourceID, err)
		}
	}
	return nil
}

func (t *txPG) Update(ctx context.Context, r *Reservation, expectedVersion int64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE reservation SET status = $2, version = $3, rescheduled_to = $4, updated_at = $5
		WHERE id = $1 AND version = $6`,
		r.ID, r.Status, r.Version, r.RescheduledTo, r.UpdatedAt, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	_, err = t.tx.Exec(ctx, `UPDATE reservation_binding SET status = $2 WHERE reservation_id = $1`, r.ID, r.Status)
	return err
}

func (t *txPG) Enqueue(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO outbox_event (id, reservation_id, version, event_type, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		ev.ID, ev.ReservationID, ev.Version, ev.Type, payload, ev.OccurredAt)
	return err
}
