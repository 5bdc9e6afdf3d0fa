package catalog

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

type readerPG struct{ pool *pgxpool.Pool }

func NewReaderPG(pool *pgxpool.Pool) Reader { return &readerPG{pool: pool} }

func (r *readerPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

const serviceCols = `id, name, duration_minutes, buffer_before_minutes, buffer_after_minutes,
	requires_room, room_type, equipment_type, equipment_units, lead_time_minutes, active`

func (r *readerPG) Service(ctx context.Context, id uuid.UUID) (*ServiceDefinition, error) {
	var s ServiceDefinition
	var dur, bb, ba, lead int
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+serviceCols+` FROM service_definition WHERE id = $1`, id).
		Scan(&s.ID, &s.Name, &dur, &bb, &ba, &s.RequiresRoom, &s.RoomType, &s.EquipmentType,
			&s.EquipmentUnits, &lead, &s.Active)
	if err != nil {
		return nil, notFound(err)
	}
	s.Duration = time.Duration(dur) * time.Minute
	s.BufferBefore = time.Duration(bb) * time.Minute
	s.BufferAfter = time.Duration(ba) * time.Minute
	s.LeadTime = time.Duration(lead) * time.Minute

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT resource_id FROM service_provider WHERE service_id = $1 ORDER BY resource_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var pid uuid.UUID
		if err := rows.Scan(&pid); err != nil {
			return nil, err
		}
		s.ProviderIDs = append(s.ProviderIDs, pid)
	}
	return &s, rows.Err()
}

func (r *readerPG) Location(ctx context.Context, id uuid.UUID) (*Location, error) {
	var l Location
	var hours []byte
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, name, time_zone, hours FROM location WHERE id = $1`, id).
		Scan(&l.ID, &l.Name, &l.TimeZone, &hours)
	if err != nil {
		return nil, notFound(err)
	}
	if len(hours) > 0 {
		if err := json.Unmarshal(hours, &l.Hours); err != nil {
			return nil, fmt.Errorf("decode hours for location %s: %w", id, err)
		}
	}
	return &l, nil
}

const resourceCols = `id, kind, name, location_id, type_code, units, rank_weight, active`

func scanResource(row pgx.Row) (*Resource, error) {
	var res Resource
	err := row.Scan(&res.ID, &res.Kind, &res.Name, &res.LocationID, &res.TypeCode,
		&res.Units, &res.RankWeight, &res.Active)
	return &res, err
}

func (r *readerPG) Resource(ctx context.Context, id uuid.UUID) (*Resource, error) {
	res, err := scanResource(r.conn(ctx).QueryRow(ctx, `SELECT `+resourceCols+` FROM resource WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return res, nil
}

func (r *readerPG) Resources(ctx context.Context, locationID uuid.UUID, kind ResourceKind, typeCode string) ([]*Resource, error) {
	query := `SELECT ` + resourceCols + ` FROM resource WHERE active AND location_id = $1 AND kind = $2`
	args := []interface{}{locationID, kind}
	if typeCode != "" {
		query += ` AND type_code = $3`
		args = append(args, typeCode)
	}
	query += ` ORDER BY id`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, res)
	}
	return items, rows.Err()
}

// Windows returns one-off windows overlapping rng and every recurring window;
// recurrences are filtered during expansion.
func (r *readerPG) Windows(ctx context.Context, resourceID uuid.UUID, rng interval.Interval) ([]*AvailabilityWindow, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, resource_id, kind, start_at, end_at, recurrence
		FROM availability_window
		WHERE resource_id = $1
		  AND (recurrence IS NOT NULL OR (start_at < $3 AND end_at > $2))
		ORDER BY id`, resourceID, rng.Start, rng.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*AvailabilityWindow
	for rows.Next() {
		var w AvailabilityWindow
		var start, end *time.Time
		var rec []byte
		if err := rows.Scan(&w.ID, &w.ResourceID, &w.Kind, &start, &end, &rec); err != nil {
			return nil, err
		}
		if start != nil {
			w.Start = start.UTC()
		}
		if end != nil {
			w.End = end.UTC()
		}
		if len(rec) > 0 {
			w.Recurrence = &Recurrence{}
			if err := json.Unmarshal(rec, w.Recurrence); err != nil {
				return nil, fmt.Errorf("decode recurrence for window %s: %w", w.ID, err)
			}
		}
		items = append(items, &w)
	}
	return items, rows.Err()
}

func (r *readerPG) Rules(ctx context.Context, serviceID uuid.UUID) ([]*PolicyRule, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, service_id, kind, priority, payload, active
		FROM policy_rule WHERE service_id = $1 AND active`, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*PolicyRule
	for rows.Next() {
		var p PolicyRule
		var payload []byte
		if err := rows.Scan(&p.ID, &p.ServiceID, &p.Kind, &p.Priority, &payload, &p.Active); err != nil {
			return nil, err
		}
		p.Payload = json.RawMessage(payload)
		items = append(items, &p)
	}
	return items, rows.Err()
}
