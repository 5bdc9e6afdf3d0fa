package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/booking/booking/internal/domain/reservation"
	"github.com/booking/booking/internal/platform/db"
)

// PGSource claims rows from every tenant's outbox_event table. Rows are
// locked with SKIP LOCKED so several relays can run side by side.
type PGSource struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewPGSource(pool *pgxpool.Pool, logger zerolog.Logger) *PGSource {
	return &PGSource{pool: pool, logger: logger.With().Str("component", "outbox-source").Logger()}
}

func (s *PGSource) Claim(ctx context.Context, limit int, publish func(ctx context.Context, ev reservation.Event) error) (int, error) {
	tenants, err := db.ListTenants(ctx, s.pool)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, tenant := range tenants {
		if total >= limit {
			break
		}
		err := db.WithTenant(ctx, s.pool, tenant, func(ctx context.Context) error {
			n, err := s.claimTenant(ctx, db.ConnFromContext(ctx), limit-total, publish)
			total += n
			return err
		})
		if err != nil {
			return total, fmt.Errorf("tenant %s: %w", tenant, err)
		}
	}
	return total, nil
}

type outboxRow struct {
	seq int64
	ev  reservation.Event
}

func (s *PGSource) claimTenant(ctx context.Context, conn *pgxpool.Conn, limit int, publish func(ctx context.Context, ev reservation.Event) error) (int, error) {
	tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT seq, payload FROM outbox_event
		WHERE published_at IS NULL
		ORDER BY seq
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return 0, err
	}
	var batch []outboxRow
	var skipped []int64
	for rows.Next() {
		var seq int64
		var payload []byte
		if err := rows.Scan(&seq, &payload); err != nil {
			rows.Close()
			return 0, err
		}
		var ev reservation.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			s.logger.Error().Err(err).Int64("seq", seq).Msg("undecodable outbox row skipped")
			skipped = append(skipped, seq)
			continue
		}
		batch = append(batch, outboxRow{seq: seq, ev: ev})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	done := append([]int64(nil), skipped...)
	var pubErr error
	for _, row := range batch {
		if pubErr = publish(ctx, row.ev); pubErr != nil {
			break
		}
		done = append(done, row.seq)
	}
	if len(done) > 0 {
		if _, err := tx.Exec(ctx, `UPDATE outbox_event SET published_at = now() WHERE seq = ANY($1)`, done); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(done) - len(skipped), pubErr
}
