package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/booking/booking/internal/config"
	"github.com/booking/booking/internal/domain/interval"
	"github.com/booking/booking/internal/domain/projection"
	"github.com/booking/booking/internal/domain/reservation"
	"github.com/booking/booking/internal/platform/bus"
	"github.com/booking/booking/internal/platform/cache"
	"github.com/booking/booking/internal/platform/db"
	"github.com/booking/booking/internal/platform/outbox"
	"github.com/booking/booking/internal/platform/retry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "booking-server",
		Short: "Availability and booking API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(projectionCmd())
	rootCmd.AddCommand(outboxCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the booking API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// connect loads config and opens the pool for one-shot commands.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

// targetSchemas resolves --all or --tenant to schema names.
func targetSchemas(ctx context.Context, pool *pgxpool.Pool, tenant string, all bool) ([]string, error) {
	if !all {
		if !db.ValidTenant(tenant) {
			return nil, fmt.Errorf("invalid tenant %q", tenant)
		}
		return []string{db.SchemaName(tenant)}, nil
	}
	tenants, err := db.ListTenants(ctx, pool)
	if err != nil {
		return nil, err
	}
	schemas := make([]string, 0, len(tenants))
	for _, t := range tenants {
		schemas = append(schemas, db.SchemaName(t))
	}
	return schemas, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			all, _ := cmd.Flags().GetBool("all")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			schemas, err := targetSchemas(ctx, pool, tenant, all)
			if err != nil {
				return err
			}
			migrator := db.NewMigrator(pool, dir)
			for _, schema := range schemas {
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := migrator.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed on %s: %w", schema, err)
				}
				fmt.Printf("Applied %d migration(s) to %s.\n", count, schema)
			}
			return nil
		},
	}
	upCmd.Flags().String("tenant", "default", "Tenant whose schema is migrated")
	upCmd.Flags().Bool("all", false, "Migrate every tenant schema")
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			schemas, err := targetSchemas(ctx, pool, tenant, false)
			if err != nil {
				return err
			}
			statuses, err := db.NewMigrator(pool, dir).Status(ctx, schemas[0])
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schemas[0])
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("tenant", "default", "Tenant whose schema is inspected")
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, cfg.MigrationsDir); err != nil {
				return err
			}
			fmt.Println("Tenant created.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

// dayRange turns inclusive YYYY-MM-DD bounds into the UTC span they cover.
func dayRange(from, to string) (interval.Interval, error) {
	start, err := time.Parse(time.DateOnly, from)
	if err != nil {
		return interval.Interval{}, fmt.Errorf("--from: %w", err)
	}
	if to == "" {
		to = from
	}
	last, err := time.Parse(time.DateOnly, to)
	if err != nil {
		return interval.Interval{}, fmt.Errorf("--to: %w", err)
	}
	return interval.New(start, last.AddDate(0, 0, 1))
}

func projectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projection",
		Short: "Operate the busy-interval projection",
	}

	rebuildCmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild projection entries from the reservation store",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			resource, _ := cmd.Flags().GetString("resource")
			from, _ := cmd.Flags().GetString("from")
			to, _ := cmd.Flags().GetString("to")

			resourceID, err := uuid.Parse(resource)
			if err != nil {
				return fmt.Errorf("--resource: %w", err)
			}
			rng, err := dayRange(from, to)
			if err != nil {
				return err
			}

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if cfg.RedisURL == "" {
				return fmt.Errorf("REDIS_URL is required: the projection lives in redis")
			}
			rdb, err := cache.NewClient(ctx, cfg.RedisURL)
			if err != nil {
				return err
			}
			defer rdb.Close()

			logger := newLogger(cfg)
			b := backends{}
			useRedis(&b, rdb, cfg.ProjectionTTL)
			projCache := projection.NewCache(b.entries, reservation.NewStorePG(pool), cfg.ProjectionTTL, nil, logger)

			var n int
			err = db.WithTenant(ctx, pool, tenant, func(ctx context.Context) error {
				n, err = projCache.RebuildRange(ctx, resourceID, rng)
				return err
			})
			if err != nil {
				return fmt.Errorf("rebuild failed after %d day(s): %w", n, err)
			}
			fmt.Printf("Rebuilt %d day(s) for resource %s in tenant %s.\n", n, resourceID, tenant)
			return nil
		},
	}
	rebuildCmd.Flags().String("tenant", "default", "Tenant identifier")
	rebuildCmd.Flags().String("resource", "", "Resource id")
	rebuildCmd.Flags().String("from", "", "First day (YYYY-MM-DD, UTC)")
	rebuildCmd.Flags().String("to", "", "Last day, inclusive (default --from)")
	rebuildCmd.MarkFlagRequired("resource")
	rebuildCmd.MarkFlagRequired("from")

	cmd.AddCommand(rebuildCmd)
	return cmd
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Operate the event outbox",
	}

	relayCmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish outbox events to the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			once, _ := cmd.Flags().GetBool("once")

			ctx, stop := signalContext()
			defer stop()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if cfg.AMQPURL == "" {
				return fmt.Errorf("AMQP_URL is required")
			}

			logger := newLogger(cfg)
			broker := bus.NewAMQP(bus.AMQPConfig{URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange, Queue: cfg.AMQPQueue}, logger)
			if err := broker.Connect(); err != nil {
				return err
			}
			defer broker.Close()

			relay := outbox.NewRelay(outbox.NewPGSource(pool, logger), broker, outbox.Config{
				BatchSize: cfg.OutboxBatchSize,
				Interval:  cfg.OutboxPollInterval,
				Retry:     retry.DefaultPolicy(),
			}, nil, logger)
			if once {
				n, err := relay.Drain(ctx)
				fmt.Printf("Published %d event(s).\n", n)
				return err
			}
			return ignoreCanceled(relay.Run(ctx))
		},
	}
	relayCmd.Flags().Bool("once", false, "Drain the outbox and exit")

	cmd.AddCommand(relayCmd)
	return cmd
}

// pgScope binds the consumer's work to the tenant's schema.
func pgScope(pool *pgxpool.Pool) projection.TenantScope {
	return func(ctx context.Context, tenant string, fn func(ctx context.Context) error) error {
		return db.WithTenant(ctx, pool, tenant, fn)
	}
}
