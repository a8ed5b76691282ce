package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"shipsync/internal/core/entity"
	"shipsync/internal/domain/aggregation"
	"shipsync/internal/infrastructure/storage/postgres/cursor_repo"
	"shipsync/internal/infrastructure/storage/postgres/event_repo"
	"shipsync/internal/infrastructure/storage/postgres/index_repo"
	"shipsync/pkg/logger"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "syncctl",
		Short:         "Operate the shipment sync warehouse",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		tenantsCmd(),
		cursorsCmd(),
		replicateCmd(),
		stageCmd(),
		aggregateCmd(),
		queueCmd(),
		cellCmd(),
		backfillCmd(),
	)
	return root
}

// withApp runs fn with a signal-aware context and a lazily connected app.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	return fn(logger.WithLogger(ctx, a.log), a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func tenantsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tenants",
		Short: "List active tenants from the registry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				dir, err := a.directory(ctx)
				if err != nil {
					return err
				}
				ids, err := dir.ListIDs(ctx)
				if err != nil {
					return err
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tDATABASE\tHOST")
				for _, id := range ids {
					t, err := dir.Resolve(ctx, id)
					if err != nil {
						return err
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\n", id, t.DBName, t.DBHost)
				}
				return tw.Flush()
			})
		},
	}
}

func cursorsCmd() *cobra.Command {
	var tenantID int64
	cmd := &cobra.Command{
		Use:   "cursors",
		Short: "Show replication cursors of a tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				txm, err := a.tx(ctx)
				if err != nil {
					return err
				}
				cursors, err := cursor_repo.NewCursorRepo(txm).List(ctx, tenantID)
				if err != nil {
					return err
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "STREAM\tLAST ID\tUPDATED")
				for _, c := range cursors {
					fmt.Fprintf(tw, "%s\t%d\t%s\n", c.EntityKind, c.LastSourceID, c.UpdatedAt.Format("2006-01-02 15:04:05"))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().Int64Var(&tenantID, "tenant", 0, "tenant id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func replicateCmd() *cobra.Command {
	var tenantID int64
	cmd := &cobra.Command{
		Use:   "replicate",
		Short: "Run one replication pass (all tenants unless --tenant is set)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				r, err := a.replicator(ctx)
				if err != nil {
					return err
				}
				if tenantID != 0 {
					res, err := r.ReplicateTenant(ctx, tenantID)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), res)
				}
				res, err := r.ReplicateAll(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().Int64Var(&tenantID, "tenant", 0, "replicate only this tenant")
	return cmd
}

func stageCmd() *cobra.Command {
	var tenantID int64
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Stage CDC events once (all tenants unless --tenant is set)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				s, err := a.stager(ctx)
				if err != nil {
					return err
				}
				if tenantID != 0 {
					res, err := s.StageTenantEvents(ctx, tenantID)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), res)
				}
				res, err := s.StageAll(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().Int64Var(&tenantID, "tenant", 0, "stage only this tenant")
	return cmd
}

func aggregateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate",
		Short: "Run one aggregation pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				e, err := a.engine(ctx)
				if err != nil {
					return err
				}
				res, err := e.RunPendingTodayPass(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Count unprocessed staged events per consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				txm, err := a.tx(ctx)
				if err != nil {
					return err
				}
				depth, err := event_repo.NewEventRepo(txm).QueueDepth(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), depth)
			})
		},
	}
}

type cellFlags struct {
	tenant, client, driver int64
	status                 int
	day                    string
}

func (f cellFlags) key() (entity.AggregateKey, error) {
	day := entity.Day(f.day)
	if !day.Valid() {
		return entity.AggregateKey{}, fmt.Errorf("invalid --day %q, want YYYY-MM-DD", f.day)
	}
	return entity.AggregateKey{
		TenantID:   f.tenant,
		ClientID:   f.client,
		DriverID:   f.driver,
		StatusCode: f.status,
		Day:        day,
	}, nil
}

func cellCmd() *cobra.Command {
	var f cellFlags
	cmd := &cobra.Command{
		Use:   "cell",
		Short: "List the packages of one aggregate cell",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := f.key()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				txm, err := a.tx(ctx)
				if err != nil {
					return err
				}
				members, err := index_repo.NewIndexRepo(txm).CellMembers(ctx, key)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), members)
			})
		},
	}
	cmd.Flags().Int64Var(&f.tenant, "tenant", 0, "tenant id")
	cmd.Flags().Int64Var(&f.client, "client", 0, "client id")
	cmd.Flags().Int64Var(&f.driver, "driver", 0, "driver id (0 for the owner-level row)")
	cmd.Flags().IntVar(&f.status, "status", -1, "status code (-1 for the assignment row)")
	cmd.Flags().StringVar(&f.day, "day", "", "day, YYYY-MM-DD")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("day")
	return cmd
}

func backfillCmd() *cobra.Command {
	cfg := aggregation.DefaultBackfillConfig()
	var table, from string
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Import the legacy comma-separated aggregate table into the index",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if from != "" {
				cfg.FromDay = entity.Day(from)
				if !cfg.FromDay.Valid() {
					return fmt.Errorf("invalid --from %q, want YYYY-MM-DD", from)
				}
			}
			if cfg.PageSize <= 0 || cfg.ChunkSize <= 0 {
				return fmt.Errorf("--page and --chunk must be positive")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				txm, err := a.tx(ctx)
				if err != nil {
					return err
				}
				res, err := aggregation.Backfill(ctx,
					index_repo.NewLegacyRepo(a.warehouse, table),
					index_repo.NewIndexRepo(txm),
					cfg,
				)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&table, "table", "home_app", "legacy table name")
	cmd.Flags().StringVar(&from, "from", "", "skip legacy rows before this day (YYYY-MM-DD)")
	cmd.Flags().IntVar(&cfg.PageSize, "page", cfg.PageSize, "legacy rows read per page")
	cmd.Flags().IntVar(&cfg.ChunkSize, "chunk", cfg.ChunkSize, "index entries written per statement")
	return cmd
}
