package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"scripthost/pkg/config"
	"scripthost/pkg/db"
	"scripthost/services/store"
)

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	return db.Open(ctx, cfg.DBDSN)
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			version, err := db.Migrate(ctx, pool)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database at version %d\n", version)
			return nil
		},
	}
}

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect run history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newRunsListCommand())
	return cmd
}

func newRunsListCommand() *cobra.Command {
	var (
		artifactID int64
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			query := `
                SELECT id, artifact_id, started_at, finished_at, pid, log_path, exit_code, archive_key
                FROM runs
                WHERE $1 = 0 OR artifact_id = $1
                ORDER BY started_at DESC, id DESC
                LIMIT $2`
			var runs []store.Run
			if err := db.Select(ctx, pool, &runs, query, artifactID, limit); err != nil {
				return fmt.Errorf("list runs: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tARTIFACT\tPID\tSTARTED\tFINISHED\tEXIT\tARCHIVE")
			for _, r := range runs {
				finished, exit, archive := "-", "-", "-"
				if r.FinishedAt != nil {
					finished = r.FinishedAt.Format(time.RFC3339)
				}
				if r.ExitCode != nil {
					exit = strconv.Itoa(*r.ExitCode)
				}
				if r.ArchiveKey != nil {
					archive = *r.ArchiveKey
				}
				fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%s\t%s\n",
					r.ID, r.ArtifactID, r.PID, r.StartedAt.Format(time.RFC3339), finished, exit, archive)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().Int64Var(&artifactID, "artifact", 0, "Only show runs of this artifact")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	return cmd
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count tenants, artifacts, and running artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			var stats store.Stats
			err = db.Get(ctx, pool, &stats, `
                SELECT COUNT(DISTINCT tenant_id) AS tenants,
                       COUNT(*) AS artifacts,
                       COUNT(*) FILTER (WHERE status = $1) AS running
                FROM artifacts`, string(store.StatusRunning))
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tenants: %d\nartifacts: %d\nrunning: %d\n", stats.Tenants, stats.Artifacts, stats.Running)
			return nil
		},
	}
}
