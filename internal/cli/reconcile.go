package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/Gobusters/ectologger"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/app"
	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/internal/repositories/document"
	"github.com/Ramsey-B/fern/internal/repositories/runs"
	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/entityconfig"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/processor"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/retry"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/store/memstore"
)

type reconcileOptions struct {
	request  processor.Request
	inMemory bool
}

func newReconcileCmd(root *rootOptions) *cobra.Command {
	var opts reconcileOptions

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation of a kind against a snapshot",
		Long: "Run one reconciliation of a kind against a snapshot and print the run summary as JSON.\n" +
			"--dry-run classifies and projects without writing. --in-memory uses an empty in-memory\n" +
			"store instead of Postgres, which is useful for checking a snapshot against a kind.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReconcile(cmd, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.request.Kind, "kind", "", "Entity kind to reconcile (required)")
	cmd.Flags().StringVar(&opts.request.Snapshot, "snapshot", "", "Snapshot name within the snapshot source (required)")
	cmd.Flags().StringVar(&opts.request.DiscriminatorValue, "discriminator-value", "", "Overrides the kind's discriminator value")
	cmd.Flags().StringVar(&opts.request.RunID, "run-id", "", "Run id (generated when empty)")
	cmd.Flags().BoolVar(&opts.request.DryRun, "dry-run", false, "Classify and project without writing")
	cmd.Flags().BoolVar(&opts.inMemory, "in-memory", false, "Use an in-memory store instead of Postgres")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("snapshot")

	return cmd
}

func runReconcile(cmd *cobra.Command, root *rootOptions, opts reconcileOptions) error {
	ctx := appctx.SetTrigger(cmd.Context(), appctx.TriggerCLI)
	cfg, logger := root.cfg, root.logger

	registry, err := entityconfig.LoadDir(cfg.EntityConfigDir)
	if err != nil {
		return err
	}
	source, err := app.NewSnapshotSource(cfg, logger)
	if err != nil {
		return err
	}

	var documents store.DocumentStore
	var procOpts []processor.Option
	if opts.inMemory {
		documents = memstore.New()
	} else {
		instance, err := database.Connect(ctx, app.DatabaseConfig(cfg), logger)
		if err != nil {
			return err
		}
		defer instance.Close()

		documents = document.NewRepository(instance, logger)
		procOpts = append(procOpts, processor.WithRecorder(runs.NewRepository(instance, logger)))

		locker, closeLocker, err := kindLocker(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeLocker()
		if locker != nil {
			procOpts = append(procOpts, processor.WithLocker(locker))
		}
	}

	proc := processor.NewProcessor(registry, source, documents, retry.NewPolicy(app.RetryConfig(cfg), logger), logger, app.ProcessorConfig(cfg), procOpts...)
	result, err := proc.Reconcile(ctx, opts.request)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), result, opts.request.DryRun)
}

// kindLocker connects to Redis when the kind lock is enabled. The returned func closes
// the connection.
func kindLocker(ctx context.Context, cfg config.Config, logger ectologger.Logger) (processor.Locker, func(), error) {
	if !cfg.RedisEnabled {
		return nil, func() {}, nil
	}
	client, err := redis.NewClient(ctx, app.RedisConfig(cfg), logger)
	if err != nil {
		return nil, nil, err
	}
	closeClient := func() {
		if err := client.Close(); err != nil {
			logger.WithError(err).Warn("failed to close Redis client")
		}
	}
	return redis.NewKindLocker(client, cfg.LockTTL, logger), closeClient, nil
}

func printResult(w io.Writer, result *models.ReconciliationResult, dryRun bool) error {
	out := handlers.ReconcileResponse{Summary: result.Summary, Stats: result.Stats}
	if dryRun {
		out.Documents = result.Documents
		out.Changes = result.Changes
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}
