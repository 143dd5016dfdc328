// Package runs persists the summary of every reconciliation run.
package runs

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	runsTable = "sync_runs"

	DefaultListLimit = 50
	MaxListLimit     = 500
)

var runColumns = []string{
	"run_id", "kind", "snapshot", "discriminator_value", "dry_run", "status", "stats", "failures", "started_at", "finished_at",
}

type runRow struct {
	RunID              string                                `db:"run_id"`
	Kind               string                                `db:"kind"`
	Snapshot           string                                `db:"snapshot"`
	DiscriminatorValue string                                `db:"discriminator_value"`
	DryRun             bool                                  `db:"dry_run"`
	Status             string                                `db:"status"`
	Stats              database.JSONB[models.Stats]          `db:"stats"`
	Failures           database.JSONB[[]models.WriteFailure] `db:"failures"`
	StartedAt          time.Time                             `db:"started_at"`
	FinishedAt         *time.Time                            `db:"finished_at"`
}

func (r runRow) toRun() models.Run {
	run := models.Run{
		RunSummary: models.RunSummary{
			RunID:              r.RunID,
			Kind:               r.Kind,
			Snapshot:           r.Snapshot,
			DiscriminatorValue: r.DiscriminatorValue,
			DryRun:             r.DryRun,
			Status:             models.RunStatus(r.Status),
			StartedAt:          r.StartedAt,
			Failures:           r.Failures.GetValue(),
		},
		Stats: r.Stats.GetValue(),
	}
	if r.FinishedAt != nil {
		run.FinishedAt = *r.FinishedAt
	}
	return run
}

// Repository stores run summaries in the sync_runs table.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Start records a run as running.
func (r *Repository) Start(ctx context.Context, summary models.RunSummary) error {
	ctx, span := tracing.StartSpan(ctx, "runs.Repository.Start")
	defer span.End()

	failures := summary.Failures
	if failures == nil {
		failures = []models.WriteFailure{}
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(runsTable).Cols(runColumns...).Values(
		summary.RunID, summary.Kind, summary.Snapshot, summary.DiscriminatorValue, summary.DryRun,
		string(models.RunStatusRunning), database.JSONB[models.Stats]{}, database.JSONB[[]models.WriteFailure]{Data: failures},
		summary.StartedAt.UTC(), nil,
	)

	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": summary.RunID,
			"kind":   summary.Kind,
		}).Error("failed to record run start")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record run start")
	}

	r.logger.WithContext(ctx).WithField("run_id", summary.RunID).Debugf("Created %s", runsTable)
	return nil
}

// Finish stores the final status, counters and failures of a run.
func (r *Repository) Finish(ctx context.Context, summary models.RunSummary, stats models.Stats) error {
	ctx, span := tracing.StartSpan(ctx, "runs.Repository.Finish")
	defer span.End()

	failures := summary.Failures
	if failures == nil {
		failures = []models.WriteFailure{}
	}

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(runsTable)
	ub.Set(
		ub.Assign("status", string(summary.Status)),
		ub.Assign("stats", database.JSONB[models.Stats]{Data: stats}),
		ub.Assign("failures", database.JSONB[[]models.WriteFailure]{Data: failures}),
		ub.Assign("finished_at", summary.FinishedAt.UTC()),
	)
	ub.Where(ub.Equal("run_id", summary.RunID))

	query, args := ub.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("run_id", summary.RunID).Error("failed to record run result")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record run result")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "run %s does not exist", summary.RunID)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id": summary.RunID,
		"status": summary.Status,
	}).Debugf("Updated %s", runsTable)
	return nil
}

// Get returns one run by id.
func (r *Repository) Get(ctx context.Context, runID string) (*models.Run, error) {
	ctx, span := tracing.StartSpan(ctx, "runs.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(runColumns...).From(runsTable)
	sb.Where(sb.Equal("run_id", runID))

	query, args := sb.Build()
	var row runRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "run %s does not exist", runID)
		}
		r.logger.WithContext(ctx).WithError(err).WithField("run_id", runID).Error("failed to get run")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get run")
	}

	run := row.toRun()
	return &run, nil
}

// List returns the most recent runs, optionally for one kind.
func (r *Repository) List(ctx context.Context, kind string, limit int) ([]models.Run, error) {
	ctx, span := tracing.StartSpan(ctx, "runs.Repository.List")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(runColumns...).From(runsTable)
	if kind != "" {
		sb.Where(sb.Equal("kind", kind))
	}
	sb.OrderBy("started_at").Desc()
	sb.Limit(ClampLimit(limit))

	query, args := sb.Build()
	var rows []runRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("kind", kind).Error("failed to list runs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("failed to list runs for %q", kind))
	}

	out := make([]models.Run, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRun())
	}
	return out, nil
}

// ClampLimit applies the default and maximum page size of List.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}
