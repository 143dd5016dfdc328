// Package processor runs one reconciliation of an entity kind: load the snapshot and the
// persisted state, classify, project, and persist documents and change records.
package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/changelog"
	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/entityconfig"
	"github.com/Ramsey-B/fern/pkg/existing"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/persistence"
	"github.com/Ramsey-B/fern/pkg/projection"
	"github.com/Ramsey-B/fern/pkg/reconcile"
	"github.com/Ramsey-B/fern/pkg/retry"
	"github.com/Ramsey-B/fern/pkg/snapshot"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	documentsTarget = "documents"
	changeLogTarget = "change_log"
)

// Request asks for one reconciliation.
type Request struct {
	Kind     string `json:"kind" validate:"required"`
	Snapshot string `json:"snapshot" validate:"required"`
	// DiscriminatorValue overrides the kind's configured value for this call.
	DiscriminatorValue string `json:"discriminator_value,omitempty"`
	DryRun             bool   `json:"dry_run,omitempty"`
	// RunID is generated when empty.
	RunID string `json:"run_id,omitempty"`
}

// RunRecorder keeps the run ledger.
type RunRecorder interface {
	Start(ctx context.Context, summary models.RunSummary) error
	Finish(ctx context.Context, summary models.RunSummary, stats models.Stats) error
}

// EventPublisher forwards persisted change records to downstream consumers.
type EventPublisher interface {
	PublishChanges(ctx context.Context, changes []models.ChangeRecord) error
}

// Lock is held for the duration of a run.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker serializes runs of the same kind.
type Locker interface {
	Lock(ctx context.Context, kind string) (Lock, error)
}

// Config tunes a Processor.
type Config struct {
	Concurrency int
	// BatchSize groups document upserts; below 2 each document is written on its own.
	BatchSize int
	PageSize  int
}

type Option func(*Processor)

func WithRecorder(r RunRecorder) Option {
	return func(p *Processor) { p.recorder = r }
}

func WithPublisher(pub EventPublisher) Option {
	return func(p *Processor) { p.publisher = pub }
}

func WithLocker(l Locker) Option {
	return func(p *Processor) { p.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// Processor reconciles entity kinds against a document store.
type Processor struct {
	registry  *entityconfig.Registry
	source    snapshot.Source
	documents store.DocumentStore
	policy    *retry.Policy
	logger    ectologger.Logger
	config    Config

	recorder  RunRecorder
	publisher EventPublisher
	locker    Locker
	now       func() time.Time
}

func NewProcessor(
	registry *entityconfig.Registry,
	source snapshot.Source,
	documents store.DocumentStore,
	policy *retry.Policy,
	logger ectologger.Logger,
	config Config,
	opts ...Option,
) *Processor {
	if config.Concurrency <= 0 {
		config.Concurrency = persistence.DefaultConcurrency
	}
	if config.PageSize <= 0 {
		config.PageSize = store.DefaultPageSize
	}
	p := &Processor{
		registry:  registry,
		source:    source,
		documents: documents,
		policy:    policy,
		logger:    logger,
		config:    config,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Kinds returns the configured entity kinds.
func (p *Processor) Kinds() []*models.EntityTypeConfig {
	return p.registry.All()
}

// Reconcile runs one reconciliation. Per-item write failures do not fail the call; they
// are reported in the result with status partial. Snapshot and existing-state read
// failures fail the call.
func (p *Processor) Reconcile(ctx context.Context, req Request) (*models.ReconciliationResult, error) {
	ctx, span := tracing.StartSpan(ctx, "processor.Processor.Reconcile")
	defer span.End()

	cfg, err := p.registry.Get(req.Kind)
	if err != nil {
		return nil, err
	}
	if req.Snapshot == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "snapshot is required")
	}
	if err := validateDiscriminatorValue(cfg, req.DiscriminatorValue); err != nil {
		return nil, err
	}

	run := &runState{
		cfg: cfg,
		req: req,
		result: &models.ReconciliationResult{
			Summary: models.RunSummary{
				RunID:              req.RunID,
				Kind:               cfg.Name,
				Snapshot:           req.Snapshot,
				DiscriminatorValue: req.DiscriminatorValue,
				DryRun:             req.DryRun,
				Status:             models.RunStatusRunning,
				StartedAt:          p.now().UTC(),
			},
		},
	}
	if run.result.Summary.RunID == "" {
		run.result.Summary.RunID = uuid.NewString()
	}
	if run.result.Summary.DiscriminatorValue == "" {
		run.result.Summary.DiscriminatorValue = cfg.Discriminator.Value
	}

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id":   run.result.Summary.RunID,
		"kind":     cfg.Name,
		"snapshot": req.Snapshot,
		"dry_run":  req.DryRun,
		"trigger":  appctx.GetTrigger(ctx),
	})

	if p.locker != nil && !req.DryRun {
		lock, err := p.locker.Lock(ctx, cfg.Name)
		if err != nil {
			log.WithError(err).Warn("reconciliation of this kind is already running")
			return nil, err
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				log.WithError(err).Warn("failed to release kind lock")
			}
		}()
	}

	p.startRun(ctx, run, log)
	log.Info("reconciliation started")

	runErr := p.execute(ctx, run, log)
	p.finishRun(ctx, run, runErr, log)
	if runErr != nil {
		return nil, runErr
	}
	return run.result, nil
}

// validateDiscriminatorValue rejects a requested value the kind cannot be scoped by. A
// value for a kind without a key would filter every record out of the snapshot.
func validateDiscriminatorValue(cfg *models.EntityTypeConfig, value string) error {
	switch {
	case value == "":
		return nil
	case cfg.Discriminator.Key == "":
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "entity kind %s has no discriminator key; discriminator_value %q is not allowed", cfg.Name, value)
	case cfg.Discriminator.Value != "" && value != cfg.Discriminator.Value:
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "entity kind %s is pinned to %s=%s; discriminator_value %q does not match",
			cfg.Name, cfg.Discriminator.Key, cfg.Discriminator.Value, value)
	}
	return nil
}

type runState struct {
	cfg    *models.EntityTypeConfig
	req    Request
	result *models.ReconciliationResult
}

func (p *Processor) execute(ctx context.Context, run *runState, log ectologger.Logger) error {
	cfg := run.cfg
	summary := &run.result.Summary
	stats := &run.result.Stats

	snap, err := p.loadSnapshot(ctx, run)
	if err != nil {
		return err
	}
	stats.Total = len(snap.Records)
	stats.ParseErrors = snap.ParseErrors
	metrics.RecordParseErrors(cfg.Name, snap.ParseErrors)

	values, scoped := discriminatorScope(cfg, summary.DiscriminatorValue, snap)
	detectDeletes := cfg.DeleteDetection

	var existingRecords map[string]models.ExistingRecord
	switch {
	case len(snap.Records) == 0 && cfg.EmptySnapshotGuard:
		// an empty snapshot is treated as a collection failure, not as "everything was deleted"
		stats.DeleteDetectionSkipped = cfg.DeleteDetection
		detectDeletes = false
		log.Warn("snapshot is empty; skipping existing state and delete detection")
	case !scoped:
		stats.DeleteDetectionSkipped = cfg.DeleteDetection
		detectDeletes = false
		log.Warn("no discriminator value could be determined; skipping existing state and delete detection")
	default:
		loader := existing.NewLoader(p.documents, p.config.PageSize, p.logger)
		existingRecords, err = loader.Load(ctx, store.Query{
			Container:           cfg.Destinations.Documents,
			DiscriminatorKey:    cfg.Discriminator.Key,
			DiscriminatorValues: values,
		})
		if err != nil {
			return fmt.Errorf("failed to load existing %s state: %w", cfg.Name, err)
		}
	}

	classification := reconcile.NewEngine(cfg).Diff(snap.Records, existingRecords, reconcile.Options{DetectDeletes: detectDeletes})
	stats.New, stats.Modified, stats.Deleted, stats.Unchanged = classification.Counts()
	metrics.RecordClassification(cfg.Name, stats.New, stats.Modified, stats.Deleted, stats.Unchanged)

	now := p.now().UTC()
	docs := projection.Project(classification, cfg, now)
	var changes []models.ChangeRecord
	if cfg.ChangeLog.Enabled {
		changes = changelog.Compact(classification, cfg, summary.RunID, now)
	}

	log.WithFields(map[string]any{
		"total":       stats.Total,
		"new":         stats.New,
		"modified":    stats.Modified,
		"deleted":     stats.Deleted,
		"unchanged":   stats.Unchanged,
		"resurrected": len(classification.Resurrected),
		"documents":   len(docs),
		"changes":     len(changes),
	}).Info("classification complete")

	if run.req.DryRun {
		run.result.Documents = docs
		run.result.Changes = changes
		return nil
	}

	docResult := p.documentWriter(cfg).WriteChunkedBatch(ctx, docs, p.config.BatchSize, p.config.Concurrency)
	p.collect(run, documentsTarget, docResult)
	stats.WriteCount = len(docResult.Succeeded)
	run.result.Documents = succeeded(docs, docResult, func(d models.Document) string { return d.ID })

	// change records only describe documents that were actually written
	failedDocs := docResult.FailedIDs()
	pending := make([]models.ChangeRecord, 0, len(changes))
	for _, change := range changes {
		if !failedDocs[change.EntityID] {
			pending = append(pending, change)
		}
	}

	changeResult := p.changeWriter(cfg).WriteParallelBatch(ctx, pending, p.config.Concurrency)
	p.collect(run, changeLogTarget, changeResult)
	stats.ChangeLogWrites = len(changeResult.Succeeded)
	run.result.Changes = succeeded(pending, changeResult, func(c models.ChangeRecord) string { return c.EntityID })

	p.publish(ctx, run.result.Changes, log)
	return nil
}

func (p *Processor) loadSnapshot(ctx context.Context, run *runState) (*snapshot.Snapshot, error) {
	rc, err := p.source.Open(ctx, run.req.Snapshot)
	if err != nil {
		if errors.Is(err, snapshot.ErrNotFound) {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "snapshot %s does not exist", run.req.Snapshot)
		}
		return nil, fmt.Errorf("failed to open snapshot %s: %w", run.req.Snapshot, err)
	}
	defer rc.Close()

	snap, err := snapshot.Load(ctx, rc, snapshot.LoadOptions{
		IDField:            run.cfg.EntityIDField(),
		DiscriminatorKey:   run.cfg.Discriminator.Key,
		DiscriminatorValue: run.result.Summary.DiscriminatorValue,
	}, p.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", run.req.Snapshot, err)
	}
	return snap, nil
}

// discriminatorScope returns the discriminator values existing state is filtered by.
// scoped is false when the kind has a discriminator key but no value can be determined.
func discriminatorScope(cfg *models.EntityTypeConfig, value string, snap *snapshot.Snapshot) ([]string, bool) {
	if cfg.Discriminator.Key == "" {
		return nil, true
	}
	if value != "" {
		return []string{value}, true
	}
	kinds := snap.Kinds()
	sort.Strings(kinds)
	return kinds, len(kinds) > 0
}

func (p *Processor) documentWriter(cfg *models.EntityTypeConfig) *persistence.Writer[models.Document] {
	container := cfg.Destinations.Documents
	return persistence.NewWriter(documentsTarget, func(ctx context.Context, doc models.Document) error {
		return p.documents.Upsert(ctx, container, doc)
	}, func(doc models.Document) string { return doc.ID }, p.policy, p.logger).
		WithBatch(func(ctx context.Context, docs []models.Document) error {
			return p.documents.UpsertBatch(ctx, container, docs)
		})
}

func (p *Processor) changeWriter(cfg *models.EntityTypeConfig) *persistence.Writer[models.ChangeRecord] {
	container := cfg.Destinations.ChangeLog
	return persistence.NewWriter(changeLogTarget, func(ctx context.Context, change models.ChangeRecord) error {
		return p.documents.AppendChange(ctx, container, change)
	}, func(change models.ChangeRecord) string { return change.EntityID }, p.policy, p.logger)
}

func (p *Processor) collect(run *runState, target string, result *persistence.BatchResult) {
	stats := &run.result.Stats
	stats.WriteFailures += result.Failed()
	stats.Throttled += result.Throttled
	stats.Retried += result.Retried
	for _, failure := range result.Failures {
		run.result.Summary.Failures = append(run.result.Summary.Failures, models.WriteFailure{
			ID:     failure.ID,
			Target: target,
			Error:  failure.Err.Error(),
		})
	}
}

func (p *Processor) publish(ctx context.Context, changes []models.ChangeRecord, log ectologger.Logger) {
	if p.publisher == nil || len(changes) == 0 {
		return
	}
	if err := p.publisher.PublishChanges(ctx, changes); err != nil {
		log.WithError(err).Warnf("failed to publish %d change events", len(changes))
	}
}

func (p *Processor) startRun(ctx context.Context, run *runState, log ectologger.Logger) {
	if p.recorder == nil || run.req.DryRun {
		return
	}
	if err := p.recorder.Start(ctx, run.result.Summary); err != nil {
		log.WithError(err).Warn("failed to record run start")
	}
}

func (p *Processor) finishRun(ctx context.Context, run *runState, runErr error, log ectologger.Logger) {
	summary := &run.result.Summary
	summary.FinishedAt = p.now().UTC()
	switch {
	case runErr != nil:
		summary.Status = models.RunStatusFailed
	case run.result.Stats.WriteFailures > 0:
		summary.Status = models.RunStatusPartial
	default:
		summary.Status = models.RunStatusSucceeded
	}

	sortFailures(summary.Failures)
	metrics.RecordRun(summary.Kind, string(summary.Status), summary.FinishedAt.Sub(summary.StartedAt).Seconds())

	fields := map[string]any{
		"status":         summary.Status,
		"write_count":    run.result.Stats.WriteCount,
		"write_failures": run.result.Stats.WriteFailures,
		"duration":       summary.FinishedAt.Sub(summary.StartedAt).String(),
	}
	if runErr != nil {
		log.WithError(runErr).WithFields(fields).Error("reconciliation failed")
	} else {
		log.WithFields(fields).Info("reconciliation finished")
	}

	if p.recorder == nil || run.req.DryRun {
		return
	}
	if err := p.recorder.Finish(context.WithoutCancel(ctx), *summary, run.result.Stats); err != nil {
		log.WithError(err).Warn("failed to record run result")
	}
}

func succeeded[T any](items []T, result *persistence.BatchResult, id func(T) string) []T {
	if result.Failed() == 0 {
		return items
	}
	failed := result.FailedIDs()
	out := make([]T, 0, len(items)-len(failed))
	for _, item := range items {
		if !failed[id(item)] {
			out = append(out, item)
		}
	}
	return out
}

func sortFailures(failures []models.WriteFailure) {
	sort.Slice(failures, func(i, j int) bool {
		if failures[i].Target != failures[j].Target {
			return failures[i].Target < failures[j].Target
		}
		return failures[i].ID < failures[j].ID
	})
}
