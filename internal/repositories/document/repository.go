// Package document is the Postgres implementation of the document store.
package document

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	documentsTable = "documents"
	changeLogTable = "change_log"

	// upsert statements are chunked to stay below the Postgres bind parameter limit
	batchChunkSize = 500
)

var documentColumns = []string{
	"container", "id", "partition_key", "discriminator_key", "discriminator", "data", "fingerprint",
	"effective_from", "effective_to", "deleted", "expires_at", "last_modified",
}

type documentRow struct {
	Container        string     `db:"container"`
	ID               string     `db:"id"`
	PartitionKey     string     `db:"partition_key"`
	DiscriminatorKey string     `db:"discriminator_key"`
	Discriminator    string     `db:"discriminator"`
	Data             []byte     `db:"data"`
	Fingerprint      string     `db:"fingerprint"`
	EffectiveFrom    *time.Time `db:"effective_from"`
	EffectiveTo      *time.Time `db:"effective_to"`
	Deleted          bool       `db:"deleted"`
	ExpiresAt        *time.Time `db:"expires_at"`
	LastModified     time.Time  `db:"last_modified"`
}

func (r documentRow) toDocument() (models.Document, error) {
	doc, err := models.DecodeDocument(r.Data, r.DiscriminatorKey)
	if err != nil {
		return models.Document{}, err
	}
	doc.ID = r.ID
	doc.PartitionKey = r.PartitionKey
	doc.LastModified = r.LastModified
	return doc, nil
}

// Repository stores documents and change records in Postgres. TTLs become an expires_at
// column; expired rows are invisible to reads and removed by PurgeExpired.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
	now    func() time.Time
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

var _ store.DocumentStore = (*Repository)(nil)

// Get returns one live document. An empty partition key matches any.
func (r *Repository) Get(ctx context.Context, container, id, partitionKey string) (*models.Document, error) {
	ctx, span := tracing.StartSpan(ctx, "document.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(documentColumns...).From(documentsTable)
	sb.Where(
		sb.Equal("container", container),
		sb.Equal("id", id),
		sb.Or(sb.IsNull("expires_at"), sb.GreaterThan("expires_at", r.now().UTC())),
	)
	if partitionKey != "" {
		sb.Where(sb.Equal("partition_key", partitionKey))
	}

	query, args := sb.Build()
	var row documentRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		return nil, r.fail(ctx, err, "get document", map[string]any{"container": container, "id": id})
	}

	doc, err := row.toDocument()
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"container": container,
			"id":        id,
		}).Error("stored document is not valid JSON")
		return nil, err
	}
	return &doc, nil
}

// Upsert writes a full document, replacing any previous version.
func (r *Repository) Upsert(ctx context.Context, container string, doc models.Document) error {
	ctx, span := tracing.StartSpan(ctx, "document.Repository.Upsert")
	defer span.End()

	query, args, err := r.buildUpsert(container, []models.Document{doc})
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return r.fail(ctx, err, "upsert document", map[string]any{"container": container, "id": doc.ID})
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"container": container,
		"id":        doc.ID,
	}).Debugf("Upserted %s", documentsTable)
	return nil
}

// UpsertBatch writes many documents in one transaction. A later duplicate id wins.
func (r *Repository) UpsertBatch(ctx context.Context, container string, docs []models.Document) (err error) {
	ctx, span := tracing.StartSpan(ctx, "document.Repository.UpsertBatch")
	defer span.End()

	if len(docs) == 0 {
		return nil
	}

	latest := make(map[string]int, len(docs))
	for i, doc := range docs {
		latest[doc.ID] = i
	}
	unique := make([]models.Document, 0, len(latest))
	for i, doc := range docs {
		if latest[doc.ID] == i {
			unique = append(unique, doc)
		}
	}

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return r.fail(ctx, err, "begin batch upsert", map[string]any{"container": container})
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for start := 0; start < len(unique); start += batchChunkSize {
		end := min(start+batchChunkSize, len(unique))

		var query string
		var args []any
		if query, args, err = r.buildUpsert(container, unique[start:end]); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return r.fail(ctx, err, "batch upsert documents", map[string]any{"container": container, "count": end - start})
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return r.fail(ctx, err, "commit batch upsert", map[string]any{"container": container})
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"container": container,
		"count":     len(unique),
	}).Debugf("Upserted %d %s", len(unique), documentsTable)
	return nil
}

// buildUpsert inserts docs, overwriting stored rows only when their fingerprint differs.
// Rows carrying a TTL are always rewritten so the expiry moves forward.
func (r *Repository) buildUpsert(container string, docs []models.Document) (string, []any, error) {
	ib := database.NewInsertBuilder()
	ib.InsertInto(documentsTable).Cols(documentColumns...)
	for _, doc := range docs {
		if err := r.addDocument(ib, container, doc); err != nil {
			return "", nil, err
		}
	}
	ib.OnConflictUpdate([]string{"container", "id"}, documentColumns[2:]...)
	ib.SQL(fmt.Sprintf("WHERE %[1]s.fingerprint IS DISTINCT FROM EXCLUDED.fingerprint OR %[1]s.expires_at IS NOT NULL OR EXCLUDED.expires_at IS NOT NULL", documentsTable))

	query, args := ib.Build()
	return query, args, nil
}

func (r *Repository) addDocument(ib *database.InsertBuilder, container string, doc models.Document) error {
	now := r.now().UTC()
	doc.LastModified = now

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
	}

	var expiresAt *time.Time
	if doc.TTL != nil {
		t := now.Add(time.Duration(*doc.TTL) * time.Second)
		expiresAt = &t
	}

	ib.Values(
		container, doc.ID, doc.PartitionKey, doc.DiscriminatorKey, doc.Kind, string(data),
		fingerprint.Document(doc), doc.EffectiveFrom, doc.EffectiveTo, doc.Deleted,
		expiresAt, now,
	)
	return nil
}

// QueryPage pages through live documents in id order using keyset pagination.
// The continuation token is the last id of the previous page.
func (r *Repository) QueryPage(ctx context.Context, q store.Query) (*store.Page, error) {
	ctx, span := tracing.StartSpan(ctx, "document.Repository.QueryPage")
	defer span.End()

	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = store.DefaultPageSize
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(documentColumns...).From(documentsTable)
	sb.Where(
		sb.Equal("container", q.Container),
		sb.Or(sb.IsNull("expires_at"), sb.GreaterThan("expires_at", r.now().UTC())),
	)
	if q.Continuation != "" {
		sb.Where(sb.GreaterThan("id", q.Continuation))
	}
	if q.DiscriminatorKey != "" && len(q.DiscriminatorValues) > 0 {
		sb.Where(sb.In("discriminator", sqlbuilder.Flatten(q.DiscriminatorValues)...))
	}
	sb.OrderBy("id").Asc()
	sb.Limit(pageSize + 1)

	query, args := sb.Build()
	var rows []documentRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, r.fail(ctx, err, "query documents", map[string]any{"container": q.Container})
	}

	page := &store.Page{}
	if len(rows) > pageSize {
		rows = rows[:pageSize]
		page.Continuation = rows[len(rows)-1].ID
	}

	page.Documents = make([]models.Document, 0, len(rows))
	for _, row := range rows {
		doc, err := row.toDocument()
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"container": q.Container,
				"id":        row.ID,
			}).Error("stored document is not valid JSON")
			return nil, err
		}
		page.Documents = append(page.Documents, doc)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"container":    q.Container,
		"count":        len(page.Documents),
		"continuation": page.Continuation,
	}).Debugf("Queried %s", documentsTable)
	return page, nil
}

// AppendChange inserts a change record. An id already present is left untouched.
func (r *Repository) AppendChange(ctx context.Context, container string, change models.ChangeRecord) error {
	ctx, span := tracing.StartSpan(ctx, "document.Repository.AppendChange")
	defer span.End()

	var expiresAt *time.Time
	if change.TTL != nil {
		t := change.EventTime.Add(time.Duration(*change.TTL) * time.Second)
		expiresAt = &t
	}

	var changes *database.JSONB[map[string]models.FieldDelta]
	if len(change.Changes) > 0 {
		changes = &database.JSONB[map[string]models.FieldDelta]{Data: change.Changes}
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(changeLogTable).
		Cols("container", "id", "entity_id", "kind", "change_type", "event_time", "partition_key", "run_id", "changes", "expires_at").
		Values(container, change.ID, change.EntityID, change.Kind, string(change.ChangeType), change.EventTime,
			change.PartitionKey, change.RunID, changes, expiresAt)
	ib.OnConflictDoNothing()

	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return r.fail(ctx, err, "append change record", map[string]any{"container": container, "id": change.ID})
	}
	return nil
}

// PurgeExpired deletes documents and change records whose TTL has elapsed.
func (r *Repository) PurgeExpired(ctx context.Context) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "document.Repository.PurgeExpired")
	defer span.End()

	var total int64
	now := r.now().UTC()
	for _, table := range []string{documentsTable, changeLogTable} {
		del := sqlbuilder.PostgreSQL.NewDeleteBuilder()
		del.DeleteFrom(table)
		del.Where(del.IsNotNull("expires_at"), del.LessEqualThan("expires_at", now))

		query, args := del.Build()
		result, err := r.db.ExecContext(ctx, query, args...)
		if err != nil {
			return total, r.fail(ctx, err, "purge expired rows", map[string]any{"table": table})
		}
		n, _ := result.RowsAffected()
		total += n
	}

	if total > 0 {
		r.logger.WithContext(ctx).Infof("Purged %d expired rows", total)
	}
	return total, nil
}

func (r *Repository) fail(ctx context.Context, err error, action string, fields map[string]any) error {
	mapped := mapError(err, action)
	if !store.IsNotFound(mapped) {
		r.logger.WithContext(ctx).WithError(err).WithFields(fields).Errorf("failed to %s", action)
	}
	return mapped
}
