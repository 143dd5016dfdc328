// Package memstore is an in-memory DocumentStore used by tests and in-memory CLI runs.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
)

// Operation names passed to a FailFunc.
const (
	OpGet          = "get"
	OpUpsert       = "upsert"
	OpQuery        = "query"
	OpAppendChange = "append_change"
)

// FailFunc lets tests inject store errors. Returning nil lets the call through.
type FailFunc func(op, container, id string) error

// Store keeps documents and change records per container.
type Store struct {
	mu        sync.RWMutex
	documents map[string]map[string]models.Document
	changes   map[string]map[string]models.ChangeRecord
	now       func() time.Time
	fail      FailFunc
}

type Option func(*Store)

// WithFailFunc injects errors into store calls.
func WithFailFunc(f FailFunc) Option {
	return func(s *Store) { s.fail = f }
}

// WithClock sets the clock used for last-modified stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		documents: map[string]map[string]models.Document{},
		changes:   map[string]map[string]models.ChangeRecord{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.DocumentStore = (*Store)(nil)

func (s *Store) check(op, container, id string) error {
	if s.fail == nil {
		return nil
	}
	return s.fail(op, container, id)
}

func (s *Store) Get(_ context.Context, container, id, partitionKey string) (*models.Document, error) {
	if err := s.check(OpGet, container, id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[container][id]
	if !ok || (partitionKey != "" && doc.PartitionKey != partitionKey) {
		return nil, fmt.Errorf("document %s/%s: %w", container, id, store.ErrNotFound)
	}
	return &doc, nil
}

func (s *Store) Upsert(_ context.Context, container string, doc models.Document) error {
	if err := s.check(OpUpsert, container, doc.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	docs, ok := s.documents[container]
	if !ok {
		docs = map[string]models.Document{}
		s.documents[container] = docs
	}
	doc.Properties = doc.Properties.Clone()
	doc.LastModified = s.now().UTC()
	docs[doc.ID] = doc
	return nil
}

// UpsertBatch writes every document or none of them.
func (s *Store) UpsertBatch(ctx context.Context, container string, docs []models.Document) error {
	for _, doc := range docs {
		if err := s.check(OpUpsert, container, doc.ID); err != nil {
			return err
		}
	}
	for _, doc := range docs {
		if err := s.Upsert(ctx, container, doc); err != nil {
			return err
		}
	}
	return nil
}

// QueryPage pages through a container in id order. The continuation token is the last
// id of the previous page. Unknown containers are not found.
func (s *Store) QueryPage(_ context.Context, q store.Query) (*store.Page, error) {
	if err := s.check(OpQuery, q.Container, q.Continuation); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	docs, ok := s.documents[q.Container]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", q.Container, store.ErrNotFound)
	}

	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = store.DefaultPageSize
	}

	ids := make([]string, 0, len(docs))
	for id, doc := range docs {
		if id <= q.Continuation && q.Continuation != "" {
			continue
		}
		if q.DiscriminatorKey != "" && len(q.DiscriminatorValues) > 0 && !slices.Contains(q.DiscriminatorValues, doc.Kind) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	page := &store.Page{}
	for _, id := range ids {
		if len(page.Documents) == pageSize {
			page.Continuation = page.Documents[len(page.Documents)-1].ID
			break
		}
		doc := docs[id]
		doc.Properties = doc.Properties.Clone()
		page.Documents = append(page.Documents, doc)
	}
	return page, nil
}

// AppendChange stores a change record. A record id already present is kept as is.
func (s *Store) AppendChange(_ context.Context, container string, change models.ChangeRecord) error {
	if err := s.check(OpAppendChange, container, change.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, ok := s.changes[container]
	if !ok {
		records = map[string]models.ChangeRecord{}
		s.changes[container] = records
	}
	if _, exists := records[change.ID]; !exists {
		records[change.ID] = change
	}
	return nil
}

// Documents returns all documents of a container ordered by id.
func (s *Store) Documents(container string) []models.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Document, 0, len(s.documents[container]))
	for _, doc := range s.documents[container] {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Changes returns all change records of a container ordered by entity id.
func (s *Store) Changes(container string) []models.ChangeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ChangeRecord, 0, len(s.changes[container]))
	for _, rec := range s.changes[container] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID == out[j].EntityID {
			return out[i].EventTime.Before(out[j].EventTime)
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}
