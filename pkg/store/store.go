// Package store defines the document store contract shared by the Postgres repository
// and the in-memory implementation.
package store

import (
	"context"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Ramsey-B/fern/pkg/models"
)

// ErrNotFound is returned when a document or container does not exist.
var ErrNotFound = errors.New("not found")

// DefaultPageSize is used when a query does not set one.
const DefaultPageSize = 1000

// Query selects documents of one container, optionally restricted to discriminator values.
type Query struct {
	Container string
	// DiscriminatorKey names the field carrying the kind. Empty means the container holds
	// a single kind and DiscriminatorValues is ignored.
	DiscriminatorKey    string
	DiscriminatorValues []string
	Continuation        string
	PageSize            int
}

// Page is one page of a query. An empty Continuation means the query is exhausted.
type Page struct {
	Documents    []models.Document
	Continuation string
}

// DocumentStore persists entity documents and change records.
// Status semantics follow httperror codes: 404 not found, 409/400 rejected, 429 throttled
// with a retry hint, 5xx transient.
type DocumentStore interface {
	Get(ctx context.Context, container, id, partitionKey string) (*models.Document, error)
	Upsert(ctx context.Context, container string, doc models.Document) error
	UpsertBatch(ctx context.Context, container string, docs []models.Document) error
	QueryPage(ctx context.Context, q Query) (*Page, error)
	AppendChange(ctx context.Context, container string, change models.ChangeRecord) error
}

// IsNotFound reports whether err means the requested document or container is absent.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}
	return httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusNotFound
}
