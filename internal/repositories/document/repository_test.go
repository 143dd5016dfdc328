package document

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/retry"
	"github.com/Ramsey-B/fern/pkg/store"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		class  retry.Class
	}{
		{name: "no rows", err: sql.ErrNoRows, status: http.StatusNotFound, class: retry.Terminal},
		{name: "too many connections", err: &pq.Error{Code: "53300", Message: "too many clients"}, status: http.StatusTooManyRequests, class: retry.Throttled},
		{name: "serialization failure", err: &pq.Error{Code: "40001"}, status: http.StatusServiceUnavailable, class: retry.Transient},
		{name: "deadlock", err: &pq.Error{Code: "40P01"}, status: http.StatusServiceUnavailable, class: retry.Transient},
		{name: "connection exception", err: &pq.Error{Code: "08006"}, status: http.StatusServiceUnavailable, class: retry.Transient},
		{name: "unique violation", err: &pq.Error{Code: "23505"}, status: http.StatusConflict, class: retry.Terminal},
		{name: "invalid json", err: &pq.Error{Code: "22P02"}, status: http.StatusBadRequest, class: retry.Terminal},
		{name: "undefined table", err: &pq.Error{Code: "42P01"}, status: http.StatusInternalServerError, class: retry.Transient},
		{name: "broken connection", err: errors.New("driver: bad connection"), status: http.StatusServiceUnavailable, class: retry.Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := mapError(tt.err, "upsert document")
			require.True(t, httperror.IsHTTPError(mapped))
			assert.Equal(t, tt.status, httperror.GetStatusCode(mapped))

			class, _ := retry.Classify(mapped)
			assert.Equal(t, tt.class, class)
		})
	}
}

func TestMapError_ThrottleCarriesHint(t *testing.T) {
	mapped := mapError(&pq.Error{Code: "53300"}, "query documents")
	class, hint := retry.Classify(mapped)

	assert.Equal(t, retry.Throttled, class)
	assert.Equal(t, time.Second, hint)
}

func TestMapError_PassesThroughContextErrors(t *testing.T) {
	assert.Nil(t, mapError(nil, "get document"))
	assert.ErrorIs(t, mapError(context.Canceled, "get document"), context.Canceled)
	assert.True(t, store.IsNotFound(mapError(sql.ErrNoRows, "get document")))
}

func TestDocumentRow_ToDocument(t *testing.T) {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	modified := time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)
	row := documentRow{
		ID:               "g1",
		PartitionKey:     "tenant-a",
		DiscriminatorKey: "type",
		Discriminator:    "group",
		Data:             []byte(`{"id":"g1","type":"group","name":"Admins","effectiveFrom":"2024-03-01T00:00:00Z","effectiveTo":null,"deleted":false}`),
		LastModified:     modified,
	}

	doc, err := row.toDocument()
	require.NoError(t, err)

	assert.Equal(t, "g1", doc.ID)
	assert.Equal(t, "group", doc.Kind)
	assert.Equal(t, "tenant-a", doc.PartitionKey)
	assert.Equal(t, modified, doc.LastModified)
	require.NotNil(t, doc.EffectiveFrom)
	assert.True(t, from.Equal(*doc.EffectiveFrom))
	assert.Nil(t, doc.EffectiveTo)
	assert.Equal(t, models.Properties{"name": models.String("Admins")}, doc.Properties)
}

func TestDocumentRow_InvalidData(t *testing.T) {
	_, err := documentRow{ID: "x", Data: []byte("{")}.toDocument()
	assert.Error(t, err)
}

func TestRepository_BuildUpsert(t *testing.T) {
	now := time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)
	repo := &Repository{now: func() time.Time { return now }}
	ttl := 60

	tests := []struct {
		name string
		docs []models.Document
	}{
		{name: "single", docs: []models.Document{{ID: "u1", Kind: "user", DiscriminatorKey: "type"}}},
		{name: "many with ttl", docs: []models.Document{{ID: "u1"}, {ID: "u2", TTL: &ttl}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args, err := repo.buildUpsert("principals", tt.docs)
			require.NoError(t, err)

			assert.Contains(t, query, "ON CONFLICT (container, id) DO UPDATE SET")
			assert.Contains(t, query, "WHERE documents.fingerprint IS DISTINCT FROM EXCLUDED.fingerprint")
			require.Len(t, args, len(documentColumns)*len(tt.docs))

			for i, doc := range tt.docs {
				row := args[i*len(documentColumns) : (i+1)*len(documentColumns)]
				assert.Equal(t, doc.ID, row[1])
				assert.Equal(t, fingerprint.Document(doc), row[6])
				assert.Equal(t, now, row[11])
			}
		})
	}
}

func TestRepository_BuildUpsert_FingerprintIgnoresWriteTime(t *testing.T) {
	doc := models.Document{ID: "u1", Properties: models.Properties{"name": models.String("Ada")}}

	first := &Repository{now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
	second := &Repository{now: func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }}

	_, a, err := first.buildUpsert("principals", []models.Document{doc})
	require.NoError(t, err)
	_, b, err := second.buildUpsert("principals", []models.Document{doc})
	require.NoError(t, err)

	assert.Equal(t, a[6], b[6])
	assert.NotEqual(t, a[11], b[11])
}
