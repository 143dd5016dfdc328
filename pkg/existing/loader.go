package existing

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync/atomic"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ErrConsumed is yielded when a page sequence is ranged over a second time.
var ErrConsumed = errors.New("page sequence already consumed")

// Page is one page of persisted records.
type Page struct {
	Number  int
	Records []models.ExistingRecord
}

// Loader streams the persisted state of a kind from the document store.
type Loader struct {
	store    store.DocumentStore
	logger   ectologger.Logger
	pageSize int
}

func NewLoader(documents store.DocumentStore, pageSize int, logger ectologger.Logger) *Loader {
	if pageSize <= 0 {
		pageSize = store.DefaultPageSize
	}
	return &Loader{store: documents, pageSize: pageSize, logger: logger}
}

// Pages returns a lazy, finite sequence of pages driven by the store's continuation
// token. The sequence can be ranged over once. A not-found response ends the sequence
// without error; any other read error is yielded and ends it.
func (l *Loader) Pages(ctx context.Context, q store.Query) iter.Seq2[Page, error] {
	var used atomic.Bool
	if q.PageSize <= 0 {
		q.PageSize = l.pageSize
	}

	return func(yield func(Page, error) bool) {
		if !used.CompareAndSwap(false, true) {
			yield(Page{}, ErrConsumed)
			return
		}

		log := l.logger.WithContext(ctx).WithFields(map[string]any{
			"container":            q.Container,
			"discriminator_values": q.DiscriminatorValues,
		})

		for number := 1; ; number++ {
			if err := ctx.Err(); err != nil {
				yield(Page{}, err)
				return
			}

			result, err := l.store.QueryPage(ctx, q)
			if err != nil {
				if store.IsNotFound(err) {
					log.Debug("no persisted state, treating as first run")
					return
				}
				yield(Page{}, fmt.Errorf("failed to read page %d of %s: %w", number, q.Container, err))
				return
			}

			page := Page{Number: number, Records: make([]models.ExistingRecord, 0, len(result.Documents))}
			for _, doc := range result.Documents {
				if !matches(doc, q) {
					continue
				}
				page.Records = append(page.Records, doc.ToExisting())
			}

			if !yield(page, nil) {
				return
			}
			if result.Continuation == "" {
				return
			}
			q.Continuation = result.Continuation
		}
	}
}

// Load collects every page into a map keyed by entity id.
func (l *Loader) Load(ctx context.Context, q store.Query) (map[string]models.ExistingRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "existing.Loader.Load")
	defer span.End()

	out := make(map[string]models.ExistingRecord)
	pages := 0
	for page, err := range l.Pages(ctx, q) {
		if err != nil {
			return nil, err
		}
		pages++
		for _, rec := range page.Records {
			out[rec.ID] = rec
		}
	}

	l.logger.WithContext(ctx).WithFields(map[string]any{
		"container": q.Container,
		"pages":     pages,
		"records":   len(out),
	}).Debug("loaded persisted state")
	return out, nil
}

// matches applies the discriminator filter client side, for stores that cannot.
func matches(doc models.Document, q store.Query) bool {
	if q.DiscriminatorKey == "" || len(q.DiscriminatorValues) == 0 {
		return true
	}
	return slices.Contains(q.DiscriminatorValues, doc.Kind)
}
