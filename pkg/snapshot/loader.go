package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	initialLineBuffer = 64 * 1024
	// MaxLineBytes is the longest snapshot line accepted.
	MaxLineBytes = 16 * 1024 * 1024
)

// LoadOptions control how snapshot lines become records.
type LoadOptions struct {
	// IDField names the id property. Defaults to "id".
	IDField string
	// DiscriminatorKey names the property carrying the kind.
	DiscriminatorKey string
	// DiscriminatorValue, when set, keeps only records of that kind.
	DiscriminatorValue string
}

// Snapshot is one run's observed set of entities.
type Snapshot struct {
	Records     map[string]models.SourceRecord
	Lines       int
	ParseErrors int
	Filtered    int
	Duplicates  int
}

// Kinds returns the distinct discriminator values present in the snapshot.
func (s *Snapshot) Kinds() []string {
	seen := map[string]bool{}
	var kinds []string
	for _, rec := range s.Records {
		if rec.Kind == "" || seen[rec.Kind] {
			continue
		}
		seen[rec.Kind] = true
		kinds = append(kinds, rec.Kind)
	}
	return kinds
}

// Load parses newline-delimited JSON objects. Malformed lines, lines without an id and,
// when a discriminator key is set, lines without a discriminator value are logged,
// counted and skipped. Duplicate ids resolve last write wins. Only a failing reader
// returns an error.
func Load(ctx context.Context, r io.Reader, opts LoadOptions, logger ectologger.Logger) (*Snapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "snapshot.Load")
	defer span.End()

	idField := opts.IDField
	if idField == "" {
		idField = models.FieldID
	}
	log := logger.WithContext(ctx)

	snap := &Snapshot{Records: make(map[string]models.SourceRecord)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialLineBuffer), MaxLineBytes)

	for scanner.Scan() {
		snap.Lines++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		record, err := parseLine(line, idField, opts.DiscriminatorKey)
		if err != nil {
			snap.ParseErrors++
			log.WithError(err).WithField("line", snap.Lines).Warn("skipping snapshot line")
			continue
		}

		if opts.DiscriminatorValue != "" && record.Kind != opts.DiscriminatorValue {
			snap.Filtered++
			continue
		}

		if _, dup := snap.Records[record.ID]; dup {
			snap.Duplicates++
		}
		snap.Records[record.ID] = record

		if snap.Lines%10000 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read snapshot at line %d: %w", snap.Lines+1, err)
	}

	log.WithFields(map[string]any{
		"lines":        snap.Lines,
		"records":      len(snap.Records),
		"parse_errors": snap.ParseErrors,
		"filtered":     snap.Filtered,
		"duplicates":   snap.Duplicates,
	}).Info("snapshot loaded")
	return snap, nil
}

func parseLine(line []byte, idField, discriminatorKey string) (models.SourceRecord, error) {
	var props models.Properties
	if err := json.Unmarshal(line, &props); err != nil {
		return models.SourceRecord{}, fmt.Errorf("invalid JSON object: %w", err)
	}

	id, ok := props.Get(idField).Text()
	if !ok || id == "" {
		return models.SourceRecord{}, fmt.Errorf("missing %q", idField)
	}

	record := models.SourceRecord{ID: id, Properties: props}
	if discriminatorKey != "" {
		record.Kind, _ = props.Get(discriminatorKey).Text()
		if record.Kind == "" {
			return models.SourceRecord{}, fmt.Errorf("missing discriminator %q", discriminatorKey)
		}
	}
	return record, nil
}
