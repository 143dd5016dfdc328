package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/processor"
)

func noopLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestProducer_PublishChanges(t *testing.T) {
	writer := &fakeWriter{}
	producer := newProducer(writer, "fern.changes", noopLogger())

	changes := []models.ChangeRecord{
		{ID: "c1", EntityID: "u1", Kind: "user", ChangeType: models.ChangeTypeNew, RunID: "run-1", EventTime: time.Unix(0, 0).UTC()},
		{ID: "c2", EntityID: "u2", Kind: "user", ChangeType: models.ChangeTypeDeleted, RunID: "run-1", EventTime: time.Unix(0, 0).UTC()},
	}
	require.NoError(t, producer.PublishChanges(context.Background(), changes))

	require.Len(t, writer.messages, 2)
	first := writer.messages[0]
	assert.Equal(t, "u1", string(first.Key))
	assert.Equal(t, "user", header(first, HeaderKind))
	assert.Equal(t, "new", header(first, HeaderChangeType))
	assert.Equal(t, "run-1", header(first, HeaderRunID))

	var decoded models.ChangeRecord
	require.NoError(t, json.Unmarshal(first.Value, &decoded))
	assert.Equal(t, "c1", decoded.ID)
	assert.Equal(t, "deleted", header(writer.messages[1], HeaderChangeType))
}

func TestProducer_PublishChanges_Errors(t *testing.T) {
	writer := &fakeWriter{err: errors.New("leader not available")}
	producer := newProducer(writer, "fern.changes", noopLogger())

	assert.NoError(t, producer.PublishChanges(context.Background(), nil))
	assert.ErrorContains(t, producer.PublishChanges(context.Background(), []models.ChangeRecord{{ID: "c1", EntityID: "u1"}}), "leader not available")
}

func TestParseSnapshotReady(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    processor.Request
		wantErr bool
	}{
		{
			name:  "full",
			value: `{"kind":"users","snapshot":"users/2024-06-01.jsonl.gz","discriminator_value":"user","run_id":"r1"}`,
			want:  processor.Request{Kind: "users", Snapshot: "users/2024-06-01.jsonl.gz", DiscriminatorValue: "user", RunID: "r1"},
		},
		{name: "missing snapshot", value: `{"kind":"users"}`, wantErr: true},
		{name: "not json", value: `users`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseSnapshotReady([]byte(tt.value))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.Request())
		})
	}
}

type fakeReader struct {
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

type fakeReconciler struct {
	errs     []error
	calls    []processor.Request
	triggers []string
}

func (f *fakeReconciler) Reconcile(ctx context.Context, req processor.Request) (*models.ReconciliationResult, error) {
	f.calls = append(f.calls, req)
	f.triggers = append(f.triggers, appctx.GetTrigger(ctx))
	if len(f.errs) == 0 {
		return &models.ReconciliationResult{}, nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return nil, err
}

func TestConsumer_ProcessMessage(t *testing.T) {
	trigger := `{"kind":"users","snapshot":"users.jsonl"}`
	locked := httperror.NewHTTPError(http.StatusConflict, "a reconciliation of users is already running")
	unavailable := httperror.NewHTTPError(http.StatusServiceUnavailable, "store unavailable")
	unknownKind := httperror.NewHTTPError(http.StatusNotFound, "entity type printers is not configured")

	tests := []struct {
		name       string
		value      string
		errs       []error
		wantCalls  int
		wantCommit bool
	}{
		{name: "success", value: trigger, wantCalls: 1, wantCommit: true},
		{name: "malformed message is dropped", value: `{`, wantCalls: 0, wantCommit: true},
		{name: "transient failure is retried", value: trigger, errs: []error{unavailable}, wantCalls: 2, wantCommit: true},
		{name: "locked kind is retried", value: trigger, errs: []error{locked}, wantCalls: 2, wantCommit: true},
		{name: "terminal failure is dropped", value: trigger, errs: []error{unknownKind}, wantCalls: 1, wantCommit: true},
		{
			name:      "retries exhausted leaves message uncommitted",
			value:     trigger,
			errs:      []error{unavailable, unavailable, unavailable},
			wantCalls: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := &fakeReader{}
			reconciler := &fakeReconciler{errs: tt.errs}
			consumer := newConsumer(reader, "fern.snapshots", reconciler, noopLogger())
			consumer.newBackOff = func() backoff.BackOff {
				return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
			}

			consumer.processMessage(context.Background(), kafka.Message{Topic: "fern.snapshots", Value: []byte(tt.value)})

			assert.Len(t, reconciler.calls, tt.wantCalls)
			for _, got := range reconciler.triggers {
				assert.Equal(t, appctx.TriggerKafka, got)
			}
			if tt.wantCommit {
				assert.Len(t, reader.committed, 1)
			} else {
				assert.Empty(t, reader.committed)
			}
		})
	}
}

func TestConsumer_StartStop(t *testing.T) {
	reader := &fakeReader{}
	consumer := newConsumer(reader, "fern.snapshots", &fakeReconciler{}, noopLogger())

	require.NoError(t, consumer.Start(context.Background()))
	assert.NoError(t, consumer.Stop())
}

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, ParseBrokers(" kafka-1:9092, kafka-2:9092 ,"))
	assert.Empty(t, ParseBrokers(""))
}

type fetchResult struct {
	msg kafka.Message
	err error
}

// scriptedReader replays results, then cancels the loop.
type scriptedReader struct {
	fakeReader
	results []fetchResult
	cancel  context.CancelFunc
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.results) == 0 {
		r.cancel()
		return kafka.Message{}, ctx.Err()
	}
	next := r.results[0]
	r.results = r.results[1:]
	return next.msg, next.err
}

type countingBackOff struct {
	next   int
	resets int
	wait   time.Duration
}

func (b *countingBackOff) NextBackOff() time.Duration {
	b.next++
	return b.wait
}

func (b *countingBackOff) Reset() { b.resets++ }

func TestConsumeLoop_BacksOffOnFetchErrors(t *testing.T) {
	brokerDown := errors.New("dial tcp: connection refused")
	trigger := kafka.Message{Topic: "fern.snapshots", Value: []byte(`{"kind":"users","snapshot":"users.jsonl"}`)}

	tests := []struct {
		name      string
		results   []fetchResult
		wantWaits int
		wantReset int
		wantCalls int
	}{
		{name: "no errors", results: []fetchResult{{msg: trigger}}, wantReset: 1, wantCalls: 1},
		{name: "errors then message", results: []fetchResult{{err: brokerDown}, {err: brokerDown}, {msg: trigger}, {err: brokerDown}}, wantWaits: 3, wantReset: 1, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			reader := &scriptedReader{results: tt.results, cancel: cancel}
			reconciler := &fakeReconciler{}
			consumer := newConsumer(reader, "fern.snapshots", reconciler, noopLogger())
			fetchBackOff := &countingBackOff{}
			consumer.fetchBackOff = fetchBackOff

			consumer.wg.Add(1)
			consumer.consumeLoop(ctx)

			assert.Equal(t, tt.wantWaits, fetchBackOff.next)
			assert.Equal(t, tt.wantReset, fetchBackOff.resets)
			assert.Len(t, reconciler.calls, tt.wantCalls)
		})
	}
}

func TestConsumeLoop_StopsDuringFetchBackOff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reader := &scriptedReader{results: []fetchResult{{err: errors.New("broker unavailable")}}, cancel: cancel}
	consumer := newConsumer(reader, "fern.snapshots", &fakeReconciler{}, noopLogger())
	consumer.fetchBackOff = &countingBackOff{wait: time.Hour}

	done := make(chan struct{})
	consumer.wg.Add(1)
	go func() {
		consumer.consumeLoop(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consume loop kept waiting after cancellation")
	}
}
