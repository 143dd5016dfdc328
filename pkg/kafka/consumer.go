package kafka

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/processor"
	"github.com/Ramsey-B/fern/pkg/retry"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Reconciler runs one reconciliation per trigger message.
type Reconciler interface {
	Reconcile(ctx context.Context, req processor.Request) (*models.ReconciliationResult, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig holds snapshot-ready consumer configuration
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	// MaxRetryElapsed bounds how long a retryable failure is retried before the
	// message is left uncommitted and the loop moves on. Zero retries until shutdown.
	MaxRetryElapsed time.Duration
}

// Consumer turns snapshot-ready messages into reconciliation runs. A message is
// committed once its run completed, or when it can never succeed.
type Consumer struct {
	reader     messageReader
	reconciler Reconciler
	logger     ectologger.Logger
	topic      string
	newBackOff func() backoff.BackOff
	// fetchBackOff spaces out FetchMessage calls while the broker keeps failing
	fetchBackOff backoff.BackOff
	wg           sync.WaitGroup
	cancel       context.CancelFunc
}

func NewConsumer(cfg ConsumerConfig, reconciler Reconciler, logger ectologger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	})

	c := newConsumer(reader, cfg.Topic, reconciler, logger)
	c.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = time.Minute
		b.MaxElapsedTime = cfg.MaxRetryElapsed
		return b
	}
	return c
}

func newConsumer(reader messageReader, topic string, reconciler Reconciler, logger ectologger.Logger) *Consumer {
	return &Consumer{
		reader:       reader,
		reconciler:   reconciler,
		logger:       logger,
		topic:        topic,
		newBackOff:   func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		fetchBackOff: newFetchBackOff(),
	}
}

func newFetchBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Start begins consuming in the background.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.consumeLoop(ctx)

	c.logger.WithContext(ctx).WithField("topic", c.topic).Info("Kafka consumer started")
	return nil
}

// Stop cancels the loop, waits for the in-flight message and closes the reader.
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.reader.Close()
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				c.logger.WithContext(ctx).Info("Consumer loop stopping")
				return
			}
			wait := c.fetchBackOff.NextBackOff()
			c.logger.WithContext(ctx).WithError(err).Errorf("Failed to fetch message, retrying in %s", wait)
			if !sleep(ctx, wait) {
				c.logger.WithContext(ctx).Info("Consumer loop stopping")
				return
			}
			continue
		}
		c.fetchBackOff.Reset()

		c.processMessage(ctx, msg)
	}
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	ctx = tracing.ContextFromHeaders(ctx, headers)
	ctx = appctx.SetTrigger(ctx, appctx.TriggerKafka)

	ctx, span := tracing.StartSpan(ctx, "kafka.Consumer.processMessage")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	trigger, err := ParseSnapshotReady(msg.Value)
	if err != nil {
		// a malformed message never becomes valid; commit to avoid blocking the partition
		log.WithError(err).Error("Failed to parse message")
		c.commit(ctx, msg, log)
		return
	}

	log = log.WithFields(map[string]any{"kind": trigger.Kind, "snapshot": trigger.Snapshot})

	err = backoff.RetryNotify(func() error {
		_, err := c.reconciler.Reconcile(ctx, trigger.Request())
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(c.newBackOff(), ctx), func(err error, wait time.Duration) {
		log.WithError(err).Warnf("Reconciliation failed, retrying in %s", wait)
	})

	switch {
	case err == nil:
		log.Info("Snapshot reconciled")
	case ctx.Err() != nil:
		log.WithError(err).Warn("Consumer stopped before reconciliation finished (not committing)")
		return
	case retryable(err):
		log.WithError(err).Error("Reconciliation kept failing (not committing)")
		return
	default:
		log.WithError(err).Error("Reconciliation rejected the trigger; dropping message")
	}

	c.commit(ctx, msg, log)
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message, log ectologger.Logger) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		log.WithError(err).Error("Failed to commit message")
	}
}

// retryable reports whether a failed run may succeed if triggered again. A kind locked
// by another replica is retried so the newer snapshot is not lost.
func retryable(err error) bool {
	if httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusConflict {
		return true
	}
	class, _ := retry.Classify(err)
	return class != retry.Terminal
}
