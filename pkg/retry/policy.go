package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/cenkalti/backoff/v4"
)

// ErrThrottleBudgetExceeded is returned when the total throttle wait of one call
// exceeds MaxThrottleWait.
var ErrThrottleBudgetExceeded = errors.New("throttle wait budget exceeded")

// Config holds the retry tunables.
type Config struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	DefaultThrottle time.Duration
	MaxThrottleWait time.Duration
}

// DefaultConfig returns the standard persistence retry settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		DefaultThrottle: time.Second,
		MaxThrottleWait: 2 * time.Minute,
	}
}

// Report describes how a call went.
type Report struct {
	Attempts  int
	Retries   int
	Throttles int
}

// Policy wraps outbound calls with one retry strategy.
type Policy struct {
	config   Config
	classify Classifier
	logger   ectologger.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

type Option func(*Policy)

// WithClassifier replaces the default error classifier.
func WithClassifier(c Classifier) Option {
	return func(p *Policy) { p.classify = c }
}

// WithSleep replaces the wait function. Used by tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Policy) { p.sleep = sleep }
}

func NewPolicy(config Config, logger ectologger.Logger, opts ...Option) *Policy {
	defaults := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.DefaultThrottle <= 0 {
		config.DefaultThrottle = defaults.DefaultThrottle
	}
	if config.MaxThrottleWait <= 0 {
		config.MaxThrottleWait = defaults.MaxThrottleWait
	}

	p := &Policy{
		config:   config,
		classify: Classify,
		logger:   logger,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Do runs op until it succeeds, fails terminally or exhausts its budgets.
// Transient failures back off base*2^n for at most MaxAttempts attempts. Throttled
// failures wait for the server hint (DefaultThrottle when absent) without consuming an
// attempt, bounded by MaxThrottleWait in total.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) (Report, error) {
	var report Report
	var throttled time.Duration
	b := p.newBackOff()

	for {
		report.Attempts++
		err := op(ctx)
		if err == nil {
			return report, nil
		}

		class, hint := p.classify(err)
		switch class {
		case Throttled:
			wait := hint
			if wait <= 0 {
				wait = p.config.DefaultThrottle
			}
			if throttled+wait > p.config.MaxThrottleWait {
				return report, fmt.Errorf("%w after %s: %w", ErrThrottleBudgetExceeded, throttled, err)
			}
			throttled += wait
			report.Throttles++
			metrics.RecordRetry("throttled")
			p.logger.WithContext(ctx).WithError(err).Debugf("call throttled, waiting %s", wait)
			if serr := p.sleep(ctx, wait); serr != nil {
				return report, serr
			}

		case Transient:
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				return report, fmt.Errorf("giving up after %d attempts: %w", report.Attempts, err)
			}
			report.Retries++
			metrics.RecordRetry("transient")
			p.logger.WithContext(ctx).WithError(err).Debugf("transient failure on attempt %d, retrying in %s", report.Attempts, wait)
			if serr := p.sleep(ctx, wait); serr != nil {
				return report, serr
			}

		default:
			return report, err
		}
	}
}

func (p *Policy) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.config.BaseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = p.config.MaxDelay
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithMaxRetries(eb, uint64(p.config.MaxAttempts-1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
