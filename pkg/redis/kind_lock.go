package redis

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/processor"
)

// KindLockPrefix namespaces the per-kind reconciliation locks.
const KindLockPrefix = "fern:lock:"

type heldLock interface {
	Release(ctx context.Context) error
	Extend(ctx context.Context, ttl time.Duration) error
}

type acquireFunc func(ctx context.Context, key string, ttl time.Duration) (heldLock, error)

// KindLocker serializes reconciliation runs of the same kind across replicas.
// A held lock is extended in the background until it is released, so runs may
// outlive the TTL while a crashed holder still frees the kind after one TTL.
type KindLocker struct {
	acquire acquireFunc
	ttl     time.Duration
	logger  ectologger.Logger
}

var _ processor.Locker = (*KindLocker)(nil)

func NewKindLocker(client *Client, ttl time.Duration, logger ectologger.Logger) *KindLocker {
	locker := NewLocker(client, KindLockPrefix)
	return newKindLocker(func(ctx context.Context, key string, ttl time.Duration) (heldLock, error) {
		return locker.Acquire(ctx, key, ttl)
	}, ttl, logger)
}

func newKindLocker(acquire acquireFunc, ttl time.Duration, logger ectologger.Logger) *KindLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &KindLocker{acquire: acquire, ttl: ttl, logger: logger}
}

// Lock takes the lock for kind. A kind already locked elsewhere yields a 409.
func (k *KindLocker) Lock(ctx context.Context, kind string) (processor.Lock, error) {
	lock, err := k.acquire(ctx, kind, k.ttl)
	if err != nil {
		if errors.Is(err, ErrLockNotAcquired) {
			return nil, httperror.NewHTTPError(http.StatusConflict, "a reconciliation of "+kind+" is already running").
				AddMetaValue("kind", kind)
		}
		return nil, httperror.NewHTTPErrorf(http.StatusServiceUnavailable, "failed to acquire lock for %s: %v", kind, err)
	}

	refreshCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	held := &kindLock{lock: lock, kind: kind, cancel: cancel}
	held.wg.Add(1)
	go held.keepAlive(refreshCtx, k.ttl, k.logger)
	return held, nil
}

type kindLock struct {
	lock   heldLock
	kind   string
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (l *kindLock) keepAlive(ctx context.Context, ttl time.Duration, logger ectologger.Logger) {
	defer l.wg.Done()

	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.lock.Extend(ctx, ttl); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.WithContext(ctx).WithError(err).WithField("kind", l.kind).Warn("failed to extend kind lock")
				if errors.Is(err, ErrLockNotHeld) {
					return
				}
			}
		}
	}
}

// Release stops the keep-alive and deletes the key if this holder still owns it.
func (l *kindLock) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		l.cancel()
		l.wg.Wait()
		err = l.lock.Release(ctx)
	})
	return err
}
