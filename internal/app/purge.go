package app

import (
	"context"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
)

// ExpiredPurger deletes rows whose TTL has elapsed.
type ExpiredPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// PurgeLoop runs PurgeExpired on a fixed interval until stopped.
type PurgeLoop struct {
	purger   ExpiredPurger
	interval time.Duration
	logger   ectologger.Logger
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewPurgeLoop(purger ExpiredPurger, interval time.Duration, logger ectologger.Logger) *PurgeLoop {
	return &PurgeLoop{purger: purger, interval: interval, logger: logger}
}

// Start purges once immediately and then every interval. A zero interval disables the loop.
func (p *PurgeLoop) Start(ctx context.Context) error {
	if p.interval <= 0 {
		p.logger.WithContext(ctx).Info("expired row purge is disabled")
		return nil
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			p.purge(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

func (p *PurgeLoop) purge(ctx context.Context) {
	if _, err := p.purger.PurgeExpired(ctx); err != nil && ctx.Err() == nil {
		p.logger.WithContext(ctx).WithError(err).Warn("failed to purge expired rows")
	}
}

func (p *PurgeLoop) Stop(context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	return nil
}
