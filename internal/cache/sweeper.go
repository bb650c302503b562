package cache

import (
	"context"
	"time"
)

// Sweep removes entries that expired more than the stale retention ago.
// Correctness never depends on it; it only reclaims space.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	before := c.now().Add(-c.staleRetention)
	n, err := c.backend.Sweep(ctx, before)
	if err != nil {
		return 0, err
	}
	c.metrics.ObserveSweep(n)
	return n, nil
}

// StartSweeper runs Sweep once now and then every interval until Stop.
// Calling it on a running sweeper is a no-op.
func (c *Cache) StartSweeper(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh != nil || interval <= 0 {
		return
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		c.sweepOnce()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweepOnce()
			case <-stop:
				return
			}
		}
	}(c.stopCh, c.doneCh)
}

// Stop halts the sweeper and waits for an in-flight pass to finish.
func (c *Cache) Stop() {
	c.mu.Lock()
	stop, done := c.stopCh, c.doneCh
	c.stopCh, c.doneCh = nil, nil
	c.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (c *Cache) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := c.Sweep(ctx)
	if err != nil {
		c.log.Warn("cache sweep failed", "error", err)
		return
	}
	if n > 0 {
		c.log.Info("cache sweep", "removed", n)
	}
}
