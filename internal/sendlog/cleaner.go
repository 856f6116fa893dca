package sendlog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Cleaner periodically drops reports past their retention
type Cleaner struct {
	log      *Log
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup
	done     chan struct{}
}

// NewCleaner creates a cleaner; a zero maxAge keeps reports forever
func NewCleaner(l *Log, maxAge, interval time.Duration, logger *slog.Logger) *Cleaner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Cleaner{
		log:      l,
		maxAge:   maxAge,
		interval: interval,
		logger:   logger.With("component", "sendlog.cleaner"),
		done:     make(chan struct{}),
	}
}

// Start runs the cleanup loop
func (c *Cleaner) Start(ctx context.Context) {
	if c.maxAge <= 0 {
		return
	}
	c.wg.Add(1)
	go c.loop(ctx)
	c.logger.Info("report cleaner started", "max_age", c.maxAge, "interval", c.interval)
}

// Stop stops the cleaner and waits for the loop to exit
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.run(ctx)
		}
	}
}

func (c *Cleaner) run(ctx context.Context) {
	deleted, err := c.log.Cleanup(ctx, c.maxAge)
	if err != nil {
		c.logger.Error("failed to cleanup reports", "error", err)
		return
	}
	if deleted > 0 {
		c.logger.Info("cleaned up reports", "deleted", deleted)
	}
}
