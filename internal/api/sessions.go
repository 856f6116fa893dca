package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/broadcast/internal/campaign"
	"github.com/foxzi/broadcast/internal/metrics"
)

// ErrUnknownComposer is returned for ids not held by the registry
var ErrUnknownComposer = errors.New("unknown composer")

// ComposerFactory builds a closed composer for a channel. An empty
// communityName selects the configured default.
type ComposerFactory func(ch campaign.Channel, communityName string) (*campaign.Composer, error)

// Registry holds the composers of connected operators and expires idle ones
type Registry struct {
	factory ComposerFactory
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu        sync.RWMutex
	composers map[string]*campaign.Composer

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// NewRegistry creates a composer registry
func NewRegistry(factory ComposerFactory, ttl time.Duration, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factory:   factory,
		ttl:       ttl,
		now:       time.Now,
		logger:    logger.With("component", "sessions"),
		composers: make(map[string]*campaign.Composer),
		done:      make(chan struct{}),
	}
}

// Create builds and opens a new composer
func (r *Registry) Create(ch campaign.Channel, communityName string) (*campaign.Composer, error) {
	if r.factory == nil {
		return nil, fmt.Errorf("no composer factory configured")
	}
	c, err := r.factory(ch, communityName)
	if err != nil {
		return nil, err
	}
	c.Open()

	r.mu.Lock()
	r.composers[c.ID()] = c
	n := len(r.composers)
	r.mu.Unlock()

	metrics.SetActiveComposers(n)
	r.logger.Info("composer created", "composer_id", c.ID(), "channel", ch)
	return c, nil
}

// Get returns a composer by id
func (r *Registry) Get(id string) (*campaign.Composer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.composers[id]
	if !ok {
		return nil, ErrUnknownComposer
	}
	return c, nil
}

// Remove closes a composer and forgets it. A dispatching composer stays.
func (r *Registry) Remove(id string) error {
	c, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := c.Close(); err != nil && !errors.Is(err, campaign.ErrClosed) {
		return err
	}

	r.mu.Lock()
	delete(r.composers, id)
	n := len(r.composers)
	r.mu.Unlock()

	metrics.SetActiveComposers(n)
	return nil
}

// ActiveComposers returns the number of held composers
func (r *Registry) ActiveComposers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.composers)
}

// Expire removes composers idle for longer than the TTL and returns how
// many were removed. Dispatching composers are never expired.
func (r *Registry) Expire() int {
	cutoff := r.now().Add(-r.ttl)

	r.mu.RLock()
	var expired []string
	for id, c := range r.composers {
		if c.Dispatching() {
			continue
		}
		if c.IdleSince().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	removed := 0
	for _, id := range expired {
		if err := r.Remove(id); err != nil {
			r.logger.Debug("composer not expired", "composer_id", id, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		r.logger.Info("expired idle composers", "removed", removed)
	}
	return removed
}

// Start runs the expiry loop
func (r *Registry) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case <-ticker.C:
				r.Expire()
			}
		}
	}()
}

// Stop stops the expiry loop
func (r *Registry) Stop() {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
}
