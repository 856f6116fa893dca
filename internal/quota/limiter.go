// Package quota enforces hourly and daily send caps per channel
package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/broadcast/internal/campaign"
	"github.com/foxzi/broadcast/internal/metrics"
)

var bucketQuotas = []byte("send_quotas")

// Windows reported when a send is refused
const (
	WindowHour = "hour"
	WindowDay  = "day"
)

const globalKey = "global"

// LimitConfig contains quota values, zero means unlimited
type LimitConfig struct {
	MessagesPerHour int `json:"messages_per_hour"`
	MessagesPerDay  int `json:"messages_per_day"`
}

func (c LimitConfig) empty() bool {
	return c.MessagesPerHour <= 0 && c.MessagesPerDay <= 0
}

// Config contains quota configuration
type Config struct {
	// Global caps every channel together
	Global   *LimitConfig
	Channels map[campaign.Channel]LimitConfig

	FlushInterval time.Duration
}

// Counter tracks quota usage in the current windows
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Result contains the outcome of a quota check
type Result struct {
	Allowed    bool
	DeniedKey  string
	Window     string
	RetryAfter time.Duration
}

// Stats contains current usage of one key
type Stats struct {
	Key         string    `json:"key"`
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Limiter counts sends in memory and flushes counters to bbolt
type Limiter struct {
	db       *bolt.DB
	config   Config
	counters map[string]*Counter
	now      func() time.Time
	logger   *slog.Logger
	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLimiter creates a quota limiter and restores persisted counters
func NewLimiter(db *bolt.DB, cfg Config, logger *slog.Logger) (*Limiter, error) {
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketQuotas)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create quota bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		counters: make(map[string]*Counter),
		now:      time.Now,
		logger:   logger.With("component", "quota"),
		stopCh:   make(chan struct{}),
	}

	if err := l.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	go l.persistLoop()

	return l, nil
}

// Allow reports whether one more send on ch fits the quota and counts it
func (l *Limiter) Allow(ctx context.Context, ch campaign.Channel) (bool, error) {
	res := l.Take(ch)
	if !res.Allowed {
		metrics.IncQuotaExceeded(string(ch), res.Window)
		l.logger.Debug("send refused by quota",
			"channel", ch,
			"key", res.DeniedKey,
			"window", res.Window,
			"retry_after", res.RetryAfter,
		)
	}
	return res.Allowed, nil
}

// Take checks every applicable limit and increments counters when allowed
func (l *Limiter) Take(ch campaign.Channel) *Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	checks := l.getChecks(ch)

	for _, check := range checks {
		counter := l.getOrCreateCounter(check.key, now)
		resetExpiredCounters(counter, now)

		if res := evaluate(check, counter.HourlyCount, counter.DailyCount, counter, now); res != nil {
			return res
		}
	}

	for _, check := range checks {
		counter := l.counters[check.key]
		counter.HourlyCount++
		counter.DailyCount++
	}

	return &Result{Allowed: true}
}

// Check reports whether a send would be allowed without counting it
func (l *Limiter) Check(ch campaign.Channel) *Result {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	for _, check := range l.getChecks(ch) {
		counter, exists := l.counters[check.key]
		if !exists {
			continue
		}

		hourly, daily := counter.HourlyCount, counter.DailyCount
		if now.Sub(counter.HourStart) >= time.Hour {
			hourly = 0
		}
		if now.Sub(counter.DayStart) >= 24*time.Hour {
			daily = 0
		}

		if res := evaluate(check, hourly, daily, counter, now); res != nil {
			return res
		}
	}

	return &Result{Allowed: true}
}

// Remaining returns how many sends on ch still fit, -1 when unlimited
func (l *Limiter) Remaining(ch campaign.Channel) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	remaining := -1
	for _, check := range l.getChecks(ch) {
		hourly, daily := 0, 0
		if counter, ok := l.counters[check.key]; ok {
			if now.Sub(counter.HourStart) < time.Hour {
				hourly = counter.HourlyCount
			}
			if now.Sub(counter.DayStart) < 24*time.Hour {
				daily = counter.DailyCount
			}
		}
		if check.limit.MessagesPerHour > 0 {
			remaining = minRemaining(remaining, check.limit.MessagesPerHour-hourly)
		}
		if check.limit.MessagesPerDay > 0 {
			remaining = minRemaining(remaining, check.limit.MessagesPerDay-daily)
		}
	}
	return remaining
}

// Stats returns usage of the channel counter
func (l *Limiter) Stats(ch campaign.Channel) *Stats {
	return l.stats(channelKey(ch))
}

// GlobalStats returns usage of the global counter
func (l *Limiter) GlobalStats() *Stats {
	return l.stats(globalKey)
}

func (l *Limiter) stats(key string) *Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counter, exists := l.counters[key]
	if !exists {
		return &Stats{Key: key}
	}

	now := l.now()
	stats := &Stats{
		Key:         key,
		HourlyCount: counter.HourlyCount,
		DailyCount:  counter.DailyCount,
		HourStart:   counter.HourStart,
		DayStart:    counter.DayStart,
	}
	if now.Sub(counter.HourStart) >= time.Hour {
		stats.HourlyCount = 0
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		stats.DailyCount = 0
	}
	return stats
}

// Stop stops the flush loop and persists counters
func (l *Limiter) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	return l.persistCounters()
}

type limitCheck struct {
	key   string
	limit LimitConfig
}

func (l *Limiter) getChecks(ch campaign.Channel) []limitCheck {
	var checks []limitCheck

	if l.config.Global != nil && !l.config.Global.empty() {
		checks = append(checks, limitCheck{key: globalKey, limit: *l.config.Global})
	}
	if lc, ok := l.config.Channels[ch]; ok && !lc.empty() {
		checks = append(checks, limitCheck{key: channelKey(ch), limit: lc})
	}

	return checks
}

func evaluate(check limitCheck, hourly, daily int, counter *Counter, now time.Time) *Result {
	if check.limit.MessagesPerHour > 0 && hourly >= check.limit.MessagesPerHour {
		return &Result{
			DeniedKey:  check.key,
			Window:     WindowHour,
			RetryAfter: counter.HourStart.Add(time.Hour).Sub(now),
		}
	}
	if check.limit.MessagesPerDay > 0 && daily >= check.limit.MessagesPerDay {
		return &Result{
			DeniedKey:  check.key,
			Window:     WindowDay,
			RetryAfter: counter.DayStart.Add(24 * time.Hour).Sub(now),
		}
	}
	return nil
}

func (l *Limiter) getOrCreateCounter(key string, now time.Time) *Counter {
	counter, exists := l.counters[key]
	if !exists {
		counter = &Counter{
			HourStart: now,
			DayStart:  now,
		}
		l.counters[key] = counter
	}
	return counter
}

func resetExpiredCounters(counter *Counter, now time.Time) {
	if now.Sub(counter.HourStart) >= time.Hour {
		counter.HourlyCount = 0
		counter.HourStart = now
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		counter.DailyCount = 0
		counter.DayStart = now
	}
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQuotas).ForEach(func(k, v []byte) error {
			var counter Counter
			if err := json.Unmarshal(v, &counter); err != nil {
				return nil
			}
			l.counters[string(k)] = &counter
			return nil
		})
	})
}

func (l *Limiter) persistCounters() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketQuotas)
		for key, counter := range l.counters {
			data, err := json.Marshal(counter)
			if err != nil {
				continue
			}
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			if err := l.persistCounters(); err != nil {
				l.logger.Error("failed to persist quota counters", "error", err)
			}
		}
	}
}

func channelKey(ch campaign.Channel) string {
	return "channel:" + string(ch)
}

func minRemaining(current, candidate int) int {
	if candidate < 0 {
		candidate = 0
	}
	if current < 0 || candidate < current {
		return candidate
	}
	return current
}
