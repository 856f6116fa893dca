package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"
)

// SessionCounter reports the number of open composer sessions
type SessionCounter interface {
	ActiveComposers() int
}

var (
	bucketMetrics = []byte("metrics")
	keyCounters   = []byte("counters")
)

// counterSample is one persisted counter series
type counterSample struct {
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value"`
}

// Collector persists counters to BoltDB and refreshes system gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	sessions      SessionCounter
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a collector and restores persisted counters into m
func NewCollector(db *bolt.DB, m *Metrics, sessions SessionCounter, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		sessions:      sessions,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateSystemMetrics(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	close(c.stopCh)
	c.wg.Wait()
	return c.persistCounters()
}

func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}

		data := bucket.Get(keyCounters)
		if data == nil {
			return nil
		}

		var saved map[string][]counterSample
		if err := json.Unmarshal(data, &saved); err != nil {
			return nil // Skip invalid data
		}

		vecs := c.metrics.persistentCounters()
		for name, samples := range saved {
			vec, ok := vecs[name]
			if !ok {
				continue
			}
			for _, s := range samples {
				counter, err := vec.GetMetricWith(prometheus.Labels(s.Labels))
				if err != nil || s.Value <= 0 {
					continue
				}
				counter.Add(s.Value)
			}
		}
		return nil
	})
}

// snapshot reads the current value of every persistent counter
func (c *Collector) snapshot() (map[string][]counterSample, error) {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return nil, err
	}

	vecs := c.metrics.persistentCounters()
	out := make(map[string][]counterSample)
	for _, mf := range families {
		if _, ok := vecs[mf.GetName()]; !ok {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if metric.GetCounter() == nil {
				continue
			}
			labels := make(map[string]string, len(metric.GetLabel()))
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			out[mf.GetName()] = append(out[mf.GetName()], counterSample{
				Labels: labels,
				Value:  metric.GetCounter().GetValue(),
			})
		}
	}
	return out, nil
}

func (c *Collector) persistCounters() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.snapshot()
	if err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		return bucket.Put(keyCounters, data)
	})
}

func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

func (c *Collector) updateSystemMetrics(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectSystemMetrics()
		}
	}
}

func (c *Collector) collectSystemMetrics() {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.sessions != nil {
		c.metrics.ActiveComposers.Set(float64(c.sessions.ActiveComposers()))
	}
}
