// Package sendlog keeps an audit log of completed dispatches
package sendlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/broadcast/internal/campaign"
)

var (
	bucketReports = []byte("reports")
	bucketByTime  = []byte("reports_by_time")
)

// ErrNotFound is returned for unknown run ids
var ErrNotFound = errors.New("report not found")

// Entry is one logged dispatch
type Entry struct {
	ID            string                    `json:"id"`
	ComposerID    string                    `json:"composer_id,omitempty"`
	Channel       campaign.Channel          `json:"channel"`
	TemplateID    string                    `json:"template_id"`
	TemplateName  string                    `json:"template_name"`
	CommunityName string                    `json:"community_name,omitempty"`
	Recipients    int                       `json:"recipients"`
	Successful    int                       `json:"successful"`
	Failed        int                       `json:"failed"`
	Results       []campaign.DeliveryResult `json:"results"`
	CreatedAt     time.Time                 `json:"created_at"`
}

// Summary drops per-recipient results
func (e *Entry) Summary() *Entry {
	s := *e
	s.Results = nil
	return &s
}

// ListFilter contains filters for listing reports
type ListFilter struct {
	Channel campaign.Channel
	Limit   int
	Offset  int
}

// Stats contains report log statistics
type Stats struct {
	Reports    int `json:"reports"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// Log stores dispatch reports in bbolt, newest first on listing
type Log struct {
	db  *bolt.DB
	now func() time.Time
}

// New creates the report log
func New(db *bolt.DB) (*Log, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketReports, bucketByTime} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Log{db: db, now: time.Now}, nil
}

// Append records a finished dispatch
func (l *Log) Append(ctx context.Context, composerID, communityName string, report *campaign.Report) (*Entry, error) {
	if report == nil || report.RunID == "" {
		return nil, fmt.Errorf("report with a run id is required")
	}

	entry := &Entry{
		ID:            report.RunID,
		ComposerID:    composerID,
		Channel:       report.Channel,
		TemplateID:    report.TemplateID,
		TemplateName:  report.TemplateName,
		CommunityName: communityName,
		Recipients:    len(report.Results),
		Successful:    report.Successful(),
		Failed:        report.Failed(),
		Results:       report.Results,
		CreatedAt:     l.now(),
	}

	err := l.db.Update(func(tx *bolt.Tx) error {
		reports := tx.Bucket(bucketReports)
		if reports.Get([]byte(entry.ID)) != nil {
			return fmt.Errorf("report %s already logged", entry.ID)
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		if err := reports.Put([]byte(entry.ID), data); err != nil {
			return fmt.Errorf("failed to store report: %w", err)
		}
		return tx.Bucket(bucketByTime).Put(makeIndexKey(entry.CreatedAt, entry.ID), []byte(entry.ID))
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Get returns a full entry by run id
func (l *Log) Get(ctx context.Context, id string) (*Entry, error) {
	var entry *Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketReports).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		entry = &Entry{}
		return json.Unmarshal(data, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// List returns report summaries, newest first
func (l *Log) List(ctx context.Context, filter ListFilter) ([]*Entry, error) {
	var list []*Entry

	err := l.db.View(func(tx *bolt.Tx) error {
		reports := tx.Bucket(bucketReports)
		c := tx.Bucket(bucketByTime).Cursor()
		skipped := 0

		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			data := reports.Get(id)
			if data == nil {
				continue
			}
			var entry Entry
			if err := json.Unmarshal(data, &entry); err != nil {
				continue
			}
			if filter.Channel != "" && entry.Channel != filter.Channel {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			list = append(list, entry.Summary())
			if filter.Limit > 0 && len(list) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return list, err
}

// Stats aggregates counters over every logged report
func (l *Log) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReports).ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			stats.Reports++
			stats.Successful += entry.Successful
			stats.Failed += entry.Failed
			return nil
		})
	})
	return stats, err
}

// Cleanup removes reports older than maxAge
func (l *Log) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := l.now().Add(-maxAge)
	deleted := 0

	err := l.db.Update(func(tx *bolt.Tx) error {
		reports := tx.Bucket(bucketReports)
		index := tx.Bucket(bucketByTime)
		c := index.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if !parseTimestampFromKey(k).Before(cutoff) {
				break
			}
			toDelete = append(toDelete, append([]byte{}, k...))
		}

		for _, k := range toDelete {
			id := index.Get(k)
			if err := reports.Delete(id); err != nil {
				return err
			}
			if err := index.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

const indexTimeLayout = "20060102T150405.000000000"

// makeIndexKey creates a sortable key from timestamp and id
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexTimeLayout) + ":" + id)
}

func parseTimestampFromKey(key []byte) time.Time {
	ts, _, ok := strings.Cut(string(key), ":")
	if !ok {
		return time.Time{}
	}
	t, _ := time.Parse(indexTimeLayout, ts)
	return t
}
