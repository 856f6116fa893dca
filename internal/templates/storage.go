package templates

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTemplates     = []byte("email_templates")
	bucketTemplateNames = []byte("email_template_names")
)

// Storage keeps email templates in bbolt
type Storage struct {
	db *bolt.DB
}

// NewStorage creates a new template storage
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTemplates); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketTemplateNames); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create template buckets: %w", err)
	}
	return &Storage{db: db}, nil
}

// Create stores a new template and assigns its id
func (s *Storage) Create(ctx context.Context, tmpl *EmailTemplate) error {
	if err := tmpl.validate(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		templates := tx.Bucket(bucketTemplates)
		names := tx.Bucket(bucketTemplateNames)

		if existing := names.Get([]byte(tmpl.Name)); existing != nil {
			return fmt.Errorf("%w: %q", ErrNameTaken, tmpl.Name)
		}

		tmpl.ID = uuid.New().String()
		tmpl.Version = 1
		tmpl.CreatedAt = time.Now()
		tmpl.UpdatedAt = tmpl.CreatedAt

		data, err := json.Marshal(tmpl)
		if err != nil {
			return fmt.Errorf("failed to marshal template: %w", err)
		}

		if err := templates.Put([]byte(tmpl.ID), data); err != nil {
			return err
		}
		return names.Put([]byte(tmpl.Name), []byte(tmpl.ID))
	})
}

// Get retrieves a template by id
func (s *Storage) Get(ctx context.Context, id string) (*EmailTemplate, error) {
	var tmpl *EmailTemplate

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTemplates).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		tmpl = &EmailTemplate{}
		return json.Unmarshal(data, tmpl)
	})
	if err != nil {
		return nil, err
	}
	return tmpl, nil
}

// GetByName retrieves a template by name
func (s *Storage) GetByName(ctx context.Context, name string) (*EmailTemplate, error) {
	var tmpl *EmailTemplate

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketTemplateNames).Get([]byte(name))
		if id == nil {
			return ErrNotFound
		}
		data := tx.Bucket(bucketTemplates).Get(id)
		if data == nil {
			return ErrNotFound
		}
		tmpl = &EmailTemplate{}
		return json.Unmarshal(data, tmpl)
	})
	if err != nil {
		return nil, err
	}
	return tmpl, nil
}

// List returns templates in name order with optional filtering
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*EmailTemplate, error) {
	var list []*EmailTemplate

	err := s.db.View(func(tx *bolt.Tx) error {
		templates := tx.Bucket(bucketTemplates)
		c := tx.Bucket(bucketTemplateNames).Cursor()

		skipped := 0
		search := strings.ToLower(filter.Search)

		for k, id := c.First(); k != nil; k, id = c.Next() {
			data := templates.Get(id)
			if data == nil {
				continue
			}
			var tmpl EmailTemplate
			if err := json.Unmarshal(data, &tmpl); err != nil {
				continue
			}

			if search != "" {
				name := strings.ToLower(tmpl.Name)
				desc := strings.ToLower(tmpl.Description)
				if !strings.Contains(name, search) && !strings.Contains(desc, search) {
					continue
				}
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			list = append(list, &tmpl)
			if filter.Limit > 0 && len(list) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return list, err
}

// Update replaces an existing template and bumps its version
func (s *Storage) Update(ctx context.Context, tmpl *EmailTemplate) error {
	if err := tmpl.validate(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		templates := tx.Bucket(bucketTemplates)
		names := tx.Bucket(bucketTemplateNames)

		existingData := templates.Get([]byte(tmpl.ID))
		if existingData == nil {
			return ErrNotFound
		}

		var existing EmailTemplate
		if err := json.Unmarshal(existingData, &existing); err != nil {
			return err
		}

		if existing.Name != tmpl.Name {
			if existingID := names.Get([]byte(tmpl.Name)); existingID != nil {
				return fmt.Errorf("%w: %q", ErrNameTaken, tmpl.Name)
			}
			if err := names.Delete([]byte(existing.Name)); err != nil {
				return err
			}
			if err := names.Put([]byte(tmpl.Name), []byte(tmpl.ID)); err != nil {
				return err
			}
		}

		tmpl.Version = existing.Version + 1
		tmpl.CreatedAt = existing.CreatedAt
		tmpl.UpdatedAt = time.Now()

		data, err := json.Marshal(tmpl)
		if err != nil {
			return fmt.Errorf("failed to marshal template: %w", err)
		}
		return templates.Put([]byte(tmpl.ID), data)
	})
}

// Delete removes a template by id
func (s *Storage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		templates := tx.Bucket(bucketTemplates)

		data := templates.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}

		var tmpl EmailTemplate
		if err := json.Unmarshal(data, &tmpl); err != nil {
			return err
		}

		if err := tx.Bucket(bucketTemplateNames).Delete([]byte(tmpl.Name)); err != nil {
			return err
		}
		return templates.Delete([]byte(id))
	})
}

// Stats returns template statistics
func (s *Storage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := s.db.View(func(tx *bolt.Tx) error {
		stats.Total = int64(tx.Bucket(bucketTemplates).Stats().KeyN)
		return nil
	})
	return stats, err
}
