package templates

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/foxzi/broadcast/internal/campaign"
)

// RemoteLister lists templates approved on the WhatsApp service
type RemoteLister interface {
	ListTemplates(ctx context.Context) ([]campaign.Template, error)
}

// Catalog routes template listing by channel: WhatsApp templates come from
// the messaging service, email templates from local storage.
type Catalog struct {
	remote  RemoteLister
	storage *Storage
	logger  *slog.Logger
}

// NewCatalog creates a catalog. Either source may be nil when its channel
// is not configured.
func NewCatalog(remote RemoteLister, storage *Storage, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		remote:  remote,
		storage: storage,
		logger:  logger.With("component", "templates"),
	}
}

// ListTemplates returns the templates usable on channel
func (c *Catalog) ListTemplates(ctx context.Context, ch campaign.Channel) ([]campaign.Template, error) {
	switch ch {
	case campaign.ChannelWhatsApp:
		if c.remote == nil {
			return nil, fmt.Errorf("whatsapp channel is not configured")
		}
		list, err := c.remote.ListTemplates(ctx)
		if err != nil {
			return nil, fmt.Errorf("list whatsapp templates: %w", err)
		}
		c.logger.Debug("whatsapp templates listed", "count", len(list))
		return list, nil

	case campaign.ChannelEmail:
		if c.storage == nil {
			return nil, fmt.Errorf("email template storage is not configured")
		}
		stored, err := c.storage.List(ctx, ListFilter{})
		if err != nil {
			return nil, fmt.Errorf("list email templates: %w", err)
		}
		list := make([]campaign.Template, 0, len(stored))
		for _, t := range stored {
			list = append(list, t.Campaign())
		}
		c.logger.Debug("email templates listed", "count", len(list))
		return list, nil

	default:
		return nil, fmt.Errorf("unsupported channel %q", ch)
	}
}
