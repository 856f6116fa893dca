package templates

import (
	"errors"
	"strings"
	"time"

	"github.com/foxzi/broadcast/internal/campaign"
)

// ErrNotFound is returned for unknown template ids
var ErrNotFound = errors.New("template not found")

// ErrNameTaken is returned when another template already uses the name
var ErrNameTaken = errors.New("template name already exists")

// EmailTemplate is a stored email template. Subject and HTML may contain
// {{n}} markers.
type EmailTemplate struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Subject     string    `json:"subject"`
	HTML        string    `json:"html"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Campaign converts the record into an engine template
func (t *EmailTemplate) Campaign() campaign.Template {
	return campaign.Template{
		ID:          t.ID,
		Name:        t.Name,
		Channel:     campaign.ChannelEmail,
		Subject:     t.Subject,
		Body:        t.HTML,
		Description: t.Description,
	}
}

// Placeholders lists the marker indices used by the template
func (t *EmailTemplate) Placeholders() []int {
	tmpl := t.Campaign()
	return campaign.DerivePlaceholders(&tmpl)
}

func (t *EmailTemplate) validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return &campaign.ValidationError{Field: "name", Message: "template name is required"}
	}
	if strings.TrimSpace(t.Subject) == "" {
		return &campaign.ValidationError{Field: "subject", Message: "subject is required"}
	}
	if strings.TrimSpace(t.HTML) == "" {
		return &campaign.ValidationError{Field: "html", Message: "html body is required"}
	}
	return nil
}

// ListFilter contains filters for listing templates
type ListFilter struct {
	Limit  int
	Offset int
	Search string
}

// Stats contains template statistics
type Stats struct {
	Total int64 `json:"total"`
}
