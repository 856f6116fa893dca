package campaign

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Channel is the delivery medium of a template and a run
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
)

// ParseChannel validates a channel name
func ParseChannel(s string) (Channel, error) {
	switch Channel(strings.ToLower(strings.TrimSpace(s))) {
	case ChannelEmail:
		return ChannelEmail, nil
	case ChannelWhatsApp:
		return ChannelWhatsApp, nil
	default:
		return "", &ValidationError{Field: "channel", Message: fmt.Sprintf("unknown channel %q", s)}
	}
}

// ComponentRole tags a structured template component
type ComponentRole string

const (
	RoleHeader  ComponentRole = "header"
	RoleBody    ComponentRole = "body"
	RoleFooter  ComponentRole = "footer"
	RoleButtons ComponentRole = "buttons"
)

// Header formats that need a media attachment at send time
const (
	FormatText     = "text"
	FormatImage    = "image"
	FormatVideo    = "video"
	FormatDocument = "document"
)

// Component is one role-tagged part of a rich template
type Component struct {
	Role   ComponentRole `json:"role"`
	Format string        `json:"format,omitempty"`
	Text   string        `json:"text,omitempty"`
}

// Template is a reusable message template. Email templates carry Subject and an
// HTML Body; WhatsApp templates carry Body or Components.
type Template struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Channel     Channel     `json:"channel"`
	Language    string      `json:"language,omitempty"`
	Category    string      `json:"category,omitempty"`
	Subject     string      `json:"subject,omitempty"`
	Body        string      `json:"body,omitempty"`
	Components  []Component `json:"components,omitempty"`
	Description string      `json:"description,omitempty"`
}

// BodyText returns the text parsed for placeholders: the body-role components when
// the template is structured, otherwise Body.
func (t *Template) BodyText() string {
	if len(t.Components) == 0 {
		return t.Body
	}
	var parts []string
	for _, c := range t.Components {
		if c.Role == RoleBody {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// HeaderMediaFormat returns the media format required by the header component,
// or "" when the template has no media header.
func (t *Template) HeaderMediaFormat() string {
	for _, c := range t.Components {
		if c.Role != RoleHeader {
			continue
		}
		switch strings.ToLower(c.Format) {
		case FormatImage, FormatVideo, FormatDocument:
			return strings.ToLower(c.Format)
		}
	}
	return ""
}

// Media is a header attachment for rich templates
type Media struct {
	Format string `json:"format"`
	Link   string `json:"link"`
}

// Recipient is one member targeted by a run
type Recipient struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Email       string   `json:"email,omitempty"`
	Phone       string   `json:"phone,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Address returns the recipient address used by the channel
func (r Recipient) Address(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return strings.TrimSpace(r.Email)
	case ChannelWhatsApp:
		return strings.TrimSpace(r.Phone)
	}
	return ""
}

// SourceKind names a binding source on the wire
type SourceKind string

const (
	KindFirstName     SourceKind = "firstName"
	KindLastName      SourceKind = "lastName"
	KindCommunityName SourceKind = "communityName"
	KindFreeText      SourceKind = "freeText"
)

// Source is the resolution strategy of one placeholder. The set of
// implementations is closed: FirstName, LastName, CommunityName, FreeText.
type Source interface {
	Kind() SourceKind
	source()
}

// FirstName resolves to the first token of the recipient display name
type FirstName struct{}

// LastName resolves to the remaining tokens of the recipient display name
type LastName struct{}

// CommunityName resolves to the community constant of the run
type CommunityName struct{}

// FreeText resolves to operator text shared by every recipient
type FreeText struct {
	Text string
}

func (FirstName) Kind() SourceKind     { return KindFirstName }
func (LastName) Kind() SourceKind      { return KindLastName }
func (CommunityName) Kind() SourceKind { return KindCommunityName }
func (FreeText) Kind() SourceKind      { return KindFreeText }

func (FirstName) source()     {}
func (LastName) source()      {}
func (CommunityName) source() {}
func (FreeText) source()      {}

// NewSource builds a Source from its wire kind
func NewSource(kind SourceKind, value string) (Source, error) {
	switch kind {
	case KindFirstName:
		return FirstName{}, nil
	case KindLastName:
		return LastName{}, nil
	case KindCommunityName:
		return CommunityName{}, nil
	case KindFreeText:
		return FreeText{Text: value}, nil
	default:
		return nil, &ValidationError{Field: "source", Message: fmt.Sprintf("unknown variable source %q", kind)}
	}
}

// Binding assigns a source to the placeholder with the same index
type Binding struct {
	Index  int
	Source Source
}

type bindingJSON struct {
	Index  int        `json:"index"`
	Source SourceKind `json:"source"`
	Value  string     `json:"value,omitempty"`
}

func (b Binding) MarshalJSON() ([]byte, error) {
	out := bindingJSON{Index: b.Index}
	if b.Source != nil {
		out.Source = b.Source.Kind()
		if ft, ok := b.Source.(FreeText); ok {
			out.Value = ft.Text
		}
	}
	return json.Marshal(out)
}

func (b *Binding) UnmarshalJSON(data []byte) error {
	var in bindingJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	src, err := NewSource(in.Source, in.Value)
	if err != nil {
		return err
	}
	b.Index = in.Index
	b.Source = src
	return nil
}

// Filled reports whether the binding produces a value for every recipient.
// Only free text can be left empty.
func (b Binding) Filled() bool {
	switch s := b.Source.(type) {
	case FreeText:
		return strings.TrimSpace(s.Text) != ""
	case FirstName, LastName, CommunityName:
		return true
	default:
		return false
	}
}

// Pricing sources
const (
	PricingSourceAPI       = "api"
	PricingSourceEstimated = "estimated"
)

// Pricing is a cost estimate for one run
type Pricing struct {
	RecipientCount int     `json:"recipient_count"`
	MessageRate    float64 `json:"message_rate"`
	TotalCost      float64 `json:"total_cost"`
	Currency       string  `json:"currency"`
	Source         string  `json:"source"`
}

// Delivery statuses
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Failure details recorded without a remote call
const (
	DetailMissingAddress = "missing address"
	DetailQuotaExceeded  = "quota exceeded"
)

// DeliveryResult is the outcome of one recipient in a run
type DeliveryResult struct {
	RecipientID   string `json:"recipient_id"`
	RecipientName string `json:"recipient_name"`
	Address       string `json:"address,omitempty"`
	Status        string `json:"status"`
	ErrorDetail   string `json:"error_detail,omitempty"`
}

// Report is the aggregate of a dispatch. Counters are derived from Results.
type Report struct {
	RunID        string           `json:"run_id"`
	Channel      Channel          `json:"channel"`
	TemplateID   string           `json:"template_id"`
	TemplateName string           `json:"template_name"`
	Results      []DeliveryResult `json:"results"`
}

// Successful counts sent results
func (r *Report) Successful() int {
	n := 0
	for _, res := range r.Results {
		if res.Status == StatusSent {
			n++
		}
	}
	return n
}

// Failed counts failed results
func (r *Report) Failed() int {
	return len(r.Results) - r.Successful()
}

// FailedResults returns only the failed entries
func (r *Report) FailedResults() []DeliveryResult {
	var out []DeliveryResult
	for _, res := range r.Results {
		if res.Status != StatusSent {
			out = append(out, res)
		}
	}
	return out
}

func (r Report) MarshalJSON() ([]byte, error) {
	type plain Report
	return json.Marshal(struct {
		plain
		Successful int `json:"successful"`
		Failed     int `json:"failed"`
	}{plain(r), r.Successful(), r.Failed()})
}
