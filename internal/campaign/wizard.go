package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/foxzi/broadcast/internal/metrics"
)

// Step is a state of the composition wizard
type Step int

const (
	StepRecipients Step = iota + 1
	StepTemplate
	StepPreview
	StepConfirm
)

func (s Step) String() string {
	switch s {
	case StepRecipients:
		return "recipients"
	case StepTemplate:
		return "template"
	case StepPreview:
		return "preview"
	case StepConfirm:
		return "confirm"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// TemplatesState describes the template list of the session
type TemplatesState string

const (
	TemplatesIdle    TemplatesState = "idle"
	TemplatesLoading TemplatesState = "loading"
	TemplatesReady   TemplatesState = "ready"
	TemplatesEmpty   TemplatesState = "empty"
	TemplatesFailed  TemplatesState = "failed"
)

// TemplateSource lists the templates available on a channel
type TemplateSource interface {
	ListTemplates(ctx context.Context, ch Channel) ([]Template, error)
}

// ControllerConfig holds step controller configuration
type ControllerConfig struct {
	Channel               Channel
	CommunityName         string
	MinTransitionInterval time.Duration
	TemplateFetchTimeout  time.Duration
	// DefaultHeaderMediaURL prefills the media of templates with a media header
	DefaultHeaderMediaURL string
	// RepriceOnChange recomputes pricing on CONFIRM entry after recipients or
	// template changed. Off, pricing is computed once per run.
	RepriceOnChange bool
}

// Controller sequences RECIPIENTS, TEMPLATE, PREVIEW and CONFIRM for one run.
// It is not safe for concurrent use; Composer serializes access.
type Controller struct {
	cfg       ControllerConfig
	templates TemplateSource
	estimator *Estimator
	cooldown  *Cooldown
	logger    *slog.Logger

	step       Step
	recipients *RecipientSet

	templatesState TemplatesState
	catalog        []Template

	template     *Template
	placeholders []int
	bindings     []Binding
	headerMedia  *Media

	pricing        *Pricing
	pricingStale   bool
	pricingLoading bool
}

// NewController creates a controller at RECIPIENTS
func NewController(cfg ControllerConfig, templates TemplateSource, estimator *Estimator, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if estimator == nil {
		estimator = NewEstimator(nil, PricingConfig{}, logger)
	}
	return &Controller{
		cfg:            cfg,
		templates:      templates,
		estimator:      estimator,
		cooldown:       NewCooldown(cfg.MinTransitionInterval),
		logger:         logger.With("component", "wizard", "channel", cfg.Channel),
		step:           StepRecipients,
		templatesState: TemplatesIdle,
	}
}

// Step returns the current step
func (c *Controller) Step() Step {
	return c.step
}

// Channel returns the run channel
func (c *Controller) Channel() Channel {
	return c.cfg.Channel
}

// CommunityName returns the community constant of the run
func (c *Controller) CommunityName() string {
	return c.cfg.CommunityName
}

// Recipients returns the frozen recipient set, nil until set
func (c *Controller) Recipients() *RecipientSet {
	return c.recipients
}

// Template returns the selected template, nil until selected
func (c *Controller) Template() *Template {
	if c.template == nil {
		return nil
	}
	t := *c.template
	return &t
}

// Placeholders returns the placeholders of the selected template
func (c *Controller) Placeholders() []int {
	return append([]int(nil), c.placeholders...)
}

// Bindings returns the current bindings ordered by index
func (c *Controller) Bindings() []Binding {
	return sortedBindings(c.bindings)
}

// HeaderMedia returns the header attachment, nil when not set
func (c *Controller) HeaderMedia() *Media {
	if c.headerMedia == nil {
		return nil
	}
	m := *c.headerMedia
	return &m
}

// Pricing returns the last computed pricing, nil when not computed
func (c *Controller) Pricing() *Pricing {
	if c.pricing == nil {
		return nil
	}
	p := *c.pricing
	return &p
}

// PricingLoading reports whether the CONFIRM pricing call is in flight
func (c *Controller) PricingLoading() bool {
	return c.pricingLoading
}

// SetRecipients freezes the selection as the recipient set of the run
func (c *Controller) SetRecipients(selection []Recipient) error {
	if c.step != StepRecipients {
		return &StepError{Op: "set recipients", Step: c.step}
	}
	set, err := BuildRecipientSet(selection)
	if err != nil {
		return err
	}
	c.recipients = set
	c.pricingStale = true
	c.logger.Debug("recipients set", "count", set.Len(), "addressable", set.CountAddressable(c.cfg.Channel))
	return nil
}

// Templates returns the cached template list and its state
func (c *Controller) Templates() ([]Template, TemplatesState) {
	return append([]Template(nil), c.catalog...), c.templatesState
}

// LoadTemplates fetches the template list, bounded by the fetch timeout. A
// failed fetch leaves an empty list in the failed state; it never blocks the wizard.
func (c *Controller) LoadTemplates(ctx context.Context) ([]Template, TemplatesState) {
	c.beginTemplateLoad()
	list, err := c.fetchTemplates(ctx)
	c.finishTemplateLoad(list, err)
	return c.Templates()
}

func (c *Controller) beginTemplateLoad() {
	c.templatesState = TemplatesLoading
}

func (c *Controller) fetchTemplates(ctx context.Context) (list []Template, err error) {
	if c.templates == nil {
		return nil, fmt.Errorf("no template source configured")
	}
	if c.cfg.TemplateFetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.TemplateFetchTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("template source panic: %v", r)
		}
	}()
	return c.templates.ListTemplates(ctx, c.cfg.Channel)
}

func (c *Controller) finishTemplateLoad(list []Template, err error) {
	if err != nil {
		c.logger.Warn("failed to load templates", "error", err)
		c.catalog = nil
		c.templatesState = TemplatesFailed
		return
	}

	c.catalog = c.catalog[:0]
	for _, t := range list {
		// a source may return templates of other channels
		if t.Channel == c.cfg.Channel {
			c.catalog = append(c.catalog, t)
		}
	}
	if len(c.catalog) == 0 {
		c.templatesState = TemplatesEmpty
		return
	}
	c.templatesState = TemplatesReady
}

// SelectTemplate picks a template from the loaded list, derives its
// placeholders and pre-fills bindings with suggestions for the sample recipient.
func (c *Controller) SelectTemplate(id string) ([]Suggestion, error) {
	if c.step != StepTemplate {
		return nil, &StepError{Op: "select template", Step: c.step}
	}

	var found *Template
	for i := range c.catalog {
		if c.catalog[i].ID == id {
			t := c.catalog[i]
			found = &t
			break
		}
	}
	if found == nil {
		return nil, &ValidationError{Field: "template_id", Message: fmt.Sprintf("template %q is not available", id)}
	}

	c.template = found
	c.placeholders = DerivePlaceholders(found)

	var sample *Recipient
	if r, ok := c.recipients.Sample(); ok {
		sample = &r
	}
	suggestions := AutoFillBindings(c.placeholders, sample, c.cfg.CommunityName)
	c.bindings = make([]Binding, len(suggestions))
	for i, s := range suggestions {
		c.bindings[i] = s.Binding
	}

	c.headerMedia = nil
	if format := found.HeaderMediaFormat(); format != "" && c.cfg.DefaultHeaderMediaURL != "" {
		c.headerMedia = &Media{Format: format, Link: c.cfg.DefaultHeaderMediaURL}
	}

	c.pricingStale = true
	c.logger.Debug("template selected", "template", found.Name, "placeholders", len(c.placeholders))
	return suggestions, nil
}

// SetBindings replaces the bindings of the given placeholders. Placeholders
// not mentioned keep their current binding.
func (c *Controller) SetBindings(bindings []Binding) error {
	if c.step != StepTemplate {
		return &StepError{Op: "set bindings", Step: c.step}
	}
	if c.template == nil {
		return &ValidationError{Field: "template_id", Message: "select a template first"}
	}

	declared := make(map[int]struct{}, len(c.placeholders))
	for _, idx := range c.placeholders {
		declared[idx] = struct{}{}
	}

	seen := make(map[int]struct{}, len(bindings))
	for _, b := range bindings {
		if _, ok := declared[b.Index]; !ok {
			return &ValidationError{
				Field:   fmt.Sprintf("bindings[%d]", b.Index),
				Message: fmt.Sprintf("template %q has no placeholder {{%d}}", c.template.Name, b.Index),
			}
		}
		if _, dup := seen[b.Index]; dup {
			return &ValidationError{
				Field:   fmt.Sprintf("bindings[%d]", b.Index),
				Message: "placeholder bound more than once",
			}
		}
		if b.Source == nil {
			return &ValidationError{Field: fmt.Sprintf("bindings[%d]", b.Index), Message: "variable source is required"}
		}
		seen[b.Index] = struct{}{}
	}

	merged := make([]Binding, 0, len(c.placeholders))
	for _, cur := range c.bindings {
		if _, replaced := seen[cur.Index]; !replaced {
			merged = append(merged, cur)
		}
	}
	merged = append(merged, bindings...)
	c.bindings = sortedBindings(merged)
	return nil
}

// SetHeaderMedia sets the header attachment of a template with a media header
func (c *Controller) SetHeaderMedia(link string) error {
	if c.step != StepTemplate {
		return &StepError{Op: "set header media", Step: c.step}
	}
	if c.template == nil {
		return &ValidationError{Field: "template_id", Message: "select a template first"}
	}
	format := c.template.HeaderMediaFormat()
	if format == "" {
		return &ValidationError{Field: "header_media", Message: fmt.Sprintf("template %q has no media header", c.template.Name)}
	}

	link = strings.TrimSpace(link)
	u, err := url.Parse(link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{Field: "header_media", Message: "media link must be an http(s) URL"}
	}
	c.headerMedia = &Media{Format: format, Link: link}
	return nil
}

// Next validates the current step and advances one step. Entering CONFIRM
// computes pricing. Requests inside the cooldown window return ErrTransitionIgnored.
func (c *Controller) Next(ctx context.Context) (Step, error) {
	req, err := c.beginNext()
	if err != nil || req == nil {
		return c.step, err
	}
	return c.finishNext(c.estimate(ctx, req)), nil
}

// pricingRequest is the pricing call that gates PREVIEW -> CONFIRM
type pricingRequest struct {
	recipientCount int
	templateName   string
}

// beginNext validates the current step and advances, unless entering CONFIRM
// needs a pricing call. Then it marks pricing as loading and returns the
// request; finishNext completes the transition.
func (c *Controller) beginNext() (*pricingRequest, error) {
	if c.pricingLoading || !c.cooldown.Ready() {
		return nil, ErrTransitionIgnored
	}

	switch c.step {
	case StepRecipients:
		if c.recipients.Len() == 0 {
			return nil, &ValidationError{Field: "recipients", Message: "select at least one recipient"}
		}
	case StepTemplate:
		if err := c.validateTemplateStep(); err != nil {
			return nil, err
		}
	case StepPreview:
		if c.pricing == nil || (c.cfg.RepriceOnChange && c.pricingStale) {
			c.cooldown.Mark()
			c.pricingLoading = true
			return &pricingRequest{recipientCount: c.recipients.Len(), templateName: c.template.Name}, nil
		}
	default:
		return nil, &StepError{Op: "next", Step: c.step}
	}

	c.cooldown.Mark()
	c.advance()
	return nil, nil
}

func (c *Controller) estimate(ctx context.Context, req *pricingRequest) Pricing {
	return c.estimator.Estimate(ctx, req.recipientCount, req.templateName)
}

func (c *Controller) finishNext(p Pricing) Step {
	c.pricing = &p
	c.pricingStale = false
	c.pricingLoading = false
	c.advance()
	return c.step
}

func (c *Controller) advance() {
	from := c.step
	c.step++
	metrics.IncStepTransition(from.String(), c.step.String())
	c.logger.Debug("step advanced", "from", from, "to", c.step)
}

// Back moves one step backward without side effects
func (c *Controller) Back() (Step, error) {
	if c.pricingLoading || !c.cooldown.Ready() {
		return c.step, ErrTransitionIgnored
	}
	if c.step <= StepRecipients {
		return c.step, &StepError{Op: "back", Step: c.step}
	}

	c.cooldown.Mark()
	from := c.step
	c.step--
	metrics.IncStepTransition(from.String(), c.step.String())
	return c.step, nil
}

func (c *Controller) validateTemplateStep() error {
	if c.template == nil {
		return &ValidationError{Field: "template_id", Message: "select a template"}
	}
	if missing := MissingBindings(c.placeholders, c.bindings); len(missing) > 0 {
		return &ValidationError{
			Field:   fmt.Sprintf("bindings[%d]", missing[0]),
			Message: fmt.Sprintf("placeholder {{%d}} needs a value", missing[0]),
		}
	}
	if format := c.template.HeaderMediaFormat(); format != "" && c.headerMedia == nil {
		return &ValidationError{
			Field:   "header_media",
			Message: fmt.Sprintf("template %q requires a %s header", c.template.Name, format),
		}
	}
	return nil
}

// Preview renders the selected template for the sample recipient
func (c *Controller) Preview() (Preview, error) {
	if c.step < StepTemplate {
		return Preview{}, &StepError{Op: "preview", Step: c.step}
	}
	if c.template == nil {
		return Preview{}, &ValidationError{Field: "template_id", Message: "select a template"}
	}
	sample, ok := c.recipients.Sample()
	if !ok {
		return Preview{}, &ValidationError{Field: "recipients", Message: "select at least one recipient"}
	}
	return RenderTemplatePreview(c.template, c.bindings, sample, c.cfg.CommunityName), nil
}

// Job freezes the run into a dispatch job. Only valid at CONFIRM.
func (c *Controller) Job(runID string) (Job, error) {
	if c.step != StepConfirm {
		return Job{}, &StepError{Op: "send", Step: c.step}
	}
	return Job{
		RunID:         runID,
		Channel:       c.cfg.Channel,
		Template:      c.Template(),
		Bindings:      c.Bindings(),
		Recipients:    c.recipients,
		CommunityName: c.cfg.CommunityName,
		HeaderMedia:   c.HeaderMedia(),
	}, nil
}
