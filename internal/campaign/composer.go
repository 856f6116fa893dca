package campaign

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultAutoCloseDelay leaves a clean summary on screen before closing
const DefaultAutoCloseDelay = 5 * time.Second

// ComposerConfig holds composer configuration
type ComposerConfig struct {
	Controller     ControllerConfig
	AutoCloseDelay time.Duration
}

// Composer is one operator's composition session. Each Open starts a fresh
// run at RECIPIENTS; nothing of a previous run survives Close.
type Composer struct {
	id         string
	cfg        ComposerConfig
	templates  TemplateSource
	estimator  *Estimator
	dispatcher *Dispatcher
	logger     *slog.Logger

	// OnClose is called after the composer closed
	OnClose func(c *Composer)
	// OnReport is called with every completed dispatch report
	OnReport func(r *Report)

	mu         sync.Mutex
	open       bool
	run        *run
	autoClose  *time.Timer
	lastActive time.Time
}

// run is the in-memory Campaign Run
type run struct {
	id          string
	ctrl        *Controller
	dispatching bool
	dispatched  bool
	partial     []DeliveryResult
	report      *Report
	err         error
}

// NewComposer creates a closed composer
func NewComposer(cfg ComposerConfig, templates TemplateSource, estimator *Estimator, dispatcher *Dispatcher, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	return &Composer{
		id:         id,
		cfg:        cfg,
		templates:  templates,
		estimator:  estimator,
		dispatcher: dispatcher,
		logger:     logger.With("component", "composer", "composer_id", id),
		lastActive: time.Now(),
	}
}

// ID returns the composer id
func (c *Composer) ID() string {
	return c.id
}

// Open starts a new run. Opening an open composer keeps the current run.
func (c *Composer) Open() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.touch()
	if c.open {
		return c.run.id
	}
	c.open = true
	c.run = &run{
		id:   uuid.New().String(),
		ctrl: NewController(c.cfg.Controller, c.templates, c.estimator, c.logger),
	}
	c.logger.Info("composer opened", "run_id", c.run.id, "channel", c.cfg.Controller.Channel)
	return c.run.id
}

// Close discards the current run. A run that is dispatching cannot be closed.
func (c *Composer) Close() error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.run.dispatching {
		c.mu.Unlock()
		return ErrDispatchInProgress
	}
	c.closeLocked()
	onClose := c.OnClose
	c.mu.Unlock()

	if onClose != nil {
		onClose(c)
	}
	return nil
}

func (c *Composer) closeLocked() {
	if c.autoClose != nil {
		c.autoClose.Stop()
		c.autoClose = nil
	}
	c.logger.Info("composer closed", "run_id", c.run.id)
	c.open = false
	c.run = nil
}

// IsOpen reports whether a run is active
func (c *Composer) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// IdleSince returns the time of the last operation on the composer
func (c *Composer) IdleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Dispatching reports whether a dispatch is running
func (c *Composer) Dispatching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && c.run.dispatching
}

func (c *Composer) touch() {
	c.lastActive = time.Now()
}

// mutate runs fn on the controller of an open, idle run
func (c *Composer) mutate(fn func(ctrl *Controller) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return ErrClosed
	}
	c.touch()
	if c.run.dispatching {
		return ErrDispatchInProgress
	}
	if c.run.dispatched {
		return ErrAlreadyDispatched
	}
	return fn(c.run.ctrl)
}

// SetRecipients sets the recipients of the run
func (c *Composer) SetRecipients(selection []Recipient) error {
	return c.mutate(func(ctrl *Controller) error {
		return ctrl.SetRecipients(selection)
	})
}

// LoadTemplates fetches the template list. The composer lock is not held
// during the fetch, so a snapshot taken meanwhile reports the loading state.
func (c *Composer) LoadTemplates(ctx context.Context) ([]Template, TemplatesState, error) {
	var ctrl *Controller
	err := c.mutate(func(cc *Controller) error {
		ctrl = cc
		cc.beginTemplateLoad()
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	list, fetchErr := ctrl.fetchTemplates(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	// the run may have been closed meanwhile
	if !c.open || c.run.ctrl != ctrl {
		return nil, "", ErrClosed
	}
	ctrl.finishTemplateLoad(list, fetchErr)
	templates, state := ctrl.Templates()
	return templates, state, nil
}

// Templates returns the cached template list
func (c *Composer) Templates() ([]Template, TemplatesState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil, "", ErrClosed
	}
	templates, state := c.run.ctrl.Templates()
	return templates, state, nil
}

// SelectTemplate selects a template of the loaded list
func (c *Composer) SelectTemplate(id string) ([]Suggestion, error) {
	var out []Suggestion
	err := c.mutate(func(ctrl *Controller) error {
		var err error
		out, err = ctrl.SelectTemplate(id)
		return err
	})
	return out, err
}

// SetBindings updates placeholder bindings
func (c *Composer) SetBindings(bindings []Binding) error {
	return c.mutate(func(ctrl *Controller) error {
		return ctrl.SetBindings(bindings)
	})
}

// SetHeaderMedia sets the header attachment
func (c *Composer) SetHeaderMedia(link string) error {
	return c.mutate(func(ctrl *Controller) error {
		return ctrl.SetHeaderMedia(link)
	})
}

// Next advances the wizard. The pricing call of PREVIEW -> CONFIRM runs
// without the composer lock; a snapshot taken meanwhile reports PricingLoading.
func (c *Composer) Next(ctx context.Context) (Step, error) {
	var (
		ctrl *Controller
		req  *pricingRequest
		step Step
	)
	err := c.mutate(func(cc *Controller) error {
		var err error
		ctrl = cc
		req, err = cc.beginNext()
		step = cc.Step()
		return err
	})
	if err != nil || req == nil {
		return step, err
	}

	p := ctrl.estimate(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open || c.run.ctrl != ctrl {
		return 0, ErrClosed
	}
	c.touch()
	return ctrl.finishNext(p), nil
}

// Back moves the wizard one step backward
func (c *Composer) Back() (Step, error) {
	var step Step
	err := c.mutate(func(ctrl *Controller) error {
		var err error
		step, err = ctrl.Back()
		return err
	})
	return step, err
}

// Preview renders the template for the sample recipient
func (c *Composer) Preview() (Preview, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return Preview{}, ErrClosed
	}
	c.touch()
	return c.run.ctrl.Preview()
}

// Send dispatches the run and waits for the report
func (c *Composer) Send(ctx context.Context) (*Report, error) {
	job, runID, err := c.prepareSend()
	if err != nil {
		return nil, err
	}
	report, err := c.dispatcher.Dispatch(ctx, job)
	c.finishSend(runID, report, err)
	return report, err
}

// SendAsync validates the run and dispatches it in the background. Progress
// is visible through Snapshot.
func (c *Composer) SendAsync(ctx context.Context) error {
	job, runID, err := c.prepareSend()
	if err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		report, err := c.dispatcher.Dispatch(ctx, job)
		c.finishSend(runID, report, err)
	}()
	return nil
}

func (c *Composer) prepareSend() (Job, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return Job{}, "", ErrClosed
	}
	c.touch()
	r := c.run
	if r.dispatching {
		return Job{}, "", ErrDispatchInProgress
	}
	if r.dispatched {
		return Job{}, "", ErrAlreadyDispatched
	}
	if c.dispatcher == nil {
		return Job{}, "", &DispatchError{Reason: "no dispatcher configured"}
	}

	job, err := r.ctrl.Job(r.id)
	if err != nil {
		return Job{}, "", err
	}

	r.dispatching = true
	r.err = nil
	r.partial = make([]DeliveryResult, 0, job.Recipients.Len())
	job.OnResult = func(_ int, res DeliveryResult) {
		c.mu.Lock()
		r.partial = append(r.partial, res)
		c.mu.Unlock()
	}
	return job, r.id, nil
}

func (c *Composer) finishSend(runID string, report *Report, err error) {
	var onReport func(*Report)

	c.mu.Lock()
	r := c.run
	if r == nil || r.id != runID {
		c.mu.Unlock()
		return
	}
	r.dispatching = false
	if err != nil {
		// run-level failure: nothing was sent, the operator may go back and fix it
		r.err = err
		r.partial = nil
		c.mu.Unlock()
		return
	}

	r.dispatched = true
	stored := *report
	stored.Results = append([]DeliveryResult(nil), report.Results...)
	r.report = &stored
	r.partial = nil
	onReport = c.OnReport

	if report.Failed() == 0 && c.cfg.AutoCloseDelay > 0 {
		c.autoClose = time.AfterFunc(c.cfg.AutoCloseDelay, func() { c.autoCloseRun(runID) })
	}
	c.mu.Unlock()

	if onReport != nil {
		onReport(report)
	}
}

func (c *Composer) autoCloseRun(runID string) {
	c.mu.Lock()
	if !c.open || c.run.id != runID {
		c.mu.Unlock()
		return
	}
	c.autoClose = nil
	c.closeLocked()
	onClose := c.OnClose
	c.mu.Unlock()

	if onClose != nil {
		onClose(c)
	}
}

// Snapshot is a read-only view of the composer
type Snapshot struct {
	ID             string           `json:"id"`
	Open           bool             `json:"open"`
	RunID          string           `json:"run_id,omitempty"`
	Channel        Channel          `json:"channel"`
	CommunityName  string           `json:"community_name,omitempty"`
	Step           string           `json:"step,omitempty"`
	StepNumber     int              `json:"step_number,omitempty"`
	RecipientCount int              `json:"recipient_count"`
	TemplatesState TemplatesState   `json:"templates_state,omitempty"`
	Template       *Template        `json:"template,omitempty"`
	Placeholders   []int            `json:"placeholders,omitempty"`
	Bindings       []Binding        `json:"bindings,omitempty"`
	HeaderMedia    *Media           `json:"header_media,omitempty"`
	Pricing        *Pricing         `json:"pricing,omitempty"`
	PricingLoading bool             `json:"pricing_loading"`
	Dispatching    bool             `json:"dispatching"`
	Dispatched     bool             `json:"dispatched"`
	Results        []DeliveryResult `json:"results,omitempty"`
	Successful     int              `json:"successful"`
	Failed         int              `json:"failed"`
	Error          string           `json:"error,omitempty"`
}

// Snapshot returns the current state of the composer
func (c *Composer) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		ID:            c.id,
		Open:          c.open,
		Channel:       c.cfg.Controller.Channel,
		CommunityName: c.cfg.Controller.CommunityName,
	}
	if !c.open {
		return s
	}

	r := c.run
	ctrl := r.ctrl
	_, state := ctrl.Templates()

	s.RunID = r.id
	s.Step = ctrl.Step().String()
	s.StepNumber = int(ctrl.Step())
	s.RecipientCount = ctrl.Recipients().Len()
	s.TemplatesState = state
	s.Template = ctrl.Template()
	s.Placeholders = ctrl.Placeholders()
	s.Bindings = ctrl.Bindings()
	s.HeaderMedia = ctrl.HeaderMedia()
	s.Pricing = ctrl.Pricing()
	s.PricingLoading = ctrl.PricingLoading()
	s.Dispatching = r.dispatching
	s.Dispatched = r.dispatched

	switch {
	case r.report != nil:
		s.Results = append([]DeliveryResult(nil), r.report.Results...)
		s.Successful = r.report.Successful()
		s.Failed = r.report.Failed()
	case r.dispatching:
		s.Results = append([]DeliveryResult(nil), r.partial...)
		for _, res := range s.Results {
			if res.Status == StatusSent {
				s.Successful++
			} else {
				s.Failed++
			}
		}
	}
	if r.err != nil {
		s.Error = r.err.Error()
	}
	return s
}

// Report returns the report of the dispatched run
func (c *Composer) Report() (*Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil, ErrClosed
	}
	if c.run.report == nil {
		return nil, errors.New("run has not been dispatched")
	}
	r := *c.run.report
	r.Results = append([]DeliveryResult(nil), c.run.report.Results...)
	return &r, nil
}
