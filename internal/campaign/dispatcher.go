package campaign

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/broadcast/internal/metrics"
)

// TemplateMessage is one WhatsApp template send
type TemplateMessage struct {
	To           string
	TemplateID   string
	TemplateName string
	Language     string
	Parameters   []string
	HeaderMedia  *Media
}

// EmailMessage is one fully rendered email
type EmailMessage struct {
	To       string
	From     string
	FromName string
	ReplyTo  string
	Subject  string
	HTML     string
}

// WhatsAppSender delivers template messages
type WhatsAppSender interface {
	SendTemplateMessage(ctx context.Context, msg *TemplateMessage) error
}

// EmailSender delivers email messages
type EmailSender interface {
	SendEmail(ctx context.Context, msg *EmailMessage) error
}

// Limiter admits or refuses one send on a channel
type Limiter interface {
	Allow(ctx context.Context, ch Channel) (bool, error)
}

// DispatcherConfig holds dispatcher configuration
type DispatcherConfig struct {
	Concurrency int
	FromAddress string
	FromName    string
	ReplyTo     string
}

// Dispatcher sends one message per recipient and records every outcome
type Dispatcher struct {
	whatsapp    WhatsAppSender
	email       EmailSender
	limiter     Limiter
	concurrency int
	fromAddress string
	fromName    string
	replyTo     string
	logger      *slog.Logger
}

// NewDispatcher creates a dispatcher. Either sender may be nil when the channel is not configured.
func NewDispatcher(wa WhatsAppSender, em EmailSender, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		whatsapp:    wa,
		email:       em,
		concurrency: cfg.Concurrency,
		fromAddress: cfg.FromAddress,
		fromName:    cfg.FromName,
		replyTo:     cfg.ReplyTo,
		logger:      logger.With("component", "dispatcher"),
	}
}

// SetLimiter installs a send quota
func (d *Dispatcher) SetLimiter(l Limiter) {
	d.limiter = l
}

// Job is everything a dispatch needs. Bindings and recipients must not change while it runs.
type Job struct {
	RunID         string
	Channel       Channel
	Template      *Template
	Bindings      []Binding
	Recipients    *RecipientSet
	CommunityName string
	HeaderMedia   *Media

	// OnResult receives each result as soon as it is known, in completion order
	OnResult func(index int, res DeliveryResult)
}

// Dispatch attempts every recipient exactly once. Individual failures are
// recorded in the report; an error is returned only when the job itself is
// unusable, in which case nothing was sent.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) (*Report, error) {
	if err := d.check(job); err != nil {
		d.logger.Error("dispatch rejected", "run_id", job.RunID, "error", err)
		return nil, err
	}

	// once started, the run is not cancellable
	ctx = context.WithoutCancel(ctx)

	tmpl := job.Template
	bindings := sortedBindings(job.Bindings)
	n := job.Recipients.Len()

	report := &Report{
		RunID:        job.RunID,
		Channel:      job.Channel,
		TemplateID:   tmpl.ID,
		TemplateName: tmpl.Name,
		Results:      make([]DeliveryResult, n),
	}

	start := time.Now()
	d.logger.Info("dispatch started", "run_id", job.RunID, "channel", job.Channel, "template", tmpl.Name, "recipients", n)

	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i := 0; i < n; i++ {
		sem <- struct{}{}
		wg.Add(1)

		go func(i int, r Recipient) {
			defer func() {
				<-sem
				wg.Done()
			}()

			res := d.deliver(ctx, job, bindings, r)
			metrics.IncDelivery(string(job.Channel), res.Status)

			mu.Lock()
			report.Results[i] = res
			if job.OnResult != nil {
				job.OnResult(i, res)
			}
			mu.Unlock()
		}(i, job.Recipients.At(i))
	}

	wg.Wait()
	metrics.ObserveDispatchDuration(string(job.Channel), time.Since(start).Seconds())

	d.logger.Info("dispatch completed",
		"run_id", job.RunID,
		"channel", job.Channel,
		"successful", report.Successful(),
		"failed", report.Failed(),
		"duration", time.Since(start),
	)
	return report, nil
}

func (d *Dispatcher) check(job Job) error {
	if job.Template == nil {
		return &DispatchError{Reason: "no template selected"}
	}
	if job.Template.Channel != job.Channel {
		return &DispatchError{Reason: fmt.Sprintf("template %q is a %s template, run channel is %s", job.Template.Name, job.Template.Channel, job.Channel)}
	}
	if job.Recipients.Len() == 0 {
		return &DispatchError{Reason: "no recipients"}
	}
	if missing := MissingBindings(DerivePlaceholders(job.Template), job.Bindings); len(missing) > 0 {
		return &DispatchError{Reason: fmt.Sprintf("placeholder {{%d}} has no value", missing[0])}
	}

	switch job.Channel {
	case ChannelWhatsApp:
		if d.whatsapp == nil {
			return &DispatchError{Reason: "whatsapp sender is not configured"}
		}
		if format := job.Template.HeaderMediaFormat(); format != "" && (job.HeaderMedia == nil || job.HeaderMedia.Link == "") {
			return &DispatchError{Reason: fmt.Sprintf("template %q requires %s header media", job.Template.Name, format)}
		}
	case ChannelEmail:
		if d.email == nil {
			return &DispatchError{Reason: "email sender is not configured"}
		}
		if d.fromAddress == "" {
			return &DispatchError{Reason: "email from address is not configured"}
		}
		if job.Template.Body == "" {
			return &DispatchError{Reason: fmt.Sprintf("template %q has an empty body", job.Template.Name)}
		}
	default:
		return &DispatchError{Reason: fmt.Sprintf("unsupported channel %q", job.Channel)}
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, job Job, bindings []Binding, r Recipient) (res DeliveryResult) {
	res = DeliveryResult{
		RecipientID:   r.ID,
		RecipientName: r.DisplayName,
		Address:       r.Address(job.Channel),
	}

	if res.Address == "" {
		res.Status = StatusFailed
		res.ErrorDetail = DetailMissingAddress
		d.logger.Debug("recipient skipped", "run_id", job.RunID, "recipient_id", r.ID, "reason", res.ErrorDetail)
		return res
	}

	if d.limiter != nil {
		ok, err := d.limiter.Allow(ctx, job.Channel)
		if err != nil {
			d.logger.Warn("quota check failed", "channel", job.Channel, "error", err)
		} else if !ok {
			res.Status = StatusFailed
			res.ErrorDetail = DetailQuotaExceeded
			return res
		}
	}

	defer func() {
		if p := recover(); p != nil {
			res.Status = StatusFailed
			res.ErrorDetail = fmt.Sprintf("sender panic: %v", p)
		}
	}()

	var err error
	switch job.Channel {
	case ChannelWhatsApp:
		err = d.whatsapp.SendTemplateMessage(ctx, &TemplateMessage{
			To:           res.Address,
			TemplateID:   job.Template.ID,
			TemplateName: job.Template.Name,
			Language:     job.Template.Language,
			Parameters:   ResolveForRecipient(bindings, r, job.CommunityName),
			HeaderMedia:  job.HeaderMedia,
		})
	case ChannelEmail:
		err = d.email.SendEmail(ctx, d.composeEmail(job, bindings, r, res.Address))
	}

	if err != nil {
		res.Status = StatusFailed
		res.ErrorDetail = err.Error()
		d.logger.Debug("send failed", "run_id", job.RunID, "recipient_id", r.ID, "error", err)
		return res
	}

	res.Status = StatusSent
	return res
}

func (d *Dispatcher) composeEmail(job Job, bindings []Binding, r Recipient, to string) *EmailMessage {
	values := ResolveValues(bindings, r, job.CommunityName)
	escaped := make(map[int]string, len(values))
	for k, v := range values {
		escaped[k] = html.EscapeString(v)
	}
	return &EmailMessage{
		To:       to,
		From:     d.fromAddress,
		FromName: d.fromName,
		ReplyTo:  d.replyTo,
		Subject:  Render(job.Template.Subject, values),
		HTML:     Render(job.Template.Body, escaped),
	}
}
