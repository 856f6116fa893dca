package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/broadcast/internal/campaign"
	"github.com/foxzi/broadcast/internal/config"
	"github.com/foxzi/broadcast/internal/mailer"
	"github.com/foxzi/broadcast/internal/quota"
	"github.com/foxzi/broadcast/internal/sendlog"
	"github.com/foxzi/broadcast/internal/templates"
	"github.com/foxzi/broadcast/internal/whatsapp"
)

// Engine holds the campaign components shared by every composer
type Engine struct {
	config     *config.Config
	Templates  *templates.Storage
	Catalog    *templates.Catalog
	Reports    *sendlog.Log
	Estimator  *campaign.Estimator
	Dispatcher *campaign.Dispatcher
	Limiter    *quota.Limiter
	logger     *slog.Logger
}

// NewEngine wires the campaign stack on top of an open database
func NewEngine(cfg *config.Config, db *bolt.DB, logger *slog.Logger) (*Engine, error) {
	tmplStorage, err := templates.NewStorage(db)
	if err != nil {
		return nil, err
	}

	reports, err := sendlog.New(db)
	if err != nil {
		return nil, err
	}

	var waClient *whatsapp.Client
	if cfg.WhatsApp.Enabled() {
		waClient = whatsapp.NewClient(whatsapp.Config{
			BaseURL: cfg.WhatsApp.BaseURL,
			APIKey:  cfg.WhatsApp.APIKey,
			Timeout: cfg.WhatsApp.Timeout,
		})
	}

	var pricingSource campaign.PricingSource
	if cfg.Pricing.BaseURL != "" {
		pricingSource = whatsapp.NewClient(whatsapp.Config{
			BaseURL: cfg.Pricing.BaseURL,
			APIKey:  cfg.Pricing.APIKey,
			Timeout: cfg.Pricing.Timeout,
		})
	}

	estimator := campaign.NewEstimator(pricingSource, campaign.PricingConfig{
		DefaultRate: cfg.Pricing.DefaultRate,
		Currency:    cfg.Pricing.Currency,
		Timeout:     cfg.Pricing.Timeout,
	}, logger)

	emailSender, err := newEmailSender(cfg.Email, logger)
	if err != nil {
		return nil, err
	}

	// keep a nil interface when the channel is off
	var waSender campaign.WhatsAppSender
	var remote templates.RemoteLister
	if waClient != nil {
		waSender = waClient
		remote = waClient
	}

	dispatcher := campaign.NewDispatcher(waSender, emailSender, campaign.DispatcherConfig{
		Concurrency: cfg.Campaign.DispatchConcurrency,
		FromAddress: cfg.Email.FromAddress,
		FromName:    cfg.Email.FromName,
		ReplyTo:     cfg.Email.ReplyTo,
	}, logger)

	var limiter *quota.Limiter
	if cfg.Quota.Enabled {
		limiter, err = quota.NewLimiter(db, quotaConfig(cfg.Quota), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create quota limiter: %w", err)
		}
		dispatcher.SetLimiter(limiter)
		logger.Info("send quotas enabled")
	}

	return &Engine{
		config:     cfg,
		Templates:  tmplStorage,
		Catalog:    templates.NewCatalog(remote, tmplStorage, logger),
		Reports:    reports,
		Estimator:  estimator,
		Dispatcher: dispatcher,
		Limiter:    limiter,
		logger:     logger,
	}, nil
}

// NewComposer builds a closed composer for the channel. Completed dispatches
// are appended to the report log.
func (e *Engine) NewComposer(ch campaign.Channel, communityName string) (*campaign.Composer, error) {
	if !e.channelEnabled(ch) {
		return nil, &campaign.ValidationError{
			Field:   "channel",
			Message: fmt.Sprintf("channel %s is not configured", ch),
		}
	}

	communityName = strings.TrimSpace(communityName)
	if communityName == "" {
		communityName = e.config.Community.Name
	}

	cc := e.config.Campaign
	c := campaign.NewComposer(campaign.ComposerConfig{
		Controller: campaign.ControllerConfig{
			Channel:               ch,
			CommunityName:         communityName,
			MinTransitionInterval: cc.MinTransitionInterval,
			TemplateFetchTimeout:  cc.TemplateFetchTimeout,
			DefaultHeaderMediaURL: e.config.WhatsApp.HeaderMediaURL,
			RepriceOnChange:       cc.RepriceOnChange,
		},
		AutoCloseDelay: cc.AutoCloseDelay,
	}, e.Catalog, e.Estimator, e.Dispatcher, e.logger)

	c.OnReport = func(r *campaign.Report) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := e.Reports.Append(ctx, c.ID(), communityName, r); err != nil {
			e.logger.Error("failed to log dispatch report", "run_id", r.RunID, "error", err)
		}
	}
	return c, nil
}

func (e *Engine) channelEnabled(ch campaign.Channel) bool {
	switch ch {
	case campaign.ChannelWhatsApp:
		return e.config.WhatsApp.Enabled()
	case campaign.ChannelEmail:
		return e.config.Email.Enabled()
	}
	return false
}

// Close flushes quota counters
func (e *Engine) Close() error {
	if e.Limiter != nil {
		return e.Limiter.Stop()
	}
	return nil
}

func newEmailSender(cfg config.EmailConfig, logger *slog.Logger) (campaign.EmailSender, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	switch cfg.Transport {
	case config.TransportSMTP:
		sender := mailer.NewSMTPSender(mailer.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			TLS:      cfg.SMTP.TLS,
			Timeout:  cfg.SMTP.Timeout,
		}, logger)
		if cfg.DKIM.Enabled {
			signer, err := mailer.NewSignerFromFile(cfg.DKIM.KeyFile, cfg.DKIM.Domain, cfg.DKIM.Selector)
			if err != nil {
				return nil, err
			}
			sender.SetDKIMSigner(signer)
			logger.Info("DKIM signing enabled", "domain", cfg.DKIM.Domain, "selector", cfg.DKIM.Selector)
		}
		return sender, nil
	default:
		return mailer.NewHTTPSender(mailer.HTTPConfig{
			BaseURL: cfg.HTTP.BaseURL,
			APIKey:  cfg.HTTP.APIKey,
			Timeout: cfg.HTTP.Timeout,
		}, logger), nil
	}
}

func quotaConfig(cfg config.QuotaConfig) quota.Config {
	qc := quota.Config{
		Channels:      make(map[campaign.Channel]quota.LimitConfig, len(cfg.Channels)),
		FlushInterval: cfg.FlushInterval,
	}
	if cfg.Global != nil {
		qc.Global = &quota.LimitConfig{
			MessagesPerHour: cfg.Global.MessagesPerHour,
			MessagesPerDay:  cfg.Global.MessagesPerDay,
		}
	}
	for name, v := range cfg.Channels {
		qc.Channels[campaign.Channel(name)] = quota.LimitConfig{
			MessagesPerHour: v.MessagesPerHour,
			MessagesPerDay:  v.MessagesPerDay,
		}
	}
	return qc
}
