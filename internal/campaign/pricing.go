package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/foxzi/broadcast/internal/metrics"
)

const (
	// DefaultMessageRate is the fallback cost of one message
	DefaultMessageRate = 0.005
	// DefaultCurrency is used when neither the source nor the config names one
	DefaultCurrency = "USD"
)

// PricingSource is the authoritative remote pricing service
type PricingSource interface {
	FetchPricing(ctx context.Context, recipientCount int, templateName string) (*Pricing, error)
}

// PricingConfig holds estimator configuration
type PricingConfig struct {
	DefaultRate float64
	Currency    string
	Timeout     time.Duration
}

// Estimator computes the cost of a run. It never fails: any problem with the
// source degrades to the fallback rate.
type Estimator struct {
	source      PricingSource
	defaultRate float64
	currency    string
	timeout     time.Duration
	logger      *slog.Logger
}

// NewEstimator creates an estimator. A nil source always yields estimates.
func NewEstimator(source PricingSource, cfg PricingConfig, logger *slog.Logger) *Estimator {
	if cfg.DefaultRate <= 0 {
		cfg.DefaultRate = DefaultMessageRate
	}
	if cfg.Currency == "" {
		cfg.Currency = DefaultCurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{
		source:      source,
		defaultRate: cfg.DefaultRate,
		currency:    cfg.Currency,
		timeout:     cfg.Timeout,
		logger:      logger.With("component", "pricing"),
	}
}

// Estimate returns the cost for recipientCount messages of the template
func (e *Estimator) Estimate(ctx context.Context, recipientCount int, templateName string) Pricing {
	p, err := e.fetch(ctx, recipientCount, templateName)
	if err != nil {
		e.logger.Warn("pricing unavailable, using default rate",
			"template", templateName,
			"recipients", recipientCount,
			"rate", e.defaultRate,
			"error", err,
		)
		p = e.Fallback(recipientCount)
	}
	metrics.IncPricingEstimate(p.Source)
	return p
}

// Fallback returns the static estimate
func (e *Estimator) Fallback(recipientCount int) Pricing {
	return Pricing{
		RecipientCount: recipientCount,
		MessageRate:    e.defaultRate,
		TotalCost:      float64(recipientCount) * e.defaultRate,
		Currency:       e.currency,
		Source:         PricingSourceEstimated,
	}
}

func (e *Estimator) fetch(ctx context.Context, recipientCount int, templateName string) (p Pricing, err error) {
	if e.source == nil {
		return Pricing{}, fmt.Errorf("no pricing source configured")
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pricing source panic: %v", r)
		}
	}()

	remote, err := e.source.FetchPricing(ctx, recipientCount, templateName)
	if err != nil {
		return Pricing{}, err
	}
	if remote == nil {
		return Pricing{}, fmt.Errorf("empty pricing response")
	}
	rate := remote.MessageRate
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate < 0 {
		return Pricing{}, fmt.Errorf("malformed message rate %v", rate)
	}

	currency := remote.Currency
	if currency == "" {
		currency = e.currency
	}
	return Pricing{
		RecipientCount: recipientCount,
		MessageRate:    rate,
		TotalCost:      float64(recipientCount) * rate,
		Currency:       currency,
		Source:         PricingSourceAPI,
	}, nil
}
