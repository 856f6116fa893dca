package campaign

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockPricing struct {
	pricing *Pricing
	err     error
	delay   time.Duration
	panics  bool
	calls   int
}

func (m *mockPricing) FetchPricing(ctx context.Context, recipientCount int, templateName string) (*Pricing, error) {
	m.calls++
	if m.panics {
		panic("boom")
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.pricing, m.err
}

func TestEstimateFallback(t *testing.T) {
	tests := []struct {
		name   string
		source *mockPricing
	}{
		{"network error", &mockPricing{err: errors.New("connection refused")}},
		{"empty response", &mockPricing{}},
		{"negative rate", &mockPricing{pricing: &Pricing{MessageRate: -1}}},
		{"NaN rate", &mockPricing{pricing: &Pricing{MessageRate: math.NaN()}}},
		{"panic", &mockPricing{panics: true}},
		{"timeout", &mockPricing{delay: time.Second, pricing: &Pricing{MessageRate: 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEstimator(tt.source, PricingConfig{Timeout: 20 * time.Millisecond}, testLogger())

			p := e.Estimate(context.Background(), 10, "Welcome")

			if p.Source != PricingSourceEstimated {
				t.Errorf("Source = %q, want %q", p.Source, PricingSourceEstimated)
			}
			if math.Abs(p.TotalCost-10*DefaultMessageRate) > 1e-12 {
				t.Errorf("TotalCost = %v, want %v", p.TotalCost, 10*DefaultMessageRate)
			}
			if p.MessageRate != DefaultMessageRate {
				t.Errorf("MessageRate = %v, want %v", p.MessageRate, DefaultMessageRate)
			}
			if p.Currency != DefaultCurrency {
				t.Errorf("Currency = %q, want %q", p.Currency, DefaultCurrency)
			}
			if p.RecipientCount != 10 {
				t.Errorf("RecipientCount = %d, want 10", p.RecipientCount)
			}
		})
	}
}

func TestEstimateNilSource(t *testing.T) {
	e := NewEstimator(nil, PricingConfig{DefaultRate: 0.01, Currency: "EUR"}, testLogger())

	p := e.Estimate(context.Background(), 4, "Welcome")
	if p.Source != PricingSourceEstimated || math.Abs(p.TotalCost-0.04) > 1e-12 || p.Currency != "EUR" {
		t.Errorf("Estimate() = %+v", p)
	}
}

func TestEstimateFromSource(t *testing.T) {
	source := &mockPricing{pricing: &Pricing{MessageRate: 0.02, TotalCost: 999, Currency: "EUR"}}
	e := NewEstimator(source, PricingConfig{}, testLogger())

	p := e.Estimate(context.Background(), 10, "Welcome")

	if p.Source != PricingSourceAPI {
		t.Errorf("Source = %q, want %q", p.Source, PricingSourceAPI)
	}
	// total is recomputed from the rate
	if math.Abs(p.TotalCost-0.2) > 1e-9 {
		t.Errorf("TotalCost = %v, want 0.2", p.TotalCost)
	}
	if p.Currency != "EUR" {
		t.Errorf("Currency = %q, want EUR", p.Currency)
	}
	if source.calls != 1 {
		t.Errorf("source called %d times, want 1", source.calls)
	}
}
