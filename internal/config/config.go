package config

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no -c flag is given
const DefaultPath = "/etc/broadcast/broadcast.yaml"

// Email transports
const (
	TransportHTTP = "http"
	TransportSMTP = "smtp"
)

// Config is the main configuration structure
type Config struct {
	API       APIConfig       `yaml:"api"`
	Storage   StorageConfig   `yaml:"storage"`
	Community CommunityConfig `yaml:"community"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	Email     EmailConfig     `yaml:"email"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Campaign  CampaignConfig  `yaml:"campaign"`
	Quota     QuotaConfig     `yaml:"quota"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKeyHash     string        `yaml:"api_key_hash"`     // bcrypt hash, see `broadcast hash-key`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Default: 1MB
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path            string        `yaml:"path"`
	ReportRetention time.Duration `yaml:"report_retention"` // 0 keeps dispatch reports forever
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// CommunityConfig describes the community messages are sent on behalf of
type CommunityConfig struct {
	Name string `yaml:"name"`
}

// WhatsAppConfig contains settings of the WhatsApp messaging service
type WhatsAppConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Timeout        time.Duration `yaml:"timeout"`
	HeaderMediaURL string        `yaml:"header_media_url"` // prefilled for templates with a media header
}

// Enabled reports whether the WhatsApp channel is configured
func (w WhatsAppConfig) Enabled() bool {
	return w.BaseURL != ""
}

// EmailConfig contains email channel settings
type EmailConfig struct {
	Transport   string          `yaml:"transport"` // http, smtp; empty disables the channel
	FromAddress string          `yaml:"from_address"`
	FromName    string          `yaml:"from_name"`
	ReplyTo     string          `yaml:"reply_to"`
	HTTP        EmailHTTPConfig `yaml:"http"`
	SMTP        EmailSMTPConfig `yaml:"smtp"`
	DKIM        DKIMConfig      `yaml:"dkim"`
}

// Enabled reports whether the email channel is configured
func (e EmailConfig) Enabled() bool {
	return e.Transport != ""
}

// EmailHTTPConfig contains settings of the email send API
type EmailHTTPConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// EmailSMTPConfig contains SMTP relay settings
type EmailSMTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	TLS      string        `yaml:"tls"` // none, starttls, tls
	Timeout  time.Duration `yaml:"timeout"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// PricingConfig contains cost estimation settings
type PricingConfig struct {
	BaseURL     string        `yaml:"base_url"` // Default: whatsapp.base_url
	APIKey      string        `yaml:"api_key"`  // Default: whatsapp.api_key
	DefaultRate float64       `yaml:"default_rate"`
	Currency    string        `yaml:"currency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// CampaignConfig contains composer and dispatch settings
type CampaignConfig struct {
	MinTransitionInterval time.Duration `yaml:"min_transition_interval"`
	AutoCloseDelay        time.Duration `yaml:"auto_close_delay"`
	DispatchConcurrency   int           `yaml:"dispatch_concurrency"`
	TemplateFetchTimeout  time.Duration `yaml:"template_fetch_timeout"`
	RepriceOnChange       bool          `yaml:"reprice_on_change"`
	SessionTTL            time.Duration `yaml:"session_ttl"`
	CleanupInterval       time.Duration `yaml:"cleanup_interval"`
}

// QuotaConfig contains per-channel send quotas
type QuotaConfig struct {
	Enabled       bool                   `yaml:"enabled"`
	FlushInterval time.Duration          `yaml:"flush_interval"`
	Global        *LimitValues           `yaml:"global,omitempty"` // shared by every channel
	Channels      map[string]LimitValues `yaml:"channels"`
}

// LimitValues contains quota values, zero means unlimited
type LimitValues struct {
	MessagesPerHour int `yaml:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/broadcast/broadcast.db"
	}
	if c.Storage.CleanupInterval == 0 {
		c.Storage.CleanupInterval = time.Hour
	}

	if c.WhatsApp.Timeout == 0 {
		c.WhatsApp.Timeout = 30 * time.Second
	}

	if c.Email.HTTP.Timeout == 0 {
		c.Email.HTTP.Timeout = 30 * time.Second
	}
	if c.Email.SMTP.Port == 0 {
		c.Email.SMTP.Port = 587
	}
	if c.Email.SMTP.TLS == "" {
		c.Email.SMTP.TLS = "starttls"
	}
	if c.Email.SMTP.Timeout == 0 {
		c.Email.SMTP.Timeout = 30 * time.Second
	}
	if c.Email.DKIM.Domain == "" && c.Email.DKIM.Enabled {
		c.Email.DKIM.Domain = domainOf(c.Email.FromAddress)
	}

	if c.Pricing.BaseURL == "" {
		c.Pricing.BaseURL = c.WhatsApp.BaseURL
	}
	if c.Pricing.APIKey == "" {
		c.Pricing.APIKey = c.WhatsApp.APIKey
	}
	if c.Pricing.DefaultRate == 0 {
		c.Pricing.DefaultRate = 0.005
	}
	if c.Pricing.Currency == "" {
		c.Pricing.Currency = "USD"
	}
	if c.Pricing.Timeout == 0 {
		c.Pricing.Timeout = 10 * time.Second
	}

	if c.Campaign.MinTransitionInterval == 0 {
		c.Campaign.MinTransitionInterval = 500 * time.Millisecond
	}
	if c.Campaign.AutoCloseDelay == 0 {
		c.Campaign.AutoCloseDelay = 5 * time.Second
	}
	if c.Campaign.DispatchConcurrency == 0 {
		c.Campaign.DispatchConcurrency = 5
	}
	if c.Campaign.TemplateFetchTimeout == 0 {
		c.Campaign.TemplateFetchTimeout = 10 * time.Second
	}
	if c.Campaign.SessionTTL == 0 {
		c.Campaign.SessionTTL = time.Hour
	}
	if c.Campaign.CleanupInterval == 0 {
		c.Campaign.CleanupInterval = time.Minute
	}

	if c.Quota.FlushInterval == 0 {
		c.Quota.FlushInterval = 10 * time.Second
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Community.Name == "" {
		return fmt.Errorf("community.name is required")
	}

	if !c.WhatsApp.Enabled() && !c.Email.Enabled() {
		return fmt.Errorf("at least one channel must be configured (whatsapp.base_url or email.transport)")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.API.APIKeyHash != "" {
		if _, err := bcrypt.Cost([]byte(c.API.APIKeyHash)); err != nil {
			return fmt.Errorf("api.api_key_hash is not a bcrypt hash: %w", err)
		}
	}

	if err := c.validateWhatsApp(); err != nil {
		return err
	}
	if err := c.validateEmail(); err != nil {
		return err
	}
	if err := c.validatePricing(); err != nil {
		return err
	}
	if err := c.validateCampaign(); err != nil {
		return err
	}
	if err := c.validateQuota(); err != nil {
		return err
	}

	return nil
}

func (c *Config) validateWhatsApp() error {
	if !c.WhatsApp.Enabled() {
		return nil
	}
	if !isHTTPURL(c.WhatsApp.BaseURL) {
		return fmt.Errorf("whatsapp.base_url must be an http(s) URL")
	}
	if c.WhatsApp.HeaderMediaURL != "" && !isHTTPURL(c.WhatsApp.HeaderMediaURL) {
		return fmt.Errorf("whatsapp.header_media_url must be an http(s) URL")
	}
	return nil
}

func (c *Config) validateEmail() error {
	e := c.Email
	if !e.Enabled() {
		return nil
	}

	if e.FromAddress == "" {
		return fmt.Errorf("email.from_address is required when email is enabled")
	}

	switch e.Transport {
	case TransportHTTP:
		if !isHTTPURL(e.HTTP.BaseURL) {
			return fmt.Errorf("email.http.base_url must be an http(s) URL")
		}
	case TransportSMTP:
		if e.SMTP.Host == "" {
			return fmt.Errorf("email.smtp.host is required for the smtp transport")
		}
		if e.SMTP.Port < 1 || e.SMTP.Port > 65535 {
			return fmt.Errorf("invalid email.smtp.port: %d", e.SMTP.Port)
		}
		validTLS := map[string]bool{"none": true, "starttls": true, "tls": true}
		if !validTLS[e.SMTP.TLS] {
			return fmt.Errorf("invalid email.smtp.tls: %s (must be none, starttls, or tls)", e.SMTP.TLS)
		}
	default:
		return fmt.Errorf("invalid email.transport: %s (must be http or smtp)", e.Transport)
	}

	if e.DKIM.Enabled {
		if e.Transport != TransportSMTP {
			return fmt.Errorf("email.dkim requires the smtp transport")
		}
		if e.DKIM.Selector == "" {
			return fmt.Errorf("email.dkim.selector is required when DKIM is enabled")
		}
		if e.DKIM.KeyFile == "" {
			return fmt.Errorf("email.dkim.key_file is required when DKIM is enabled")
		}
		if e.DKIM.Domain == "" {
			return fmt.Errorf("email.dkim.domain is required when DKIM is enabled")
		}
	}

	return nil
}

func (c *Config) validatePricing() error {
	rate := c.Pricing.DefaultRate
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate < 0 {
		return fmt.Errorf("invalid pricing.default_rate: %v", rate)
	}
	if c.Pricing.BaseURL != "" && !isHTTPURL(c.Pricing.BaseURL) {
		return fmt.Errorf("pricing.base_url must be an http(s) URL")
	}
	return nil
}

func (c *Config) validateCampaign() error {
	if c.Campaign.DispatchConcurrency < 1 {
		return fmt.Errorf("campaign.dispatch_concurrency must be at least 1")
	}
	if c.Campaign.MinTransitionInterval < 0 {
		return fmt.Errorf("campaign.min_transition_interval must not be negative")
	}
	if c.Storage.ReportRetention < 0 {
		return fmt.Errorf("storage.report_retention must not be negative")
	}
	if c.Campaign.AutoCloseDelay < 0 {
		return fmt.Errorf("campaign.auto_close_delay must not be negative")
	}
	return nil
}

func (c *Config) validateQuota() error {
	if g := c.Quota.Global; g != nil && (g.MessagesPerHour < 0 || g.MessagesPerDay < 0) {
		return fmt.Errorf("quota.global: limits must not be negative")
	}
	for name, lv := range c.Quota.Channels {
		if name != "whatsapp" && name != "email" {
			return fmt.Errorf("quota.channels.%s: unknown channel", name)
		}
		if lv.MessagesPerHour < 0 || lv.MessagesPerDay < 0 {
			return fmt.Errorf("quota.channels.%s: limits must not be negative", name)
		}
	}
	return nil
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func domainOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			return addr[i+1:]
		}
	}
	return ""
}
