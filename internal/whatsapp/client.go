package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/foxzi/broadcast/internal/campaign"
)

// maxErrorBody bounds how much of an error response is read
const maxErrorBody = 64 << 10

// Config holds client configuration
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the WhatsApp messaging service
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new WhatsApp service client
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) request(ctx context.Context, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return parseAPIError(resp.StatusCode, data)
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// ListTemplates returns the approved templates of the account
func (c *Client) ListTemplates(ctx context.Context) ([]campaign.Template, error) {
	var resp TemplateListResponse
	if err := c.request(ctx, http.MethodGet, "/api/v1/whatsapp/templates", nil, &resp); err != nil {
		return nil, err
	}

	out := make([]campaign.Template, 0, len(resp.Templates))
	for _, info := range resp.Templates {
		// pending and rejected templates cannot be sent
		if info.Status != "" && !strings.EqualFold(info.Status, StatusApproved) {
			continue
		}
		out = append(out, toTemplate(info))
	}
	return out, nil
}

func toTemplate(info TemplateInfo) campaign.Template {
	t := campaign.Template{
		ID:       info.ID,
		Name:     info.Name,
		Channel:  campaign.ChannelWhatsApp,
		Language: info.Language,
		Category: info.Category,
		Body:     info.Body,
	}
	if t.ID == "" {
		t.ID = info.Name + ":" + info.Language
	}
	for _, comp := range info.Components {
		t.Components = append(t.Components, campaign.Component{
			Role:   campaign.ComponentRole(strings.ToLower(comp.Type)),
			Format: strings.ToLower(comp.Format),
			Text:   comp.Text,
		})
	}
	return t
}

// FetchPricing asks the service for the cost of a run
func (c *Client) FetchPricing(ctx context.Context, recipientCount int, templateName string) (*campaign.Pricing, error) {
	params := url.Values{}
	params.Set("recipients", strconv.Itoa(recipientCount))
	params.Set("template", templateName)

	var resp PricingResponse
	if err := c.request(ctx, http.MethodGet, "/api/v1/whatsapp/pricing?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if resp.MessageRate == nil {
		return nil, errors.New("pricing response has no message_rate")
	}

	return &campaign.Pricing{
		RecipientCount: recipientCount,
		MessageRate:    *resp.MessageRate,
		TotalCost:      resp.TotalCost,
		Currency:       resp.Currency,
		Source:         campaign.PricingSourceAPI,
	}, nil
}

// SendTemplateMessage sends one template message
func (c *Client) SendTemplateMessage(ctx context.Context, msg *campaign.TemplateMessage) error {
	req := &SendRequest{
		To: msg.To,
		Template: TemplateRef{
			ID:       msg.TemplateID,
			Name:     msg.TemplateName,
			Language: msg.Language,
		},
		Parameters: msg.Parameters,
	}
	if req.Parameters == nil {
		req.Parameters = []string{}
	}
	if msg.HeaderMedia != nil {
		req.HeaderMedia = &HeaderMedia{Format: msg.HeaderMedia.Format, Link: msg.HeaderMedia.Link}
	}

	var resp SendResponse
	if err := c.request(ctx, http.MethodPost, "/api/v1/whatsapp/messages", req, &resp); err != nil {
		return err
	}
	if strings.EqualFold(resp.Status, "failed") {
		return fmt.Errorf("message %s rejected by service", resp.ID)
	}
	return nil
}
