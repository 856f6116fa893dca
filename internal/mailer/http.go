package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/foxzi/broadcast/internal/campaign"
)

// HTTPConfig holds settings of the email send API
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type sendRequest struct {
	From    string            `json:"from"`
	To      []string          `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html"`
	Headers map[string]string `json:"headers,omitempty"`
}

type sendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HTTPSender submits emails to a remote send API (POST /api/v1/send)
type HTTPSender struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPSender creates an HTTP email sender
func NewHTTPSender(cfg HTTPConfig, logger *slog.Logger) *HTTPSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSender{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "mailer.http"),
	}
}

// SendEmail submits one message
func (s *HTTPSender) SendEmail(ctx context.Context, msg *campaign.EmailMessage) error {
	from := msg.From
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.From)
	}
	req := sendRequest{
		From:    from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
	}
	if msg.ReplyTo != "" {
		req.Headers = map[string]string{"Reply-To": msg.ReplyTo}
	}

	var resp sendResponse
	if err := s.request(ctx, http.MethodPost, "/api/v1/send", req, &resp); err != nil {
		return err
	}

	s.logger.Debug("message accepted", "to", msg.To, "id", resp.ID, "status", resp.Status)
	return nil
}

func (s *HTTPSender) request(ctx context.Context, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp errorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&errResp); err != nil || errResp.Error == "" {
			return fmt.Errorf("email API error: HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("email API error (HTTP %d): %s", resp.StatusCode, errResp.Error)
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil && err != io.EOF {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}
