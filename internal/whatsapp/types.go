package whatsapp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Template statuses reported by the service
const (
	StatusApproved = "APPROVED"
	StatusPending  = "PENDING"
	StatusRejected = "REJECTED"
)

// TemplateComponent is one part of a template as returned by the service
type TemplateComponent struct {
	Type   string `json:"type"`
	Format string `json:"format,omitempty"`
	Text   string `json:"text,omitempty"`
}

// TemplateInfo is a template as returned by the service
type TemplateInfo struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Language   string              `json:"language"`
	Category   string              `json:"category"`
	Status     string              `json:"status"`
	Body       string              `json:"body,omitempty"`
	Components []TemplateComponent `json:"components,omitempty"`
}

// TemplateListResponse is the template list response
type TemplateListResponse struct {
	Templates []TemplateInfo `json:"templates"`
}

// PricingResponse is the pricing response
type PricingResponse struct {
	RecipientCount int      `json:"recipient_count"`
	MessageRate    *float64 `json:"message_rate"`
	TotalCost      float64  `json:"total_cost"`
	Currency       string   `json:"currency"`
}

// TemplateRef identifies the template of a message
type TemplateRef struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Language string `json:"language,omitempty"`
}

// HeaderMedia is the media attachment of a template header
type HeaderMedia struct {
	Format string `json:"format"`
	Link   string `json:"link"`
}

// SendRequest is a template message send request
type SendRequest struct {
	To          string       `json:"to"`
	Template    TemplateRef  `json:"template"`
	Parameters  []string     `json:"parameters"`
	HeaderMedia *HeaderMedia `json:"header_media,omitempty"`
}

// SendResponse is a template message send response
type SendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// APIError is an error reported by the service
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	msg := e.Message
	if e.Code != 0 {
		msg = fmt.Sprintf("(#%d) %s", e.Code, msg)
	}
	if msg == "" {
		return fmt.Sprintf("whatsapp API error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("whatsapp API error (HTTP %d): %s", e.Status, msg)
}

// errorBody accepts both {"error": "text"} and {"error": {"code": 1, "message": "text"}}
type errorBody struct {
	Error json.RawMessage `json:"error"`
}

type structuredError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || len(eb.Error) == 0 {
		apiErr.Message = strings.TrimSpace(string(body))
		return apiErr
	}

	var text string
	if err := json.Unmarshal(eb.Error, &text); err == nil {
		apiErr.Message = text
		return apiErr
	}

	var se structuredError
	if err := json.Unmarshal(eb.Error, &se); err == nil {
		apiErr.Code = se.Code
		apiErr.Message = se.Message
		if se.Details != "" {
			apiErr.Message += ": " + se.Details
		}
		return apiErr
	}

	// unknown shape: keep the raw value
	apiErr.Message = strings.TrimSpace(string(eb.Error))
	return apiErr
}
