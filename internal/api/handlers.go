package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/broadcast/internal/campaign"
	"github.com/foxzi/broadcast/internal/metrics"
	"github.com/foxzi/broadcast/internal/sendlog"
	"github.com/foxzi/broadcast/internal/templates"
)

const maxBodyBytes = 4 << 20

// CreateComposerRequest is the request body for POST /composers
type CreateComposerRequest struct {
	Channel       string `json:"channel"`
	CommunityName string `json:"community_name,omitempty"`
}

// SelectTemplateRequest is the request body for PUT /composers/{id}/template
type SelectTemplateRequest struct {
	TemplateID string `json:"template_id"`
}

// HeaderMediaRequest is the request body for PUT /composers/{id}/header-media
type HeaderMediaRequest struct {
	Link string `json:"link"`
}

// TemplatesResponse is the response for GET /composers/{id}/templates
type TemplatesResponse struct {
	State     campaign.TemplatesState `json:"state"`
	Templates []campaign.Template     `json:"templates"`
}

// SelectTemplateResponse lists the suggested bindings of the selected template
type SelectTemplateResponse struct {
	Suggestions []campaign.Suggestion `json:"suggestions"`
	Composer    campaign.Snapshot     `json:"composer"`
}

// TransitionResponse is the response of next and back
type TransitionResponse struct {
	campaign.Snapshot
	Ignored bool `json:"ignored,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status          string `json:"status"`
	Uptime          string `json:"uptime"`
	ActiveComposers int    `json:"active_composers"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, HealthResponse{
		Status:          "ok",
		Uptime:          time.Since(s.startTime).Round(time.Second).String(),
		ActiveComposers: s.sessions.ActiveComposers(),
	})
}

// handleCreateComposer handles POST /api/v1/composers
func (s *Server) handleCreateComposer(w http.ResponseWriter, r *http.Request) {
	var req CreateComposerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ch, err := campaign.ParseChannel(req.Channel)
	if err != nil {
		s.sendEngineError(w, err)
		return
	}

	c, err := s.sessions.Create(ch, req.CommunityName)
	if err != nil {
		s.sendEngineError(w, err)
		return
	}

	sendJSON(w, http.StatusCreated, c.Snapshot())
}

// composer resolves the {id} URL parameter; it writes the error itself
func (s *Server) composer(w http.ResponseWriter, r *http.Request) (*campaign.Composer, bool) {
	c, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err)
		return nil, false
	}
	return c, true
}

// handleGetComposer handles GET /api/v1/composers/{id}
func (s *Server) handleGetComposer(w http.ResponseWriter, r *http.Request) {
	c, ok := s.composer(w, r)
	if !ok {
		return
	}
	sendJSON(w, http.StatusOK, c.Snapshot())
}

// handleDeleteComposer handles DELETE /api/v1/composers/{id}
func (s *Server) handleDeleteComposer(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Remove(chi.URLParam(r, "id")); err != nil {
		s.sendEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleOpenComposer handles POST /api/v1/composers/{id}/open
func (s *Server) handleOpenComposer(w http.ResponseWriter, r *http.Request) {
	c, ok := s.composer(w, r)
	if !ok {
		return
	}
	c.Open()
	sendJSON(w, http.StatusOK, c.Snapshot())
}

// handleSetRecipients handles PUT /api/v1/composers/{id}/recipients
func (s *Server) handleSetRecipients(w http.ResponseWriter, r *http.Request) {
	c, ok := s.composer(w, r)
	if !ok {
		return
	}

	var selection []campaign.Recipient
	if !decodeJSON(w, r, &selection) {
		return
	}

	if err := c.SetRecipients(selection); err != nil {
		s.sendEngineError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, c.Snapshot())
}

// handleListTemplates handles GET /api/v1/composers/{id}/templates. The list
// is fetched on first use and when reload=true, otherwise served from the run.
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	c, ok := s.composer(w, r)
	if !ok {
		return
	}

	list, state, err := c.Templates()
	if err == nil && (state == campaign.TemplatesIdle || r.URL.Query().Get("reload") == "true") {
		list, state, err = c.LoadTemplates(r.Context())
	}
	if err != nil {
		s.sendEngineError(w, err)
		return
	}

	if list == nil {
		list = []campaign.Template{}
	}
	sendJSON(w, http.StatusOK, TemplatesResponse{State: state, Templates: list})
}

// handleSelectTemplate handles PUT /api/v1/composers/{id}/template
func (s *Server) handleSelectTemplate(w http.ResponseWriter, r *http.Request) {
	c, ok := s.composer(w, r)
	if !ok {
		return
	}

	var req SelectTemplateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	suggestions, err := c.SelectTemplate(req.TemplateID)
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	if suggestions == nil {
		suggestions = []campaign.Suggestion{}
	}
	sendJSON(w, http.StatusOK, SelectTemplateResponse{Suggestions: suggestions, Composer: c.Snapshot()})
}

// handleSetBindings handles PUT /api/v1/composers/{id}/bindings
func (s *Server) handleSetBindings(w http.ResponseWriter, r *http.Request) {
	c, ok := s.composer(w, r)
	if !ok {
		return
	}

	var bindings []campaign.Binding
	if !decodeJSON(w, r, &bindings) {
		return
	}

	if err := c.SetBindings(bindings); err != nil {
		s.sendEngineError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, c.Snapshot())
}

// handleSetHeaderMedia handles PUT /api/v1/composers/{id}/header-media
func (s *Server) handleSetHeaderMedia(w http.ResponseWriter, r *http.Request) {
	c, ok := s.composer(w, r)
	if !ok {
		return
	}

	var req HeaderMediaRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := c.SetHeaderMedia(req.Link); err != nil {
		s.sendEngineError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, c.Snapshot())
}

// handleNext handles POST /api/v1/composers/{id}/next
func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	c, ok := s.composer(w, r)
	if !ok {
		return
	}
	_, err := c.Next(r.Context())
	s.sendTransition(w, c, err)
}

// handleBack handles POST /api/v1/composers/{id}/back
func (s *Server) handleBack(w http.ResponseWriter, r *http.Request) {
	c, ok := s.composer(w, r)
	if !ok {
		return
	}
	_, err := c.Back()
	s.sendTransition(w, c, err)
}

// sendTransition answers a debounced transition with the unchanged state
func (s *Server) sendTransition(w http.ResponseWriter, c *campaign.Composer, err error) {
	switch {
	case err == nil:
		sendJSON(w, http.StatusOK, TransitionResponse{Snapshot: c.Snapshot()})
	case errors.Is(err, campaign.ErrTransitionIgnored):
		sendJSON(w, http.StatusOK, TransitionResponse{Snapshot: c.Snapshot(), Ignored: true})
	default:
		s.sendEngineError(w, err)
	}
}

// handlePreview handles GET /api/v1/composers/{id}/preview
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	c, ok := s.composer(w, r)
	if !ok {
		return
	}

	preview, err := c.Preview()
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, preview)
}

// handleSend handles POST /api/v1/composers/{id}/send. The dispatch runs in
// the background unless wait=true is given.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	c, ok := s.composer(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		report, err := c.Send(r.Context())
		if err != nil {
			s.sendEngineError(w, err)
			return
		}
		sendJSON(w, http.StatusOK, report)
		return
	}

	if err := c.SendAsync(r.Context()); err != nil {
		s.sendEngineError(w, err)
		return
	}
	sendJSON(w, http.StatusAccepted, c.Snapshot())
}

// handleComposerReport handles GET /api/v1/composers/{id}/report
func (s *Server) handleComposerReport(w http.ResponseWriter, r *http.Request) {
	c, ok := s.composer(w, r)
	if !ok {
		return
	}

	report, err := c.Report()
	if err != nil {
		if errors.Is(err, campaign.ErrClosed) {
			s.sendEngineError(w, err)
			return
		}
		sendError(w, http.StatusNotFound, err.Error())
		return
	}
	sendJSON(w, http.StatusOK, report)
}

// sendEngineError maps engine errors to HTTP statuses
func (s *Server) sendEngineError(w http.ResponseWriter, err error) {
	var ve *campaign.ValidationError
	var de *campaign.DispatchError

	switch {
	case errors.As(err, &ve):
		metrics.IncAPIErrors("validation")
		sendJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: ve.Message, Field: ve.Field})
	case errors.As(err, &de):
		sendError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrUnknownComposer),
		errors.Is(err, sendlog.ErrNotFound),
		errors.Is(err, templates.ErrNotFound):
		sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, campaign.ErrWrongStep),
		errors.Is(err, campaign.ErrClosed),
		errors.Is(err, campaign.ErrDispatchInProgress),
		errors.Is(err, campaign.ErrAlreadyDispatched),
		errors.Is(err, templates.ErrNameTaken):
		metrics.IncAPIErrors("conflict")
		sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		sendError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		sendError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		// unknown binding sources surface from UnmarshalJSON
		var ve *campaign.ValidationError
		if errors.As(err, &ve) {
			sendJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: ve.Message, Field: ve.Field})
			return false
		}
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, ErrorResponse{Error: message})
}
