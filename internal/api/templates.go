package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/broadcast/internal/templates"
)

// TemplateStore manages stored email templates
type TemplateStore interface {
	Create(ctx context.Context, tmpl *templates.EmailTemplate) error
	Get(ctx context.Context, id string) (*templates.EmailTemplate, error)
	List(ctx context.Context, filter templates.ListFilter) ([]*templates.EmailTemplate, error)
	Update(ctx context.Context, tmpl *templates.EmailTemplate) error
	Delete(ctx context.Context, id string) error
}

func (s *Server) registerTemplateRoutes(r chi.Router) {
	r.Route("/templates", func(r chi.Router) {
		r.Get("/", s.handleTemplateList)
		r.Post("/", s.handleTemplateCreate)
		r.Get("/{id}", s.handleTemplateGet)
		r.Put("/{id}", s.handleTemplateUpdate)
		r.Delete("/{id}", s.handleTemplateDelete)
	})
}

// TemplateRequest is the request for creating or updating an email template
type TemplateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Subject     string `json:"subject"`
	HTML        string `json:"html"`
}

// TemplateResponse is the response for an email template
type TemplateResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Subject      string    `json:"subject"`
	HTML         string    `json:"html"`
	Placeholders []int     `json:"placeholders"`
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TemplateListResponse is the response for listing templates
type TemplateListResponse struct {
	Templates []*TemplateResponse `json:"templates"`
	Total     int                 `json:"total"`
}

// handleTemplateList handles GET /api/v1/templates
func (s *Server) handleTemplateList(w http.ResponseWriter, r *http.Request) {
	filter := templates.ListFilter{
		Search: r.URL.Query().Get("search"),
	}

	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && offset > 0 {
		filter.Offset = offset
	}

	list, err := s.templates.List(r.Context(), filter)
	if err != nil {
		s.sendEngineError(w, err)
		return
	}

	response := TemplateListResponse{
		Templates: make([]*TemplateResponse, len(list)),
		Total:     len(list),
	}
	for i, tmpl := range list {
		response.Templates[i] = templateToResponse(tmpl)
	}

	sendJSON(w, http.StatusOK, response)
}

// handleTemplateCreate handles POST /api/v1/templates
func (s *Server) handleTemplateCreate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tmpl := &templates.EmailTemplate{
		Name:        req.Name,
		Description: req.Description,
		Subject:     req.Subject,
		HTML:        req.HTML,
	}
	if err := s.templates.Create(r.Context(), tmpl); err != nil {
		s.sendEngineError(w, err)
		return
	}

	sendJSON(w, http.StatusCreated, templateToResponse(tmpl))
}

// handleTemplateGet handles GET /api/v1/templates/{id}
func (s *Server) handleTemplateGet(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, templateToResponse(tmpl))
}

// handleTemplateUpdate handles PUT /api/v1/templates/{id}. Omitted fields
// keep their stored value.
func (s *Server) handleTemplateUpdate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err)
		return
	}

	var req TemplateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Name != "" {
		tmpl.Name = req.Name
	}
	if req.Description != "" {
		tmpl.Description = req.Description
	}
	if req.Subject != "" {
		tmpl.Subject = req.Subject
	}
	if req.HTML != "" {
		tmpl.HTML = req.HTML
	}

	if err := s.templates.Update(r.Context(), tmpl); err != nil {
		s.sendEngineError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, templateToResponse(tmpl))
}

// handleTemplateDelete handles DELETE /api/v1/templates/{id}
func (s *Server) handleTemplateDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.templates.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.sendEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func templateToResponse(tmpl *templates.EmailTemplate) *TemplateResponse {
	placeholders := tmpl.Placeholders()
	if placeholders == nil {
		placeholders = []int{}
	}
	return &TemplateResponse{
		ID:           tmpl.ID,
		Name:         tmpl.Name,
		Description:  tmpl.Description,
		Subject:      tmpl.Subject,
		HTML:         tmpl.HTML,
		Placeholders: placeholders,
		Version:      tmpl.Version,
		CreatedAt:    tmpl.CreatedAt,
		UpdatedAt:    tmpl.UpdatedAt,
	}
}
