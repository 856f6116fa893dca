package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/broadcast/internal/campaign"
	"github.com/foxzi/broadcast/internal/sendlog"
)

// ReportStore reads logged dispatch reports
type ReportStore interface {
	Get(ctx context.Context, id string) (*sendlog.Entry, error)
	List(ctx context.Context, filter sendlog.ListFilter) ([]*sendlog.Entry, error)
	Stats(ctx context.Context) (*sendlog.Stats, error)
}

// ReportListResponse is the response for GET /reports
type ReportListResponse struct {
	Reports []*sendlog.Entry `json:"reports"`
	Stats   *sendlog.Stats   `json:"stats"`
}

// handleListReports handles GET /api/v1/reports
func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := sendlog.ListFilter{Limit: 50}

	if ch := q.Get("channel"); ch != "" {
		parsed, err := campaign.ParseChannel(ch)
		if err != nil {
			s.sendEngineError(w, err)
			return
		}
		filter.Channel = parsed
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil && offset > 0 {
		filter.Offset = offset
	}

	entries, err := s.reports.List(r.Context(), filter)
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	stats, err := s.reports.Stats(r.Context())
	if err != nil {
		s.sendEngineError(w, err)
		return
	}

	if entries == nil {
		entries = []*sendlog.Entry{}
	}
	sendJSON(w, http.StatusOK, ReportListResponse{Reports: entries, Stats: stats})
}

// handleGetReport handles GET /api/v1/reports/{id}
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	entry, err := s.reports.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, entry)
}
