package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/broadcast/internal/campaign"
	"github.com/foxzi/broadcast/internal/config"
	"github.com/foxzi/broadcast/internal/sendlog"
	"github.com/foxzi/broadcast/internal/storage"
	"github.com/foxzi/broadcast/internal/templates"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockTemplates implements campaign.TemplateSource for testing
type mockTemplates struct {
	list []campaign.Template
}

func (m *mockTemplates) ListTemplates(ctx context.Context, ch campaign.Channel) ([]campaign.Template, error) {
	return m.list, nil
}

// mockWhatsApp records every message it is asked to send
type mockWhatsApp struct {
	mu   sync.Mutex
	sent []*campaign.TemplateMessage
}

func (m *mockWhatsApp) SendTemplateMessage(ctx context.Context, msg *campaign.TemplateMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockWhatsApp) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// mockReports implements ReportStore for testing
type mockReports struct {
	entries map[string]*sendlog.Entry
}

func (m *mockReports) Get(ctx context.Context, id string) (*sendlog.Entry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, sendlog.ErrNotFound
	}
	return e, nil
}

func (m *mockReports) List(ctx context.Context, filter sendlog.ListFilter) ([]*sendlog.Entry, error) {
	var out []*sendlog.Entry
	for _, e := range m.entries {
		if filter.Channel != "" && e.Channel != filter.Channel {
			continue
		}
		out = append(out, e.Summary())
	}
	return out, nil
}

func (m *mockReports) Stats(ctx context.Context) (*sendlog.Stats, error) {
	return &sendlog.Stats{Reports: len(m.entries)}, nil
}

func welcomeTemplate() campaign.Template {
	return campaign.Template{
		ID:       "tpl-welcome",
		Name:     "Welcome Message",
		Channel:  campaign.ChannelWhatsApp,
		Language: "en_US",
		Body:     "Hi {{1}}, thanks for getting in touch with {{2}}...",
	}
}

type testServer struct {
	server   *Server
	whatsapp *mockWhatsApp
	reports  *mockReports
}

func setupTestServer(t *testing.T, apiKeyHash string, transitionInterval time.Duration) *testServer {
	t.Helper()

	wa := &mockWhatsApp{}
	src := &mockTemplates{list: []campaign.Template{welcomeTemplate()}}
	estimator := campaign.NewEstimator(nil, campaign.PricingConfig{DefaultRate: 0.005, Currency: "USD"}, testLogger())
	dispatcher := campaign.NewDispatcher(wa, nil, campaign.DispatcherConfig{Concurrency: 2}, testLogger())

	factory := func(ch campaign.Channel, community string) (*campaign.Composer, error) {
		if community == "" {
			community = "Kyozo"
		}
		return campaign.NewComposer(campaign.ComposerConfig{
			Controller: campaign.ControllerConfig{
				Channel:               ch,
				CommunityName:         community,
				MinTransitionInterval: transitionInterval,
			},
		}, src, estimator, dispatcher, testLogger()), nil
	}

	reports := &mockReports{entries: map[string]*sendlog.Entry{
		"run-1": {ID: "run-1", Channel: campaign.ChannelWhatsApp, TemplateName: "Welcome Message", Recipients: 2, Successful: 2},
	}}

	cfg := &config.APIConfig{ListenAddr: ":0", APIKeyHash: apiKeyHash}
	registry := NewRegistry(factory, time.Hour, testLogger())
	server := NewServer(registry, reports, nil, nil, cfg, testLogger())

	return &testServer{server: server, whatsapp: wa, reports: reports}
}

func doRequest(t *testing.T, s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rr.Body.String())
	}
}

func createComposer(t *testing.T, s *Server, channel string) campaign.Snapshot {
	t.Helper()
	rr := doRequest(t, s, http.MethodPost, "/api/v1/composers", CreateComposerRequest{Channel: channel}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create composer status = %d, want %d (body %s)", rr.Code, http.StatusCreated, rr.Body.String())
	}
	var snap campaign.Snapshot
	decodeBody(t, rr, &snap)
	return snap
}

func TestHandleHealth(t *testing.T) {
	ts := setupTestServer(t, "", 0)

	rr := doRequest(t, ts.server, http.MethodGet, "/health", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var resp HealthResponse
	decodeBody(t, rr, &resp)
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want ok", resp.Status)
	}
}

func TestCreateComposer(t *testing.T) {
	ts := setupTestServer(t, "", 0)

	snap := createComposer(t, ts.server, "whatsapp")
	if snap.ID == "" || snap.RunID == "" {
		t.Errorf("snapshot ids = %q / %q, want both set", snap.ID, snap.RunID)
	}
	if !snap.Open {
		t.Error("created composer is not open")
	}
	if snap.Step != "recipients" {
		t.Errorf("Step = %q, want recipients", snap.Step)
	}
	if snap.CommunityName != "Kyozo" {
		t.Errorf("CommunityName = %q, want Kyozo", snap.CommunityName)
	}
	if got := ts.server.sessions.ActiveComposers(); got != 1 {
		t.Errorf("ActiveComposers() = %d, want 1", got)
	}
}

func TestCreateComposerInvalid(t *testing.T) {
	ts := setupTestServer(t, "", 0)

	rr := doRequest(t, ts.server, http.MethodPost, "/api/v1/composers", CreateComposerRequest{Channel: "sms"}, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnprocessableEntity)
	}
	var resp ErrorResponse
	decodeBody(t, rr, &resp)
	if resp.Field != "channel" {
		t.Errorf("Field = %q, want channel", resp.Field)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/composers", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	ts.server.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestComposerFlow(t *testing.T) {
	ts := setupTestServer(t, "", 0)
	s := ts.server
	snap := createComposer(t, s, "whatsapp")
	base := "/api/v1/composers/" + snap.ID

	recipients := []campaign.Recipient{
		{ID: "m1", DisplayName: "Ada Lovelace", Phone: "+15550001"},
		{ID: "m2", DisplayName: "Grace Hopper"},
	}
	rr := doRequest(t, s, http.MethodPut, base+"/recipients", recipients, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("recipients status = %d (body %s)", rr.Code, rr.Body.String())
	}
	decodeBody(t, rr, &snap)
	if snap.RecipientCount != 2 {
		t.Errorf("RecipientCount = %d, want 2", snap.RecipientCount)
	}

	rr = doRequest(t, s, http.MethodPost, base+"/next", nil, nil)
	var tr TransitionResponse
	decodeBody(t, rr, &tr)
	if tr.Step != "template" || tr.Ignored {
		t.Fatalf("after next step = %q ignored = %v, want template", tr.Step, tr.Ignored)
	}

	rr = doRequest(t, s, http.MethodGet, base+"/templates", nil, nil)
	var tpls TemplatesResponse
	decodeBody(t, rr, &tpls)
	if tpls.State != campaign.TemplatesReady || len(tpls.Templates) != 1 {
		t.Fatalf("templates = %s / %d, want ready / 1", tpls.State, len(tpls.Templates))
	}

	rr = doRequest(t, s, http.MethodPut, base+"/template", SelectTemplateRequest{TemplateID: "tpl-welcome"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("select template status = %d (body %s)", rr.Code, rr.Body.String())
	}
	var sel SelectTemplateResponse
	decodeBody(t, rr, &sel)
	if len(sel.Suggestions) != 2 {
		t.Fatalf("suggestions = %d, want 2", len(sel.Suggestions))
	}
	if sel.Suggestions[0].Preview != "Ada" {
		t.Errorf("first suggestion preview = %q, want Ada", sel.Suggestions[0].Preview)
	}

	rr = doRequest(t, s, http.MethodGet, base+"/preview", nil, nil)
	var preview campaign.Preview
	decodeBody(t, rr, &preview)
	if !strings.Contains(preview.Body, "Hi Ada") || !strings.Contains(preview.Body, "Kyozo") {
		t.Errorf("preview body = %q", preview.Body)
	}

	for _, want := range []string{"preview", "confirm"} {
		rr = doRequest(t, s, http.MethodPost, base+"/next", nil, nil)
		decodeBody(t, rr, &tr)
		if tr.Step != want {
			t.Fatalf("step = %q, want %q", tr.Step, want)
		}
	}
	if tr.Pricing == nil || tr.Pricing.RecipientCount != 2 {
		t.Fatalf("pricing = %+v, want estimate for 2 recipients", tr.Pricing)
	}

	rr = doRequest(t, s, http.MethodPost, base+"/send?wait=true", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("send status = %d (body %s)", rr.Code, rr.Body.String())
	}
	var report struct {
		Results    []campaign.DeliveryResult `json:"results"`
		Successful int                       `json:"successful"`
		Failed     int                       `json:"failed"`
	}
	decodeBody(t, rr, &report)
	if report.Successful != 1 || report.Failed != 1 || len(report.Results) != 2 {
		t.Errorf("report = %+v, want 1 sent and 1 failed", report)
	}
	if ts.whatsapp.count() != 1 {
		t.Errorf("messages sent = %d, want 1", ts.whatsapp.count())
	}

	rr = doRequest(t, s, http.MethodPost, base+"/send?wait=true", nil, nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("second send status = %d, want %d", rr.Code, http.StatusConflict)
	}

	rr = doRequest(t, s, http.MethodGet, base+"/report", nil, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("report status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestComposerErrors(t *testing.T) {
	ts := setupTestServer(t, "", 0)
	s := ts.server
	snap := createComposer(t, s, "whatsapp")
	base := "/api/v1/composers/" + snap.ID

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantField  string
	}{
		{"next without recipients", http.MethodPost, "/next", nil, http.StatusUnprocessableEntity, "recipients"},
		{"template at recipients step", http.MethodPut, "/template", SelectTemplateRequest{TemplateID: "tpl-welcome"}, http.StatusConflict, ""},
		{"back at first step", http.MethodPost, "/back", nil, http.StatusConflict, ""},
		{"send before confirm", http.MethodPost, "/send", nil, http.StatusConflict, ""},
		{"blank display name", http.MethodPut, "/recipients", []campaign.Recipient{{ID: "x", DisplayName: " "}}, http.StatusUnprocessableEntity, ""},
		{"unknown binding source", http.MethodPut, "/bindings", []map[string]any{{"index": 1, "source": "nickname"}}, http.StatusUnprocessableEntity, "source"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, s, tt.method, base+tt.path, tt.body, nil)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantField != "" {
				var resp ErrorResponse
				decodeBody(t, rr, &resp)
				if resp.Field != tt.wantField {
					t.Errorf("Field = %q, want %q", resp.Field, tt.wantField)
				}
			}
		})
	}
}

func TestUnknownComposer(t *testing.T) {
	ts := setupTestServer(t, "", 0)

	rr := doRequest(t, ts.server, http.MethodGet, "/api/v1/composers/nope", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestDeleteComposer(t *testing.T) {
	ts := setupTestServer(t, "", 0)
	snap := createComposer(t, ts.server, "email")
	path := "/api/v1/composers/" + snap.ID

	rr := doRequest(t, ts.server, http.MethodDelete, path, nil, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want %d", rr.Code, http.StatusNoContent)
	}

	rr = doRequest(t, ts.server, http.MethodGet, path, nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want %d", rr.Code, http.StatusNotFound)
	}
	if got := ts.server.sessions.ActiveComposers(); got != 0 {
		t.Errorf("ActiveComposers() = %d, want 0", got)
	}
}

func TestOpenStartsFreshRun(t *testing.T) {
	ts := setupTestServer(t, "", 0)
	s := ts.server
	snap := createComposer(t, s, "whatsapp")

	c, err := s.sessions.Get(snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	rr := doRequest(t, s, http.MethodGet, "/api/v1/composers/"+snap.ID+"/preview", nil, nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("preview on closed composer status = %d, want %d", rr.Code, http.StatusConflict)
	}

	rr = doRequest(t, s, http.MethodPost, "/api/v1/composers/"+snap.ID+"/open", nil, nil)
	var reopened campaign.Snapshot
	decodeBody(t, rr, &reopened)
	if !reopened.Open || reopened.RunID == snap.RunID {
		t.Errorf("reopened = open %v run %q, want a new open run", reopened.Open, reopened.RunID)
	}
}

func TestTransitionIgnored(t *testing.T) {
	ts := setupTestServer(t, "", time.Hour)
	s := ts.server
	snap := createComposer(t, s, "whatsapp")
	base := "/api/v1/composers/" + snap.ID

	doRequest(t, s, http.MethodPut, base+"/recipients", []campaign.Recipient{{ID: "m1", DisplayName: "Ada", Phone: "+1"}}, nil)

	var first, second TransitionResponse
	decodeBody(t, doRequest(t, s, http.MethodPost, base+"/next", nil, nil), &first)
	rr := doRequest(t, s, http.MethodPost, base+"/next", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("debounced next status = %d, want %d", rr.Code, http.StatusOK)
	}
	decodeBody(t, rr, &second)

	if first.Ignored || first.Step != "template" {
		t.Errorf("first next = %q ignored %v, want template", first.Step, first.Ignored)
	}
	if !second.Ignored || second.Step != "template" {
		t.Errorf("second next = %q ignored %v, want ignored at template", second.Step, second.Ignored)
	}
}

func TestSendAsync(t *testing.T) {
	ts := setupTestServer(t, "", 0)
	s := ts.server
	snap := createComposer(t, s, "whatsapp")
	base := "/api/v1/composers/" + snap.ID

	doRequest(t, s, http.MethodPut, base+"/recipients", []campaign.Recipient{{ID: "m1", DisplayName: "Ada", Phone: "+1"}}, nil)
	doRequest(t, s, http.MethodPost, base+"/next", nil, nil)
	doRequest(t, s, http.MethodGet, base+"/templates", nil, nil)
	doRequest(t, s, http.MethodPut, base+"/template", SelectTemplateRequest{TemplateID: "tpl-welcome"}, nil)
	doRequest(t, s, http.MethodPost, base+"/next", nil, nil)
	doRequest(t, s, http.MethodPost, base+"/next", nil, nil)

	rr := doRequest(t, s, http.MethodPost, base+"/send", nil, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("send status = %d, want %d (body %s)", rr.Code, http.StatusAccepted, rr.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		var cur campaign.Snapshot
		decodeBody(t, doRequest(t, s, http.MethodGet, base, nil, nil), &cur)
		if cur.Dispatched {
			if cur.Successful != 1 {
				t.Errorf("Successful = %d, want 1", cur.Successful)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("dispatch did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAuthMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	ts := setupTestServer(t, string(hash), 0)
	body := CreateComposerRequest{Channel: "whatsapp"}

	tests := []struct {
		name       string
		headers    map[string]string
		wantStatus int
	}{
		{"no key", nil, http.StatusUnauthorized},
		{"wrong key", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"bearer", map[string]string{"Authorization": "Bearer secret"}, http.StatusCreated},
		{"bearer again", map[string]string{"Authorization": "Bearer secret"}, http.StatusCreated},
		{"x-api-key", map[string]string{"X-API-Key": "secret"}, http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, ts.server, http.MethodPost, "/api/v1/composers", body, tt.headers)
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}

	rr := doRequest(t, ts.server, http.MethodGet, "/health", nil, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("health without key status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestReports(t *testing.T) {
	ts := setupTestServer(t, "", 0)

	rr := doRequest(t, ts.server, http.MethodGet, "/api/v1/reports", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	var list ReportListResponse
	decodeBody(t, rr, &list)
	if len(list.Reports) != 1 || list.Stats.Reports != 1 {
		t.Errorf("reports = %d, stats = %+v", len(list.Reports), list.Stats)
	}

	rr = doRequest(t, ts.server, http.MethodGet, "/api/v1/reports?channel=sms", nil, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad channel status = %d, want %d", rr.Code, http.StatusUnprocessableEntity)
	}

	rr = doRequest(t, ts.server, http.MethodGet, "/api/v1/reports/run-1", nil, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("get status = %d, want %d", rr.Code, http.StatusOK)
	}
	rr = doRequest(t, ts.server, http.MethodGet, "/api/v1/reports/missing", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("get missing status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestTemplateRoutes(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := templates.NewStorage(db)
	if err != nil {
		t.Fatal(err)
	}
	registry := NewRegistry(nil, time.Hour, testLogger())
	s := NewServer(registry, nil, store, nil, &config.APIConfig{}, testLogger())

	req := TemplateRequest{Name: "welcome", Subject: "Welcome {{1}}", HTML: "<p>Hi {{1}}, from {{2}}</p>"}
	rr := doRequest(t, s, http.MethodPost, "/api/v1/templates", req, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d (body %s)", rr.Code, rr.Body.String())
	}
	var created TemplateResponse
	decodeBody(t, rr, &created)
	if len(created.Placeholders) != 2 {
		t.Errorf("Placeholders = %v, want [1 2]", created.Placeholders)
	}

	rr = doRequest(t, s, http.MethodPost, "/api/v1/templates", req, nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want %d", rr.Code, http.StatusConflict)
	}

	rr = doRequest(t, s, http.MethodPost, "/api/v1/templates", TemplateRequest{Name: "bare", HTML: "<p>x</p>"}, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing subject status = %d, want %d", rr.Code, http.StatusUnprocessableEntity)
	}

	rr = doRequest(t, s, http.MethodPut, "/api/v1/templates/"+created.ID, TemplateRequest{Subject: "Hello {{1}}"}, nil)
	var updated TemplateResponse
	decodeBody(t, rr, &updated)
	if updated.Version != 2 || updated.Subject != "Hello {{1}}" || updated.Name != "welcome" {
		t.Errorf("updated = %+v", updated)
	}

	rr = doRequest(t, s, http.MethodGet, "/api/v1/templates", nil, nil)
	var list TemplateListResponse
	decodeBody(t, rr, &list)
	if list.Total != 1 {
		t.Errorf("Total = %d, want 1", list.Total)
	}

	rr = doRequest(t, s, http.MethodDelete, "/api/v1/templates/"+created.ID, nil, nil)
	if rr.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want %d", rr.Code, http.StatusNoContent)
	}
	rr = doRequest(t, s, http.MethodGet, "/api/v1/templates/"+created.ID, nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("get deleted status = %d, want %d", rr.Code, http.StatusNotFound)
	}

	// reports are not configured on this server
	rr = doRequest(t, s, http.MethodGet, "/api/v1/reports", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("reports status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}
