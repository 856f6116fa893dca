package mailer

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/broadcast/internal/campaign"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func welcomeEmail() *campaign.EmailMessage {
	return &campaign.EmailMessage{
		To:       "ada@example.org",
		From:     "team@kyozo.com",
		FromName: "Kyozo Team",
		ReplyTo:  "support@kyozo.com",
		Subject:  "Welcome to Kyozo",
		HTML:     "<p>Hi Ada</p>",
	}
}

type received struct {
	from string
	to   []string
	data string
	user string
}

type testBackend struct {
	mu       sync.Mutex
	messages []received
	username string
	password string
	reject   map[string]bool
}

func (b *testBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &testSession{backend: b}, nil
}

func (b *testBackend) received() []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]received(nil), b.messages...)
}

type testSession struct {
	backend *testBackend
	user    string
	from    string
	to      []string
}

func (s *testSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *testSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.backend.username || password != s.backend.password {
			return smtp.ErrAuthFailed
		}
		s.user = username
		return nil
	}), nil
}

func (s *testSession) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *testSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	if s.backend.reject[to] {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "No such user",
		}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *testSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, received{
		from: s.from,
		to:   s.to,
		data: string(data),
		user: s.user,
	})
	s.backend.mu.Unlock()
	return nil
}

func (s *testSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *testSession) Logout() error {
	return nil
}

func startSMTPServer(t *testing.T, be *testBackend) (string, int) {
	t.Helper()

	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	addr := l.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func TestCompose(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	data, err := Compose(welcomeEmail(), now)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	msg := string(data)

	for _, want := range []string{
		`From: "Kyozo Team" <team@kyozo.com>`,
		"To: ada@example.org",
		"Reply-To: support@kyozo.com",
		"Subject: Welcome to Kyozo",
		"Message-ID: <",
		"@kyozo.com>",
		"text/html",
		"<p>Hi Ada</p>",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("Compose() output missing %q", want)
		}
	}
}

func TestComposeRequiresAddresses(t *testing.T) {
	tests := []struct {
		name string
		msg  *campaign.EmailMessage
	}{
		{"nil", nil},
		{"no from", &campaign.EmailMessage{To: "a@example.org"}},
		{"no to", &campaign.EmailMessage{From: "team@kyozo.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Compose(tt.msg, time.Now()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDomainOf(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"team@Kyozo.com", "kyozo.com"},
		{"no-at-sign", ""},
		{"trailing@", ""},
	}
	for _, tt := range tests {
		if got := DomainOf(tt.addr); got != tt.want {
			t.Errorf("DomainOf(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestSMTPSenderDelivers(t *testing.T) {
	be := &testBackend{username: "relay", password: "secret"}
	host, port := startSMTPServer(t, be)

	sender := NewSMTPSender(SMTPConfig{
		Host:     host,
		Port:     port,
		Username: "relay",
		Password: "secret",
		TLS:      TLSNone,
		Timeout:  5 * time.Second,
	}, testLogger())

	if err := sender.SendEmail(context.Background(), welcomeEmail()); err != nil {
		t.Fatalf("SendEmail() error = %v", err)
	}

	msgs := be.received()
	if len(msgs) != 1 {
		t.Fatalf("received %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.from != "team@kyozo.com" {
		t.Errorf("MAIL FROM = %q, want team@kyozo.com", got.from)
	}
	if len(got.to) != 1 || got.to[0] != "ada@example.org" {
		t.Errorf("RCPT TO = %v, want [ada@example.org]", got.to)
	}
	if got.user != "relay" {
		t.Errorf("authenticated user = %q, want relay", got.user)
	}
	if !strings.Contains(got.data, "Subject: Welcome to Kyozo") {
		t.Error("message data missing subject")
	}
}

func TestSMTPSenderAuthFailure(t *testing.T) {
	be := &testBackend{username: "relay", password: "secret"}
	host, port := startSMTPServer(t, be)

	sender := NewSMTPSender(SMTPConfig{
		Host:     host,
		Port:     port,
		Username: "relay",
		Password: "wrong",
		TLS:      TLSNone,
	}, testLogger())

	err := sender.SendEmail(context.Background(), welcomeEmail())
	if err == nil {
		t.Fatal("expected auth error")
	}
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("error type = %T, want *DeliveryError", err)
	}
	if !strings.HasPrefix(de.Message, "AUTH failed") {
		t.Errorf("Message = %q, want AUTH failed prefix", de.Message)
	}
	if len(be.received()) != 0 {
		t.Error("no message should be accepted")
	}
}

func TestSMTPSenderRejection(t *testing.T) {
	be := &testBackend{reject: map[string]bool{"ada@example.org": true}}
	host, port := startSMTPServer(t, be)

	sender := NewSMTPSender(SMTPConfig{Host: host, Port: port, TLS: TLSNone}, testLogger())

	err := sender.SendEmail(context.Background(), welcomeEmail())
	if err == nil {
		t.Fatal("expected rejection")
	}
	var de *DeliveryError
	if !errors.As(err, &de) || de.Code != 550 {
		t.Errorf("error = %v, want DeliveryError with code 550", err)
	}
}

func TestSMTPSenderConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	sender := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: port, TLS: TLSNone, Timeout: time.Second}, testLogger())
	err = sender.SendEmail(context.Background(), welcomeEmail())
	if err == nil {
		t.Fatal("expected connection error")
	}
	var de *DeliveryError
	if !errors.As(err, &de) || de.Code != 0 || !strings.Contains(de.Message, "connection failed") {
		t.Errorf("error = %v, want connection DeliveryError", err)
	}
}

func TestSMTPSenderStartTLSUnsupported(t *testing.T) {
	be := &testBackend{}
	host, port := startSMTPServer(t, be)

	sender := NewSMTPSender(SMTPConfig{Host: host, Port: port, TLS: TLSStartTLS}, testLogger())
	if err := sender.SendEmail(context.Background(), welcomeEmail()); err == nil {
		t.Fatal("expected error when server lacks STARTTLS")
	}
}

func TestSMTPSenderSignsWithDKIM(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	be := &testBackend{}
	host, port := startSMTPServer(t, be)

	sender := NewSMTPSender(SMTPConfig{Host: host, Port: port, TLS: TLSNone}, testLogger())
	sender.SetDKIMSigner(NewSigner(key, "kyozo.com", "broadcast"))

	if err := sender.SendEmail(context.Background(), welcomeEmail()); err != nil {
		t.Fatalf("SendEmail() error = %v", err)
	}

	msgs := be.received()
	if len(msgs) != 1 {
		t.Fatalf("received %d messages, want 1", len(msgs))
	}
	if !strings.HasPrefix(msgs[0].data, "DKIM-Signature:") {
		t.Error("message should start with DKIM-Signature header")
	}
	if !strings.Contains(msgs[0].data, "s=broadcast") {
		t.Error("signature should name the selector")
	}
}

func TestNewSMTPSenderDefaults(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "smtp.example.com"}, nil)
	if s.cfg.Port != 587 {
		t.Errorf("Port = %d, want 587", s.cfg.Port)
	}
	if s.cfg.TLS != TLSStartTLS {
		t.Errorf("TLS = %q, want %q", s.cfg.TLS, TLSStartTLS)
	}
	if s.cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", s.cfg.Timeout)
	}
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"rejected", &smtp.SMTPError{Code: 550, Message: "mailbox unavailable"}, 550},
		{"deferred", &smtp.SMTPError{Code: 421, Message: "try later"}, 421},
		{"transport", errors.New("broken pipe"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			de := categorizeError(tt.err, "DATA")
			if de.Code != tt.code {
				t.Errorf("Code = %d, want %d", de.Code, tt.code)
			}
			if !strings.HasPrefix(de.Message, "DATA failed") {
				t.Errorf("Message = %q", de.Message)
			}
		})
	}
}

func TestLoadPrivateKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	files := map[string]*pem.Block{
		"pkcs1.pem": {Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)},
		"pkcs8.pem": {Type: "PRIVATE KEY", Bytes: pkcs8},
	}
	for name, block := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
			t.Fatal(err)
		}
		t.Run(name, func(t *testing.T) {
			got, err := LoadPrivateKey(path)
			if err != nil {
				t.Fatalf("LoadPrivateKey() error = %v", err)
			}
			if !got.Equal(key) {
				t.Error("loaded key does not match")
			}
		})
	}

	t.Run("not pem", func(t *testing.T) {
		path := filepath.Join(dir, "garbage")
		os.WriteFile(path, []byte("garbage"), 0600)
		if _, err := LoadPrivateKey(path); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("missing", func(t *testing.T) {
		if _, err := NewSignerFromFile(filepath.Join(dir, "none.pem"), "kyozo.com", "broadcast"); err == nil {
			t.Error("expected error")
		}
	})
}

func TestHTTPSender(t *testing.T) {
	var got sendRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/send" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(sendResponse{ID: "msg-1", Status: "queued"})
	}))
	defer server.Close()

	sender := NewHTTPSender(HTTPConfig{BaseURL: server.URL + "/", APIKey: "k"}, testLogger())
	if err := sender.SendEmail(context.Background(), welcomeEmail()); err != nil {
		t.Fatalf("SendEmail() error = %v", err)
	}

	if auth != "Bearer k" {
		t.Errorf("Authorization = %q, want %q", auth, "Bearer k")
	}
	if got.From != "Kyozo Team <team@kyozo.com>" {
		t.Errorf("From = %q", got.From)
	}
	if len(got.To) != 1 || got.To[0] != "ada@example.org" {
		t.Errorf("To = %v", got.To)
	}
	if got.HTML != "<p>Hi Ada</p>" {
		t.Errorf("HTML = %q", got.HTML)
	}
	if got.Headers["Reply-To"] != "support@kyozo.com" {
		t.Errorf("Reply-To header = %q", got.Headers["Reply-To"])
	}
}

func TestHTTPSenderErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"api message", http.StatusBadRequest, `{"error":"invalid recipient"}`, "email API error (HTTP 400): invalid recipient"},
		{"raw body", http.StatusBadGateway, `upstream down`, "email API error: HTTP 502"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			sender := NewHTTPSender(HTTPConfig{BaseURL: server.URL}, testLogger())
			err := sender.SendEmail(context.Background(), welcomeEmail())
			if err == nil {
				t.Fatal("expected error")
			}
			if err.Error() != tt.wantMsg {
				t.Errorf("error = %q, want %q", err.Error(), tt.wantMsg)
			}
		})
	}
}
