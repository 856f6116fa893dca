package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
)

func TestNewServerAllowedIPs(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()

	tests := []struct {
		name       string
		allowedIPs []string
		wantCount  int
	}{
		{"empty list", nil, 0},
		{"single IP", []string{"192.168.1.1"}, 1},
		{"CIDR notation", []string{"192.168.0.0/16", "10.0.0.0/8"}, 2},
		{"mixed", []string{"192.168.1.1", "10.0.0.0/8", " 172.16.0.1 "}, 3},
		{"with invalid", []string{"192.168.1.1", "invalid", "10.0.0.0/99"}, 1},
		{"IPv6", []string{"::1", "fe80::/10"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(m, ":9090", "/metrics", tt.allowedIPs, logger)
			if len(s.allowed) != tt.wantCount {
				t.Errorf("expected %d allowed networks, got %d", tt.wantCount, len(s.allowed))
			}
		})
	}
}

func TestIsAllowed(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(New(), ":9090", "/metrics", []string{
		"192.168.1.100",
		"10.0.0.0/8",
		"::1",
		"fe80::/10",
	}, logger)

	tests := []struct {
		ip      string
		allowed bool
	}{
		{"192.168.1.100", true},
		{"192.168.1.101", false},
		{"10.255.255.255", true},
		{"11.0.0.1", false},
		{"::1", true},
		{"fe80::1", true},
		{"2001:db8::1", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := s.isAllowed(netip.MustParseAddr(tt.ip)); got != tt.allowed {
				t.Errorf("isAllowed(%s) = %v, want %v", tt.ip, got, tt.allowed)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		expectedIP string
	}{
		{
			name:       "from RemoteAddr with port",
			remoteAddr: "192.168.1.100:12345",
			expectedIP: "192.168.1.100",
		},
		{
			name:       "from X-Forwarded-For multiple",
			remoteAddr: "127.0.0.1:12345",
			headers:    map[string]string{"X-Forwarded-For": "10.0.0.1, 192.168.1.1"},
			expectedIP: "10.0.0.1",
		},
		{
			name:       "from X-Real-IP",
			remoteAddr: "127.0.0.1:12345",
			headers:    map[string]string{"X-Real-IP": "172.16.0.1"},
			expectedIP: "172.16.0.1",
		},
		{
			name:       "IPv4-mapped peer",
			remoteAddr: "[::ffff:10.1.2.3]:443",
			expectedIP: "10.1.2.3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/metrics", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			ip, ok := clientIP(req)
			if !ok {
				t.Fatal("clientIP returned no address")
			}
			if ip.String() != tt.expectedIP {
				t.Errorf("clientIP() = %s, want %s", ip, tt.expectedIP)
			}
		})
	}
}

func TestHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()
	m.DeliveriesTotal.WithLabelValues("email", "sent").Inc()

	t.Run("metrics served to allowed client", func(t *testing.T) {
		s := NewServer(m, ":9090", "/metrics", []string{"192.168.1.0/24"}, logger)
		req := httptest.NewRequest("GET", "/metrics", nil)
		req.RemoteAddr = "192.168.1.7:5000"
		rec := httptest.NewRecorder()

		s.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "broadcast_deliveries_total") {
			t.Error("expected broadcast_deliveries_total in output")
		}
	})

	t.Run("denied client", func(t *testing.T) {
		s := NewServer(m, ":9090", "/metrics", []string{"192.168.1.0/24"}, logger)
		req := httptest.NewRequest("GET", "/metrics", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		rec := httptest.NewRecorder()

		s.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusForbidden {
			t.Errorf("expected status %d, got %d", http.StatusForbidden, rec.Code)
		}
	})

	t.Run("health bypasses filter", func(t *testing.T) {
		s := NewServer(m, ":9090", "/metrics", []string{"192.168.1.0/24"}, logger)
		req := httptest.NewRequest("GET", "/health", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		rec := httptest.NewRecorder()

		s.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
	})
}
