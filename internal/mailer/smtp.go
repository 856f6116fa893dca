package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/broadcast/internal/campaign"
)

// TLS modes of the SMTP transport
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
)

// SMTPConfig holds SMTP relay settings
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	TLS       string
	Timeout   time.Duration
	LocalName string
	// InsecureSkipVerify disables certificate checks, for test relays only
	InsecureSkipVerify bool
}

// DeliveryError is an SMTP failure. Code is the reply code, 0 for
// transport failures.
type DeliveryError struct {
	Code    int
	Message string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// SMTPSender relays rendered emails through an SMTP submission server
type SMTPSender struct {
	cfg    SMTPConfig
	signer *Signer
	now    func() time.Time
	logger *slog.Logger
}

// NewSMTPSender creates an SMTP sender
func NewSMTPSender(cfg SMTPConfig, logger *slog.Logger) *SMTPSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.TLS == "" {
		cfg.TLS = TLSStartTLS
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPSender{
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "mailer.smtp"),
	}
}

// SetDKIMSigner enables DKIM signing of outgoing messages
func (s *SMTPSender) SetDKIMSigner(signer *Signer) {
	s.signer = signer
}

// SendEmail delivers one message
func (s *SMTPSender) SendEmail(ctx context.Context, msg *campaign.EmailMessage) error {
	data, err := Compose(msg, s.now())
	if err != nil {
		return &DeliveryError{Message: err.Error()}
	}

	if s.signer != nil && DomainOf(msg.From) == s.signer.Domain() {
		signed, err := s.signer.Sign(data)
		if err != nil {
			s.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", s.signer.Domain(),
				"error", err,
			)
		} else {
			data = signed
		}
	}

	client, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Hello(s.cfg.LocalName); err != nil {
		return categorizeError(err, "HELO")
	}

	if s.cfg.TLS == TLSStartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return &DeliveryError{Message: "server does not support STARTTLS"}
		}
		if err := client.StartTLS(s.tlsConfig()); err != nil {
			return categorizeError(err, "STARTTLS")
		}
	}

	if s.cfg.Username != "" {
		auth := sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return categorizeError(err, "AUTH")
		}
	}

	if err := client.SendMail(msg.From, []string{msg.To}, bytes.NewReader(data)); err != nil {
		return categorizeError(err, "send")
	}

	if err := client.Quit(); err != nil {
		s.logger.Debug("QUIT failed", "error", err)
	}

	s.logger.Debug("message relayed", "host", s.cfg.Host, "to", msg.To)
	return nil
}

func (s *SMTPSender) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	dialer := &net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &DeliveryError{Message: fmt.Sprintf("connection failed to %s: %v", addr, err)}
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(s.cfg.Timeout))
	}

	if s.cfg.TLS == TLSImplicit {
		tlsConn := tls.Client(conn, s.tlsConfig())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, &DeliveryError{Message: fmt.Sprintf("TLS handshake with %s failed: %v", addr, err)}
		}
		conn = tlsConn
	}

	return smtp.NewClient(conn), nil
}

func (s *SMTPSender) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         s.cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify,
	}
}

// categorizeError keeps the SMTP reply code of a failed stage
func categorizeError(err error, stage string) *DeliveryError {
	de := &DeliveryError{Message: fmt.Sprintf("%s failed: %v", stage, err)}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		de.Code = smtpErr.Code
	}
	return de
}
