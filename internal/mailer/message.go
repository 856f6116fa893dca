package mailer

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/foxzi/broadcast/internal/campaign"
)

// Compose builds the RFC 5322 message for one rendered email
func Compose(msg *campaign.EmailMessage, now time.Time) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("nil message")
	}
	if msg.From == "" {
		return nil, fmt.Errorf("from address is required")
	}
	if msg.To == "" {
		return nil, fmt.Errorf("recipient address is required")
	}

	m := gomail.NewMessage()
	if msg.FromName != "" {
		m.SetAddressHeader("From", msg.From, msg.FromName)
	} else {
		m.SetHeader("From", msg.From)
	}
	m.SetHeader("To", msg.To)
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID(msg.From))
	m.SetDateHeader("Date", now)
	m.SetBody("text/html", msg.HTML)

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}
	return buf.Bytes(), nil
}

func messageID(from string) string {
	domain := DomainOf(from)
	if domain == "" {
		domain = "localhost"
	}
	return fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)
}

// DomainOf returns the domain part of an address
func DomainOf(addr string) string {
	i := strings.LastIndex(addr, "@")
	if i < 0 || i == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[i+1:])
}
