package sender

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"

	"bikenotify/internal/delivery"
	logx "bikenotify/pkg/logx"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// StartTLS upgrades the session when the server offers it.
	StartTLS bool
	// ImplicitTLS dials TLS directly (port 465).
	ImplicitTLS bool
}

// SMTP submits each message over a fresh connection.
type SMTP struct {
	cfg  SMTPConfig
	from *mail.Address
	clk  clock.Clock
	log  logx.Logger
}

func NewSMTP(cfg SMTPConfig, clk clock.Clock, log logx.Logger) (*SMTP, error) {
	if cfg.Host == "" {
		return nil, errors.New("mail.smtp.host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("mail.from: %w", err)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &SMTP{cfg: cfg, from: from, clk: clk, log: log.With(logx.String("comp", "sender.smtp"))}, nil
}

func (s *SMTP) Send(ctx context.Context, recipient string, p delivery.Payload) (delivery.MessageID, error) {
	to, err := parseRecipient(recipient)
	if err != nil {
		return "", delivery.NoRetry(err)
	}
	id := newMessageID(domainOf(s.from.Address))
	msg, err := compose(s.from, to, id, s.clk.Now(), p)
	if err != nil {
		return "", delivery.NoRetry(err)
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	conn, err := s.dial(ctx, addr)
	if err != nil {
		return "", fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	// net/smtp has no context support; the deadline bounds the whole session.
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return "", classifySMTP(err)
	}
	defer c.Close()

	if err := s.session(c, to.Address, msg); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", classifySMTP(err)
	}
	s.log.Debug("mail submitted", logx.String("to", to.Address), logx.String("message_id", string(id)))
	return id, nil
}

func (s *SMTP) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: 15 * time.Second}
	if s.cfg.ImplicitTLS {
		td := &tls.Dialer{NetDialer: d, Config: &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}}
		return td.DialContext(ctx, "tcp", addr)
	}
	return d.DialContext(ctx, "tcp", addr)
}

func (s *SMTP) session(c *smtp.Client, to string, msg []byte) error {
	if s.cfg.StartTLS && !s.cfg.ImplicitTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
				return err
			}
		}
	}
	if s.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return err
		}
	}
	if err := c.Mail(s.from.Address); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// classifySMTP turns 5xx replies into permanent failures. Everything else
// (4xx, network errors) stays retryable.
func classifySMTP(err error) error {
	var te *textproto.Error
	if errors.As(err, &te) {
		switch {
		case te.Code >= 500:
			return delivery.NoRetry(fmt.Errorf("smtp %d: %w", te.Code, err))
		case te.Code == 421 || te.Code == 450 || te.Code == 451 || te.Code == 452:
			return delivery.RetryAfter(fmt.Errorf("smtp %d: %w", te.Code, err), time.Minute)
		}
	}
	return fmt.Errorf("smtp: %w", err)
}
