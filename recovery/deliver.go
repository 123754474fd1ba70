package recovery

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Deliverer sends a released recovery key to the subject out of band.
type Deliverer interface {
	Deliver(ctx context.Context, subjectID string, key []byte) error
}

// LogDeliverer is for development. It records that a delivery happened
// and never logs the key itself.
type LogDeliverer struct {
	Logger zerolog.Logger
}

func (d LogDeliverer) Deliver(_ context.Context, subjectID string, key []byte) error {
	d.Logger.Info().Str("subject", maskSubject(subjectID)).Int("key_bytes", len(key)).Msg("recovery key released")
	return nil
}

// SMTP security modes.
const (
	SMTPStartTLS = "starttls"
	SMTPSSL      = "ssl"
	SMTPNone     = "none"
)

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	Security string `yaml:"security"`
	Subject  string `yaml:"subject"`
}

// SMTPDeliverer mails the recovery key to the subject id, which is
// expected to be an email address.
type SMTPDeliverer struct {
	cfg SMTPConfig
}

func NewSMTPDeliverer(cfg SMTPConfig) (*SMTPDeliverer, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, errors.New("recovery: smtp host and from are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Security == "" {
		cfg.Security = SMTPStartTLS
	}
	if cfg.Subject == "" {
		cfg.Subject = "Your vault recovery key"
	}
	return &SMTPDeliverer{cfg: cfg}, nil
}

func (d *SMTPDeliverer) Deliver(ctx context.Context, subjectID string, key []byte) error {
	if !strings.Contains(subjectID, "@") {
		return errors.Errorf("recovery: subject %s is not an email address", maskSubject(subjectID))
	}
	addr := net.JoinHostPort(d.cfg.Host, fmt.Sprint(d.cfg.Port))

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	var conn net.Conn
	var err error
	if d.cfg.Security == SMTPSSL {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: d.cfg.Host})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return errors.Wrap(err, "recovery: dialing smtp")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, d.cfg.Host)
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "recovery: smtp handshake")
	}
	defer c.Close()

	if d.cfg.Security == SMTPStartTLS {
		if err := c.StartTLS(&tls.Config{ServerName: d.cfg.Host}); err != nil {
			return errors.Wrap(err, "recovery: smtp starttls")
		}
	}
	if d.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", d.cfg.Username, d.cfg.Password, d.cfg.Host)); err != nil {
			return errors.Wrap(err, "recovery: smtp auth")
		}
	}
	if err := c.Mail(d.cfg.From); err != nil {
		return errors.Wrap(err, "recovery: smtp MAIL")
	}
	if err := c.Rcpt(subjectID); err != nil {
		return errors.Wrap(err, "recovery: smtp RCPT")
	}
	w, err := c.Data()
	if err != nil {
		return errors.Wrap(err, "recovery: smtp DATA")
	}
	if _, err := w.Write(recoveryMessage(d.cfg.From, subjectID, d.cfg.Subject, key)); err != nil {
		return errors.Wrap(err, "recovery: writing message")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "recovery: closing message")
	}
	return c.Quit()
}

func recoveryMessage(from, to, subject string, key []byte) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\nTo: %s\r\nSubject: %s\r\n", from, to, subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString("A recovery of your vault key was verified. Your recovery key is:\r\n\r\n")
	b.Write(key)
	b.WriteString("\r\n\r\nIf you did not request this, contact your administrator.\r\n")
	return []byte(b.String())
}

func maskSubject(s string) string {
	local, domain, ok := strings.Cut(s, "@")
	if !ok {
		if len(s) <= 2 {
			return "***"
		}
		return s[:1] + "***"
	}
	if local == "" {
		return "***@" + domain
	}
	return local[:1] + "***@" + domain
}
