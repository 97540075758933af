package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	mail "github.com/go-mail/mail"

	"github.com/dropDatabas3/nfsegate/internal/observability/logger"
	"github.com/dropDatabas3/nfsegate/internal/util"
)

// SMTPConfig parámetros del servidor SMTP.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLSMode  string // "auto" | "starttls" | "ssl" | "none"
}

// SMTPSender implementa Sender usando go-mail.
type SMTPSender struct {
	cfg     SMTPConfig
	resolve RecipientResolver
	dial    func(m *mail.Message) error
}

// NewSMTPSender crea el sender. resolve nil usa AddressAsUserID.
func NewSMTPSender(cfg SMTPConfig, resolve RecipientResolver) *SMTPSender {
	if cfg.TLSMode == "" {
		cfg.TLSMode = "auto"
	}
	if resolve == nil {
		resolve = AddressAsUserID
	}
	s := &SMTPSender{cfg: cfg, resolve: resolve}
	s.dial = s.dialAndSend
	return s
}

func (s *SMTPSender) Send(ctx context.Context, userID, template string, args map[string]any) error {
	to, err := s.resolve(ctx, userID)
	if err != nil {
		return err
	}
	subject, htmlBody, textBody, err := Render(template, args)
	if err != nil {
		return err
	}

	log := logger.From(ctx).With(
		logger.Component("notify.smtp"),
		logger.String("host", s.cfg.Host),
		logger.String("template", template),
		logger.UserID(userID),
		logger.String("to", util.MaskEmail(to)),
	)

	m := mail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	// multipart/alternative (txt + html)
	m.SetBody("text/plain", textBody)
	m.AddAlternative("text/html", htmlBody)

	if err := s.dial(m); err != nil {
		diag := DiagnoseSMTP(err)
		log.Error("falha no envio SMTP",
			logger.String("diag", diag.Code),
			logger.Bool("temporary", diag.Temporary),
			logger.Err(err),
		)
		return fmt.Errorf("smtp send: %w", err)
	}
	log.Info("notificação enviada")
	return nil
}

func (s *SMTPSender) dialAndSend(m *mail.Message) error {
	d := mail.NewDialer(s.cfg.Host, s.cfg.Port, s.cfg.Username, s.cfg.Password)
	d.TLSConfig = &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}
	d.Timeout = 15 * time.Second

	switch s.cfg.TLSMode {
	case "ssl":
		d.SSL = true
	case "none":
		d.StartTLSPolicy = mail.NoStartTLS
	case "starttls":
		d.StartTLSPolicy = mail.MandatoryStartTLS
	default:
		// "auto": go-mail negocia STARTTLS si corresponde
	}
	return d.DialAndSend(m)
}

// SMTPDiag clasifica un error SMTP.
type SMTPDiag struct {
	Code      string // auth|tls|dial|timeout|rate_limited|invalid_recipient|rejected|network|unknown
	Temporary bool
}

// DiagnoseSMTP analiza un error SMTP.
func DiagnoseSMTP(err error) SMTPDiag {
	if err == nil {
		return SMTPDiag{Code: "unknown"}
	}
	s := strings.ToLower(err.Error())

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return SMTPDiag{Code: "timeout", Temporary: true}
	}
	switch {
	case strings.Contains(s, "timeout"):
		return SMTPDiag{Code: "timeout", Temporary: true}
	case strings.Contains(s, "connection refused"), strings.Contains(s, "no such host"), strings.Contains(s, "dial tcp"):
		return SMTPDiag{Code: "dial", Temporary: true}
	case strings.Contains(s, "x509:"), strings.Contains(s, "tls") && (strings.Contains(s, "handshake") || strings.Contains(s, "certificate")):
		return SMTPDiag{Code: "tls"}
	case strings.Contains(s, "5.7.8"), strings.Contains(s, "535"), strings.Contains(s, "authentication failed"):
		return SMTPDiag{Code: "auth"}
	case strings.Contains(s, "4.7.0"), strings.Contains(s, "rate limit"), strings.Contains(s, "try again later"),
		strings.Contains(s, "451"), strings.Contains(s, "421"):
		return SMTPDiag{Code: "rate_limited", Temporary: true}
	case strings.Contains(s, "5.1.1"), strings.Contains(s, "user unknown"), strings.Contains(s, "mailbox not found"):
		return SMTPDiag{Code: "invalid_recipient"}
	case strings.Contains(s, "5.7.1"), strings.Contains(s, "message rejected"), strings.Contains(s, "dmarc"), strings.Contains(s, "spf"):
		return SMTPDiag{Code: "rejected"}
	}
	if ne != nil {
		return SMTPDiag{Code: "network", Temporary: true}
	}
	return SMTPDiag{Code: "unknown"}
}
