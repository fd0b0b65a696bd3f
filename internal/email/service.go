package email

import (
	"fmt"
	"net/smtp"
	"strings"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

type Service struct {
	cfg Config
}

func NewService(cfg Config) *Service {
	return &Service{cfg: cfg}
}

// IsConfigured reports whether SMTP settings are present. When they are not,
// callers skip sending instead of failing the operation.
func (s *Service) IsConfigured() bool {
	return s.cfg.Host != "" && s.cfg.From != ""
}

func (s *Service) SendEmail(to, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email service not configured")
	}

	from := s.cfg.From
	if s.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.From)
	}

	var msg strings.Builder
	msg.WriteString("From: " + from + "\r\n")
	msg.WriteString("To: " + to + "\r\n")
	msg.WriteString("Subject: " + subject + "\r\n")
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, s.cfg.From, []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

// SendCollaboratorInvite notifies a user that they were added to a pad.
// Best-effort: the caller logs failures and moves on.
func (s *Service) SendCollaboratorInvite(to, inviterName, padName string) error {
	subject := fmt.Sprintf("%s added you to %q", inviterName, padName)
	body := fmt.Sprintf(
		"Hi,\n\n%s added you as a collaborator on the pad %q.\nOpen your dashboard to start editing.\n",
		inviterName, padName,
	)
	return s.SendEmail(to, subject, body)
}
