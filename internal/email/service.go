// Package email sends invitation notifications via SMTP. Sending is always
// best effort: an unreachable mail server must never fail the invitation
// itself.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

type Config struct {
	Host      string
	Port      string
	Username  string
	Password  string
	From      string
	FromName  string
	EnableTLS bool
}

type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured reports whether enough SMTP settings are present to send.
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// InvitationData fills the invitation email template.
type InvitationData struct {
	AppName     string
	InviterName string
	Role        string
	Message     string
	AcceptURL   string
}

// SendInvitation mails an invitation link to the invitee.
func (s *Service) SendInvitation(to, inviterName, role, message, acceptURL string) error {
	data := InvitationData{
		AppName:     "Folio",
		InviterName: inviterName,
		Role:        role,
		Message:     message,
		AcceptURL:   acceptURL,
	}

	subject := fmt.Sprintf("%s invited you to collaborate on Folio", inviterName)
	html, err := RenderInvitation(data)
	if err != nil {
		return fmt.Errorf("render invitation template: %w", err)
	}

	return s.send([]string{to}, subject, renderInvitationText(data), html)
}

// renderInvitationText is the fallback body for text-only mail clients; it
// must carry the accept link on its own.
func renderInvitationText(data InvitationData) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s invited you to collaborate on %s as %s.\r\n", data.InviterName, data.AppName, data.Role)
	if data.Message != "" {
		fmt.Fprintf(&buf, "\r\n%s\r\n", data.Message)
	}
	fmt.Fprintf(&buf, "\r\nOpen %s to respond.\r\n", data.AcceptURL)
	return buf.String()
}

func (s *Service) send(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := composeMessage(from, to, subject, textBody, htmlBody)
	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
}

func composeMessage(from string, to []string, subject, textBody, htmlBody string) []byte {
	boundary := "boundary-folio"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return msg.Bytes()
}

// RenderInvitation is exported for tests; SendInvitation is the normal path.
func RenderInvitation(data InvitationData) (string, error) {
	t := template.Must(template.New("invitation").Parse(invitationEmailTemplate))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const invitationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>You're invited to collaborate on {{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .message { background: #f6f8fa; padding: 12px; border-radius: 4px; margin: 20px 0; font-style: italic; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #0066cc; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>{{.InviterName}} invited you to collaborate</h2>

    <p>You have been invited to join a document as <strong>{{.Role}}</strong>.</p>

    {{if .Message}}<div class="message">{{.Message}}</div>{{end}}

    <p>
        <a href="{{.AcceptURL}}" class="button">View Invitation</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.AcceptURL}}</p>

    <div class="footer">
        <p>If you weren't expecting this invitation, you can safely ignore this email. It expires on its own.</p>
    </div>
</body>
</html>`
