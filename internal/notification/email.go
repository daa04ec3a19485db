package notification

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"text/template"
	"time"

	"github.com/fleetwatch/telemetry-pipeline/internal/database"
	"github.com/fleetwatch/telemetry-pipeline/internal/protocol"
	"github.com/fleetwatch/telemetry-pipeline/pkg/config"
)

var templateFuncs = template.FuncMap{
	"deref":  func(p *int64) int64 { return *p },
	"derefF": func(p *float64) float64 { return *p },
}

var createdTemplate = template.Must(template.New("created").Funcs(templateFuncs).Parse(`
Fleet Alert Raised
==================

Vehicle: {{.VehicleID}}
{{- if .TripID}}
Trip: {{deref .TripID}}
{{- end}}
Alert: {{.AlertType}} ({{.Severity}})
Alert ID: {{.AlertID}}
Time: {{.OccurredAt.Format "2006-01-02 15:04:05 MST"}}
{{- if .Latitude}}
Position: {{printf "%.5f" (derefF .Latitude)}}, {{printf "%.5f" (derefF .Longitude)}}
{{- end}}
{{- if .Speed}}
Speed: {{printf "%.1f" (derefF .Speed)}} km/h
{{- end}}

{{.Message}}

Please take appropriate action.

---
Fleet Telemetry Notification System
`))

var resolvedTemplate = template.Must(template.New("resolved").Funcs(templateFuncs).Parse(`
Fleet Alert Resolved
====================

Vehicle: {{.VehicleID}}
Alert: {{.AlertType}} ({{.Severity}})
Alert ID: {{.AlertID}}
Resolved at: {{.OccurredAt.Format "2006-01-02 15:04:05 MST"}}

The condition that raised this alert no longer holds.

---
Fleet Telemetry Notification System
`))

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier e-mails alert notifications at or above a minimum severity.
type EmailNotifier struct {
	config      config.SMTPConfig
	minSeverity database.Severity
	send        sendFunc
	logger      *slog.Logger
}

// NewEmailNotifier creates a notifier for HIGH and CRITICAL alerts.
func NewEmailNotifier(cfg config.SMTPConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		config:      cfg,
		minSeverity: database.SeverityHigh,
		send:        smtp.SendMail,
		logger:      logger.With("component", "email"),
	}
}

// Configured reports whether SMTP credentials are present. Without them
// e-mails are only logged.
func (e *EmailNotifier) Configured() bool {
	return e.config.Username != "" && e.config.Password != ""
}

// Notify sends the e-mail for a notification. It reports whether the
// notification passed the severity filter.
func (e *EmailNotifier) Notify(n *protocol.AlertNotification) (bool, error) {
	if !database.Severity(n.Severity).AtLeast(e.minSeverity) {
		return false, nil
	}

	var (
		subject string
		tmpl    *template.Template
	)
	switch n.Type {
	case protocol.AlertCreated:
		subject = fmt.Sprintf("[%s] %s - vehicle %d", n.Severity, n.AlertType, n.VehicleID)
		tmpl = createdTemplate
	case protocol.AlertResolved:
		subject = fmt.Sprintf("[RESOLVED] %s - vehicle %d", n.AlertType, n.VehicleID)
		tmpl = resolvedTemplate
	default:
		return false, fmt.Errorf("unknown notification type: %s", n.Type)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, n); err != nil {
		return false, fmt.Errorf("failed to render email template: %w", err)
	}

	return true, e.sendEmail(subject, buf.String())
}

func (e *EmailNotifier) sendEmail(subject, body string) error {
	if !e.Configured() {
		e.logger.Info("SMTP not configured, skipping email", "subject", subject, "body", body)
		return nil
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", e.config.From)
	fmt.Fprintf(&msg, "To: %s\r\n", e.config.To)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)
	addr := net.JoinHostPort(e.config.Host, strconv.Itoa(e.config.Port))
	if err := e.send(addr, auth, e.config.From, []string{e.config.To}, msg.Bytes()); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	e.logger.Info("email sent", "subject", subject)
	return nil
}

// TestConnection dials the SMTP server.
func (e *EmailNotifier) TestConnection() error {
	if !e.Configured() {
		return fmt.Errorf("SMTP not configured")
	}

	addr := net.JoinHostPort(e.config.Host, strconv.Itoa(e.config.Port))
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer client.Close()
	return nil
}
