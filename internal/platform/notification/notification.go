// Package notification provides a persisted outbound notification queue with
// template rendering, bounded retries, and Echo HTTP handlers.
package notification

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type represents the channel used to deliver a notification.
type Type string

const (
	TypeEmail Type = "email"
	TypeSMS   Type = "sms"
)

// Status is the queue state of a notification. A failed notification has
// exhausted its retries; everything else is pending or sent.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// MaxAttempts is how many delivery attempts a notification gets before it is
// parked as failed.
const MaxAttempts = 3

// Notification is a single queued outbound message. Role-addressed messages
// use a "role:<name>" recipient and are fanned out by the delivery channel.
type Notification struct {
	ID           uuid.UUID         `db:"id" json:"id"`
	Type         Type              `db:"type" json:"type"`
	Recipient    string            `db:"recipient" json:"recipient"`
	Subject      string            `db:"subject" json:"subject,omitempty"`
	Body         string            `db:"body" json:"body"`
	TemplateID   string            `db:"template_id" json:"template_id,omitempty"`
	TemplateData map[string]string `db:"template_data" json:"template_data,omitempty"`
	Status       Status            `db:"status" json:"status"`
	RetryCount   int               `db:"retry_count" json:"retry_count"`
	LastError    *string           `db:"last_error" json:"last_error,omitempty"`
	CreatedAt    time.Time         `db:"created_at" json:"created_at"`
	SentAt       *time.Time        `db:"sent_at" json:"sent_at,omitempty"`
}

// Template defines a reusable notification template.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Type    Type   `json:"type"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates
// pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      "claim-submitted",
			Name:    "Claim Submitted",
			Subject: "Claim {{claim_number}} submitted",
			Body:    "Claim {{claim_number}} for {{amount}} has been submitted to the panel and is awaiting review.",
			Type:    TypeEmail,
		},
		{
			ID:      "approval-pending",
			Name:    "Approval Pending",
			Subject: "Approval required: {{subject}} for {{amount}}",
			Body:    "A {{subject}} worth {{amount}} needs your approval before {{expires_at}}. Subject ID: {{subject_id}}.",
			Type:    TypeEmail,
		},
		{
			ID:      "approval-escalated",
			Name:    "Approval Escalated",
			Subject: "Escalated: unattended approval for {{amount}}",
			Body:    "An approval request for {{subject}} {{subject_id}} ({{amount}}) was not handled in time and has been escalated to you.",
			Type:    TypeEmail,
		},
		{
			ID:      "variance-detected",
			Name:    "Payment Variance Detected",
			Subject: "Payment variance on claim {{claim_id}}",
			Body:    "A {{variance_type}} of {{variance}} ({{variance_pct}}%) was detected on claim {{claim_id}} and needs review.",
			Type:    TypeEmail,
		},
		{
			ID:      "claim-status-changed",
			Name:    "Claim Status Changed",
			Subject: "Claim {{claim_number}} is now {{status}}",
			Body:    "Claim {{claim_number}} moved from {{from}} to {{status}} automatically.",
			Type:    TypeEmail,
		},
		{
			ID:      "claim-paid",
			Name:    "Claim Paid",
			Subject: "Claim {{claim_number}} paid",
			Body:    "Claim {{claim_number}} has been reconciled and marked paid for {{amount}}.",
			Type:    TypeEmail,
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are
// left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// TemplateType returns the channel a template delivers on, defaulting to
// email for unknown templates.
func (e *TemplateEngine) TemplateType(templateID string) Type {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if t, ok := e.templates[templateID]; ok {
		return t.Type
	}
	return TypeEmail
}
