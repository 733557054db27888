package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DispatchBatchSize bounds how many notifications one dispatch pass delivers.
const DispatchBatchSize = 10

// DispatchResult summarises one dispatch pass over the queue.
type DispatchResult struct {
	Claimed int `json:"claimed"`
	Sent    int `json:"sent"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
}

// Manager owns the notification queue: enqueueing, template rendering, and
// the dispatch pass that drains pending rows through the channel senders.
type Manager struct {
	store     Store
	templates *TemplateEngine
	email     EmailSender
	sms       SMSSender
	logger    zerolog.Logger
}

func NewManager(store Store, templates *TemplateEngine, email EmailSender, sms SMSSender, logger zerolog.Logger) *Manager {
	return &Manager{
		store:     store,
		templates: templates,
		email:     email,
		sms:       sms,
		logger:    logger.With().Str("component", "notification").Logger(),
	}
}

// Enqueue persists a notification as pending. Delivery happens later, in a
// dispatch pass; a full queue never blocks the caller's request.
func (m *Manager) Enqueue(ctx context.Context, n *Notification) error {
	if n.Recipient == "" {
		return fmt.Errorf("recipient is required")
	}
	if n.Type == "" {
		n.Type = TypeEmail
	}
	if n.TemplateID != "" {
		subject, body, err := m.templates.Render(n.TemplateID, n.TemplateData)
		if err != nil {
			return fmt.Errorf("render template: %w", err)
		}
		n.Subject = subject
		n.Body = body
		n.Type = m.templates.TemplateType(n.TemplateID)
	}
	if n.Body == "" {
		return fmt.Errorf("body is required")
	}
	return m.store.Enqueue(ctx, n)
}

// NotifyRole enqueues a templated notification addressed to everyone holding
// a role. Fan-out to individual holders is a delivery concern.
func (m *Manager) NotifyRole(ctx context.Context, role, template string, data map[string]string) error {
	return m.Enqueue(ctx, &Notification{
		Recipient:    "role:" + role,
		TemplateID:   template,
		TemplateData: data,
	})
}

// DispatchPending delivers one bounded batch of pending notifications, oldest
// first. A failed delivery stays pending until its attempt budget runs out,
// then parks as failed. Safe to run from multiple processes.
func (m *Manager) DispatchPending(ctx context.Context) (DispatchResult, error) {
	var res DispatchResult
	batch, err := m.store.ClaimBatch(ctx, DispatchBatchSize)
	if err != nil {
		return res, fmt.Errorf("claim notification batch: %w", err)
	}
	res.Claimed = len(batch)

	for _, n := range batch {
		if err := m.deliver(ctx, n); err != nil {
			terminal := n.RetryCount >= MaxAttempts
			if markErr := m.store.MarkFailed(ctx, n.ID, err.Error(), terminal); markErr != nil {
				m.logger.Error().Err(markErr).Str("notification_id", n.ID.String()).Msg("mark failed write failed")
			}
			if terminal {
				res.Failed++
				m.logger.Warn().Err(err).
					Str("notification_id", n.ID.String()).
					Int("attempts", n.RetryCount).
					Msg("notification failed permanently")
			} else {
				res.Retried++
			}
			continue
		}
		if err := m.store.MarkSent(ctx, n.ID, time.Now().UTC()); err != nil {
			m.logger.Error().Err(err).Str("notification_id", n.ID.String()).Msg("mark sent write failed")
			continue
		}
		res.Sent++
	}
	return res, nil
}

func (m *Manager) deliver(ctx context.Context, n *Notification) error {
	switch n.Type {
	case TypeEmail:
		return m.email.SendEmail(ctx, n.Recipient, n.Subject, n.Body)
	case TypeSMS:
		return m.sms.SendSMS(ctx, n.Recipient, n.Body)
	default:
		return fmt.Errorf("unsupported notification type: %s", n.Type)
	}
}

// Retry requeues a permanently failed notification with a fresh attempt
// budget.
func (m *Manager) Retry(ctx context.Context, id uuid.UUID) (*Notification, error) {
	matched, err := m.store.Reset(ctx, id)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, fmt.Errorf("notification is not in failed status")
	}
	return m.store.GetByID(ctx, id)
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Notification, error) {
	return m.store.GetByID(ctx, id)
}

func (m *Manager) ListByRecipient(ctx context.Context, recipient string, limit int) ([]*Notification, error) {
	return m.store.ListByRecipient(ctx, recipient, limit)
}

func (m *Manager) Stats(ctx context.Context) (map[Status]int, error) {
	return m.store.Stats(ctx)
}
