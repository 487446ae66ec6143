// Package mailbox carries direct and broadcast messages between team
// members. Each recipient owns one append-only mailbox file; sends are
// serialized under the per-recipient lock so no accepted message is ever
// lost, and every accepted send is mirrored as a message_received event.
package mailbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/omx-dev/omx/internal/log"
	"github.com/omx-dev/omx/internal/team/state"
	"github.com/omx-dev/omx/internal/team/teamerr"
)

// Service exposes mailbox operations over a state store.
type Service struct {
	store *state.Store
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the service's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService returns a mailbox service over the given store.
func NewService(store *state.Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendDirect appends a message to the recipient's mailbox and records a
// message_received event. The returned message carries its generated id.
func (s *Service) SendDirect(ctx context.Context, team, from, to, body string) (*state.MailboxMessage, error) {
	if to == "" {
		return nil, teamerr.New(teamerr.CatWorkerNotFound, "empty recipient")
	}
	if _, err := s.store.ReadConfig(team); err != nil {
		return nil, err
	}

	msg := state.MailboxMessage{
		MessageID:  uuid.NewString(),
		FromWorker: from,
		ToWorker:   to,
		Body:       body,
		CreatedAt:  s.now().UTC(),
	}
	_, err := s.store.MutateMailbox(ctx, team, to, func(mb *state.Mailbox) error {
		mb.Messages = append(mb.Messages, msg)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.store.AppendEvent(team, state.TeamEvent{
		Type:      state.EventMessageReceived,
		Worker:    to,
		MessageID: &msg.MessageID,
		Reason:    "from " + from,
	}); err != nil {
		return &msg, err
	}

	log.Debug(log.CatMailbox, "message sent", "team", team, "from", from, "to", to, "message", msg.MessageID)
	return &msg, nil
}

// Broadcast sends one direct message to every team worker except the
// sender. Returns the messages in recipient order.
func (s *Service) Broadcast(ctx context.Context, team, from, body string) ([]*state.MailboxMessage, error) {
	workers, err := s.store.Workers(team)
	if err != nil {
		return nil, err
	}

	var sent []*state.MailboxMessage
	for _, w := range workers {
		if w == from {
			continue
		}
		msg, err := s.SendDirect(ctx, team, from, w, body)
		if err != nil {
			return sent, err
		}
		sent = append(sent, msg)
	}
	return sent, nil
}

// List returns the recipient's messages in insertion order.
func (s *Service) List(team, worker string) ([]state.MailboxMessage, error) {
	mb, err := s.store.ReadMailbox(team, worker)
	if err != nil {
		return nil, err
	}
	return mb.Messages, nil
}

// Pending returns the recipient's messages that have not been delivered.
func (s *Service) Pending(team, worker string) ([]state.MailboxMessage, error) {
	msgs, err := s.List(team, worker)
	if err != nil {
		return nil, err
	}
	var pending []state.MailboxMessage
	for _, m := range msgs {
		if !m.Delivered() {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// MarkNotified stamps notified_at on one message. Reports false when the
// message does not exist.
func (s *Service) MarkNotified(ctx context.Context, team, worker, messageID string) (bool, error) {
	return s.stamp(ctx, team, worker, messageID, func(m *state.MailboxMessage, at time.Time) {
		m.NotifiedAt = &at
	})
}

// MarkDelivered stamps delivered_at on one message. Reports false when the
// message does not exist.
func (s *Service) MarkDelivered(ctx context.Context, team, worker, messageID string) (bool, error) {
	return s.stamp(ctx, team, worker, messageID, func(m *state.MailboxMessage, at time.Time) {
		m.DeliveredAt = &at
	})
}

func (s *Service) stamp(ctx context.Context, team, worker, messageID string, set func(*state.MailboxMessage, time.Time)) (bool, error) {
	found := false
	_, err := s.store.MutateMailbox(ctx, team, worker, func(mb *state.Mailbox) error {
		for i := range mb.Messages {
			if mb.Messages[i].MessageID == messageID {
				set(&mb.Messages[i], s.now().UTC())
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}
