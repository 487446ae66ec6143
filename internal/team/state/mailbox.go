package state

import (
	"context"
	"fmt"
	"time"

	"github.com/omx-dev/omx/internal/fsatomic"
)

// MailboxMessage is one entry in a worker's mailbox. notified_at records
// that the monitor nudged the recipient's pane; delivered_at records the
// recipient acknowledging receipt.
type MailboxMessage struct {
	MessageID   string     `json:"message_id"`
	FromWorker  string     `json:"from_worker"`
	ToWorker    string     `json:"to_worker"`
	Body        string     `json:"body"`
	CreatedAt   time.Time  `json:"created_at"`
	NotifiedAt  *time.Time `json:"notified_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// Delivered reports whether the recipient acknowledged the message.
func (m *MailboxMessage) Delivered() bool { return m.DeliveredAt != nil }

// Mailbox is mailbox/<worker>.json.
type Mailbox struct {
	Worker   string           `json:"worker"`
	Messages []MailboxMessage `json:"messages"`
}

// ReadMailbox returns the worker's mailbox. Missing or malformed files
// report an empty mailbox.
func (s *Store) ReadMailbox(team, worker string) (*Mailbox, error) {
	t, err := s.team(team)
	if err != nil {
		return nil, err
	}
	var mb Mailbox
	if err := fsatomic.ReadJSON(t.MailboxFile(worker), &mb); err != nil || mb.Worker == "" {
		return &Mailbox{Worker: worker, Messages: []MailboxMessage{}}, nil
	}
	if mb.Messages == nil {
		mb.Messages = []MailboxMessage{}
	}
	return &mb, nil
}

// MutateMailbox re-reads the recipient's mailbox under its lock, runs fn,
// and writes the result back atomically. A parse failure under the lock
// re-creates the mailbox from scratch rather than failing the mutation.
func (s *Store) MutateMailbox(ctx context.Context, team, worker string, fn func(*Mailbox) error) (*Mailbox, error) {
	t, err := s.team(team)
	if err != nil {
		return nil, err
	}

	var out *Mailbox
	err = s.withMailboxLock(ctx, t, worker, func() error {
		mb, err := s.ReadMailbox(team, worker)
		if err != nil {
			return err
		}
		if err := fn(mb); err != nil {
			return err
		}
		mb.Worker = worker
		if err := fsatomic.WriteJSON(t.MailboxFile(worker), mb); err != nil {
			return fmt.Errorf("writing mailbox: %w", err)
		}
		out = mb
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
