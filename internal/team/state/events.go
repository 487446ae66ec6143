package state

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/omx-dev/omx/internal/fsatomic"
)

// EventType enumerates the team event log verbs.
type EventType string

const (
	EventTaskCompleted    EventType = "task_completed"
	EventWorkerIdle       EventType = "worker_idle"
	EventWorkerStopped    EventType = "worker_stopped"
	EventMessageReceived  EventType = "message_received"
	EventShutdownAck      EventType = "shutdown_ack"
	EventApprovalDecision EventType = "approval_decision"
	EventTeamLeaderNudge  EventType = "team_leader_nudge"
)

// TeamEvent is one line of events/events.ndjson.
type TeamEvent struct {
	EventID   string    `json:"event_id"`
	Team      string    `json:"team"`
	Type      EventType `json:"type"`
	Worker    string    `json:"worker"`
	TaskID    string    `json:"task_id,omitempty"`
	MessageID *string   `json:"message_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendEvent appends one event line, generating event_id and created_at
// and stamping the team name.
func (s *Store) AppendEvent(team string, event TeamEvent) (*TeamEvent, error) {
	t, err := s.team(team)
	if err != nil {
		return nil, err
	}
	event.EventID = uuid.NewString()
	event.Team = team
	event.CreatedAt = s.now().UTC()

	line, err := json.Marshal(&event)
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}
	if err := fsatomic.AppendLine(t.EventsFile(), string(line)); err != nil {
		return nil, err
	}
	return &event, nil
}

// ReadEvents returns the event log in append order. Lines that fail to
// parse (a torn trailing write) are skipped.
func (s *Store) ReadEvents(team string) ([]TeamEvent, error) {
	t, err := s.team(team)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(t.EventsFile()) //nolint:gosec // canonical path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var events []TeamEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev TeamEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("scanning event log: %w", err)
	}
	return events, nil
}
