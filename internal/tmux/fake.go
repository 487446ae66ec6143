package tmux

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// FakeAdapter is an in-memory Adapter for tests. Panes are created with
// AddPane or SplitPane; tests script pane content with SetCapture and inspect
// what the core sent with SentLiterals/SentControls.
type FakeAdapter struct {
	mu sync.Mutex

	panes          map[string]*fakePane
	nextPane       int
	killedSessions []string

	// LeaderPane is returned by CurrentLeaderPaneID.
	LeaderPane string

	// SplitErr, SendErr, CaptureErr make the respective calls fail.
	SplitErr   error
	SendErr    error
	CaptureErr error

	// EchoNewPanes makes panes created through SplitPane echo their
	// literals, so dispatch verification against them passes.
	EchoNewPanes bool

	// OnSendLiteral, when set, observes every literal send.
	OnSendLiteral func(paneID, text string)
}

type fakePane struct {
	id             string
	currentCommand string
	startCommand   string
	capture        []string // successive CapturePane results, consumed head-first
	literals       []string
	controls       []ControlKey
	pid            int
	dead           bool
	echoLiterals   bool
}

var _ Adapter = (*FakeAdapter)(nil)

// NewFakeAdapter returns an empty fake.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{panes: make(map[string]*fakePane)}
}

// AddPane registers a pane and returns its id.
func (f *FakeAdapter) AddPane(currentCommand string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addPaneLocked(currentCommand, "")
}

func (f *FakeAdapter) addPaneLocked(currentCommand, startCommand string) string {
	f.nextPane++
	id := fmt.Sprintf("%%%d", f.nextPane)
	f.panes[id] = &fakePane{
		id:             id,
		currentCommand: currentCommand,
		startCommand:   startCommand,
		pid:            1000 + f.nextPane,
	}
	return id
}

// SetCapture queues successive CapturePane results for a pane. The last
// entry repeats once the queue drains.
func (f *FakeAdapter) SetCapture(paneID string, captures ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.panes[paneID]; ok {
		p.capture = captures
	}
}

// EchoLiterals makes CapturePane reflect sent literals in the pane tail,
// the way a real input line would, so submit verification can pass.
func (f *FakeAdapter) EchoLiterals(paneID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.panes[paneID]; ok {
		p.echoLiterals = true
	}
}

// SentLiterals returns every literal text sent to the pane.
func (f *FakeAdapter) SentLiterals(paneID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.panes[paneID]; ok {
		return append([]string(nil), p.literals...)
	}
	return nil
}

// SentControls returns every control key sent to the pane.
func (f *FakeAdapter) SentControls(paneID string) []ControlKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.panes[paneID]; ok {
		return append([]ControlKey(nil), p.controls...)
	}
	return nil
}

// MarkDead flags the pane as gone without removing its send history.
func (f *FakeAdapter) MarkDead(paneID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.panes[paneID]; ok {
		p.dead = true
	}
}

// ListPanes returns the live panes in creation order.
func (f *FakeAdapter) ListPanes(_ context.Context, _ string) ([]Pane, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Pane
	for i := 1; i <= f.nextPane; i++ {
		id := fmt.Sprintf("%%%d", i)
		p, ok := f.panes[id]
		if !ok || p.dead {
			continue
		}
		out = append(out, Pane{ID: p.id, CurrentCommand: p.currentCommand, StartCommand: p.startCommand})
	}
	return out, nil
}

// SplitPane creates a new pane whose current command is opts.Command.
func (f *FakeAdapter) SplitPane(_ context.Context, _ string, opts SplitOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SplitErr != nil {
		return "", f.SplitErr
	}
	id := f.addPaneLocked(opts.Command, opts.Command)
	if f.EchoNewPanes {
		f.panes[id].echoLiterals = true
	}
	return id, nil
}

// KillPane removes the pane; unknown panes are a no-op.
func (f *FakeAdapter) KillPane(_ context.Context, paneID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.panes[paneID]; ok {
		p.dead = true
	}
	return nil
}

// KillSession records the destroyed session. The fake has no session
// model, so panes are left to explicit KillPane calls.
func (f *FakeAdapter) KillSession(_ context.Context, session string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killedSessions = append(f.killedSessions, session)
	return nil
}

// KilledSessions returns every session destroyed through the fake.
func (f *FakeAdapter) KilledSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.killedSessions...)
}

// SendLiteral records the text.
func (f *FakeAdapter) SendLiteral(_ context.Context, paneID, text string) error {
	f.mu.Lock()
	cb := f.OnSendLiteral
	if f.SendErr != nil {
		f.mu.Unlock()
		return f.SendErr
	}
	p, ok := f.panes[paneID]
	if !ok || p.dead {
		f.mu.Unlock()
		return fmt.Errorf("pane %s not found", paneID)
	}
	p.literals = append(p.literals, text)
	f.mu.Unlock()
	if cb != nil {
		cb(paneID, text)
	}
	return nil
}

// SendControl records the key.
func (f *FakeAdapter) SendControl(_ context.Context, paneID string, key ControlKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	p, ok := f.panes[paneID]
	if !ok || p.dead {
		return fmt.Errorf("pane %s not found", paneID)
	}
	p.controls = append(p.controls, key)
	return nil
}

// CapturePane pops the next scripted capture, repeating the last one, and
// appends echoed literals when enabled.
func (f *FakeAdapter) CapturePane(_ context.Context, paneID string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CaptureErr != nil {
		return "", f.CaptureErr
	}
	p, ok := f.panes[paneID]
	if !ok || p.dead {
		return "", fmt.Errorf("pane %s not found", paneID)
	}
	var base string
	switch len(p.capture) {
	case 0:
	case 1:
		base = p.capture[0]
	default:
		base = p.capture[0]
		p.capture = p.capture[1:]
	}
	if p.echoLiterals && len(p.literals) > 0 {
		base = strings.TrimRight(base+"\n"+strings.Join(p.literals, "\n"), "\n")
	}
	return base, nil
}

// IsPaneAlive reports pane existence.
func (f *FakeAdapter) IsPaneAlive(_ context.Context, paneID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.panes[paneID]
	return ok && !p.dead
}

// GetPanePid returns the fake pid assigned at creation.
func (f *FakeAdapter) GetPanePid(_ context.Context, paneID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.panes[paneID]; ok && !p.dead {
		return p.pid, nil
	}
	return 0, fmt.Errorf("pane %s not found", paneID)
}

// CurrentLeaderPaneID returns the configured leader pane.
func (f *FakeAdapter) CurrentLeaderPaneID(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LeaderPane, nil
}
