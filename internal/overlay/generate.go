package overlay

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/omx-dev/omx/internal/fsatomic"
	"github.com/omx-dev/omx/internal/log"
	"github.com/omx-dev/omx/internal/modestate"
	"github.com/omx-dev/omx/internal/team/paths"
)

// MaxBytes caps the rendered runtime block, markers included.
const MaxBytes = 2000

const ellipsis = "..."

// compactionProtocol is the fixed closing section. It survives every drop
// pass because a compacted agent has nothing else to re-anchor on.
const compactionProtocol = `After any context compaction, re-read this overlay and your inbox before
resuming work. Task claims, mailbox messages, and team state live under
.omx/state and survive compaction; trust those files over recalled context.`

// Inputs is everything the generator consumes. Collect fills it
// best-effort; zero-value fields render as absent sections.
type Inputs struct {
	SessionID     string
	Project       string
	ActiveModes   []modestate.ActiveMode
	PriorityNotes string
	Memory        *ProjectMemory
}

// ProjectMemory is the persisted project summary at
// .omx/project-memory.json.
type ProjectMemory struct {
	Stack        string      `json:"stack,omitempty"`
	Conventions  string      `json:"conventions,omitempty"`
	BuildCommand string      `json:"build_command,omitempty"`
	Directives   []Directive `json:"directives,omitempty"`
}

// Directive is one standing instruction from project memory.
type Directive struct {
	Text     string `json:"text"`
	Priority string `json:"priority,omitempty"`
}

// section is one rendered part of the block. rank orders overflow drops:
// optional sections go lowest rank first.
type section struct {
	title    string
	body     string
	required bool
	rank     int
}

// Generate renders the runtime block for in. The output is deterministic
// for identical inputs and never exceeds MaxBytes: optional sections are
// dropped lowest-priority-first, then the trailing section is truncated
// with an ellipsis.
func Generate(in Inputs) string {
	secs := buildSections(in)
	out := render(secs)
	for len(out) > MaxBytes {
		idx := lowestOptional(secs)
		if idx < 0 {
			break
		}
		secs = append(secs[:idx], secs[idx+1:]...)
		out = render(secs)
	}
	if len(out) > MaxBytes {
		out = truncate(secs, MaxBytes)
	}
	return out
}

// Collect gathers generator inputs from the state root. Every read is
// best-effort: missing or malformed sources leave their section empty.
func Collect(root paths.Root, sessionID string) Inputs {
	in := Inputs{SessionID: sessionID, Project: root.Project()}

	modes, err := modestate.NewStore(root).ListActive(sessionID)
	if err == nil {
		in.ActiveModes = modes
	}

	if notes := prioritySection(readFileOrEmpty(root.NotepadFile())); notes != "" {
		in.PriorityNotes = notes
	}

	var mem ProjectMemory
	if err := fsatomic.ReadJSON(root.ProjectMemoryFile(), &mem); err == nil {
		in.Memory = &mem
	} else {
		log.Debug(log.CatOverlay, "project memory unavailable", "path", root.ProjectMemoryFile())
	}
	return in
}

// WorkerBlock renders the marker-bounded worker overlay appended to the
// instructions file while a team is running. body carries the worker
// protocol text composed by the bootstrap layer.
func WorkerBlock(team, worker, body string) string {
	var b strings.Builder
	b.WriteString(WorkerStartMarker)
	b.WriteString("\n## Team Worker\n")
	fmt.Fprintf(&b, "- team: %s\n- worker: %s\n", team, worker)
	if body = strings.TrimSpace(body); body != "" {
		b.WriteString("\n")
		b.WriteString(body)
		b.WriteString("\n")
	}
	b.WriteString(WorkerEndMarker)
	b.WriteString("\n")
	return b.String()
}

func buildSections(in Inputs) []section {
	secs := []section{{
		title:    "Session",
		body:     sessionMeta(in),
		required: true,
	}}

	if body := activeModes(in.ActiveModes); body != "" {
		secs = append(secs, section{title: "Active Modes", body: body, rank: 3})
	}
	if in.PriorityNotes != "" {
		secs = append(secs, section{title: "Priority Notes", body: in.PriorityNotes, rank: 2})
	}
	if body := projectContext(in.Memory); body != "" {
		secs = append(secs, section{title: "Project Context", body: body, rank: 1})
	}

	secs = append(secs, section{
		title:    "Compaction Protocol",
		body:     compactionProtocol,
		required: true,
	})
	return secs
}

func sessionMeta(in Inputs) string {
	sid := in.SessionID
	if sid == "" {
		sid = "unscoped"
	}
	return fmt.Sprintf("- session: %s\n- project: %s", sid, in.Project)
}

func activeModes(modes []modestate.ActiveMode) string {
	if len(modes) == 0 {
		return ""
	}
	lines := make([]string, 0, len(modes))
	for _, m := range modes {
		if m.CurrentPhase != "" {
			lines = append(lines, fmt.Sprintf("- %s (phase: %s)", m.Mode, m.CurrentPhase))
		} else {
			lines = append(lines, "- "+m.Mode)
		}
	}
	return strings.Join(lines, "\n")
}

func projectContext(mem *ProjectMemory) string {
	if mem == nil {
		return ""
	}
	var lines []string
	if mem.Stack != "" {
		lines = append(lines, "- stack: "+mem.Stack)
	}
	if mem.Conventions != "" {
		lines = append(lines, "- conventions: "+mem.Conventions)
	}
	if mem.BuildCommand != "" {
		lines = append(lines, "- build: "+mem.BuildCommand)
	}
	for _, d := range topDirectives(mem.Directives) {
		lines = append(lines, "- directive: "+d.Text)
	}
	return strings.Join(lines, "\n")
}

// topDirectives keeps at most three directives, high priority first,
// preserving input order within each tier.
func topDirectives(dirs []Directive) []Directive {
	var high, rest []Directive
	for _, d := range dirs {
		if strings.EqualFold(d.Priority, "high") {
			high = append(high, d)
		} else {
			rest = append(rest, d)
		}
	}
	out := append(high, rest...)
	if len(out) > 3 {
		out = out[:3]
	}
	return out
}

func render(secs []section) string {
	var b strings.Builder
	b.WriteString(RuntimeStartMarker)
	b.WriteString("\n")
	for i, s := range secs {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## ")
		b.WriteString(s.title)
		b.WriteString("\n")
		b.WriteString(s.body)
		b.WriteString("\n")
	}
	b.WriteString(RuntimeEndMarker)
	b.WriteString("\n")
	return b.String()
}

func lowestOptional(secs []section) int {
	idx, best := -1, 0
	for i, s := range secs {
		if s.required {
			continue
		}
		if idx < 0 || s.rank < best {
			idx, best = i, s.rank
		}
	}
	return idx
}

// truncate shortens section bodies, last section first, until the render
// fits max. Shortened bodies end with an ellipsis on a rune boundary.
func truncate(secs []section, max int) string {
	out := render(secs)
	for i := len(secs) - 1; i >= 0 && len(out) > max; i-- {
		over := len(out) - max
		keep := len(secs[i].body) - over - len(ellipsis)
		if keep < 0 {
			keep = 0
		}
		for keep > 0 && !utf8.RuneStart(secs[i].body[keep]) {
			keep--
		}
		secs[i].body = secs[i].body[:keep] + ellipsis
		out = render(secs)
	}
	return out
}

// prioritySection extracts the body under a PRIORITY heading from notepad
// markdown. The section runs to the next heading or end of file.
func prioritySection(content string) string {
	var out []string
	in := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			if in {
				break
			}
			heading := strings.ToLower(strings.TrimLeft(trimmed, "# "))
			in = strings.HasPrefix(heading, "priority")
			continue
		}
		if in {
			out = append(out, line)
		}
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
