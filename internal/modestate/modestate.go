// Package modestate stores per-mode runtime state files under the state
// root. A mode is one of a closed set of named operating modes; its state
// lives at <state-root>/<mode>-state.json globally or under
// sessions/<sid>/ when scoped to a session.
//
// Writes deep-merge a patch over the existing record so concurrent tools
// can each own their keys; the runtime_context key survives merges unless
// a patch overwrites it explicitly.
package modestate

import (
	"encoding/json"
	"os"
	"regexp"
	"sort"
	"time"

	"github.com/omx-dev/omx/internal/fsatomic"
	"github.com/omx-dev/omx/internal/log"
	"github.com/omx-dev/omx/internal/team/paths"
	"github.com/omx-dev/omx/internal/team/teamerr"
)

// Modes is the closed set of mode names the state tools accept.
var Modes = []string{
	"autopilot",
	"ultrapilot",
	"team",
	"pipeline",
	"ralph",
	"ultrawork",
	"ultraqa",
	"ecomode",
	"ralplan",
}

// RuntimeContextKey is preserved across merges unless a patch overwrites it.
const RuntimeContextKey = "runtime_context"

// sessionIDRe bounds session ids to path-safe tokens.
var sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidMode reports membership in the closed mode set.
func ValidMode(mode string) bool {
	for _, m := range Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// CheckMode validates a mode name with a typed error.
func CheckMode(mode string) error {
	if !ValidMode(mode) {
		return teamerr.Newf(teamerr.CatInvalidStatus, "unknown mode %q", mode)
	}
	return nil
}

// CheckSessionID validates an optional session scope. Empty selects the
// global scope and is always valid.
func CheckSessionID(sid string) error {
	if sid == "" {
		return nil
	}
	if !sessionIDRe.MatchString(sid) {
		return teamerr.Newf(teamerr.CatInvalidStatus, "invalid session_id %q", sid)
	}
	return nil
}

// State is the typed view of a mode state file. Extra carries
// mode-specific fields that have no typed home.
type State struct {
	Active         bool           `json:"active"`
	CurrentPhase   string         `json:"current_phase,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at,omitempty"`
	RuntimeContext map[string]any `json:"runtime_context,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// Store reads and writes mode state for one project.
type Store struct {
	root paths.Root
	now  func() time.Time
}

// NewStore returns a mode state store for the project root.
func NewStore(root paths.Root) *Store {
	return &Store{root: root, now: time.Now}
}

// WithClock overrides the store's time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Read returns the raw state document, or nil when the file is missing or
// malformed.
func (s *Store) Read(mode, sessionID string) (map[string]any, error) {
	if err := CheckMode(mode); err != nil {
		return nil, err
	}
	if err := CheckSessionID(sessionID); err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := fsatomic.ReadJSON(s.root.ModeStateFile(mode, sessionID), &doc); err != nil {
		return nil, nil
	}
	return doc, nil
}

// ReadTyped returns the typed view of the state, or a zero value when the
// file is missing or malformed.
func (s *Store) ReadTyped(mode, sessionID string) (*State, error) {
	if err := CheckMode(mode); err != nil {
		return nil, err
	}
	if err := CheckSessionID(sessionID); err != nil {
		return nil, err
	}
	var st State
	if err := fsatomic.ReadJSON(s.root.ModeStateFile(mode, sessionID), &st); err != nil {
		return &State{}, nil
	}
	return &st, nil
}

// Write deep-merges patch over the existing document, stamps updated_at,
// and persists atomically. The runtime_context key survives unless the
// patch carries its own.
func (s *Store) Write(mode, sessionID string, patch map[string]any) (map[string]any, error) {
	if err := CheckMode(mode); err != nil {
		return nil, err
	}
	if err := CheckSessionID(sessionID); err != nil {
		return nil, err
	}

	existing, _ := s.Read(mode, sessionID)
	merged := Merge(existing, patch)
	merged["updated_at"] = s.now().UTC().Format(time.RFC3339Nano)

	if err := fsatomic.WriteJSON(s.root.ModeStateFile(mode, sessionID), merged); err != nil {
		return nil, err
	}
	log.Debug(log.CatState, "mode state written", "mode", mode, "session", sessionID)
	return merged, nil
}

// Clear removes the state file. Missing files are a no-op.
func (s *Store) Clear(mode, sessionID string) error {
	if err := CheckMode(mode); err != nil {
		return err
	}
	if err := CheckSessionID(sessionID); err != nil {
		return err
	}
	err := os.Remove(s.root.ModeStateFile(mode, sessionID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ActiveMode is one active mode in a listing.
type ActiveMode struct {
	Mode         string `json:"mode"`
	CurrentPhase string `json:"current_phase,omitempty"`
	SessionScope bool   `json:"session_scope,omitempty"`
}

// ListActive returns the modes whose state reports active=true, session
// scope first (overriding the global entry for the same mode), sorted by
// mode name.
func (s *Store) ListActive(sessionID string) ([]ActiveMode, error) {
	if err := CheckSessionID(sessionID); err != nil {
		return nil, err
	}

	byMode := map[string]ActiveMode{}
	for _, mode := range Modes {
		st, err := s.ReadTyped(mode, "")
		if err == nil && st.Active {
			byMode[mode] = ActiveMode{Mode: mode, CurrentPhase: st.CurrentPhase}
		}
	}
	if sessionID != "" {
		for _, mode := range Modes {
			st, err := s.ReadTyped(mode, sessionID)
			if err == nil && st.Active {
				byMode[mode] = ActiveMode{Mode: mode, CurrentPhase: st.CurrentPhase, SessionScope: true}
			}
		}
	}

	out := make([]ActiveMode, 0, len(byMode))
	for _, am := range byMode {
		out = append(out, am)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mode < out[j].Mode })
	return out, nil
}

// ModeStatus is one row of the full status listing.
type ModeStatus struct {
	Mode         string `json:"mode"`
	Active       bool   `json:"active"`
	CurrentPhase string `json:"current_phase,omitempty"`
	HasState     bool   `json:"has_state"`
}

// Status reports every mode's global state, present or not. session.json
// and files outside the closed set are never consulted.
func (s *Store) Status() ([]ModeStatus, error) {
	out := make([]ModeStatus, 0, len(Modes))
	for _, mode := range Modes {
		row := ModeStatus{Mode: mode}
		var st State
		if err := fsatomic.ReadJSON(s.root.ModeStateFile(mode, ""), &st); err == nil {
			row.HasState = true
			row.Active = st.Active
			row.CurrentPhase = st.CurrentPhase
		}
		out = append(out, row)
	}
	return out, nil
}

// CancelActive flips every active mode (global and session scope) to
// inactive with a completed_at stamp. Used by the post-launch hook.
func (s *Store) CancelActive(sessionID string) error {
	stamp := s.now().UTC().Format(time.RFC3339Nano)
	scopes := []string{""}
	if sessionID != "" {
		scopes = append(scopes, sessionID)
	}
	for _, scope := range scopes {
		for _, mode := range Modes {
			st, err := s.ReadTyped(mode, scope)
			if err != nil || !st.Active {
				continue
			}
			if _, err := s.Write(mode, scope, map[string]any{
				"active":       false,
				"completed_at": stamp,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Merge deep-merges patch over base and returns the result. Maps merge
// recursively; any other value in patch replaces the base value. The
// runtime_context entry of base survives unless patch sets its own.
func Merge(base, patch map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		pv, pok := v.(map[string]any)
		bv, bok := out[k].(map[string]any)
		if pok && bok {
			out[k] = Merge(bv, pv)
			continue
		}
		out[k] = v
	}
	if rc, ok := base[RuntimeContextKey]; ok {
		if _, overwritten := patch[RuntimeContextKey]; !overwritten {
			out[RuntimeContextKey] = rc
		}
	}
	return out
}

// MarshalDoc renders a state document as stable JSON for tool replies.
func MarshalDoc(doc map[string]any) string {
	data, err := json.Marshal(doc)
	if err != nil {
		return "{}"
	}
	return string(data)
}
