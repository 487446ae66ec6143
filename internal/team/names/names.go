// Package names enforces the team naming policy. Every path under the state
// root embeds a team name, so nothing may reach the filesystem layer without
// passing through here first.
package names

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/omx-dev/omx/internal/team/teamerr"
)

// MaxLen is the longest accepted team name.
const MaxLen = 30

// teamName matches an already-sanitized team name: lowercase alphanumeric
// start, then lowercase alphanumerics and hyphens, at most 30 chars total.
var teamName = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,29}$`)

// nonAlnum matches runs of characters that collapse to a single hyphen
// during sanitization.
var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Valid reports whether name is a well-formed team name as-is.
func Valid(name string) bool {
	return teamName.MatchString(name)
}

// Check validates name and returns a typed error when it is malformed.
func Check(name string) error {
	if !Valid(name) {
		return teamerr.Newf(teamerr.CatInvalidTeamName, "%q", name)
	}
	return nil
}

// Sanitize converts an external name (arbitrary case and punctuation) into a
// valid team name: lowercase, non-alphanumeric runs collapsed to one hyphen,
// leading/trailing hyphens trimmed, truncated to MaxLen. An input that
// sanitizes to nothing is rejected.
func Sanitize(raw string) (string, error) {
	s := strings.ToLower(raw)
	s = nonAlnum.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > MaxLen {
		s = s[:MaxLen]
		s = strings.TrimRight(s, "-")
	}
	if s == "" {
		return "", teamerr.Newf(teamerr.CatInvalidTeamName, "%q sanitizes to empty", raw)
	}
	return s, nil
}

// WorkerName returns the canonical name for the i-th worker (1-based).
func WorkerName(i int) string {
	return "worker-" + strconv.Itoa(i)
}

// SessionName returns the multiplexer session a team runs in when it gets a
// dedicated session.
func SessionName(team string) string {
	return "omx-" + team
}

// LeaderWorker is the reserved worker name the leader occupies when it
// participates in its own team. Assignment to it is refused under the
// delegation_only policy.
const LeaderWorker = "leader-fixed"
