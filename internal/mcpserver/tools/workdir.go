package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/omx-dev/omx/internal/cachemanager"
	"github.com/omx-dev/omx/internal/log"
	"github.com/omx-dev/omx/internal/team/paths"
)

// resolveTTL bounds how long a successful directory resolution is reused.
// Team directories can appear after a miss, so misses are never cached.
const resolveTTL = 5 * time.Minute

var errNoTeamDir = errors.New("no team state directory in any ancestor")

// resolveInput names the directories the loader searches for a team.
type resolveInput struct {
	team   string
	caller string
}

// workdirResolver maps a caller-supplied working directory to the project
// directory that actually holds the team's state. Agents frequently run
// in subdirectories of the project, so the resolver walks ancestors
// looking for <dir>/.omx/state/team/<team>/ before trusting the caller.
type workdirResolver struct {
	cwd string
	rt  *cachemanager.ReadThroughCache[string, string, resolveInput]
}

func newWorkdirResolver(cwd string) *workdirResolver {
	r := &workdirResolver{cwd: cwd}
	cache := cachemanager.NewInMemoryCacheManager[string, string]("team-workdir", resolveTTL, cachemanager.DefaultCleanupInterval)
	r.rt = cachemanager.NewReadThroughCache[string, string, resolveInput](cache, r.locate, false)
	return r
}

// Resolve returns the project directory to root the team's store at. The
// caller's directory and its ancestors are searched first, then the
// server's own working directory and its ancestors. No match falls back
// to the caller's value unchanged.
func (r *workdirResolver) Resolve(team, workingDirectory string) string {
	if workingDirectory == "" {
		workingDirectory = r.cwd
	}

	key := team + "\x00" + workingDirectory
	project, err := r.rt.Get(context.Background(), key, resolveInput{team: team, caller: workingDirectory}, resolveTTL)
	if err != nil {
		return workingDirectory
	}
	return project
}

// locate walks the caller's directory and then the server's, looking
// for the team's state directory. Only runs on cache misses.
func (r *workdirResolver) locate(_ context.Context, in resolveInput) (string, error) {
	for _, start := range []string{in.caller, r.cwd} {
		if project, ok := findTeamDir(start, in.team); ok {
			if project != in.caller {
				log.Debug(log.CatMCP, "working directory resolved upward", "team", in.team, "from", in.caller, "to", project)
			}
			return project, nil
		}
	}
	return "", errNoTeamDir
}

// findTeamDir walks dir and its ancestors for an existing team state
// directory. First match wins.
func findTeamDir(dir, team string) (string, bool) {
	dir = filepath.Clean(dir)
	for {
		candidate := filepath.Join(paths.NewRoot(dir).TeamsDir(), team)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
