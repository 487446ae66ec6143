// Package state implements the filesystem-backed team state store. All
// entities live under <project>/.omx/state/team/<team>/ and every
// multi-writer file goes through atomic writes; mutators take the
// directory locks defined alongside the layout.
//
// Readers are tolerant: a missing or unparseable file is reported as
// absent (a typed not-found error or a documented default), never as a
// raw parse error.
package state

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/omx-dev/omx/internal/dirlock"
	"github.com/omx-dev/omx/internal/team/names"
	"github.com/omx-dev/omx/internal/team/paths"
	"github.com/omx-dev/omx/internal/team/teamerr"
)

// MaxWorkersCeiling is the absolute upper bound on max_workers.
const MaxWorkersCeiling = 20

// Store provides typed access to one project's team state root.
type Store struct {
	root        paths.Root
	lockTimeout time.Duration
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout overrides the bounded lock-acquire timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore returns a store rooted at the given project directory.
func NewStore(project string, opts ...Option) *Store {
	s := &Store{
		root:        paths.NewRoot(project),
		lockTimeout: dirlock.DefaultTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root exposes the path builders for this store's project.
func (s *Store) Root() paths.Root { return s.root }

// team resolves and validates a team name to its path bundle.
func (s *Store) team(name string) (paths.Team, error) {
	if err := names.Check(name); err != nil {
		return paths.Team{}, err
	}
	return s.root.Team(name), nil
}

// TeamExists reports whether the team directory holds a readable config.
func (s *Store) TeamExists(name string) bool {
	_, err := s.ReadConfig(name)
	return err == nil
}

// ListTeams enumerates team directories that contain a readable config,
// sorted by name.
func (s *Store) ListTeams() ([]string, error) {
	entries, err := os.ReadDir(s.root.TeamsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var teams []string
	for _, e := range entries {
		if !e.IsDir() || !names.Valid(e.Name()) {
			continue
		}
		if s.TeamExists(e.Name()) {
			teams = append(teams, e.Name())
		}
	}
	sort.Strings(teams)
	return teams, nil
}

// RemoveTeam recursively deletes the team directory.
func (s *Store) RemoveTeam(name string) error {
	t, err := s.team(name)
	if err != nil {
		return err
	}
	return os.RemoveAll(t.Dir())
}

// withCreateTaskLock serializes task creation for a team.
func (s *Store) withCreateTaskLock(ctx context.Context, t paths.Team, fn func() error) error {
	return dirlock.WithLock(ctx, t.CreateTaskLockDir(), dirlock.Options{
		Timeout:    s.lockTimeout,
		StaleAfter: dirlock.TaskHorizon,
	}, fn)
}

// withClaimLock serializes mutation of one task file.
func (s *Store) withClaimLock(ctx context.Context, t paths.Team, taskID string, fn func() error) error {
	return dirlock.WithLock(ctx, t.ClaimLockDir(taskID), dirlock.Options{
		Timeout:    s.lockTimeout,
		StaleAfter: dirlock.TaskHorizon,
	}, fn)
}

// withMailboxLock serializes mutation of one recipient's mailbox.
func (s *Store) withMailboxLock(ctx context.Context, t paths.Team, worker string, fn func() error) error {
	return dirlock.WithLock(ctx, t.MailboxLockDir(worker), dirlock.Options{
		Timeout:    s.lockTimeout,
		StaleAfter: dirlock.WriteHorizon,
	}, fn)
}

// notFound builds the team_not_found error for a name.
func notFound(team string) error {
	return teamerr.Newf(teamerr.CatTeamNotFound, "team %s", team)
}
