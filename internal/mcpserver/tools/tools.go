// Package tools binds the team coordination tool surface onto an MCP
// server: mode state tools scoped to the launching project, and team
// tools that wrap the state store, task engine, and mailbox service for
// whichever project the caller's workingDirectory resolves to.
//
// Domain failures come back as tool results with an isError body of the
// form {"error": "<category>:<detail>"}; only malformed arguments surface
// as handler errors.
package tools

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/omx-dev/omx/internal/mcpserver"
	"github.com/omx-dev/omx/internal/modestate"
	"github.com/omx-dev/omx/internal/team/mailbox"
	"github.com/omx-dev/omx/internal/team/paths"
	"github.com/omx-dev/omx/internal/team/state"
	"github.com/omx-dev/omx/internal/team/task"
	"github.com/omx-dev/omx/internal/team/teamerr"
)

const (
	serverName    = "omx-team"
	serverVersion = "1.0.0"
)

const teamInstructions = `omx team coordination server exposing filesystem-backed task, mailbox, worker, and mode state tools.`

// TeamServer is an MCP server exposing the coordination tool surface.
type TeamServer struct {
	*mcpserver.Server
	modes   *modestate.Store
	workdir *workdirResolver
	now     func() time.Time
	lease   time.Duration
}

// Option configures a TeamServer before its tools are registered.
type Option func(*TeamServer)

// WithMiddleware installs tool middleware ahead of registration.
func WithMiddleware(mw ...mcpserver.ToolMiddleware) Option {
	return func(ts *TeamServer) { ts.Use(mw...) }
}

// WithClock overrides the server's time source.
func WithClock(now func() time.Time) Option {
	return func(ts *TeamServer) { ts.now = now }
}

// WithLease overrides the task engine's claim lease.
func WithLease(d time.Duration) Option {
	return func(ts *TeamServer) { ts.lease = d }
}

// NewTeamServer builds the tool surface rooted at the given project
// directory. State tools always operate on this project; team tools
// re-resolve their project from the caller's workingDirectory.
func NewTeamServer(project string, opts ...Option) *TeamServer {
	ts := &TeamServer{
		Server:  mcpserver.NewServer(serverName, serverVersion, mcpserver.WithInstructions(teamInstructions)),
		modes:   modestate.NewStore(paths.NewRoot(project)),
		workdir: newWorkdirResolver(project),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(ts)
	}
	ts.registerStateTools()
	ts.registerMessagingTools()
	ts.registerTaskTools()
	ts.registerWorkerTools()
	ts.registerTeamOpsTools()
	return ts
}

// teamArgs is the shared argument prefix of every team tool.
type teamArgs struct {
	Team             string `json:"team"`
	WorkingDirectory string `json:"workingDirectory"`
}

// storeFor resolves the caller's working directory to the project that
// holds the team and returns a store rooted there.
func (ts *TeamServer) storeFor(a teamArgs) *state.Store {
	project := ts.workdir.Resolve(a.Team, a.WorkingDirectory)
	return state.NewStore(project, state.WithClock(ts.now))
}

func (ts *TeamServer) engineFor(a teamArgs) *task.Engine {
	opts := []task.Option{task.WithClock(ts.now)}
	if ts.lease > 0 {
		opts = append(opts, task.WithLease(ts.lease))
	}
	return task.NewEngine(ts.storeFor(a), opts...)
}

func (ts *TeamServer) mailboxFor(a teamArgs) *mailbox.Service {
	return mailbox.NewService(ts.storeFor(a))
}

// parseArgs decodes raw tool arguments, treating absent arguments as the
// empty object.
func parseArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// okJSON marshals v into a success result.
func okJSON(v any) (*mcpserver.ToolCallResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcpserver.SuccessResult(string(data)), nil
}

// failure renders a domain error as an isError result body. The wire shape
// is {"error": "<category>:<detail>"} so callers can switch on the
// category prefix.
func failure(err error) (*mcpserver.ToolCallResult, error) {
	body, mErr := json.Marshal(map[string]string{"error": teamerr.WireString(err)})
	if mErr != nil {
		return mcpserver.ErrorResult(`{"error":"internal"}`), nil
	}
	return mcpserver.ErrorResult(string(body)), nil
}

// teamProp builds the schema fragment shared by every team tool.
func teamProps(extra map[string]*mcpserver.PropertySchema) map[string]*mcpserver.PropertySchema {
	props := map[string]*mcpserver.PropertySchema{
		"team": {Type: "string", Description: "Team name"},
		"workingDirectory": {
			Type:        "string",
			Description: "Directory to resolve the team's project from. Ancestors are searched for an existing team state dir; falls back to this value.",
		},
	}
	for k, v := range extra {
		props[k] = v
	}
	return props
}
