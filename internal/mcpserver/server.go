package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/omx-dev/omx/internal/log"
	"github.com/omx-dev/omx/internal/pubsub"
)

// ToolHandler is a function that handles a tool call. It receives the raw
// arguments and returns a result or error.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error)

// ToolMiddleware wraps a tool handler. Middleware registered with Use is
// applied to every tool registered afterwards, outermost first.
type ToolMiddleware func(toolName string, next ToolHandler) ToolHandler

// ToolEvent describes one completed tool call, published for observers such
// as the session archive and the logs command.
type ToolEvent struct {
	Timestamp    time.Time
	Tool         string
	RequestJSON  json.RawMessage
	ResponseJSON json.RawMessage
	Duration     time.Duration
	Error        string
	IsError      bool
}

// Server implements the tool surface over stdio.
type Server struct {
	info         ImplementationInfo
	instructions string
	tools        map[string]Tool
	handlers     map[string]ToolHandler
	middleware   []ToolMiddleware

	reader io.Reader
	writer io.Writer

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex

	initialized bool

	broker *pubsub.Broker[ToolEvent]
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithInstructions sets the server instructions sent during initialization.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// NewServer creates a new server identifying itself with the given name and
// version during the initialize handshake.
func NewServer(name, version string, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		info: ImplementationInfo{
			Name:    name,
			Version: version,
		},
		tools:    make(map[string]Tool),
		handlers: make(map[string]ToolHandler),
		ctx:      ctx,
		cancel:   cancel,
		broker:   pubsub.NewBrokerWithBuffer[ToolEvent](128),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Use appends middleware applied to every tool registered after this call.
func (s *Server) Use(mw ...ToolMiddleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middleware = append(s.middleware, mw...)
}

// RegisterTool registers a tool with its handler. The middleware chain in
// effect at registration time is baked into the stored handler.
func (s *Server) RegisterTool(tool Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.middleware) - 1; i >= 0; i-- {
		handler = s.middleware[i](tool.Name, handler)
	}

	s.tools[tool.Name] = tool
	s.handlers[tool.Name] = handler
	log.Debug(log.CatMCP, "Registered tool", "name", tool.Name)
}

// Broker returns the tool event broker.
func (s *Server) Broker() *pubsub.Broker[ToolEvent] {
	return s.broker
}

// Serve runs the server loop, reading newline-delimited JSON-RPC messages
// from stdin and writing responses to stdout. It returns when stdin closes
// or the server is stopped.
func (s *Server) Serve(stdin io.Reader, stdout io.Writer) error {
	s.mu.Lock()
	s.reader = stdin
	s.writer = stdout
	s.mu.Unlock()

	return s.run()
}

// Stop shuts the server down.
func (s *Server) Stop() {
	s.cancel()
	s.broker.Close()
}

func (s *Server) run() error {
	scanner := bufio.NewScanner(s.reader)
	// Inbox bodies and task payloads can be large.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		log.Debug(log.CatMCP, "Received message", "raw", string(line))

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.sendError(nil, NewParseError(err.Error()))
			continue
		}

		// A populated non-null ID marks a request; anything else is a
		// notification and gets no response.
		if len(req.ID) > 0 && string(req.ID) != "null" {
			s.handleRequest(&req)
		} else {
			s.handleNotification(&req)
		}

		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}
	}

	if err := scanner.Err(); err != nil {
		log.Debug(log.CatMCP, "Scanner error", "error", err)
		return fmt.Errorf("reading input: %w", err)
	}

	return nil
}

func (s *Server) handleRequest(req *Request) {
	log.Debug(log.CatMCP, "Handling request", "method", req.Method)

	var result any
	var rpcErr *RPCError

	switch req.Method {
	case "initialize":
		result, rpcErr = s.handleInitialize(req.Params)

	case "tools/list":
		result, rpcErr = s.handleToolsList(req.Params)

	case "tools/call":
		result, rpcErr = s.handleToolsCall(req.Params)

	case "ping":
		result = struct{}{}

	default:
		rpcErr = NewMethodNotFound(req.Method)
	}

	if rpcErr != nil {
		s.sendError(req.ID, rpcErr)
	} else {
		s.sendResult(req.ID, result)
	}
}

func (s *Server) handleNotification(req *Request) {
	log.Debug(log.CatMCP, "Handling notification", "method", req.Method)

	switch req.Method {
	case "notifications/initialized":
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
		log.Debug(log.CatMCP, "Client initialized")

	case "notifications/cancelled":
		log.Debug(log.CatMCP, "Request cancelled")

	default:
		// Unknown notifications are ignored per spec.
		log.Debug(log.CatMCP, "Unknown notification", "method", req.Method)
	}
}

func (s *Server) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var p InitializeParams
	if params != nil {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewInvalidParams(err.Error())
		}
	}

	log.Debug(log.CatMCP, "Initialize request",
		"clientVersion", p.ProtocolVersion,
		"clientName", p.ClientInfo.Name)

	result := InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapability{
			Tools: &ToolsCapability{
				ListChanged: false,
			},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}

	return result, nil
}

func (s *Server) handleToolsList(_ json.RawMessage) (any, *RPCError) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	return ToolsListResult{Tools: tools}, nil
}

func (s *Server) handleToolsCall(params json.RawMessage) (any, *RPCError) {
	var p ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewInvalidParams(err.Error())
	}

	s.mu.RLock()
	handler, ok := s.handlers[p.Name]
	s.mu.RUnlock()

	if !ok {
		return nil, NewToolNotFound(p.Name)
	}

	log.Debug(log.CatMCP, "Calling tool", "name", p.Name)

	startTime := time.Now()
	result, err := handler(s.ctx, p.Arguments)
	duration := time.Since(startTime)

	s.publishToolEvent(p.Name, params, result, err, duration)

	if err != nil {
		log.Debug(log.CatMCP, "Tool execution failed", "name", p.Name, "error", err)
		// Handler errors become tool results, not RPC errors, so the caller
		// always receives a body it can parse.
		return ErrorResult(err.Error()), nil
	}

	return result, nil
}

func (s *Server) publishToolEvent(toolName string, requestParams json.RawMessage, result *ToolCallResult, err error, duration time.Duration) {
	if s.broker == nil {
		return
	}

	evt := ToolEvent{
		Timestamp:   time.Now(),
		Tool:        toolName,
		RequestJSON: requestParams,
		Duration:    duration,
	}

	if result != nil {
		if respJSON, marshalErr := json.Marshal(result); marshalErr == nil {
			evt.ResponseJSON = respJSON
		}
		evt.IsError = result.IsError
	}

	if err != nil {
		evt.Error = err.Error()
		evt.IsError = true
	}

	s.broker.Publish(pubsub.CreatedEvent, evt)
}

func (s *Server) sendResult(id json.RawMessage, result any) {
	resp := NewResponse(id, result)
	s.send(resp)
}

func (s *Server) sendError(id json.RawMessage, err *RPCError) {
	resp := NewErrorResponse(id, err)
	s.send(resp)
}

func (s *Server) send(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Debug(log.CatMCP, "Failed to marshal response", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return
	}

	// Newline-delimited JSON framing.
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		log.Debug(log.CatMCP, "Failed to write response", "error", err)
	}
}
