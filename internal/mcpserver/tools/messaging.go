package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/omx-dev/omx/internal/mcpserver"
	"github.com/omx-dev/omx/internal/team/state"
)

func (ts *TeamServer) registerMessagingTools() {
	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_send_message",
		Description: "Queue a direct message in a worker's mailbox. Returns the stamped message; the monitor nudges the recipient on its next cycle.",
		InputSchema: &mcpserver.InputSchema{
			Type: "object",
			Properties: teamProps(map[string]*mcpserver.PropertySchema{
				"from":    {Type: "string", Description: "Sending worker name (or 'leader')"},
				"to":      {Type: "string", Description: "Recipient worker name"},
				"message": {Type: "string", Description: "Message body"},
			}),
			Required: []string{"team", "from", "to", "message"},
		},
	}, ts.handleSendMessage)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_broadcast_message",
		Description: "Queue a message in every worker's mailbox except the sender's.",
		InputSchema: &mcpserver.InputSchema{
			Type: "object",
			Properties: teamProps(map[string]*mcpserver.PropertySchema{
				"from":    {Type: "string", Description: "Sending worker name (or 'leader')"},
				"message": {Type: "string", Description: "Message body"},
			}),
			Required: []string{"team", "from", "message"},
		},
	}, ts.handleBroadcastMessage)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_list_mailbox",
		Description: "List a worker's mailbox messages in queue order. Set pendingOnly to restrict to undelivered messages.",
		InputSchema: &mcpserver.InputSchema{
			Type: "object",
			Properties: teamProps(map[string]*mcpserver.PropertySchema{
				"worker":      {Type: "string", Description: "Mailbox owner"},
				"pendingOnly": {Type: "boolean", Description: "Only messages not yet delivered"},
			}),
			Required: []string{"team", "worker"},
		},
	}, ts.handleListMailbox)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_mark_delivered",
		Description: "Stamp a mailbox message as delivered (the recipient has read it). Returns whether the message was found unstamped.",
		InputSchema: &mcpserver.InputSchema{
			Type: "object",
			Properties: teamProps(map[string]*mcpserver.PropertySchema{
				"worker":    {Type: "string", Description: "Mailbox owner"},
				"messageId": {Type: "string", Description: "Message to stamp"},
			}),
			Required: []string{"team", "worker", "messageId"},
		},
	}, ts.handleMarkDelivered)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_mark_notified",
		Description: "Stamp a mailbox message as notified (the recipient's pane was nudged). Returns whether the message was found unstamped.",
		InputSchema: &mcpserver.InputSchema{
			Type: "object",
			Properties: teamProps(map[string]*mcpserver.PropertySchema{
				"worker":    {Type: "string", Description: "Mailbox owner"},
				"messageId": {Type: "string", Description: "Message to stamp"},
			}),
			Required: []string{"team", "worker", "messageId"},
		},
	}, ts.handleMarkNotified)
}

func (ts *TeamServer) handleSendMessage(ctx context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args struct {
		teamArgs
		From    string `json:"from"`
		To      string `json:"to"`
		Message string `json:"message"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Team == "" || args.From == "" || args.To == "" || args.Message == "" {
		return nil, fmt.Errorf("team, from, to, and message are required")
	}
	msg, err := ts.mailboxFor(args.teamArgs).SendDirect(ctx, args.Team, args.From, args.To, args.Message)
	if err != nil {
		return failure(err)
	}
	return okJSON(msg)
}

func (ts *TeamServer) handleBroadcastMessage(ctx context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args struct {
		teamArgs
		From    string `json:"from"`
		Message string `json:"message"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Team == "" || args.From == "" || args.Message == "" {
		return nil, fmt.Errorf("team, from, and message are required")
	}
	msgs, err := ts.mailboxFor(args.teamArgs).Broadcast(ctx, args.Team, args.From, args.Message)
	if err != nil {
		return failure(err)
	}
	if msgs == nil {
		msgs = []*state.MailboxMessage{}
	}
	return okJSON(map[string]any{"count": len(msgs), "messages": msgs})
}

func (ts *TeamServer) handleListMailbox(_ context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args struct {
		teamArgs
		Worker      string `json:"worker"`
		PendingOnly bool   `json:"pendingOnly"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Team == "" || args.Worker == "" {
		return nil, fmt.Errorf("team and worker are required")
	}

	svc := ts.mailboxFor(args.teamArgs)
	var (
		msgs []state.MailboxMessage
		err  error
	)
	if args.PendingOnly {
		msgs, err = svc.Pending(args.Team, args.Worker)
	} else {
		msgs, err = svc.List(args.Team, args.Worker)
	}
	if err != nil {
		return failure(err)
	}
	if msgs == nil {
		msgs = []state.MailboxMessage{}
	}
	return okJSON(map[string]any{"worker": args.Worker, "messages": msgs})
}

type markMessageArgs struct {
	teamArgs
	Worker    string `json:"worker"`
	MessageID string `json:"messageId"`
}

func (args *markMessageArgs) check() error {
	if args.Team == "" || args.Worker == "" || args.MessageID == "" {
		return fmt.Errorf("team, worker, and messageId are required")
	}
	return nil
}

func (ts *TeamServer) handleMarkDelivered(ctx context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args markMessageArgs
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := args.check(); err != nil {
		return nil, err
	}
	updated, err := ts.mailboxFor(args.teamArgs).MarkDelivered(ctx, args.Team, args.Worker, args.MessageID)
	if err != nil {
		return failure(err)
	}
	return okJSON(map[string]any{"messageId": args.MessageID, "updated": updated})
}

func (ts *TeamServer) handleMarkNotified(ctx context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args markMessageArgs
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := args.check(); err != nil {
		return nil, err
	}
	updated, err := ts.mailboxFor(args.teamArgs).MarkNotified(ctx, args.Team, args.Worker, args.MessageID)
	if err != nil {
		return failure(err)
	}
	return okJSON(map[string]any{"messageId": args.MessageID, "updated": updated})
}
