// Package tracing provides distributed tracing for the team coordination
// core.
package tracing

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/omx-dev/omx/internal/mcpserver"
)

// ToolMiddlewareConfig configures the tool-call tracing middleware.
type ToolMiddlewareConfig struct {
	// Tracer is the OpenTelemetry tracer for creating spans.
	// If nil, the middleware is a pass-through.
	Tracer trace.Tracer
}

// NewToolMiddleware creates middleware that wraps every tool call in a span
// named mcp.tool.<name>. It records the error category carried in error
// result bodies and marks the span status accordingly.
//
// If Tracer is nil, the middleware returns the handler unchanged, so a
// disabled tracing config adds no overhead.
func NewToolMiddleware(cfg ToolMiddlewareConfig) mcpserver.ToolMiddleware {
	if cfg.Tracer == nil {
		return func(toolName string, next mcpserver.ToolHandler) mcpserver.ToolHandler {
			return next
		}
	}

	return func(toolName string, next mcpserver.ToolHandler) mcpserver.ToolHandler {
		return func(ctx context.Context, args json.RawMessage) (*mcpserver.ToolCallResult, error) {
			ctx, span := cfg.Tracer.Start(ctx, SpanPrefixTool+toolName,
				trace.WithSpanKind(trace.SpanKindServer),
			)
			defer span.End()

			span.SetAttributes(attribute.String(AttrMCPToolName, toolName))

			result, err := next(ctx, args)

			switch {
			case err != nil:
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case result != nil && result.IsError:
				msg := resultErrorText(result)
				span.SetAttributes(attribute.String(AttrErrorMessage, msg))
				if cat := categoryFromBody(msg); cat != "" {
					span.SetAttributes(attribute.String(AttrErrorCategory, cat))
				}
				span.SetStatus(codes.Error, msg)
			default:
				span.SetStatus(codes.Ok, "")
			}

			return result, err
		}
	}
}

// resultErrorText extracts the text body from an error result.
func resultErrorText(result *mcpserver.ToolCallResult) string {
	for _, item := range result.Content {
		if item.Type == "text" && item.Text != "" {
			return item.Text
		}
	}
	return "tool failed"
}

// categoryFromBody pulls the error category out of a {"error": "cat:detail"}
// body. Returns "" when the body is not in that shape.
func categoryFromBody(body string) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil || payload.Error == "" {
		return ""
	}
	wire := payload.Error
	for i := 0; i < len(wire); i++ {
		if wire[i] == ':' {
			return wire[:i]
		}
	}
	return wire
}
