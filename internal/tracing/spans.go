package tracing

// Span attribute keys for team coordination tracing. These constants define
// the semantic conventions for span attributes across the tool surface and
// the loops behind it.
const (
	// Team attributes
	AttrTeamName   = "team.name"
	AttrWorkerID   = "worker.id"
	AttrWorkerRole = "worker.role"

	// Task attributes
	AttrTaskID      = "task.id"
	AttrTaskStatus  = "task.status"
	AttrTaskVersion = "task.version"
	AttrClaimHeld   = "task.claim_held"

	// MCP attributes
	AttrMCPToolName  = "mcp.tool.name"
	AttrMCPRequestID = "mcp.request.id"

	// Session attributes
	AttrSessionID = "session.id"
	AttrMode      = "mode.name"

	// Error attributes
	AttrErrorCategory = "error.category"
	AttrErrorMessage  = "error.message"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixTool     = "mcp.tool."
	SpanPrefixMonitor  = "monitor."
	SpanPrefixShutdown = "shutdown."
	SpanPrefixSession  = "session."
)

// Event names for span events.
const (
	EventMessageQueued    = "message.queued"
	EventMessageDelivered = "message.delivered"
	EventTaskClaimed      = "task.claimed"
	EventTaskReleased     = "task.released"
	EventWorkerSpawned    = "worker.spawned"
	EventOverlayApplied   = "overlay.applied"
	EventErrorOccurred    = "error.occurred"
)
