package tracing

// Span attribute keys used across the bridge.
const (
	// Engine attributes
	AttrEngineName  = "engine.name"
	AttrEngineState = "engine.state"

	// Command attributes
	AttrCommand      = "command.text"
	AttrQueueDepth   = "command.queue_depth"
	AttrSearchToken  = "search.token"
	AttrPosition     = "search.position"
	AttrWaittimeMs   = "search.waittime_ms"
	AttrSearchDepth  = "search.depth"
	AttrSearchNodes  = "search.nodes"
	AttrCacheHit     = "cache.hit"
	AttrResultSource = "result.source"

	// Error attributes
	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixAPI    = "api."
	SpanPrefixEngine = "engine."
	SpanPrefixRepo   = "repo."
)
