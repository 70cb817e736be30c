package gwtypes

import (
	"fmt"
	"net/url"
	"time"
)

// TransportKind identifies how MCPService reaches an upstream server.
type TransportKind string

// Recognized transport kinds. Legacy spellings accepted on the wire
// (streamable_http, streamableHttp, s_se, s-se) are normalized to these
// values by internal/config before a ServiceConfig is ever constructed.
const (
	TransportStdio          TransportKind = "stdio"
	TransportSSE            TransportKind = "sse"
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// ReconnectStrategy names one of the three backoff shapes MCPService and
// ProxyServer share via internal/backoff.
type ReconnectStrategy string

// Recognized reconnect/backoff strategies.
const (
	StrategyFixed       ReconnectStrategy = "fixed"
	StrategyLinear      ReconnectStrategy = "linear"
	StrategyExponential ReconnectStrategy = "exponential"
)

// ReconnectPolicy configures MCPService's reconnect backoff.
type ReconnectPolicy struct {
	Enabled     bool
	Strategy    ReconnectStrategy
	Initial     time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
	JitterAmount time.Duration
}

// PingPolicy configures MCPService's protocol-level keepalive loop.
type PingPolicy struct {
	Enabled  bool
	Interval time.Duration
}

// ServiceConfig describes one upstream MCP server entry in the pool.
//
// Invariants: Name is nonempty and unique within a pool; STDIO requires
// Command; SSE/StreamableHTTP require an absolute URL.
type ServiceConfig struct {
	Name          string
	TransportKind TransportKind

	// STDIO transport parameters.
	Command string
	Args    []string
	Env     map[string]string

	// SSE / StreamableHTTP transport parameters.
	URL     string
	Headers map[string]string
	APIKey  string

	TimeoutMs int
	Retry     RetryPolicy
	Reconnect ReconnectPolicy
	Ping      PingPolicy
}

// Validate checks the invariants of a ServiceConfig.
func (c *ServiceConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: service name is required", ErrConfigInvalid)
	}
	switch c.TransportKind {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("%w: service %q: stdio transport requires command", ErrConfigInvalid, c.Name)
		}
	case TransportSSE, TransportStreamableHTTP:
		if u, err := url.Parse(c.URL); c.URL == "" || err != nil || !u.IsAbs() {
			return fmt.Errorf("%w: service %q: %s transport requires an absolute url", ErrConfigInvalid, c.Name, c.TransportKind)
		}
	default:
		return fmt.Errorf("%w: service %q: unknown transport kind %q", ErrConfigInvalid, c.Name, c.TransportKind)
	}
	return nil
}

// ToolStats tracks usage for a single tool.
type ToolStats struct {
	UsageCount   uint64
	LastUsedTime time.Time
}

// ToolDescriptor describes a tool fetched from an upstream service.
//
// Invariants: within a service, OriginalName is unique; the exposed name
// is gwtypes.ExposedToolName(ServiceName, OriginalName).
type ToolDescriptor struct {
	OriginalName string
	Description  string
	InputSchema  map[string]any
	ServiceName  string
	Enabled      bool
	Stats        ToolStats
}

// ExposedName returns the namespaced name this tool is visible as.
func (t *ToolDescriptor) ExposedName() string {
	return ExposedToolName(t.ServiceName, t.OriginalName)
}

// HandlerKind tags a CustomTool's handler variant.
type HandlerKind string

// Recognized custom-tool handler kinds.
const (
	HandlerFunction HandlerKind = "function"
	HandlerHTTP     HandlerKind = "http"
	HandlerMCPRef   HandlerKind = "mcp_ref"
	HandlerPlatform HandlerKind = "platform"
)

// FunctionHandlerConfig configures an in-process FUNCTION handler.
type FunctionHandlerConfig struct {
	Module string
	Entry  string
}

// HTTPAuthMode selects how HTTPHandlerConfig authenticates its request.
type HTTPAuthMode string

// Recognized HTTP authentication modes.
const (
	HTTPAuthNone   HTTPAuthMode = "none"
	HTTPAuthBearer HTTPAuthMode = "bearer"
	HTTPAuthBasic  HTTPAuthMode = "basic"
	HTTPAuthAPIKey HTTPAuthMode = "api_key"
)

// HTTPHandlerConfig configures an HTTP custom-tool handler.
type HTTPHandlerConfig struct {
	URL           string
	Method        string
	Headers       map[string]string
	BodyTemplate  string // "{{var}}" substituted from top-level arg keys
	AuthMode      HTTPAuthMode
	AuthToken     string // bearer token, or basic "user:pass", or api-key value
	AuthHeader    string // header name for HTTPAuthAPIKey
	Timeout       time.Duration
	RetryCount    int
	RetryDelay    time.Duration
	DataPath      string // gjson path applied to the response body
}

// MCPRefHandlerConfig configures an MCP-reference custom-tool handler.
type MCPRefHandlerConfig struct {
	ServiceName string
	ToolName    string
}

// PlatformHandlerConfig configures a platform-proxy custom-tool handler.
type PlatformHandlerConfig struct {
	Platform string // e.g. "dify"
	Token    string
	Endpoint string
}

// CustomTool is a tool implemented by the gateway itself rather than by
// an MCP transport.
//
// Invariants: Name is globally unique across upstream and custom tools;
// Handler.Kind == HandlerMCPRef implies MCPRef resolves to an existing
// (serviceName, toolName) pair.
type CustomTool struct {
	Name        string
	Description string
	InputSchema map[string]any

	Kind     HandlerKind
	Function FunctionHandlerConfig
	HTTP     HTTPHandlerConfig
	MCPRef   MCPRefHandlerConfig
	Platform PlatformHandlerConfig
}

// ServiceStateKind is one of the finite states of MCPService's state
// machine.
type ServiceStateKind string

// Recognized service states.
const (
	StateDisconnected ServiceStateKind = "DISCONNECTED"
	StateConnecting   ServiceStateKind = "CONNECTING"
	StateConnected    ServiceStateKind = "CONNECTED"
	StateReconnecting ServiceStateKind = "RECONNECTING"
	StateFailed       ServiceStateKind = "FAILED"
)

// CallRecord is one tool-call record, as appended to the call-history
// file by cache.HistoryWriter. ProxyServer keeps no CallRecords; its
// performance figures are aggregate counters only.
type CallRecord struct {
	ID          any
	ToolName    string
	StartTime   time.Time
	EndTime     time.Time
	DurationMs  int64
	Success     bool
	Error       string
}

// CacheEntryStatus is the lifecycle state of a one-shot cache entry.
type CacheEntryStatus string

// Recognized cache entry states.
const (
	CacheStatusPending   CacheEntryStatus = "pending"
	CacheStatusCompleted CacheEntryStatus = "completed"
	CacheStatusFailed    CacheEntryStatus = "failed"
	CacheStatusConsumed  CacheEntryStatus = "consumed"
	CacheStatusDeleted   CacheEntryStatus = "deleted"
)

// CacheEntry is one record in CacheManager's persisted one-shot result
// cache.
type CacheEntry struct {
	CacheKey   string           `json:"cacheKey"`
	Result     any              `json:"result,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
	TTLMs      int64            `json:"ttlMs"`
	Status     CacheEntryStatus `json:"status"`
	Consumed   bool             `json:"consumed"`
	RetryCount int              `json:"retryCount"`
}

// Expired reports whether the entry has outlived its TTL as of now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.Sub(e.Timestamp) > time.Duration(e.TTLMs)*time.Millisecond
}

// EligibleForCleanup implements the cleanup predicate of spec §3: a
// failed entry, an expired entry, or a consumed entry more than 60s old.
func (e *CacheEntry) EligibleForCleanup(now time.Time) bool {
	if e.Status == CacheStatusFailed {
		return true
	}
	if e.Expired(now) {
		return true
	}
	if e.Consumed && now.Sub(e.Timestamp) > 60*time.Second {
		return true
	}
	return false
}

// RetryPolicy configures ProxyServer's per-call retry (spec §4.5); its
// delays are computed via internal/backoff.K8sRetryBackoff. MCPService
// reconnect uses ReconnectPolicy instead.
type RetryPolicy struct {
	MaxAttempts         int
	InitialDelay        time.Duration
	MaxDelay            time.Duration
	Multiplier          float64
	RetryableErrorCodes []int
}

// DefaultRetryableErrorCodes is the default set of JSON-RPC error codes
// ProxyServer treats as retryable.
func DefaultRetryableErrorCodes() []int {
	return []int{-32000}
}

// EndpointAuth optionally mints a bearer token for a downstream
// endpoint's WebSocket dial handshake.
type EndpointAuth struct {
	BearerFromEnv string // env var holding a JWT signing key; empty disables minting
	SessionMins   int64  // token lifetime in minutes; 0 uses the default
}

// EndpointConfig describes one downstream endpoint URL EndpointManager
// dials out to.
//
// Invariants: URL is nonempty and absolute.
type EndpointConfig struct {
	URL  string
	Auth EndpointAuth
}

// Validate checks the invariants of an EndpointConfig.
func (c *EndpointConfig) Validate() error {
	if u, err := url.Parse(c.URL); c.URL == "" || err != nil || !u.IsAbs() {
		return fmt.Errorf("%w: endpoint url %q must be nonempty and absolute", ErrConfigInvalid, c.URL)
	}
	return nil
}
