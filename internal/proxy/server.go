// Package proxy implements the Endpoint Proxy: ProxyServer, one
// instance per downstream endpoint URL, dialing out as a WebSocket
// client and serving JSON-RPC 2.0 tools/list, tools/call, and ping
// requests over that connection. Grounded on
// vanducng-goclaw/internal/channels/whatsapp/whatsapp.go's
// dial-then-read-loop-with-reconnect shape (gorilla/websocket), with
// retry/backoff shared with internal/mcpservice via internal/backoff.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric"

	"github.com/xzcli/gateway/internal/backoff"
	"github.com/xzcli/gateway/internal/customtool"
	"github.com/xzcli/gateway/internal/gwtypes"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultCallTimeout = 30 * time.Second
)

// ServiceCaller is the subset of ServiceManager ProxyServer needs.
type ServiceCaller interface {
	GetAllTools() []gwtypes.ToolDescriptor
	CallTool(ctx context.Context, exposedName string, args map[string]any) (any, error)
}

// CustomCaller is the subset of CustomToolHandler ProxyServer needs.
type CustomCaller interface {
	GetTools() []gwtypes.CustomTool
	CallTool(ctx context.Context, name string, args map[string]any, opts customtool.CallOptions) (customtool.Result, error)
}

// ToolCallConfig configures tools/call's per-call execution timeout.
type ToolCallConfig struct {
	Timeout time.Duration
}

// ToolCallConfigPartial is used by UpdateToolCallConfig: nil fields are
// left unchanged.
type ToolCallConfigPartial struct {
	Timeout *time.Duration
}

// RetryConfigPartial is used by UpdateRetryConfig: nil fields are left
// unchanged.
type RetryConfigPartial struct {
	MaxAttempts         *int
	InitialDelay        *time.Duration
	MaxDelay            *time.Duration
	Multiplier          *float64
	RetryableErrorCodes []int
}

// PerformanceMetrics is ProxyServer's in-memory call-performance
// summary.
type PerformanceMetrics struct {
	TotalCalls      int64
	SuccessfulCalls int64
	FailedCalls     int64
	MinResponseTime time.Duration
	MaxResponseTime time.Duration
	AvgResponseTime time.Duration
	SuccessRate     float64

	totalDuration time.Duration
}

func newPerformanceMetrics() PerformanceMetrics {
	return PerformanceMetrics{MinResponseTime: time.Duration(math.MaxInt64), MaxResponseTime: 0}
}

// reconnectPolicy is ProxyServer's fixed exponential-with-no-jitter
// backoff shape, per spec §4.5 ("identical to §4.2 but capped and with
// jitter disabled by default").
var reconnectPolicy = gwtypes.ReconnectPolicy{
	Enabled:    true,
	Strategy:   gwtypes.StrategyExponential,
	Initial:    time.Second,
	Multiplier: 2,
	MaxDelay:   30 * time.Second,
}

// ServiceState is the lifecycle state of a ProxyServer's WebSocket
// client. It reuses gwtypes.ServiceStateKind's vocabulary; ProxyServer
// never reaches FAILED (it retries indefinitely until Disconnect).
type ServiceState = gwtypes.ServiceStateKind

// ProxyServer owns one downstream endpoint's WebSocket client.
type ProxyServer struct {
	endpoint string
	services ServiceCaller
	custom   CustomCaller
	logger   *slog.Logger

	mu         sync.RWMutex
	state      ServiceState
	conn       *websocket.Conn
	dialHeader http.Header

	writeMu sync.Mutex

	callCfg   ToolCallConfig
	retryCfg  gwtypes.RetryPolicy
	metrics   PerformanceMetrics
	metricsMu sync.Mutex
	otel      *otelInstruments

	inflightMu sync.Mutex
	inflight   map[string]*sync.Mutex

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New constructs a ProxyServer for endpoint, not yet connected.
func New(endpoint string, services ServiceCaller, custom CustomCaller, logger *slog.Logger) *ProxyServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyServer{
		endpoint: endpoint,
		services: services,
		custom:   custom,
		logger:   logger.With("endpoint", endpoint),
		state:    gwtypes.StateDisconnected,
		callCfg:  ToolCallConfig{Timeout: defaultCallTimeout},
		retryCfg: gwtypes.RetryPolicy{
			MaxAttempts:         1,
			InitialDelay:        500 * time.Millisecond,
			MaxDelay:            10 * time.Second,
			Multiplier:          2,
			RetryableErrorCodes: gwtypes.DefaultRetryableErrorCodes(),
		},
		metrics:  newPerformanceMetrics(),
		inflight: make(map[string]*sync.Mutex),
		done:     make(chan struct{}),
	}
}

// WithDialHeader attaches a header (e.g. a minted Authorization bearer
// token) sent with the WebSocket dial handshake.
func (p *ProxyServer) WithDialHeader(header http.Header) *ProxyServer {
	p.mu.Lock()
	p.dialHeader = header
	p.mu.Unlock()
	return p
}

// WithMeter attaches an OTel meter so call metrics are additionally
// mirrored as counters/histograms; the in-memory PerformanceMetrics
// struct remains the source of truth for Metrics().
func (p *ProxyServer) WithMeter(meter metric.Meter) *ProxyServer {
	p.otel = newOtelInstruments(meter)
	return p
}

// Endpoint returns the configured endpoint URL.
func (p *ProxyServer) Endpoint() string { return p.endpoint }

// State returns the current connection state.
func (p *ProxyServer) State() ServiceState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Connect dials the endpoint and starts the read loop. On failure it
// starts the reconnect loop in the background rather than returning an
// error, mirroring whatsapp.Channel.Start's "don't fail hard" idiom.
func (p *ProxyServer) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.state == gwtypes.StateConnecting || p.state == gwtypes.StateConnected {
		p.mu.Unlock()
		return nil
	}
	p.state = gwtypes.StateConnecting
	p.mu.Unlock()

	if err := p.dial(ctx); err != nil {
		p.logger.Warn("initial connect failed, will retry", "error", err)
		p.mu.Lock()
		p.state = gwtypes.StateReconnecting
		p.mu.Unlock()
		p.wg.Add(1)
		go p.reconnectLoop(0)
		return nil
	}

	p.wg.Add(1)
	go p.readLoop()
	return nil
}

func (p *ProxyServer) dial(ctx context.Context) error {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = defaultDialTimeout

	p.mu.RLock()
	header := p.dialHeader
	p.mu.RUnlock()

	conn, _, err := dialer.DialContext(ctx, p.endpoint, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.endpoint, err)
	}

	p.mu.Lock()
	p.conn = conn
	p.state = gwtypes.StateConnected
	p.mu.Unlock()
	return nil
}

// reconnectLoop retries dial with exponential backoff (capped, no
// jitter) until it succeeds or Disconnect is called.
func (p *ProxyServer) reconnectLoop(attempt int) {
	defer p.wg.Done()
	for {
		delay := backoff.Delay(reconnectPolicy, attempt, func(time.Duration) time.Duration { return 0 })
		select {
		case <-p.done:
			return
		case <-time.After(delay):
		}

		if err := p.dial(context.Background()); err != nil {
			p.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
			attempt++
			continue
		}

		p.logger.Info("reconnected", "attempt", attempt)
		p.wg.Add(1)
		go p.readLoop()
		return
	}
}

// Disconnect closes the connection and stops reconnect attempts.
func (p *ProxyServer) Disconnect() error {
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()

	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.state = gwtypes.StateDisconnected
	p.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// readLoop reads inbound frames and dispatches each to handleRequest in
// its own goroutine, serialized per request id via p.inflight.
func (p *ProxyServer) readLoop() {
	defer p.wg.Done()
	for {
		p.mu.RLock()
		conn := p.conn
		p.mu.RUnlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			p.logger.Warn("read error, reconnecting", "error", err)
			p.mu.Lock()
			if p.conn != nil {
				_ = p.conn.Close()
				p.conn = nil
			}
			p.state = gwtypes.StateReconnecting
			p.mu.Unlock()
			p.wg.Add(1)
			go p.reconnectLoop(0)
			return
		}

		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			p.logger.Warn("malformed frame dropped", "error", err)
			continue
		}
		go p.handleRequest(req)
	}
}

// handleRequest serializes same-id requests via a per-id lock, while
// requests with different ids run concurrently.
func (p *ProxyServer) handleRequest(req request) {
	id := string(req.ID)
	if id != "" {
		lock := p.idLock(id)
		lock.Lock()
		defer lock.Unlock()
		defer p.releaseIDLock(id, lock)
	}

	resp, ok := p.dispatch(req)
	if !ok {
		return
	}
	p.reply(resp)
}

func (p *ProxyServer) idLock(id string) *sync.Mutex {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	lock, ok := p.inflight[id]
	if !ok {
		lock = &sync.Mutex{}
		p.inflight[id] = lock
	}
	return lock
}

func (p *ProxyServer) releaseIDLock(id string, lock *sync.Mutex) {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if p.inflight[id] == lock {
		delete(p.inflight, id)
	}
}

// dispatch routes one request to its method handler. ok is false for
// notifications, which never produce a reply.
func (p *ProxyServer) dispatch(req request) (response, bool) {
	if req.isNotification() {
		p.logger.Debug("notification received", "method", req.Method)
		return response{}, false
	}

	switch req.Method {
	case "ping":
		return successResponse(req.ID, map[string]any{}), true
	case "tools/list":
		return p.handleToolsList(req), true
	case "tools/call":
		return p.handleToolsCall(req), true
	default:
		return errorResponse(req.ID, gwtypes.JSONRPCCode(gwtypes.ErrMethodNotFound), "method not found: "+req.Method), true
	}
}

func (p *ProxyServer) handleToolsList(req request) response {
	var tools []any
	if p.services != nil {
		for _, t := range p.services.GetAllTools() {
			tools = append(tools, map[string]any{
				"name":        t.ExposedName(),
				"description": t.Description,
				"inputSchema": t.InputSchema,
			})
		}
	}
	if p.custom != nil {
		for _, t := range p.custom.GetTools() {
			tools = append(tools, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"inputSchema": t.InputSchema,
			})
		}
	}
	return successResponse(req.ID, map[string]any{"tools": tools})
}

func (p *ProxyServer) reply(resp response) {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn == nil {
		p.logger.Warn("dropped reply: socket not open", "id", string(resp.ID))
		return
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := conn.WriteJSON(resp); err != nil {
		p.logger.Warn("failed to write reply", "error", err)
	}
}

// UpdateToolCallConfig applies the non-nil fields of partial.
func (p *ProxyServer) UpdateToolCallConfig(partial ToolCallConfigPartial) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if partial.Timeout != nil {
		p.callCfg.Timeout = *partial.Timeout
	}
}

// UpdateRetryConfig applies the non-nil fields of partial.
func (p *ProxyServer) UpdateRetryConfig(partial RetryConfigPartial) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if partial.MaxAttempts != nil {
		p.retryCfg.MaxAttempts = *partial.MaxAttempts
	}
	if partial.InitialDelay != nil {
		p.retryCfg.InitialDelay = *partial.InitialDelay
	}
	if partial.MaxDelay != nil {
		p.retryCfg.MaxDelay = *partial.MaxDelay
	}
	if partial.Multiplier != nil {
		p.retryCfg.Multiplier = *partial.Multiplier
	}
	if partial.RetryableErrorCodes != nil {
		p.retryCfg.RetryableErrorCodes = partial.RetryableErrorCodes
	}
}

// Metrics returns a snapshot of the in-memory performance metrics.
func (p *ProxyServer) Metrics() PerformanceMetrics {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()
	return p.metrics
}

// ResetPerformanceMetrics restores the metrics to their initial state.
func (p *ProxyServer) ResetPerformanceMetrics() {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()
	p.metrics = newPerformanceMetrics()
}

func (p *ProxyServer) recordCall(duration time.Duration, success bool) {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()

	p.metrics.TotalCalls++
	if success {
		p.metrics.SuccessfulCalls++
	} else {
		p.metrics.FailedCalls++
	}
	if duration < p.metrics.MinResponseTime {
		p.metrics.MinResponseTime = duration
	}
	if duration > p.metrics.MaxResponseTime {
		p.metrics.MaxResponseTime = duration
	}
	p.metrics.totalDuration += duration
	if p.metrics.TotalCalls > 0 {
		p.metrics.AvgResponseTime = p.metrics.totalDuration / time.Duration(p.metrics.TotalCalls)
		p.metrics.SuccessRate = float64(p.metrics.SuccessfulCalls) / float64(p.metrics.TotalCalls)
	}

	p.otel.record(context.Background(), float64(duration.Milliseconds()), success)
}
