// Package customtool implements CustomToolHandler: the registry of
// in-process (non-MCP) tools — function, HTTP, platform-proxy, and
// MCP-reference — together with the one-shot result cache that bridges
// a short downstream timeout to long-running upstream work. Grounded on
// kagenti-mcp-gateway/internal/cache/session-caching.go's
// atomic-swap-a-map idiom for non-blocking reads during re-init, and on
// the gjson/sjson response-shaping style seen in
// step-chen-agent-sets/internal/filter/bitbucket/response.go for the
// HTTP handler's data_path projection.
package customtool

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/xzcli/gateway/internal/cache"
	"github.com/xzcli/gateway/internal/events"
	"github.com/xzcli/gateway/internal/gwtypes"
)

const defaultCallTimeout = 8 * time.Second
const defaultCleanupInterval = 60 * time.Second

// Content is one element of a tool result's content array.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Result is the shape every CustomToolHandler call returns, mirroring
// the MCP tool-result envelope.
type Result struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
	TaskID  string    `json:"taskId,omitempty"`
}

func textResult(text string) Result {
	return Result{Content: []Content{{Type: "text", Text: text}}}
}

func errorResult(text string) Result {
	return Result{Content: []Content{{Type: "text", Text: text}}, IsError: true}
}

// ToolCaller is the subset of ServiceManager CustomToolHandler needs to
// forward MCP-reference custom tools.
type ToolCaller interface {
	CallTool(ctx context.Context, exposedName string, args map[string]any) (any, error)
}

// CallOptions configures one callTool invocation.
type CallOptions struct {
	TimeoutMs int
	TaskID    string
}

// registry is the atomically-swapped snapshot of configured custom
// tools, keyed by name.
type registry map[string]gwtypes.CustomTool

// Handler is the CustomToolHandler component.
type Handler struct {
	cacheMgr *cache.CacheManager
	services ToolCaller
	logger   *slog.Logger

	tools atomic.Pointer[registry]

	bus            *events.Bus
	configHandle   events.Handle
	cleanupStop    chan struct{}
	cleanupRunning atomic.Bool
}

// New constructs a Handler with an empty tool set. Call SetTools, or call
// Subscribe (if bus is non-nil) so config:updated(customMCP) events
// populate it.
func New(cacheMgr *cache.CacheManager, services ToolCaller, bus *events.Bus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		cacheMgr: cacheMgr,
		services: services,
		logger:   logger.With("component", "custom-tool-handler"),
		bus:      bus,
	}
	empty := registry{}
	h.tools.Store(&empty)
	return h
}

// SetTools atomically replaces the tool registry: build a new map, then
// swap the pointer, so getTools() readers never observe a partial map.
func (h *Handler) SetTools(tools []gwtypes.CustomTool) {
	next := make(registry, len(tools))
	for _, t := range tools {
		next[t.Name] = t
	}
	h.tools.Store(&next)
}

// GetTools is a non-blocking O(1) snapshot read, safe during concurrent
// SetTools.
func (h *Handler) GetTools() []gwtypes.CustomTool {
	reg := *h.tools.Load()
	out := make([]gwtypes.CustomTool, 0, len(reg))
	for _, t := range reg {
		out = append(out, t)
	}
	return out
}

// Lookup returns the named custom tool, if configured.
func (h *Handler) Lookup(name string) (gwtypes.CustomTool, bool) {
	reg := *h.tools.Load()
	t, ok := reg[name]
	return t, ok
}

// cacheKey implements spec §3's cacheKey = toolName + "_" + md5(args).
func cacheKey(toolName string, args map[string]any) (string, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("customtool: marshal args: %w", err)
	}
	sum := md5.Sum(data)
	return fmt.Sprintf("%s_%x", toolName, sum), nil
}

// CallTool implements the one-shot cache algorithm of spec §4.4: replay
// a completed-unconsumed cache hit, otherwise race the handler against
// TimeoutMs, recording pending/completed/failed entries as appropriate.
func (h *Handler) CallTool(ctx context.Context, name string, args map[string]any, opts CallOptions) (Result, error) {
	tool, ok := h.Lookup(name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", gwtypes.ErrToolNotFound, name)
	}

	key, err := cacheKey(name, args)
	if err != nil {
		return Result{}, err
	}

	if h.cacheMgr != nil {
		if entry, ok := h.cacheMgr.GetCacheEntry(key); ok {
			now := time.Now()
			if entry.Status == gwtypes.CacheStatusCompleted && !entry.Consumed && !entry.Expired(now) {
				_ = h.cacheMgr.MarkConsumed(key)
				return h.resultFromEntry(entry), nil
			}
		}
	}

	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.dispatch(context.Background(), tool, args)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			h.writeEntry(key, gwtypes.CacheEntry{CacheKey: key, Timestamp: time.Now(), Status: gwtypes.CacheStatusFailed})
			return errorResult(o.err.Error()), nil
		}
		h.writeEntry(key, gwtypes.CacheEntry{
			CacheKey:  key,
			Result:    o.result,
			Timestamp: time.Now(),
			TTLMs:     int64(5 * time.Minute / time.Millisecond),
			Status:    gwtypes.CacheStatusCompleted,
		})
		h.touchCleanup()
		return o.result, nil

	case <-time.After(timeout):
		h.writeEntry(key, gwtypes.CacheEntry{
			CacheKey:  key,
			Timestamp: time.Now(),
			TTLMs:     int64(5 * time.Minute / time.Millisecond),
			Status:    gwtypes.CacheStatusPending,
		})
		go func() {
			o := <-done
			if o.err != nil {
				h.writeEntry(key, gwtypes.CacheEntry{CacheKey: key, Timestamp: time.Now(), Status: gwtypes.CacheStatusFailed})
				return
			}
			h.writeEntry(key, gwtypes.CacheEntry{
				CacheKey:  key,
				Result:    o.result,
				Timestamp: time.Now(),
				TTLMs:     int64(5 * time.Minute / time.Millisecond),
				Status:    gwtypes.CacheStatusCompleted,
			})
		}()
		return Result{
			Content: []Content{{Type: "text", Text: "still working on it; check back shortly"}},
			TaskID:  key,
		}, nil
	}
}

func (h *Handler) resultFromEntry(entry gwtypes.CacheEntry) Result {
	if r, ok := entry.Result.(Result); ok {
		return r
	}
	data, err := json.Marshal(entry.Result)
	if err != nil {
		return errorResult("cached result could not be decoded")
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return textResult(string(data))
	}
	return r
}

func (h *Handler) writeEntry(key string, entry gwtypes.CacheEntry) {
	if h.cacheMgr == nil {
		return
	}
	if err := h.cacheMgr.PutCacheEntry(entry); err != nil {
		h.logger.Warn("failed to persist cache entry", "cacheKey", key, "error", err)
	}
}

// dispatch routes to the handler-kind-specific implementation.
func (h *Handler) dispatch(ctx context.Context, tool gwtypes.CustomTool, args map[string]any) (Result, error) {
	switch tool.Kind {
	case gwtypes.HandlerFunction:
		return callFunction(tool.Function, args)
	case gwtypes.HandlerHTTP:
		return callHTTP(ctx, tool.HTTP, args)
	case gwtypes.HandlerPlatform:
		return callPlatform(ctx, tool.Platform, args)
	case gwtypes.HandlerMCPRef:
		return h.callMCPRef(ctx, tool.MCPRef, args)
	default:
		return Result{}, fmt.Errorf("%w: unknown handler kind %q", gwtypes.ErrConfigInvalid, tool.Kind)
	}
}

func (h *Handler) callMCPRef(ctx context.Context, ref gwtypes.MCPRefHandlerConfig, args map[string]any) (Result, error) {
	if h.services == nil {
		return Result{}, fmt.Errorf("%w: no service manager wired for mcp_ref handler", gwtypes.ErrInternal)
	}
	exposed := gwtypes.ExposedToolName(ref.ServiceName, ref.ToolName)
	raw, err := h.services.CallTool(ctx, exposed, args)
	if err != nil {
		return Result{}, err
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return textResult(fmt.Sprintf("%v", raw)), nil
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil || len(r.Content) == 0 {
		return textResult(string(data)), nil
	}
	return r, nil
}

// StartCleanup launches the periodic cache-cleanup timer described in
// spec §4.4. Calling it more than once is a no-op.
func (h *Handler) StartCleanup(ctx context.Context) {
	if h.cacheMgr == nil {
		return
	}
	if !h.cleanupRunning.CompareAndSwap(false, true) {
		return
	}
	h.cleanupStop = make(chan struct{})
	go h.cleanupLoop(ctx)
}

func (h *Handler) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.cleanupStop:
			return
		case <-ticker.C:
			h.runCleanup()
		}
	}
}

func (h *Handler) runCleanup() {
	removed, err := h.cacheMgr.CleanupExpired(time.Now())
	if err != nil {
		h.logger.Warn("cache cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		h.logger.Debug("cache cleanup removed entries", "count", removed)
	}
}

// touchCleanup runs cleanup inline, in addition to the periodic timer,
// so a freshly written entry's siblings are pruned promptly.
func (h *Handler) touchCleanup() {
	if h.cacheMgr == nil {
		return
	}
	go h.runCleanup()
}

// StopCleanup stops the periodic cleanup timer, if running.
func (h *Handler) StopCleanup() {
	if h.cleanupRunning.CompareAndSwap(true, false) && h.cleanupStop != nil {
		close(h.cleanupStop)
	}
}

// Subscribe wires the handler to config:updated(customMCP) so an
// external config loader can push tool updates via the event bus rather
// than calling SetTools directly.
func (h *Handler) Subscribe(loadTools func() []gwtypes.CustomTool) {
	if h.bus == nil {
		return
	}
	h.configHandle = h.bus.Subscribe(events.KindConfigUpdated, func(ev events.Event) {
		p, ok := ev.Payload.(events.ConfigUpdatedPayload)
		if !ok || p.Scope != events.ScopeCustomMCP {
			return
		}
		h.SetTools(loadTools())
	})
}

// Unsubscribe undoes Subscribe.
func (h *Handler) Unsubscribe() {
	if h.bus != nil {
		h.bus.Unsubscribe(h.configHandle)
	}
}
