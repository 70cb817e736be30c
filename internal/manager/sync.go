package manager

import (
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xzcli/gateway/internal/events"
)

// ToolSync keeps ServiceManager's tool index in lockstep with upstream
// reality: it subscribes to service:connected and config:updated
// (serverTools scope), re-syncing the affected service's tool entries,
// then republishes config:updated (customMCP scope) so CustomToolHandler
// can re-resolve any MCP-reference custom tools bound to those entries.
// Concurrent syncs for the same service are coalesced through
// singleflight, mirroring step-chen-agent-sets/internal/client/mcp.go's
// use of requestGroup.Do to deduplicate concurrent reconnects.
type ToolSync struct {
	manager *ServiceManager
	bus     *events.Bus
	logger  *slog.Logger

	group singleflight.Group

	connectedHandle events.Handle
	configHandle    events.Handle
}

// NewToolSync constructs and starts a ToolSync bound to manager and bus.
func NewToolSync(manager *ServiceManager, bus *events.Bus, logger *slog.Logger) *ToolSync {
	if logger == nil {
		logger = slog.Default()
	}
	ts := &ToolSync{manager: manager, bus: bus, logger: logger.With("component", "tool-sync")}

	ts.connectedHandle = bus.Subscribe(events.KindServiceConnected, func(ev events.Event) {
		p := ev.Payload.(events.ServiceConnectedPayload)
		ts.sync(p.ServiceName)
	})
	ts.configHandle = bus.Subscribe(events.KindConfigUpdated, func(ev events.Event) {
		p := ev.Payload.(events.ConfigUpdatedPayload)
		if p.Scope == events.ScopeServerTools {
			ts.sync(p.ServiceName)
		}
	})
	return ts
}

// sync re-indexes serviceName's tools exactly once even if triggered by
// several concurrent events, then republishes config:updated(customMCP)
// so dependent custom tools can re-resolve.
func (ts *ToolSync) sync(serviceName string) {
	_, _, _ = ts.group.Do(serviceName, func() (any, error) {
		svc := ts.manager.Service(serviceName)
		if svc == nil {
			return nil, nil
		}
		ts.manager.indexServiceTools(svc)
		ts.logger.Debug("resynced service tools", "service", serviceName)
		ts.bus.Publish(events.KindConfigUpdated, events.ConfigUpdatedPayload{
			Scope:       events.ScopeCustomMCP,
			ServiceName: serviceName,
			At:          time.Now(),
		})
		return nil, nil
	})
}

// Close unsubscribes from the event bus. It does not affect in-flight
// syncs already coalesced through singleflight.
func (ts *ToolSync) Close() {
	ts.bus.Unsubscribe(ts.connectedHandle)
	ts.bus.Unsubscribe(ts.configHandle)
}
