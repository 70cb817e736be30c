// Package manager implements the Aggregator: ServiceManager holds the
// pool of MCPService instances and the namespaced tool index built from
// them, and ToolSync keeps that index current as services connect,
// reconnect, or have their config changed. Grounded on
// kagenti-mcp-gateway/internal/broker/broker.go's tool-namespacing and
// ValidateAllServers/diffTools bookkeeping, with best-effort parallel
// startup via golang.org/x/sync/errgroup
// (MrWong99-glyphoxa/internal/hotctx/assembler.go) and singleflight-
// coalesced resync via golang.org/x/sync/singleflight
// (step-chen-agent-sets/internal/client/mcp.go's reconnect coalescing).
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xzcli/gateway/internal/events"
	"github.com/xzcli/gateway/internal/gwtypes"
	"github.com/xzcli/gateway/internal/mcpservice"
)

// toolEntry is one row of ServiceManager's namespaced tool index.
type toolEntry struct {
	desc    gwtypes.ToolDescriptor
	service *mcpservice.MCPService
	mu      sync.Mutex // guards desc.Stats
}

// ServiceManager owns the pool of MCPServices and the single namespaced
// tool index aggregated from them. Safe for concurrent use.
type ServiceManager struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	services map[string]*mcpservice.MCPService
	configs  map[string]gwtypes.ServiceConfig
	tools    map[string]*toolEntry // keyed by exposed (namespaced) name
}

// New constructs an empty ServiceManager.
func New(bus *events.Bus, logger *slog.Logger) *ServiceManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServiceManager{
		bus:      bus,
		logger:   logger.With("component", "service-manager"),
		services: make(map[string]*mcpservice.MCPService),
		configs:  make(map[string]gwtypes.ServiceConfig),
		tools:    make(map[string]*toolEntry),
	}
}

// AddServiceConfig registers cfg and constructs (but does not connect)
// its MCPService. Replacing an existing service's config removes its
// prior tool-index entries; the caller is expected to (re)connect
// afterward.
func (m *ServiceManager) AddServiceConfig(cfg gwtypes.ServiceConfig, opts ...mcpservice.Option) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.services[cfg.Name]; ok {
		_ = old.Disconnect()
		m.removeServiceTools(cfg.Name)
	}
	m.services[cfg.Name] = mcpservice.New(cfg, m.bus, m.logger, opts...)
	m.configs[cfg.Name] = cfg
	return nil
}

// RemoveServiceConfig disconnects and forgets a service and its tools,
// then publishes config:updated(scope=serverTools) so subscribers to
// that scope (ToolSync) see the removal.
func (m *ServiceManager) RemoveServiceConfig(name string) {
	m.mu.Lock()
	_, existed := m.services[name]
	if existed {
		_ = m.services[name].Disconnect()
		delete(m.services, name)
		delete(m.configs, name)
		m.removeServiceTools(name)
	}
	m.mu.Unlock()

	if existed && m.bus != nil {
		m.bus.Publish(events.KindConfigUpdated, events.ConfigUpdatedPayload{
			Scope:       events.ScopeServerTools,
			ServiceName: name,
			At:          time.Now(),
		})
	}
}

// removeServiceTools deletes every tool-index entry belonging to name.
// Callers must hold m.mu.
func (m *ServiceManager) removeServiceTools(name string) {
	for exposed, entry := range m.tools {
		if entry.desc.ServiceName == name {
			delete(m.tools, exposed)
		}
	}
}

// StartAllServices connects every registered service concurrently,
// best-effort: one service's connection failure never prevents the
// others from starting. It returns a map of service name to the error
// that service returned (absent entries started successfully).
func (m *ServiceManager) StartAllServices(ctx context.Context) map[string]error {
	m.mu.RLock()
	services := make([]*mcpservice.MCPService, 0, len(m.services))
	for _, svc := range m.services {
		services = append(services, svc)
	}
	m.mu.RUnlock()

	var mu sync.Mutex
	errs := make(map[string]error)

	var g errgroup.Group
	for _, svc := range services {
		svc := svc
		g.Go(func() error {
			if err := svc.Connect(ctx); err != nil {
				mu.Lock()
				errs[svc.Name()] = err
				mu.Unlock()
				m.logger.Warn("service failed to start", "service", svc.Name(), "error", err)
				return nil
			}
			m.indexServiceTools(svc)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// StopAllServices disconnects every registered service.
func (m *ServiceManager) StopAllServices() {
	m.mu.RLock()
	services := make([]*mcpservice.MCPService, 0, len(m.services))
	for _, svc := range m.services {
		services = append(services, svc)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, svc := range services {
		svc := svc
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Disconnect(); err != nil {
				m.logger.Warn("service failed to stop cleanly", "service", svc.Name(), "error", err)
			}
		}()
	}
	wg.Wait()
}

// indexServiceTools (re)populates the tool index entries for svc from
// its current Tools() snapshot.
func (m *ServiceManager) indexServiceTools(svc *mcpservice.MCPService) {
	tools := svc.Tools()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeServiceTools(svc.Name())
	for _, t := range tools {
		t := t
		m.tools[t.ExposedName()] = &toolEntry{desc: t, service: svc}
	}
}

// GetAllTools returns every tool descriptor in the index, stably sorted
// by exposed name.
func (m *ServiceManager) GetAllTools() []gwtypes.ToolDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]gwtypes.ToolDescriptor, 0, len(m.tools))
	for _, entry := range m.tools {
		entry.mu.Lock()
		out = append(out, entry.desc)
		entry.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExposedName() < out[j].ExposedName() })
	return out
}

// Service returns the named MCPService, or nil if unknown.
func (m *ServiceManager) Service(name string) *mcpservice.MCPService {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.services[name]
}

// CallTool dispatches exposedName (a namespaced tool name) to its owning
// service, translating the name and updating usage stats on success.
func (m *ServiceManager) CallTool(ctx context.Context, exposedName string, args map[string]any) (any, error) {
	m.mu.RLock()
	entry, ok := m.tools[exposedName]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", gwtypes.ErrToolNotFound, exposedName)
	}

	result, err := entry.service.CallTool(ctx, entry.desc.OriginalName, args)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	entry.desc.Stats.UsageCount++
	entry.desc.Stats.LastUsedTime = time.Now()
	entry.mu.Unlock()

	return result, nil
}
