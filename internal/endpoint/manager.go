// Package endpoint implements EndpointManager, which owns the set of
// ProxyServer instances for the configured downstream endpoint URLs.
// Grounded on kagenti-mcp-gateway/internal/broker/broker.go's
// owns-a-map-of-workers, best-effort-parallel-start shape, adapted from
// upstream MCP servers to downstream WebSocket endpoints.
package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/xzcli/gateway/internal/events"
	"github.com/xzcli/gateway/internal/gwtypes"
	"github.com/xzcli/gateway/internal/proxy"
)

// Status is one entry of GetConnectionStatus's report.
type Status struct {
	Endpoint    string
	Connected   bool
	Initialized bool
	LastError   string
}

// Manager owns {endpoint -> ProxyServer}, built from config at startup.
// Dynamic add/remove of endpoints at runtime is not supported; AddEndpoint
// and RemoveEndpoint both return gwtypes.ErrNotSupported.
type Manager struct {
	services proxy.ServiceCaller
	custom   proxy.CustomCaller
	bus      *events.Bus
	logger   *slog.Logger

	metrics *promMetrics

	mu          sync.RWMutex
	proxies     map[string]*proxy.ProxyServer
	initialized map[string]bool
	lastError   map[string]string
}

// New constructs a Manager for the given endpoint configs. Each
// ProxyServer is built but not yet connected; call Initialize then
// Connect.
func New(configs []gwtypes.EndpointConfig, services proxy.ServiceCaller, custom proxy.CustomCaller, bus *events.Bus, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		services:    services,
		custom:      custom,
		bus:         bus,
		logger:      logger.With("component", "endpoint manager"),
		metrics:     newPromMetrics(),
		proxies:     make(map[string]*proxy.ProxyServer),
		initialized: make(map[string]bool),
		lastError:   make(map[string]string),
	}
	for _, cfg := range configs {
		if err := m.addEndpoint(cfg); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) addEndpoint(cfg gwtypes.EndpointConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p := proxy.New(cfg.URL, m.services, m.custom, m.logger)
	if header, err := authHeader(cfg.Auth); err != nil {
		return fmt.Errorf("endpoint %s: %w", cfg.URL, err)
	} else if header != nil {
		p.WithDialHeader(header)
	}

	m.mu.Lock()
	m.proxies[cfg.URL] = p
	m.initialized[cfg.URL] = true
	m.mu.Unlock()
	return nil
}

// Initialize is a no-op beyond construction: every configured endpoint's
// ProxyServer already exists by the time New returns. It exists as a
// distinct call to mirror spec's {initialize, connect, disconnect,
// cleanup} lifecycle split.
func (m *Manager) Initialize() error { return nil }

// Connect dials every configured endpoint, best-effort: one endpoint
// failing to connect does not prevent the others from connecting.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.RLock()
	proxies := make(map[string]*proxy.ProxyServer, len(m.proxies))
	for url, p := range m.proxies {
		proxies[url] = p
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(-1)
	for url, p := range proxies {
		url, p := url, p
		g.Go(func() error {
			err := p.Connect(gctx)
			m.recordStatus(url, err)
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

func (m *Manager) recordStatus(url string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.lastError[url] = err.Error()
	} else {
		delete(m.lastError, url)
	}
	m.metrics.setConnected(url, err == nil)
	if m.bus != nil {
		m.bus.Publish(events.KindEndpointStatusChanged, events.EndpointStatusChangedPayload{
			Endpoint:  url,
			Connected: err == nil,
			Operation: "connect",
			At:        time.Now(),
		})
	}
}

// Disconnect closes every endpoint's WebSocket connection.
func (m *Manager) Disconnect() error {
	m.mu.RLock()
	proxies := make([]*proxy.ProxyServer, 0, len(m.proxies))
	urls := make([]string, 0, len(m.proxies))
	for url, p := range m.proxies {
		proxies = append(proxies, p)
		urls = append(urls, url)
	}
	m.mu.RUnlock()

	var firstErr error
	for i, p := range proxies {
		if err := p.Disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.metrics.setConnected(urls[i], false)
		if m.bus != nil {
			m.bus.Publish(events.KindEndpointStatusChanged, events.EndpointStatusChangedPayload{
				Endpoint:  urls[i],
				Connected: false,
				Operation: "disconnect",
				At:        time.Now(),
			})
		}
	}
	return firstErr
}

// Cleanup tears down every ProxyServer and clears the pool. It is the
// first step of graceful shutdown: EndpointManager.Cleanup() is called
// before ServiceManager.StopAllServices().
func (m *Manager) Cleanup() error {
	err := m.Disconnect()
	m.mu.Lock()
	m.proxies = make(map[string]*proxy.ProxyServer)
	m.initialized = make(map[string]bool)
	m.lastError = make(map[string]string)
	m.mu.Unlock()
	return err
}

// GetConnectionStatus reports, per configured endpoint, whether it is
// connected, initialized, and its last error if any.
func (m *Manager) GetConnectionStatus() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]Status, 0, len(m.proxies))
	for url, p := range m.proxies {
		statuses = append(statuses, Status{
			Endpoint:    url,
			Connected:   p.State() == gwtypes.StateConnected,
			Initialized: m.initialized[url],
			LastError:   m.lastError[url],
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Endpoint < statuses[j].Endpoint })
	return statuses
}

// Registry returns the Prometheus registry backing this Manager's
// per-endpoint connection gauges, for mounting under a /metrics handler.
func (m *Manager) Registry() *prometheus.Registry {
	return m.metrics.registry
}

// WithMeter attaches an OTel meter to every ProxyServer this Manager
// owns, wiring each one's additive OTel performance-metrics sink.
func (m *Manager) WithMeter(meter metric.Meter) *Manager {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.proxies {
		p.WithMeter(meter)
	}
	return m
}

// GetEndpoint returns the ProxyServer for url, if configured.
func (m *Manager) GetEndpoint(url string) (*proxy.ProxyServer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proxies[url]
	return p, ok
}

// AddEndpoint always fails: dynamic endpoint add is not supported.
func (m *Manager) AddEndpoint(gwtypes.EndpointConfig) error {
	return fmt.Errorf("%w: dynamic endpoint add", gwtypes.ErrNotSupported)
}

// RemoveEndpoint always fails: dynamic endpoint remove is not supported.
func (m *Manager) RemoveEndpoint(string) error {
	return fmt.Errorf("%w: dynamic endpoint remove", gwtypes.ErrNotSupported)
}
