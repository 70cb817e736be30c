// main implements the gateway process: wires EventBus, CacheManager,
// ServiceManager, CustomToolHandler and EndpointManager together, then
// blocks until a shutdown signal tears them down in dependency order.
// Grounded on kagenti-mcp-gateway/cmd/mcp-broker/main.go's
// getEnv-and-graceful-serve shape.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/xzcli/gateway/internal/cache"
	"github.com/xzcli/gateway/internal/config"
	"github.com/xzcli/gateway/internal/customtool"
	"github.com/xzcli/gateway/internal/endpoint"
	"github.com/xzcli/gateway/internal/events"
	"github.com/xzcli/gateway/internal/gwtypes"
	"github.com/xzcli/gateway/internal/manager"
)

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "gateway")
	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	configDir := getEnv("MCP_GATEWAY_CONFIG_DIR", ".")
	configPath := filepath.Join(configDir, "gateway.json")
	cacheDir := getEnv("MCP_GATEWAY_CACHE_DIR", ".")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return fmt.Errorf("create cache dir %s: %w", cacheDir, err)
	}

	bus := events.New(logger, 0)

	cacheMgr, err := cache.Load(filepath.Join(cacheDir, "gateway-cache.json"))
	if err != nil {
		return fmt.Errorf("load cache: %w", err)
	}

	watcher, err := config.Load(configPath, bus, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	doc := watcher.Document()
	if len(doc.Endpoints) == 0 {
		return fmt.Errorf("no endpoints configured and MCP_ENDPOINT is unset")
	}

	svcManager := manager.New(bus, logger)
	for name, cfg := range doc.Services {
		if err := svcManager.AddServiceConfig(cfg); err != nil {
			return fmt.Errorf("add service %s: %w", name, err)
		}
	}
	toolSync := manager.NewToolSync(svcManager, bus, logger)

	customHandler := customtool.New(cacheMgr, svcManager, bus, logger)
	customHandler.SetTools(doc.CustomTools)
	customHandler.Subscribe(func() []gwtypes.CustomTool { return watcher.Document().CustomTools })

	endpointMgr, err := endpoint.New(doc.Endpoints, svcManager, customHandler, bus, logger)
	if err != nil {
		return fmt.Errorf("construct endpoint manager: %w", err)
	}

	res := resource.NewSchemaless(attribute.String("service.name", "xzcli-gateway"))
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	endpointMgr.WithMeter(meterProvider.Meter("github.com/xzcli/gateway/cmd/gateway"))

	metricsSrv := &http.Server{
		Addr:    getEnv("MCP_GATEWAY_METRICS_ADDR", ":9090"),
		Handler: promhttp.HandlerFor(endpointMgr.Registry(), promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svcManager.StartAllServices(ctx)
	if err := endpointMgr.Connect(ctx); err != nil {
		return fmt.Errorf("connect endpoints: %w", err)
	}
	customHandler.StartCleanup(ctx)

	watchCtx, watchCancel := context.WithCancel(ctx)
	defer watchCancel()
	if err := watcher.Watch(watchCtx); err != nil {
		logger.Warn("config file watch disabled", "error", err)
	}

	logger.Info("gateway started", "endpoints", len(doc.Endpoints), "services", len(doc.Services))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdown(logger, watcher, customHandler, toolSync, endpointMgr, svcManager, cacheMgr, bus, metricsSrv, meterProvider)
	return nil
}

// shutdown tears components down in the documented order:
// EndpointManager.Cleanup -> ServiceManager.StopAllServices ->
// CacheManager flush -> EventBus.Destroy, with the metrics server and
// OTel meter provider stopped alongside.
func shutdown(
	logger *slog.Logger,
	watcher *config.Watcher,
	customHandler *customtool.Handler,
	toolSync *manager.ToolSync,
	endpointMgr *endpoint.Manager,
	svcManager *manager.ServiceManager,
	cacheMgr *cache.CacheManager,
	bus *events.Bus,
	metricsSrv *http.Server,
	meterProvider *sdkmetric.MeterProvider,
) {
	watcher.Close()
	customHandler.StopCleanup()
	toolSync.Close()

	if err := endpointMgr.Cleanup(); err != nil {
		logger.Warn("endpoint cleanup", "error", err)
	}
	svcManager.StopAllServices()

	if _, err := cacheMgr.CleanupExpired(time.Now()); err != nil {
		logger.Warn("final cache cleanup", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bus.Destroy(ctx)

	if err := metricsSrv.Shutdown(ctx); err != nil {
		logger.Warn("metrics server shutdown", "error", err)
	}
	if err := meterProvider.Shutdown(ctx); err != nil {
		logger.Warn("meter provider shutdown", "error", err)
	}
}
