package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/xzcli/gateway/internal/events"
	"github.com/xzcli/gateway/internal/gwtypes"
)

// Watcher loads a config document from path, watches it for changes via
// fsnotify, and publishes config:updated(scope=full) on the bus whenever
// it is reloaded. MCP_ENDPOINT is layered in via spf13/viper as the
// fallback single endpoint when no config file is present, grounded on
// kagenti-mcp-gateway's cmd/mcp-broker/main.go getEnv helper (adapted
// here into viper's env-binding idiom instead of a hand-rolled lookup).
type Watcher struct {
	path   string
	bus    *events.Bus
	logger *slog.Logger
	v      *viper.Viper

	mu  sync.RWMutex
	doc *Document

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// Load reads and parses path once, without starting a file watch.
// If path does not exist and MCP_ENDPOINT is set, it synthesizes a
// minimal Document with that single endpoint and no services.
func Load(path string, bus *events.Bus, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	v := viper.New()
	v.SetEnvPrefix("")
	v.BindEnv("MCP_ENDPOINT")

	w := &Watcher{
		path:   path,
		bus:    bus,
		logger: logger.With("component", "config watcher"),
		v:      v,
		done:   make(chan struct{}),
	}

	doc, err := w.load()
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.doc = doc
	w.mu.Unlock()
	return w, nil
}

func (w *Watcher) load() (*Document, error) {
	data, err := os.ReadFile(w.path)
	if os.IsNotExist(err) {
		if fallback := w.v.GetString("MCP_ENDPOINT"); fallback != "" {
			return &Document{
				Services:  map[string]gwtypes.ServiceConfig{},
				Endpoints: []gwtypes.EndpointConfig{{URL: fallback}},
			}, nil
		}
		return nil, fmt.Errorf("%w: no endpoints configured and MCP_ENDPOINT is unset", gwtypes.ErrConfigInvalid)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %s", gwtypes.ErrConfigInvalid, w.path, err)
	}
	return Parse(data)
}

// Document returns the most recently loaded configuration.
func (w *Watcher) Document() *Document {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.doc
}

// Watch starts watching the config file's directory for changes; on a
// write event it reloads and publishes config:updated(full). It stops
// when ctx is cancelled or Close is called.
func (w *Watcher) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.watcher = fsw

	w.wg.Add(1)
	go w.watchLoop(ctx)
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()
	defer w.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	doc, err := w.load()
	if err != nil {
		w.logger.Error("config reload failed", "error", err)
		return
	}
	w.mu.Lock()
	w.doc = doc
	w.mu.Unlock()

	if w.bus != nil {
		w.bus.Publish(events.KindConfigUpdated, events.ConfigUpdatedPayload{
			Scope: events.ScopeFull,
			At:    time.Now(),
		})
	}
}

// Close stops the file watch.
func (w *Watcher) Close() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	w.wg.Wait()
}
