// Package bootstrap composes the runtime: locator, logger, event bus,
// atomic writer, brain store, cache, auth, security, presets, resolver,
// export engine, and the command dispatcher with every core command
// registered. Setup is idempotent; entry points (REPL, CLI one-shot,
// HTTP gateway) share one Runtime.
package bootstrap

import (
	"log/slog"
	"sync"
	"time"

	"github.com/aaviondb/aaviondb/internal/atomicfile"
	"github.com/aaviondb/aaviondb/internal/auth"
	"github.com/aaviondb/aaviondb/internal/brain"
	"github.com/aaviondb/aaviondb/internal/cachestore"
	"github.com/aaviondb/aaviondb/internal/config"
	"github.com/aaviondb/aaviondb/internal/dispatch"
	"github.com/aaviondb/aaviondb/internal/events"
	"github.com/aaviondb/aaviondb/internal/export"
	"github.com/aaviondb/aaviondb/internal/logging"
	"github.com/aaviondb/aaviondb/internal/paths"
	"github.com/aaviondb/aaviondb/internal/preset"
	"github.com/aaviondb/aaviondb/internal/resolver"
	"github.com/aaviondb/aaviondb/internal/security"
	"github.com/aaviondb/aaviondb/internal/watch"
)

// Options configures New/Setup.
type Options struct {
	Root            string         // data root; empty uses the config singleton
	Logger          *slog.Logger   // nil builds one from config
	ConfigOverrides map[string]any // merged into the system brain config
	WatchFiles      bool           // start the fsnotify invalidation watcher
}

// Runtime is the composed service graph.
type Runtime struct {
	Locator    *paths.Locator
	Logger     *slog.Logger
	Bus        *events.Bus
	Writer     *atomicfile.Writer
	Store      *brain.Store
	Cache      *cachestore.Store
	Auth       *auth.Manager
	Security   *security.Manager
	Presets    *preset.Registry
	Resolver   *resolver.Engine
	Export     *export.Engine
	Dispatcher *dispatch.Dispatcher

	watcher *watch.Watcher
}

var (
	setupMu sync.Mutex
	current *Runtime
)

// Setup builds the process-wide runtime once; later calls return the
// existing runtime without mutation.
func Setup(opts Options) (*Runtime, error) {
	setupMu.Lock()
	defer setupMu.Unlock()
	if current != nil {
		return current, nil
	}
	rt, err := New(opts)
	if err != nil {
		return nil, err
	}
	current = rt
	return rt, nil
}

// New builds an independent runtime (tests compose several).
func New(opts Options) (*Runtime, error) {
	if err := config.Initialize(); err != nil {
		return nil, err
	}
	root := opts.Root
	if root == "" {
		root = config.Root()
	}
	locator := paths.NewLocator(root)
	if err := locator.EnsureDefaultDirectories(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logPath := config.LogPath()
		if logPath == "" {
			logPath = locator.LogFilePath()
		}
		var err error
		logger, err = logging.New(logging.Options{
			Level:    config.LogLevel(),
			Format:   logging.Format(config.LogFormat()),
			FilePath: logPath,
		})
		if err != nil {
			return nil, err
		}
	}

	bus := events.NewBus(logger)
	writer := atomicfile.NewWriter(bus, logger)
	store := brain.NewStore(locator, writer, bus, logger)

	fail := func(stage string, err error) error {
		logger.Error("bootstrap failed", "stage", stage, "error", err)
		bus.Emit("module.initialization_failed", map[string]any{"stage": stage, "error": err.Error()})
		return err
	}

	if _, err := store.EnsureSystemBrain(opts.ConfigOverrides); err != nil {
		return nil, fail("system_brain", err)
	}
	if _, err := store.EnsureActiveBrain(); err != nil {
		return nil, fail("active_brain", err)
	}

	cacheTTL := time.Duration(store.ConfigInt("cache.ttl", 3600)) * time.Second
	cache := cachestore.New(locator.CacheDir(), cacheTTL, logger)
	cache.SetEnabled(store.ConfigBool("cache.active", true))

	rt := &Runtime{
		Locator:    locator,
		Logger:     logger,
		Bus:        bus,
		Writer:     writer,
		Store:      store,
		Cache:      cache,
		Auth:       auth.NewManager(store, bus),
		Security:   security.NewManager(store, cache, logger),
		Presets:    preset.NewRegistry(store, bus),
		Dispatcher: dispatch.New(bus, logger),
	}
	rt.Resolver = resolver.NewEngine(store, logger)
	rt.Export = export.NewEngine(store, rt.Presets, rt.Resolver, logger)

	// First boot registers the well-known local recovery token. It never
	// admits REST calls; Admit rejects its hash outright.
	if sys, sysErr := store.System(); sysErr == nil && sys.Auth != nil && sys.Auth.BootstrapKey == "" {
		if err := rt.Auth.UpdateBootstrapKey("admin", true); err != nil {
			return nil, fail("bootstrap_key", err)
		}
	}

	if _, err := rt.Presets.Seed(); err != nil {
		return nil, fail("preset_seed", err)
	}

	rt.registerCommands()
	rt.registerParserHandlers()

	if opts.WatchFiles {
		watcher, err := watch.New(store, logger)
		if err != nil {
			logger.Warn("file watcher unavailable", "error", err)
		} else {
			rt.watcher = watcher
		}
	}

	bus.Emit("module.initialized", map[string]any{"module": "core"})
	return rt, nil
}

// Close releases background resources.
func (rt *Runtime) Close() error {
	if rt.watcher != nil {
		return rt.watcher.Close()
	}
	return nil
}
