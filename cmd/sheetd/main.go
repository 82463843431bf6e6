package main

import (
	"flag"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/dicetable/sheetbase/internal/config"
	"github.com/dicetable/sheetbase/internal/hooks"
	"github.com/dicetable/sheetbase/internal/httpapi"
	"github.com/dicetable/sheetbase/internal/sheets"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	flag.StringVar(&cfg.SheetDir, "dir", cfg.SheetDir, "sheet directory (used when no state DSN is set)")
	flag.StringVar(&cfg.StateDSN, "state-dsn", cfg.StateDSN, "state backend DSN (file://, memory://, postgres://)")
	flag.StringVar(&cfg.SaveQueueDSN, "save-queue-dsn", cfg.SaveQueueDSN, "save queue DSN (memory:// or file://)")
	flag.BoolVar(&cfg.WatchSheetDir, "watch", cfg.WatchSheetDir, "watch the sheet directory for external edits")
	flag.Parse()

	backend, err := sheets.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	saveQueue, err := sheets.BuildSaveQueueFromDSN(cfg.SaveQueueDSN, cfg.SaveQueueSize)
	if err != nil {
		log.Fatalf("failed to initialize save queue: %v", err)
	}

	store := sheets.NewStoreWithOptions(sheets.StoreOptions{
		Backend:       backend,
		Dir:           dirFor(cfg),
		SaveQueue:     saveQueue,
		SaveQueueSize: cfg.SaveQueueSize,
		SaveWorkers:   cfg.SaveWorkers,
	})
	defer store.Close()

	if watchDir := watchDirFor(cfg); watchDir != "" {
		watcher, err := sheets.NewDirWatcher(store, watchDir)
		if err != nil {
			log.Fatalf("failed to watch %s: %v", watchDir, err)
		}
		defer watcher.Close()
	}

	dispatcher := hooks.NewDispatcher(store.Bus(), hooks.DispatcherOptions{})
	defer dispatcher.Close()
	if err := dispatcher.Register(hooks.SANBroadcast()); err != nil {
		log.Fatalf("failed to register plugin: %v", err)
	}

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		MaxBodyBytes: cfg.MaxBodyBytes,
	})

	log.Printf("sheetd listening on %s", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

// dirFor returns the sheet directory the store should use when no explicit
// state DSN is configured.
func dirFor(cfg config.Config) string {
	if strings.TrimSpace(cfg.StateDSN) != "" {
		return ""
	}
	return strings.TrimSpace(cfg.SheetDir)
}

// watchDirFor decides which directory (if any) to watch for external edits.
// Watching only makes sense when the store is backed by a local directory,
// either implicitly through SheetDir or through a file:// state DSN.
func watchDirFor(cfg config.Config) string {
	if !cfg.WatchSheetDir {
		return ""
	}
	dsn := strings.TrimSpace(cfg.StateDSN)
	if dsn == "" {
		return strings.TrimSpace(cfg.SheetDir)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return ""
	}
	switch strings.ToLower(parsed.Scheme) {
	case "", "file", "dir":
		path := strings.TrimSpace(parsed.Path)
		if path == "" {
			path = strings.TrimSpace(parsed.Opaque)
		}
		if path == "" {
			path = strings.TrimSpace(parsed.Host)
		}
		if path == "" && parsed.Scheme == "" {
			path = dsn
		}
		return path
	default:
		return ""
	}
}
