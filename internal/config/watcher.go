package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-iap/internal/entitlements"
)

// LoadCatalog reads a feature catalog file. An empty path returns the
// built-in catalog.
func LoadCatalog(path string) (*entitlements.Catalog, error) {
	if path == "" {
		return entitlements.DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feature catalog: %w", err)
	}
	return entitlements.ParseCatalog(data)
}

// CatalogSetter receives reloaded catalogs. *entitlements.Resolver
// implements it.
type CatalogSetter interface {
	SetCatalog(c *entitlements.Catalog)
}

var (
	debounceDelay = 100 * time.Millisecond
	pollInterval  = 5 * time.Second
)

// CatalogWatcher reloads the feature catalog file when it changes. A file
// that fails to parse is logged and the previous catalog stays active.
type CatalogWatcher struct {
	path     string
	target   CatalogSetter
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once

	mu          sync.Mutex
	lastModTime time.Time
	reloads     int
}

// NewCatalogWatcher creates a watcher for path feeding target.
func NewCatalogWatcher(path string, target CatalogSetter) (*CatalogWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("catalog path is required")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	cw := &CatalogWatcher{
		path:     filepath.Clean(path),
		target:   target,
		watcher:  watcher,
		stopChan: make(chan struct{}),
	}
	if stat, err := os.Stat(cw.path); err == nil {
		cw.lastModTime = stat.ModTime()
	}
	return cw, nil
}

// Start watches the catalog's directory. If the directory cannot be watched
// it falls back to polling the file's modification time.
func (cw *CatalogWatcher) Start() error {
	dir := filepath.Dir(cw.path)
	if err := cw.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch catalog directory, falling back to polling")
		go cw.pollForChanges()
		return nil
	}
	go cw.watchForChanges()
	log.Info().Str("catalog_path", cw.path).Msg("Started watching feature catalog for changes")
	return nil
}

// Stop stops the watcher. It is safe to call more than once.
func (cw *CatalogWatcher) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.stopChan)
		cw.watcher.Close()
	})
}

// Reload re-reads the catalog now.
func (cw *CatalogWatcher) Reload() error {
	catalog, err := LoadCatalog(cw.path)
	if err != nil {
		log.Error().Err(err).Str("catalog_path", cw.path).Msg("Feature catalog reload failed, keeping previous catalog")
		return err
	}
	cw.target.SetCatalog(catalog)

	cw.mu.Lock()
	cw.reloads++
	if stat, err := os.Stat(cw.path); err == nil {
		cw.lastModTime = stat.ModTime()
	}
	cw.mu.Unlock()

	log.Info().
		Str("catalog_path", cw.path).
		Int("features", len(catalog.Features())).
		Msg("Feature catalog reloaded")
	return nil
}

// Reloads reports how many reloads succeeded.
func (cw *CatalogWatcher) Reloads() int {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.reloads
}

func (cw *CatalogWatcher) watchForChanges() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Let the writer finish.
			select {
			case <-time.After(debounceDelay):
			case <-cw.stopChan:
				return
			}
			log.Debug().Str("event", event.Op.String()).Msg("Detected feature catalog change")
			_ = cw.Reload()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Catalog watcher error")

		case <-cw.stopChan:
			return
		}
	}
}

func (cw *CatalogWatcher) pollForChanges() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(cw.path)
			if err != nil {
				continue
			}
			cw.mu.Lock()
			changed := stat.ModTime().After(cw.lastModTime)
			cw.mu.Unlock()
			if changed {
				log.Debug().Msg("Detected feature catalog change via polling")
				_ = cw.Reload()
			}
		case <-cw.stopChan:
			return
		}
	}
}

// WatchCatalog starts a CatalogWatcher for path that stops when ctx ends.
func WatchCatalog(ctx context.Context, path string, target CatalogSetter) (*CatalogWatcher, error) {
	cw, err := NewCatalogWatcher(path, target)
	if err != nil {
		return nil, err
	}
	if err := cw.Start(); err != nil {
		cw.Stop()
		return nil, err
	}
	go func() {
		select {
		case <-ctx.Done():
			cw.Stop()
		case <-cw.stopChan:
		}
	}()
	return cw, nil
}
