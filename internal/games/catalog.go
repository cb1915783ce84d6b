package games

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Catalog caches loaded configs. Watch drops entries whose file changes.
type Catalog struct {
	loader *Loader
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Config
}

func NewCatalog(loader *Loader, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		loader: loader,
		logger: logger.With("component", "games"),
		cache:  make(map[string]*Config),
	}
}

func (c *Catalog) Get(key string) (*Config, error) {
	c.mu.RLock()
	cfg, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return cfg, nil
	}
	cfg, err := c.loader.Load(key)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cache[key] = cfg
	c.mu.Unlock()
	return cfg, nil
}

func (c *Catalog) Invalidate(key string) {
	c.mu.Lock()
	delete(c.cache, key)
	c.mu.Unlock()
}

func (c *Catalog) Keys() ([]string, error) {
	return c.loader.Keys()
}

// Watch invalidates cached entries when files in the games dir change. It
// returns once the watcher is running; the watch ends with ctx.
func (c *Catalog) Watch(ctx context.Context) error {
	dir := c.loader.Dir()
	if dir == "" {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				key, ok := keyFromFile(filepath.Base(ev.Name))
				if !ok {
					continue
				}
				c.Invalidate(key)
				c.logger.Info("game config changed", "game", key, "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				c.logger.Error("game config watcher error", "error", err)
			}
		}
	}()
	return nil
}
