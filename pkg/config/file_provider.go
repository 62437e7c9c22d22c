package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/polis-flow/pkg/domain"
)

// BuildFunc turns a loaded configuration into the pipelines it describes.
type BuildFunc func(cfg *Config) ([]domain.Pipeline, error)

// ProviderOption customises a FileConfigProvider.
type ProviderOption func(*FileConfigProvider)

// WithLogger sets the provider logger.
func WithLogger(logger *slog.Logger) ProviderOption {
	return func(p *FileConfigProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithReloadHook registers a callback invoked after every reload attempt with
// "success" or "error".
func WithReloadHook(hook func(status string)) ProviderOption {
	return func(p *FileConfigProvider) {
		p.onReload = hook
	}
}

// FileConfigProvider implements domain.ConfigService using a local file.
type FileConfigProvider struct {
	path        string
	build       BuildFunc
	logger      *slog.Logger
	onReload    func(status string)
	mu          sync.RWMutex
	config      *Config
	snapshot    domain.Snapshot
	subscribers []chan domain.Snapshot
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
}

// NewFileConfigProvider loads the file once and then watches it for changes.
// The initial load must succeed; later failed reloads keep the last good snapshot.
func NewFileConfigProvider(path string, build BuildFunc, opts ...ProviderOption) (*FileConfigProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	p := &FileConfigProvider{
		path:   absPath,
		build:  build,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.load(); err != nil {
		return nil, fmt.Errorf("initial config load failed: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files on save, so the directory is watched instead of the file.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.watcher = watcher
	p.cancel = cancel

	go p.watchLoop(ctx)

	return p, nil
}

// CurrentSnapshot returns the current pipelines.
func (p *FileConfigProvider) CurrentSnapshot() domain.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// Config returns the configuration the current snapshot was built from.
func (p *FileConfigProvider) Config() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

// Subscribe returns a channel that receives configuration updates.
func (p *FileConfigProvider) Subscribe() <-chan domain.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan domain.Snapshot, 1)
	p.subscribers = append(p.subscribers, ch)
	ch <- p.snapshot
	return ch
}

// Close stops the watcher and cleans up resources.
func (p *FileConfigProvider) Close() error {
	p.cancel()
	return p.watcher.Close()
}

func (p *FileConfigProvider) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	debounceDuration := 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != p.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, p.reload)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (p *FileConfigProvider) reload() {
	status := "success"
	if err := p.load(); err != nil {
		status = "error"
		p.logger.Error("config reload failed; keeping last good snapshot", "path", p.path, "error", err)
	} else {
		p.logger.Info("configuration reloaded", "path", p.path, "generation", p.CurrentSnapshot().Generation)
	}
	if p.onReload != nil {
		p.onReload(status)
	}
}

func (p *FileConfigProvider) load() error {
	cfg, err := Load(p.path)
	if err != nil {
		return err
	}

	var pipelines []domain.Pipeline
	if p.build != nil {
		pipelines, err = p.build(cfg)
		if err != nil {
			return fmt.Errorf("build pipelines: %w", err)
		}
	}

	p.mu.Lock()
	snapshot := domain.Snapshot{
		Generation: p.snapshot.Generation + 1,
		Pipelines:  pipelines,
		Timestamp:  time.Now().UTC(),
	}
	p.config = cfg
	p.snapshot = snapshot
	subscribers := make([]chan domain.Snapshot, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	for _, ch := range subscribers {
		// Slow consumers only ever see the latest snapshot.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}

	return nil
}
