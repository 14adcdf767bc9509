package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Reloader watches the policy file and reapplies it after edits settle.
type Reloader struct {
	watcher  *fsnotify.Watcher
	path     string
	patterns PatternSink
	rules    RuleSink
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	current Policy
}

// NewReloader loads path once, applies it, and starts watching its directory
// so that editors replacing the file by rename are still observed.
func NewReloader(path string, patterns PatternSink, rules RuleSink, logger *slog.Logger) (*Reloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve policy path: %w", err)
	}
	initial, err := Load(abs)
	if err != nil {
		return nil, err
	}
	initial.Apply(patterns, rules)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %q: %w", filepath.Dir(abs), err)
	}
	logger.Info("policy loaded", "path", abs, "hash", initial.Hash, "patterns", len(initial.Patterns), "rules", len(initial.Rules))
	return &Reloader{
		watcher:  watcher,
		path:     abs,
		patterns: patterns,
		rules:    rules,
		logger:   logger,
		debounce: defaultDebounce,
		current:  initial,
	}, nil
}

func (r *Reloader) Current() Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Reload reads the file now. A broken file leaves the previous policy active.
func (r *Reloader) Reload() error {
	next, err := Load(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if next.Hash == r.current.Hash {
		return nil
	}
	next.Apply(r.patterns, r.rules)
	r.current = next
	r.logger.Info("policy reloaded", "path", r.path, "hash", next.Hash, "patterns", len(next.Patterns), "rules", len(next.Rules))
	return nil
}

// Run blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer func() { _ = r.watcher.Close() }()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(r.debounce, func() {
					if err := r.Reload(); err != nil {
						r.logger.Warn("policy reload failed", "path", r.path, "error", err)
					}
				})
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("policy watcher error", "error", err)
		}
	}
}
