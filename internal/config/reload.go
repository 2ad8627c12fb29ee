package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 400 * time.Millisecond

// Tunables are the settings that can change without a restart. Connection
// parameters stay fixed for the process lifetime.
type Tunables struct {
	Debug          bool
	Retrieval      RetrievalTunables
	EvalSampleRate float64
	MaxIdleTurns   int
}

// RetrievalTunables mirrors the reloadable retrieval options.
type RetrievalTunables struct {
	Limit         int
	MinScore      float64
	VectorWeight  float64
	KeywordWeight float64
}

func tunablesOf(cfg *Config) Tunables {
	return Tunables{
		Debug: cfg.Debug,
		Retrieval: RetrievalTunables{
			Limit:         cfg.Retrieval.Limit,
			MinScore:      cfg.Retrieval.MinScore,
			VectorWeight:  cfg.Retrieval.VectorWeight,
			KeywordWeight: cfg.Retrieval.KeywordWeight,
		},
		EvalSampleRate: cfg.Eval.SampleRate,
		MaxIdleTurns:   cfg.Session.MaxIdleTurns,
	}
}

// Reloader watches the config file and invokes a callback with the new
// tunables when it changes. Editors replace files rather than write in place,
// so the watch is on the directory and events are debounced.
type Reloader struct {
	path     string
	onChange func(Tunables)
	logger   *zap.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
	done    chan struct{}
	started bool
}

// NewReloader creates a reloader for the config file at path.
func NewReloader(path string, onChange func(Tunables), logger *zap.Logger) *Reloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reloader{path: filepath.Clean(path), onChange: onChange, logger: logger, done: make(chan struct{})}
}

// Start begins watching. It runs until ctx is cancelled or Stop is called.
func (r *Reloader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		_ = watcher.Close()
		r.mu.Unlock()
		return err
	}
	r.watcher = watcher
	r.started = true
	r.mu.Unlock()

	go r.run(ctx)
	return nil
}

func (r *Reloader) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.Stop()
			return
		case <-r.done:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != r.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			r.scheduleReload()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			if err != nil {
				r.logger.Debug("config watch error", zap.Error(err))
			}
		}
	}
}

func (r *Reloader) scheduleReload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(reloadDebounce, r.reload)
}

func (r *Reloader) reload() {
	cfg, err := Load(r.path)
	if err != nil {
		// A half-written or invalid file keeps the current settings.
		r.logger.Warn("config reload skipped", zap.Error(err))
		return
	}
	r.logger.Info("config reloaded", zap.String("path", r.path))
	if r.onChange != nil {
		r.onChange(tunablesOf(cfg))
	}
}

// Stop stops watching and releases resources.
func (r *Reloader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.watcher == nil {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	_ = r.watcher.Close()
	r.watcher = nil
	r.started = false
	close(r.done)
}
