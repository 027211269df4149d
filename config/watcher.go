package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

const watchDebounce = 200 * time.Millisecond

// Watcher reports settings file changes. It relies on file notifications
// and falls back to polling when they are unavailable. Content digests
// filter out events that do not change the file.
type Watcher struct {
	path         string
	pollInterval time.Duration
	onChange     func(*Settings)
	logger       *zap.Logger

	mu     sync.Mutex
	digest [blake2b.Size256]byte
	timer  *time.Timer

	checkMu sync.Mutex
}

func NewWatcher(path string, pollInterval time.Duration, onChange func(*Settings), logger *zap.Logger) *Watcher {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err == nil {
		path = abs
	}
	return &Watcher{
		path:         path,
		pollInterval: pollInterval,
		onChange:     onChange,
		logger:       logger.Named("watcher"),
	}
}

func fileDigest(path string) ([blake2b.Size256]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return [blake2b.Size256]byte{}, err
	}
	return blake2b.Sum256(data), nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	digest, err := fileDigest(w.path)
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}
	w.mu.Lock()
	w.digest = digest
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Info("file notifications unavailable, polling", zap.Error(err), zap.Duration("interval", w.pollInterval))
		return w.poll(ctx)
	}
	defer fsw.Close()

	// Watch the directory so editors that replace the file are noticed.
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Info("cannot watch settings directory, polling", zap.Error(err), zap.Duration("interval", w.pollInterval))
		return w.poll(ctx)
	}

	w.logger.Info("watching settings", zap.String("path", w.path))

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Check(); err != nil {
				w.logger.Warn("settings reload failed", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, func() {
		if _, err := w.Check(); err != nil {
			w.logger.Warn("settings reload failed", zap.Error(err))
		}
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Check re-reads the file and calls onChange when its content changed.
// Unparseable settings are reported and the previous digest is kept so the
// next valid edit is picked up.
func (w *Watcher) Check() (bool, error) {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	digest, err := fileDigest(w.path)
	if err != nil {
		return false, fmt.Errorf("failed to read settings: %w", err)
	}

	w.mu.Lock()
	unchanged := digest == w.digest
	w.mu.Unlock()
	if unchanged {
		return false, nil
	}

	settings, err := LoadSettings(w.path)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	w.digest = digest
	w.mu.Unlock()

	w.logger.Info("settings changed", zap.String("path", w.path), zap.Int("plugins", len(settings.Plugins)))
	if w.onChange != nil {
		w.onChange(settings)
	}
	return true, nil
}
