package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FlagsWatcher watches a YAML feature-flags file and notifies subscribers
// when it changes, so bridge mode and the relay toggle can flip without a
// restart.
type FlagsWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu       sync.RWMutex
	current  FeatureFlags
	onChange []func(FeatureFlags)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type flagsFile struct {
	Flags FeatureFlags `yaml:"flags"`
}

// NewFlagsWatcher starts watching path. The file's current contents (or
// the given defaults, if it is missing) become the initial flags.
func NewFlagsWatcher(path string, defaults FeatureFlags, logger *zap.Logger) (*FlagsWatcher, error) {
	w := &FlagsWatcher{
		path:    path,
		logger:  logger,
		current: defaults,
		stopCh:  make(chan struct{}),
	}
	if flags, err := readFlags(path); err == nil {
		w.current = flags
	} else if !os.IsNotExist(err) {
		logger.Warn("Could not read flags file, using defaults", zap.String("path", path), zap.Error(err))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files rather than rewriting
	// them in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	w.watcher = watcher

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Current returns the flags as last read.
func (w *FlagsWatcher) Current() FeatureFlags {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback invoked after every successful reload.
func (w *FlagsWatcher) OnChange(fn func(FeatureFlags)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Close stops the watcher.
func (w *FlagsWatcher) Close() error {
	close(w.stopCh)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *FlagsWatcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Flags watcher error", zap.Error(err))
		}
	}
}

func (w *FlagsWatcher) reload() {
	flags, err := readFlags(w.path)
	if err != nil {
		w.logger.Warn("Flags reload failed, keeping previous", zap.Error(err))
		return
	}

	w.mu.Lock()
	if flags == w.current {
		w.mu.Unlock()
		return
	}
	w.current = flags
	callbacks := append(([]func(FeatureFlags))(nil), w.onChange...)
	w.mu.Unlock()

	w.logger.Info("Feature flags reloaded",
		zap.Bool("documentFirst", flags.DocumentFirst),
		zap.Bool("relayEnabled", flags.RelayEnabled),
	)
	for _, fn := range callbacks {
		fn(flags)
	}
}

func readFlags(path string) (FeatureFlags, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FeatureFlags{}, err
	}
	var f flagsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return FeatureFlags{}, err
	}
	return f.Flags, nil
}
