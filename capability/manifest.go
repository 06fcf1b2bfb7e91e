package capability

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Manifest is the on-disk agent registry format.
type Manifest struct {
	Agents []AgentCapability `yaml:"agents"`
}

// LoadManifest reads and validates a YAML agent manifest.
func LoadManifest(path string) ([]AgentCapability, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	for _, a := range m.Agents {
		if err := a.Validate(); err != nil {
			return nil, err
		}
	}
	return m.Agents, nil
}

// Watcher hot-reloads a manifest file into a registry when it changes on
// disk. A reload that fails validation is logged and skipped; the registry
// keeps its previous contents.
type Watcher struct {
	path     string
	registry *Registry
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
	done     chan struct{}
}

// NewWatcher creates a watcher for the manifest at path.
func NewWatcher(path string, registry *Registry, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory: editors typically replace the file, which would
	// invalidate a watch on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path:     path,
		registry: registry,
		logger:   logger,
		fsw:      fsw,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
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
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Manifest watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	agents, err := LoadManifest(w.path)
	if err != nil {
		w.logger.Warn("Skipping manifest reload",
			"path", w.path,
			"error", err)
		return
	}
	if err := w.registry.Replace(agents); err != nil {
		w.logger.Warn("Skipping manifest reload", "path", w.path, "error", err)
		return
	}
	w.logger.Info("Reloaded agent manifest",
		"path", w.path,
		"agent_count", len(agents))
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
