package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader loads and optionally hot-reloads room policies from YAML files.
type Loader struct {
	dir string

	mu       sync.RWMutex
	policies map[string]*RoomPolicy
}

// NewLoader creates a new policy loader for the given directory.
func NewLoader(dir string) *Loader {
	return &Loader{
		dir:      dir,
		policies: make(map[string]*RoomPolicy),
	}
}

// LoadAll loads all .yaml and .yml files from the configured directory.
func (l *Loader) LoadAll() (map[string]*RoomPolicy, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read policy dir %q: %w", l.dir, err)
	}

	result := make(map[string]*RoomPolicy)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(l.dir, entry.Name())
		p, err := l.loadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load %q: %w", path, err)
		}
		result[p.Name] = p
	}

	l.mu.Lock()
	l.policies = result
	l.mu.Unlock()

	return result, nil
}

// Get returns a loaded policy by name.
func (l *Loader) Get(name string) (*RoomPolicy, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.policies[name]
	return p, ok
}

// All returns all loaded policies.
func (l *Loader) All() map[string]*RoomPolicy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make(map[string]*RoomPolicy, len(l.policies))
	for k, v := range l.policies {
		result[k] = v
	}
	return result
}

func (l *Loader) loadFile(path string) (*RoomPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p RoomPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	if p.Name == "" {
		p.Name = filepath.Base(path)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// WatchAndReload starts watching the policy directory for changes and reloads.
// This blocks until the done channel is closed.
func (l *Loader) WatchAndReload(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch dir %q: %w", l.dir, err)
	}

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				ext := filepath.Ext(event.Name)
				if ext == ".yaml" || ext == ".yml" {
					l.LoadAll()
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
