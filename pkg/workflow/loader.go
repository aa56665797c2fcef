package workflow

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// definitionGlob matches workflow definition files anywhere under the
// definitions directory.
const definitionGlob = "**/*.{yml,yaml}"

// ErrWorkflowNotFound is returned for unknown workflow names.
var ErrWorkflowNotFound = errors.New("workflow not found")

// Library holds the parsed workflow definitions from a directory and
// optionally hot-reloads them on file changes.
type Library struct {
	dir string

	mu   sync.RWMutex
	defs map[string]*Definition

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLibrary loads every definition under dir. Files that fail to parse
// are skipped with a warning; the library stays usable.
func NewLibrary(dir string) (*Library, error) {
	l := &Library{dir: dir, defs: make(map[string]*Definition)}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload re-discovers and re-parses all definition files.
func (l *Library) Reload() error {
	matches, err := doublestar.Glob(os.DirFS(l.dir), definitionGlob)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	sort.Strings(matches)

	defs := make(map[string]*Definition, len(matches))
	for _, rel := range matches {
		path := filepath.Join(l.dir, rel)
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("Cannot read workflow file", "path", path, "error", err)
			continue
		}
		def, err := Parse(data)
		if err != nil {
			slog.Warn("Invalid workflow definition, skipping", "path", path, "error", err)
			continue
		}
		if _, dup := defs[def.Name]; dup {
			slog.Warn("Duplicate workflow name, keeping the first", "name", def.Name, "path", path)
			continue
		}
		defs[def.Name] = def
	}

	l.mu.Lock()
	l.defs = defs
	l.mu.Unlock()
	slog.Info("Workflow definitions loaded", "dir", l.dir, "count", len(defs))
	return nil
}

// Get returns one definition by name.
func (l *Library) Get(name string) (*Definition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.defs[name]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return def, nil
}

// List returns all definitions sorted by name.
func (l *Library) List() []*Definition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Definition, 0, len(l.defs))
	for _, d := range l.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Watch starts hot reload on definition file changes. Stop with Close.
func (l *Library) Watch() error {
	if l.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(l.dir); err != nil {
		w.Close() //nolint:errcheck
		return err
	}
	l.watcher = w
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !isDefinitionFile(ev.Name) {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				slog.Debug("Workflow file changed, reloading", "path", ev.Name, "op", ev.Op.String())
				if err := l.Reload(); err != nil {
					slog.Error("Workflow reload failed", "error", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("Workflow watcher error", "error", err)
			}
		}
	}()
	slog.Info("Watching workflow definitions", "dir", l.dir)
	return nil
}

// Close stops the watcher, if running.
func (l *Library) Close() {
	if l.watcher == nil {
		return
	}
	l.watcher.Close() //nolint:errcheck
	<-l.done
	l.watcher = nil
}

func isDefinitionFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yml" || ext == ".yaml"
}
