// Package registry holds the catalog of languages the service can execute:
// their compiler/interpreter invocations, resource limits, and sandbox
// config templates. The catalog is loaded from a directory on disk and can
// be hot-reloaded when that directory changes.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/noisefs-labs/codeexec/pkg/logging"
)

// Language is one entry in the catalog.
type Language struct {
	ID               string   `json:"id"`
	DisplayName      string   `json:"display_name"`
	Extension        string   `json:"extension"`
	SourceFilename   string   `json:"source_filename"`
	IsCompiled       bool     `json:"is_compiled"`
	CompilerPath     string   `json:"compiler_path,omitempty"`
	CompilerArgs     []string `json:"compiler_args,omitempty"`
	CompiledArtifact string   `json:"compiled_artifact,omitempty"`
	RuntimePath      string   `json:"runtime_path"`
	RuntimeArgs      []string `json:"runtime_args,omitempty"`
	TimeoutMS        int      `json:"timeout_ms"`
	MemoryBytes      int64    `json:"memory_bytes"`
	ProcessCap       int      `json:"process_cap"`
	SandboxTemplate  string   `json:"sandbox_template"`
}

// Timeout returns the language's wall-clock execution timeout.
func (l Language) Timeout() time.Duration {
	return time.Duration(l.TimeoutMS) * time.Millisecond
}

// PublicLanguage is the subset of Language exposed through list-languages.
type PublicLanguage struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Extension   string `json:"extension"`
	IsCompiled  bool   `json:"is_compiled"`
	TimeoutMS   int    `json:"timeout_ms"`
}

// Registry is a read-mostly, hot-reloadable language catalog.
type Registry struct {
	mu        sync.RWMutex
	languages map[string]Language
	dir       string
	templates string
	watcher   *fsnotify.Watcher
	log       *logging.Logger
}

// New loads the catalog from catalogDir (one *.json file per language,
// referencing templates under templatesDir) and starts watching both
// directories for changes.
func New(catalogDir, templatesDir string, log *logging.Logger) (*Registry, error) {
	if log == nil {
		log = logging.GetGlobalLogger()
	}
	r := &Registry{
		dir:       catalogDir,
		templates: templatesDir,
		log:       log.WithComponent("registry"),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	if err := r.watch(); err != nil {
		r.log.Warnf("registry: hot reload disabled: %v", err)
	}
	return r, nil
}

// Has reports whether id is a known language.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.languages[id]
	return ok
}

// Get returns the language record for id.
func (r *Registry) Get(id string) (Language, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.languages[id]
	return l, ok
}

// PublicView returns the client-facing catalog, keyed by id.
func (r *Registry) PublicView() map[string]PublicLanguage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]PublicLanguage, len(r.languages))
	for id, l := range r.languages {
		out[id] = PublicLanguage{
			ID:          l.ID,
			DisplayName: l.DisplayName,
			Extension:   l.Extension,
			IsCompiled:  l.IsCompiled,
			TimeoutMS:   l.TimeoutMS,
		}
	}
	return out
}

// Reload re-parses every *.json file in the catalog directory. A failed
// reload leaves the previous catalog in place.
func (r *Registry) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("registry: reading catalog dir %s: %w", r.dir, err)
	}

	next := make(map[string]Language)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("registry: reading %s: %w", path, err)
		}
		var lang Language
		if err := json.Unmarshal(data, &lang); err != nil {
			return fmt.Errorf("registry: parsing %s: %w", path, err)
		}
		if lang.ID == "" {
			return fmt.Errorf("registry: %s missing id", path)
		}
		next[lang.ID] = lang
	}

	r.mu.Lock()
	r.languages = next
	r.mu.Unlock()

	r.log.Infof("registry: loaded %d languages from %s", len(next), r.dir)
	return nil
}

// RenderTemplate reads the named language's sandbox template and substitutes
// {{WORKSPACE}} with workspaceDir.
func (r *Registry) RenderTemplate(lang Language, workspaceDir string) (string, error) {
	path := filepath.Join(r.templates, lang.SandboxTemplate)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("registry: reading template %s: %w", path, err)
	}
	rendered := strings.ReplaceAll(string(data), "{{WORKSPACE}}", workspaceDir)
	return rendered, nil
}

func (r *Registry) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(r.dir); err != nil {
		w.Close()
		return err
	}
	if r.templates != r.dir {
		if err := w.Add(r.templates); err != nil {
			r.log.Warnf("registry: not watching template dir %s: %v", r.templates, err)
		}
	}
	r.watcher = w

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := r.Reload(); err != nil {
						r.log.Errorf("registry: reload after %s failed: %v", event.Name, err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.log.Errorf("registry: watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the filesystem watcher.
func (r *Registry) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}
