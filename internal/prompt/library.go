// Package prompt loads markdown prompt templates and fills their named
// placeholders. Templates live as .md files in a single directory and are
// cached in memory; an optional fsnotify watcher invalidates the cache when
// files change on disk.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"concierge/internal/logging"
)

// Canonical template names used by the pipeline and the critic.
const (
	TemplateActor           = "actor"
	TemplateNER             = "ner"
	TemplateSearchCall      = "search_call"
	TemplateSearchSimulator = "search_simulator"
	TemplateCritic          = "critic"
	TemplateCriticRegen     = "critic_regen"
)

// TemplateReadError reports that a backing template file could not be
// loaded. The caller decides whether to abort or substitute a default.
type TemplateReadError struct {
	Name string
	Err  error
}

func (e *TemplateReadError) Error() string {
	return fmt.Sprintf("failed to read prompt template %q: %v", e.Name, e.Err)
}

func (e *TemplateReadError) Unwrap() error { return e.Err }

// Library serves prompt templates from a directory.
type Library struct {
	dir string

	mu    sync.RWMutex
	cache map[string]string

	watcher *watcher
}

// NewLibrary creates a library over dir. Templates are read lazily.
func NewLibrary(dir string) *Library {
	return &Library{
		dir:   dir,
		cache: make(map[string]string),
	}
}

// Dir returns the template directory.
func (l *Library) Dir() string { return l.dir }

// Load returns the raw template text for name (without the .md suffix).
func (l *Library) Load(name string) (string, error) {
	l.mu.RLock()
	if text, ok := l.cache[name]; ok {
		l.mu.RUnlock()
		return text, nil
	}
	l.mu.RUnlock()

	path := filepath.Join(l.dir, name+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		logging.Get(logging.CategoryPrompt).Errorf("failed to read template %s: %v", path, err)
		return "", &TemplateReadError{Name: name, Err: err}
	}

	text := string(data)
	l.mu.Lock()
	l.cache[name] = text
	l.mu.Unlock()
	return text, nil
}

// Render loads a template and substitutes bindings. Every occurrence of
// each {placeholder} is replaced; placeholders without a binding are left
// verbatim so a template can be filled across multiple render passes.
func (l *Library) Render(name string, bindings map[string]string) (string, error) {
	text, err := l.Load(name)
	if err != nil {
		return "", err
	}
	return Fill(text, bindings), nil
}

// Fill substitutes bindings into already-loaded template text.
func Fill(text string, bindings map[string]string) string {
	if len(bindings) == 0 {
		return text
	}
	pairs := make([]string, 0, len(bindings)*2)
	for key, value := range bindings {
		pairs = append(pairs, "{"+key+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// Invalidate drops a cached template so the next Load re-reads the file.
func (l *Library) Invalidate(name string) {
	l.mu.Lock()
	delete(l.cache, name)
	l.mu.Unlock()
}

// invalidateAll drops the whole cache.
func (l *Library) invalidateAll() {
	l.mu.Lock()
	l.cache = make(map[string]string)
	l.mu.Unlock()
}
