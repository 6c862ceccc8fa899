// Package logging provides categorized loggers for concierge subsystems.
// Each category maps to a named zap logger so log output can be filtered
// per subsystem. Before Initialize is called every category logs through
// a no-op logger, which keeps tests quiet by default.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a concierge subsystem.
type Category string

const (
	CategoryBoot     Category = "boot"
	CategoryServer   Category = "server"
	CategoryPipeline Category = "pipeline"
	CategoryCritic   Category = "critic"
	CategoryProvider Category = "provider"
	CategoryPrompt   Category = "prompt"
	CategoryStore    Category = "store"
	CategoryWorker   Category = "worker"
)

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	loggers = make(map[Category]*zap.SugaredLogger)
)

// Initialize installs the root logger all categories derive from.
// Safe to call more than once; later calls replace earlier ones.
func Initialize(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mu.Lock()
	root = logger
	loggers = make(map[Category]*zap.SugaredLogger)
	mu.Unlock()
}

// NewDevelopment builds a human-readable root logger, honoring debug.
func NewDevelopment(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		cfg.Encoding = "console"
	}
	return cfg.Build()
}

// Get returns (or creates) the sugared logger for a category.
func Get(category Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := root.Named(string(category)).Sugar()
	loggers[category] = l
	return l
}

// Pipeline is shorthand for Get(CategoryPipeline).Infof.
func Pipeline(format string, args ...interface{}) {
	Get(CategoryPipeline).Infof(format, args...)
}

// PipelineDebug is shorthand for Get(CategoryPipeline).Debugf.
func PipelineDebug(format string, args ...interface{}) {
	Get(CategoryPipeline).Debugf(format, args...)
}

// Critic is shorthand for Get(CategoryCritic).Infof.
func Critic(format string, args ...interface{}) {
	Get(CategoryCritic).Infof(format, args...)
}

// Store is shorthand for Get(CategoryStore).Infof.
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Infof(format, args...)
}

// StoreDebug is shorthand for Get(CategoryStore).Debugf.
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debugf(format, args...)
}

// Worker is shorthand for Get(CategoryWorker).Infof.
func Worker(format string, args ...interface{}) {
	Get(CategoryWorker).Infof(format, args...)
}
