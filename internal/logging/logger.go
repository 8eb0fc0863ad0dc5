// Package logging provides categorized structured logging for knowflow.
// Every subsystem logs through a named child of a single zap logger so the
// level and the enabled categories can be flipped at runtime from config.
package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot         Category = "boot"
	CategoryCatalog      Category = "catalog"
	CategoryVector       Category = "vector"
	CategoryInverted     Category = "inverted"
	CategoryGraph        Category = "graph"
	CategoryRetrieval    Category = "retrieval"
	CategoryStream       Category = "stream"
	CategorySQLFlow      Category = "sqlflow"
	CategoryTableFlow    Category = "tableflow"
	CategorySupervisor   Category = "supervisor"
	CategoryConversation Category = "conversation"
	CategoryIngest       Category = "ingest"
	CategoryServer       Category = "server"
	CategoryLLM          Category = "llm"
	CategoryEmbedding    Category = "embedding"
)

var (
	mu         sync.RWMutex
	root       *zap.SugaredLogger
	level      zap.AtomicLevel
	categories map[Category]bool // nil means all categories enabled
	children   map[Category]*zap.SugaredLogger
	nop        = zap.NewNop().Sugar()
)

func init() {
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	logger, err := cfg.Build(zap.AddCallerSkip(0))
	if err != nil {
		logger = zap.NewNop()
	}
	root = logger.Sugar()
	children = make(map[Category]*zap.SugaredLogger)
}

// SetLogger replaces the root logger. Tests pass zap.NewNop().
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l.Sugar()
	children = make(map[Category]*zap.SugaredLogger)
}

// SetLevel changes the global log level ("debug", "info", "warn", "error").
func SetLevel(lvl string) {
	parsed, err := zapcore.ParseLevel(lvl)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	level.SetLevel(parsed)
}

// SetCategories restricts logging to the given categories. An empty or nil
// map enables everything.
func SetCategories(enabled map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	if len(enabled) == 0 {
		categories = nil
		return
	}
	categories = make(map[Category]bool, len(enabled))
	for name, on := range enabled {
		categories[Category(name)] = on
	}
}

// Get returns the logger for a category. Disabled categories get a no-op.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if categories != nil && !categories[cat] {
		mu.RUnlock()
		return nop
	}
	if l, ok := children[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := children[cat]; ok {
		return l
	}
	l := root.Named(string(cat))
	children[cat] = l
	return l
}

// Timer measures the duration of a single operation.
type Timer struct {
	cat   Category
	op    string
	start time.Time
}

// StartTimer begins timing an operation; Stop logs the elapsed time at debug.
func StartTimer(cat Category, op string) *Timer {
	return &Timer{cat: cat, op: op, start: time.Now()}
}

// Stop logs the operation duration.
func (t *Timer) Stop() {
	Get(t.cat).Debugw("operation completed", "op", t.op, "duration", time.Since(t.start))
}
