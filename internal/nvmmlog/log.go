// Package nvmmlog holds the process-wide logger used for the small set of
// fatal/warning events the design calls out (corrupt root shelf abort,
// lazily detected peer crash, ownership revocation). It is deliberately not
// a configurable logging subsystem: the logging destination is an external
// collaborator's concern, so there is no pluggable interface here, just a
// swappable package-level *zap.Logger for tests.
package nvmmlog

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu  sync.RWMutex
	log *zap.Logger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	log = l
}

// L returns the current process-wide logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// SetLogger overrides the process-wide logger, used by tests that want a
// zaptest or observer logger instead of the production default.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	log = l
}
