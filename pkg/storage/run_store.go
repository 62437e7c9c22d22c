// Package storage persists run history so runs can be inspected after the fact
// and the @once trigger can tell whether a pipeline already completed.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/polisai/polis-flow/pkg/domain"
)

// Supported history drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// RunStore exposes persistence operations for run records. Implementations store
// copies: callers may keep mutating the record they passed in.
type RunStore interface {
	SaveRun(ctx context.Context, record *domain.RunRecord) error
	GetRun(ctx context.Context, id string) (*domain.RunRecord, error)
	// ListRuns returns the most recent runs first. An empty pipelineID lists all
	// pipelines; limit <= 0 means no limit.
	ListRuns(ctx context.Context, pipelineID string, limit int) ([]*domain.RunRecord, error)
	// LastSuccessful returns the most recent run that reached DONE.
	LastSuccessful(ctx context.Context, pipelineID string) (*domain.RunRecord, error)
	Close() error
}

// Open returns the run store for the configured driver.
func Open(driver, dsn string) (RunStore, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverMemory:
		return NewMemoryRunStore(), nil
	case DriverSQLite, "sqlite3":
		return NewSQLiteRunStore(dsn)
	default:
		return nil, fmt.Errorf("%w: unknown history driver %q", domain.ErrConfigInvalid, driver)
	}
}
