// Package indexer ships batch reports to a search backend.
package indexer

import (
	"context"

	"github.com/project-tktt/house-tracker/internal/domain"
)

// Indexer defines the interface for batch report indexing backends
type Indexer interface {
	// IndexReport stores the report of a finalized batch, replacing an
	// earlier report of the same generation
	IndexReport(ctx context.Context, report domain.BatchReport) error
}
