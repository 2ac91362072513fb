// Package classifier asks a recognition backend which pages of a batch match a target.
package classifier

import (
	"context"

	"github.com/local/pagesift/internal/pages"
)

// Backend classifies one batch of pages against a target.
// Implementations return errs.ErrBackendUnavailable or errs.ErrBackendTimeout
// (wrapped) for failures worth retrying.
type Backend interface {
	Name() string
	// Needs reports which page content the backend consumes.
	Needs() pages.Content
	Classify(ctx context.Context, b pages.Batch, target TargetSpec) (RawResult, error)
}

// RawResult is the backend-native answer for a batch, before validation.
type RawResult struct {
	Payload   []byte
	Backend   string
	Model     string
	TokensIn  int
	TokensOut int
}
