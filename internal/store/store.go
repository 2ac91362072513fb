// Package store keeps run status and per-batch verdict records.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/local/pagesift/internal/errs"
	"github.com/local/pagesift/internal/verdict"
)

// Run states.
const (
	StateQueued     = "queued"
	StateProcessing = "processing"
	StateSuccess    = "success"
	StateNoMatches  = "no_matches"
	StateFailed     = "failed"
	StateCancelled  = "cancelled"
)

// ErrNotFound is returned for unknown run IDs.
var ErrNotFound = errors.New("run not found")

type Status struct {
	Status   string         `json:"status"`
	Progress int            `json:"progress"`
	Message  string         `json:"message"`
	Start    *time.Time     `json:"start_time,omitempty"`
	End      *time.Time     `json:"end_time,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Terminal reports whether the run has finished.
func (s Status) Terminal() bool {
	switch s.Status {
	case StateSuccess, StateNoMatches, StateFailed, StateCancelled:
		return true
	}
	return false
}

// BatchRecord is what one batch contributed to a run.
type BatchRecord struct {
	Start    int               `json:"start"`
	End      int               `json:"end"`
	Outcome  string            `json:"outcome"`
	Attempts int               `json:"attempts"`
	Verdicts []verdict.Verdict `json:"verdicts"`
	Dropped  int               `json:"dropped"`
	Error    string            `json:"error,omitempty"`
}

// Store is implemented by the Redis and in-memory stores.
type Store interface {
	SetStatus(ctx context.Context, runID string, st Status) error
	GetStatus(ctx context.Context, runID string) (Status, error)
	SaveBatch(ctx context.Context, runID string, rec BatchRecord) error
	Batches(ctx context.Context, runID string) ([]BatchRecord, error)
	Close() error
}

// RecordFailure marks a run that ended with err, unless a terminal status was
// already written. It returns the state recorded, or "" when nothing changed.
func RecordFailure(ctx context.Context, s Store, runID string, err error, cancelled bool) (string, error) {
	st, gerr := s.GetStatus(ctx, runID)
	if gerr == nil && st.Terminal() {
		return "", nil
	}
	now := time.Now()
	st.Status, st.Message, st.End = StateFailed, err.Error(), &now
	if cancelled {
		st.Status = StateCancelled
	}
	if st.Metadata == nil {
		st.Metadata = map[string]any{}
	}
	st.Metadata["error_kind"] = errs.Kind(err)
	if errs.IsConfiguration(err) {
		st.Metadata["error_kind"] = "configuration"
	}
	return st.Status, s.SetStatus(ctx, runID, st)
}
