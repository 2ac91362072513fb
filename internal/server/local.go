package server

import (
	"context"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/local/pagesift/internal/metrics"
	"github.com/local/pagesift/internal/pipeline"
	"github.com/local/pagesift/internal/store"
)

// localDispatcher executes each run in its own goroutine.
type localDispatcher struct {
	exec  Executor
	store store.Store

	base context.Context
	stop context.CancelFunc

	mu   sync.Mutex
	runs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

func newLocalDispatcher(exec Executor, st store.Store) *localDispatcher {
	base, stop := context.WithCancel(context.Background())
	return &localDispatcher{exec: exec, store: st, base: base, stop: stop, runs: make(map[string]context.CancelFunc)}
}

func (d *localDispatcher) Submit(_ context.Context, job pipeline.Job) error {
	runCtx, cancel := context.WithCancel(d.base)
	d.mu.Lock()
	d.runs[job.RunID] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.forget(job.RunID)
		defer cancel()
		if job.Cleanup {
			defer os.Remove(job.Input)
		}

		res, err := d.exec.Execute(runCtx, job)
		if err == nil {
			log.Info().Str("run_id", job.RunID).Str("outcome", string(res.Outcome)).Ints("pages", res.Matches).Msg("run done")
			return
		}
		state, serr := store.RecordFailure(context.Background(), d.store, job.RunID, err, runCtx.Err() != nil)
		if serr != nil {
			log.Warn().Err(serr).Str("run_id", job.RunID).Msg("status update failed")
		}
		if state != "" {
			metrics.IncRun(state)
		}
		log.Error().Err(err).Str("run_id", job.RunID).Msg("run failed")
	}()
	return nil
}

func (d *localDispatcher) Cancel(_ context.Context, runID string) (bool, error) {
	d.mu.Lock()
	cancel, ok := d.runs[runID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok, nil
}

func (d *localDispatcher) forget(runID string) {
	d.mu.Lock()
	delete(d.runs, runID)
	d.mu.Unlock()
}

func (d *localDispatcher) shutdown(ctx context.Context) error {
	d.stop()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
