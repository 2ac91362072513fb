package queue

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pagesift/internal/errs"
	"github.com/local/pagesift/internal/metrics"
	"github.com/local/pagesift/internal/pipeline"
	"github.com/local/pagesift/internal/store"
)

// Consumer is the part of RedisQueue a worker needs.
type Consumer interface {
	Dequeue(ctx context.Context, consumer string, timeout time.Duration) (*Message, error)
	Ack(ctx context.Context, msgID string) error
	IsCancelled(ctx context.Context, runID string) (bool, error)
	AddDLQ(ctx context.Context, payload []byte, reason string) error
}

type Executor interface {
	Execute(ctx context.Context, job pipeline.Job) (pipeline.Result, error)
}

type WorkerConfig struct {
	Concurrency int
	// Name prefixes consumer names within the group.
	Name string
	// Block is how long one Dequeue waits.
	Block time.Duration
	// CancelPoll is how often a running job checks the cancel set.
	CancelPoll time.Duration
}

type Worker struct {
	cfg   WorkerConfig
	q     Consumer
	exec  Executor
	store store.Store
}

func NewWorker(cfg WorkerConfig, q Consumer, exec Executor, st store.Store) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Name == "" {
		host, _ := os.Hostname()
		cfg.Name = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.CancelPoll <= 0 {
		cfg.CancelPoll = 2 * time.Second
	}
	return &Worker{cfg: cfg, q: q, exec: exec, store: st}
}

// Run consumes until ctx is done. Runs in flight at shutdown are cancelled.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, fmt.Sprintf("%s-%d", w.cfg.Name, id))
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context, consumer string) {
	log.Info().Str("consumer", consumer).Msg("worker started")
	defer log.Info().Str("consumer", consumer).Msg("worker stopped")
	for ctx.Err() == nil {
		msg, err := w.q.Dequeue(ctx, consumer, w.cfg.Block)
		if err != nil && msg == nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("queue dequeue error")
			sleep(ctx, 500*time.Millisecond)
			continue
		}
		if msg == nil {
			continue
		}
		w.handle(ctx, msg, err)
	}
}

// handle processes one message and always acks it. Failures go to the DLQ.
func (w *Worker) handle(ctx context.Context, msg *Message, decodeErr error) {
	bg := context.WithoutCancel(ctx)
	defer func() {
		if err := w.q.Ack(bg, msg.ID); err != nil {
			log.Warn().Err(err).Str("msg_id", msg.ID).Msg("ack failed")
		}
	}()
	if decodeErr != nil {
		log.Error().Err(decodeErr).Str("msg_id", msg.ID).Msg("dropping undecodable message")
		_ = w.q.AddDLQ(bg, msg.Raw, "decode: "+decodeErr.Error())
		return
	}

	job := msg.Job
	if job.Cleanup {
		defer os.Remove(job.Input)
	}
	if cancelled, _ := w.q.IsCancelled(bg, job.RunID); cancelled {
		log.Warn().Str("run_id", job.RunID).Msg("run cancelled before processing; skipping")
		w.fail(bg, job.RunID, context.Canceled, true)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.watch(runCtx, job.RunID, cancel)

	res, err := w.exec.Execute(runCtx, job)
	if err == nil {
		log.Info().Str("run_id", job.RunID).Str("outcome", string(res.Outcome)).Ints("pages", res.Matches).Msg("run done")
		return
	}
	cancelled := runCtx.Err() != nil
	w.fail(bg, job.RunID, err, cancelled)
	if !cancelled {
		_ = w.q.AddDLQ(bg, msg.Raw, errs.Kind(err)+": "+err.Error())
	}
	log.Error().Err(err).Str("run_id", job.RunID).Bool("cancelled", cancelled).Msg("run failed")
}

// watch cancels the run once its ID shows up in the cancel set.
func (w *Worker) watch(ctx context.Context, runID string, cancel context.CancelFunc) {
	ticker := time.NewTicker(w.cfg.CancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cancelled, _ := w.q.IsCancelled(ctx, runID); cancelled {
				log.Info().Str("run_id", runID).Msg("run cancelled (detected via Redis)")
				cancel()
				return
			}
		}
	}
}

func (w *Worker) fail(ctx context.Context, runID string, err error, cancelled bool) {
	state, serr := store.RecordFailure(ctx, w.store, runID, err, cancelled)
	if serr != nil {
		log.Warn().Err(serr).Str("run_id", runID).Msg("status update failed")
	}
	if state != "" {
		metrics.IncRun(state)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Dispatcher submits runs to the stream for workers to pick up.
type Dispatcher struct {
	q *RedisQueue
}

func NewDispatcher(q *RedisQueue) *Dispatcher { return &Dispatcher{q: q} }

func (d *Dispatcher) Submit(ctx context.Context, job pipeline.Job) error {
	return d.q.Enqueue(ctx, job)
}

// Cancel always reports true: whether a worker holds the run is not known here.
func (d *Dispatcher) Cancel(ctx context.Context, runID string) (bool, error) {
	if err := d.q.CancelJob(ctx, runID); err != nil {
		return false, err
	}
	return true, nil
}
