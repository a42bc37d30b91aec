package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runtime schedules registered workers. Each worker ticks on its own
// goroutine; a panicking or failing handler is logged and the next tick
// retries, so one bad job never takes the scheduler down.
type Runtime struct {
	leases  *Leases
	workers []Worker
	log     *zap.Logger
}

// NewRuntime builds a scheduler. leases may be nil when no registered
// worker requires one.
func NewRuntime(leases *Leases, log *zap.Logger) *Runtime {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runtime{leases: leases, log: log}
}

// Register adds workers to the schedule. Must be called before Run.
func (r *Runtime) Register(ws ...Worker) {
	r.workers = append(r.workers, ws...)
}

// Run ticks every worker until ctx is cancelled, then waits for inflight
// handlers to finish.
func (r *Runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		for i := 0; i < w.concurrency(); i++ {
			w := w
			instance := i
			g.Go(func() error {
				r.loop(ctx, w, instance)
				return nil
			})
		}
	}
	return g.Wait()
}

func (r *Runtime) loop(ctx context.Context, w Worker, instance int) {
	log := r.log.With(zap.String("worker", w.ID), zap.Int("instance", instance))
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if w.LeaseRequired && r.leases != nil && instance == 0 {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := r.leases.Release(releaseCtx, w.ID); err != nil {
					log.Warn("lease release failed", zap.Error(err))
				}
				cancel()
			}
			return
		case <-ticker.C:
			r.tick(ctx, w, log)
		}
	}
}

func (r *Runtime) tick(ctx context.Context, w Worker, log *zap.Logger) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("worker panicked", zap.Any("panic", p))
		}
	}()

	if w.LeaseRequired {
		if r.leases == nil {
			log.Error("worker requires a lease but no lease store is configured")
			return
		}
		ok, err := r.leases.Acquire(ctx, w.ID, w.Interval)
		if err != nil {
			log.Warn("lease acquisition failed", zap.Error(err))
			return
		}
		if !ok {
			return // another node holds it
		}
	}

	start := time.Now()
	if err := w.Handler(ctx); err != nil {
		log.Error("worker tick failed", zap.Error(err), zap.Duration("took", time.Since(start)))
		return
	}
	log.Debug("worker tick complete", zap.Duration("took", time.Since(start)))
}

// HolderID builds a stable-enough lease holder identity.
func HolderID(hostname string, pid int) string {
	return fmt.Sprintf("%s-%d", hostname, pid)
}
