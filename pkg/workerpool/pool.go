package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// StepFunc runs one unit of work for the worker identified by owner.
// worked=false means there was nothing to do and the worker should idle.
type StepFunc func(ctx context.Context, owner string) (worked bool, err error)

// Config configures a pool.
type Config struct {
	Name         string
	Workers      int
	OwnerPrefix  string
	PollInterval time.Duration // idle wait between empty steps
	MinBackoff   time.Duration // first pause after a step error
	MaxBackoff   time.Duration // cap for the error pause
}

// PoolStats contains real-time metrics of the pool
type PoolStats struct {
	Name          string        `json:"name"`
	NumWorkers    int           `json:"num_workers"`
	ActiveWorkers int           `json:"active_workers"`
	TotalSteps    int64         `json:"total_steps"`
	TotalWorked   int64         `json:"total_worked"`
	TotalIdle     int64         `json:"total_idle"`
	TotalErrors   int64         `json:"total_errors"`
	TotalPanics   int64         `json:"total_panics"`
	Uptime        string        `json:"uptime"`
	WorkerStats   []WorkerStats `json:"worker_stats"`
}

// WorkerStats contains metrics for an individual worker
type WorkerStats struct {
	WorkerID      int    `json:"worker_id"`
	Owner         string `json:"owner"`
	IsProcessing  bool   `json:"is_processing"`
	JobsProcessed int64  `json:"jobs_processed"`
	Backoff       string `json:"backoff,omitempty"`
}

// Pool runs a fixed number of workers that repeatedly call a StepFunc.
type Pool struct {
	cfg      Config
	step     StepFunc
	workers  []*worker
	wg       sync.WaitGroup
	stopOnce sync.Once
	started  int32
	stopCh   chan struct{}
	wake     chan struct{}

	totalSteps  int64
	totalWorked int64
	totalIdle   int64
	totalErrors int64
	totalPanics int64
	startTime   time.Time

	// Hooks for external monitoring
	OnWorkerStart func(workerID int, owner string)
	OnWorkerEnd   func(workerID int, owner string, worked bool, err error)
}

type worker struct {
	id            int
	owner         string
	isProcessing  int32 // atomic: 1 if processing, 0 if idle
	jobsProcessed int64 // atomic counter
	backoff       int64 // atomic, nanoseconds of the current error pause
	pool          *Pool
}

func New(cfg Config, step StepFunc) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	p := &Pool{
		cfg:    cfg,
		step:   step,
		stopCh: make(chan struct{}),
		wake:   make(chan struct{}, cfg.Workers),
	}
	p.workers = make([]*worker, cfg.Workers)
	for i := range p.workers {
		p.workers[i] = &worker{
			id:    i,
			owner: fmt.Sprintf("%s/%s/%d", cfg.OwnerPrefix, cfg.Name, i),
			pool:  p,
		}
	}
	return p
}

func (p *Pool) Name() string { return p.cfg.Name }

// Start launches the workers. Calling Start twice is a no-op.
func (p *Pool) Start(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&p.started, 0, 1) {
		return
	}
	p.startTime = time.Now()
	for _, w := range p.workers {
		p.wg.Add(1)
		go w.run(ctx)
	}
	logrus.Infof("[WORKER_POOL] %s started with %d workers", p.cfg.Name, p.cfg.Workers)
}

// Wake nudges one idle worker. It never blocks.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stop stops the pool gracefully, waiting for in-flight steps.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		logrus.Infof("[WORKER_POOL] %s stopping workers...", p.cfg.Name)
		p.wg.Wait()
		logrus.Infof("[WORKER_POOL] %s all workers stopped", p.cfg.Name)
	})
}

// GetStats returns real-time pool statistics
func (p *Pool) GetStats() PoolStats {
	stats := PoolStats{
		Name:        p.cfg.Name,
		NumWorkers:  len(p.workers),
		TotalSteps:  atomic.LoadInt64(&p.totalSteps),
		TotalWorked: atomic.LoadInt64(&p.totalWorked),
		TotalIdle:   atomic.LoadInt64(&p.totalIdle),
		TotalErrors: atomic.LoadInt64(&p.totalErrors),
		TotalPanics: atomic.LoadInt64(&p.totalPanics),
		WorkerStats: make([]WorkerStats, len(p.workers)),
	}
	if atomic.LoadInt32(&p.started) == 1 {
		stats.Uptime = time.Since(p.startTime).Truncate(time.Second).String()
	}
	for i, w := range p.workers {
		busy := atomic.LoadInt32(&w.isProcessing) == 1
		if busy {
			stats.ActiveWorkers++
		}
		ws := WorkerStats{
			WorkerID:      w.id,
			Owner:         w.owner,
			IsProcessing:  busy,
			JobsProcessed: atomic.LoadInt64(&w.jobsProcessed),
		}
		if b := atomic.LoadInt64(&w.backoff); b > 0 {
			ws.Backoff = time.Duration(b).String()
		}
		stats.WorkerStats[i] = ws
	}
	return stats
}

func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()
	p := w.pool
	logrus.Debugf("[WORKER_POOL] %s worker %d started", p.cfg.Name, w.id)

	var backoff time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		worked, err := w.runStep(ctx)
		switch {
		case err != nil:
			if backoff == 0 {
				backoff = p.cfg.MinBackoff
			} else {
				backoff *= 2
				if backoff > p.cfg.MaxBackoff {
					backoff = p.cfg.MaxBackoff
				}
			}
			atomic.StoreInt64(&w.backoff, int64(backoff))
			if !w.sleep(ctx, backoff, false) {
				return
			}
		case worked:
			backoff = 0
			atomic.StoreInt64(&w.backoff, 0)
		default:
			backoff = 0
			atomic.StoreInt64(&w.backoff, 0)
			if !w.sleep(ctx, p.cfg.PollInterval, true) {
				return
			}
		}
	}
}

// runStep executes the step with panic recovery.
func (w *worker) runStep(ctx context.Context) (worked bool, err error) {
	p := w.pool
	if p.OnWorkerStart != nil {
		p.OnWorkerStart(w.id, w.owner)
	}
	atomic.StoreInt32(&w.isProcessing, 1)
	atomic.AddInt64(&p.totalSteps, 1)
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.totalPanics, 1)
			logrus.Errorf("[WORKER_POOL] %s worker %d panic: %v", p.cfg.Name, w.id, r)
			err = fmt.Errorf("worker panic: %v", r)
			worked = false
		}
		atomic.StoreInt32(&w.isProcessing, 0)
		switch {
		case err != nil:
			atomic.AddInt64(&p.totalErrors, 1)
		case worked:
			atomic.AddInt64(&w.jobsProcessed, 1)
			atomic.AddInt64(&p.totalWorked, 1)
		default:
			atomic.AddInt64(&p.totalIdle, 1)
		}
		if p.OnWorkerEnd != nil {
			p.OnWorkerEnd(w.id, w.owner, worked, err)
		}
	}()

	worked, err = p.step(ctx, w.owner)
	if err != nil {
		logrus.WithError(err).Warnf("[WORKER_POOL] %s worker %d step failed", p.cfg.Name, w.id)
	}
	return worked, err
}

// sleep waits for d, returning false when the pool is shutting down.
func (w *worker) sleep(ctx context.Context, d time.Duration, wakeable bool) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	var wake <-chan struct{}
	if wakeable {
		wake = w.pool.wake
	}
	select {
	case <-ctx.Done():
		return false
	case <-w.pool.stopCh:
		return false
	case <-wake:
		return true
	case <-timer.C:
		return true
	}
}
