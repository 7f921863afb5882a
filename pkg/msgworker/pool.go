package msgworker

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is a unit of work routed to a worker by Key. Tasks sharing a key are
// always handled by the same worker, in dispatch order.
type Task struct {
	Key     string
	Handler func(ctx context.Context) error
}

// PoolStats holds live metrics of a pool.
type PoolStats struct {
	Name            string         `json:"name"`
	NumWorkers      int            `json:"num_workers"`
	QueueSize       int            `json:"queue_size"`
	ActiveWorkers   int            `json:"active_workers"`
	TotalDispatched int64          `json:"total_dispatched"`
	TotalProcessed  int64          `json:"total_processed"`
	TotalDropped    int64          `json:"total_dropped"`
	TotalErrors     int64          `json:"total_errors"`
	WorkerStats     []WorkerStats  `json:"worker_stats"`
	ActiveKeys      map[string]int `json:"active_keys"` // task key -> worker_id
}

// WorkerStats holds metrics for a single worker.
type WorkerStats struct {
	WorkerID      int   `json:"worker_id"`
	QueueDepth    int   `json:"queue_depth"`
	IsProcessing  bool  `json:"is_processing"`
	JobsProcessed int64 `json:"jobs_processed"`
}

type activeKeyEntry struct {
	workerID  int
	updatedAt time.Time
}

// Pool is a fixed set of workers, each with its own bounded queue.
type Pool struct {
	name       string
	numWorkers int
	queueSize  int
	workers    []*worker
	wg         sync.WaitGroup
	stopOnce   sync.Once
	started    int32
	stopped    int32
	stopCh     chan struct{}

	totalDispatched int64
	totalProcessed  int64
	totalDropped    int64
	totalErrors     int64
	activeMu        sync.Mutex
	activeKeys      map[string]activeKeyEntry

	// Optional hooks for external monitoring. Set before Start.
	OnWorkerStart func(workerID int, key string)
	OnWorkerEnd   func(workerID int, key string)
}

type worker struct {
	id            int
	jobQueue      chan Task
	ctx           context.Context
	cancel        context.CancelFunc
	isProcessing  int32 // atomic: 1 if processing, 0 if idle
	jobsProcessed int64
	pool          *Pool
}

// NewPool creates a pool. Non-positive sizes fall back to defaults.
func NewPool(name string, numWorkers, queueSize int) *Pool {
	if numWorkers <= 0 {
		numWorkers = 10
	}
	if queueSize <= 0 {
		queueSize = 100
	}

	return &Pool{
		name:       name,
		numWorkers: numWorkers,
		queueSize:  queueSize,
		workers:    make([]*worker, numWorkers),
		activeKeys: make(map[string]activeKeyEntry),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the workers. Calling it more than once is a no-op.
func (p *Pool) Start(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&p.started, 0, 1) {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.expireActiveKeys(time.Now())
			}
		}
	}()

	for i := 0; i < p.numWorkers; i++ {
		workerCtx, cancel := context.WithCancel(ctx)
		w := &worker{
			id:       i,
			jobQueue: make(chan Task, p.queueSize),
			ctx:      workerCtx,
			cancel:   cancel,
			pool:     p,
		}
		p.workers[i] = w

		p.wg.Add(1)
		go w.run(&p.wg)
	}

	logrus.Infof("[WORKER_POOL] %s started with %d workers, queue size: %d", p.name, p.numWorkers, p.queueSize)
}

// TryDispatch hands the task to its worker without blocking and reports
// whether it was accepted. A full queue or a stopped pool drops the task.
func (p *Pool) TryDispatch(task Task) bool {
	if atomic.LoadInt32(&p.started) == 0 || atomic.LoadInt32(&p.stopped) == 1 {
		atomic.AddInt64(&p.totalDropped, 1)
		return false
	}

	shard := p.shardForKey(task.Key)
	atomic.AddInt64(&p.totalDispatched, 1)

	p.activeMu.Lock()
	p.activeKeys[task.Key] = activeKeyEntry{workerID: shard, updatedAt: time.Now()}
	p.activeMu.Unlock()

	sent := func() (ok bool) {
		// Stop may close the queue between the stopped check and the send.
		defer func() {
			if r := recover(); r != nil {
				ok = false
			}
		}()
		select {
		case p.workers[shard].jobQueue <- task:
			return true
		default:
			return false
		}
	}()

	if sent {
		return true
	}
	p.activeMu.Lock()
	delete(p.activeKeys, task.Key)
	p.activeMu.Unlock()

	atomic.AddInt64(&p.totalDropped, 1)
	logrus.Warnf("[WORKER_POOL] %s worker %d queue full (or stopped), dropping task %s", p.name, shard, task.Key)
	return false
}

// Stop refuses new tasks and lets the workers finish what they hold, in-flight
// and queued, with their context intact. If ctx ends first the worker
// contexts are cancelled and tasks not yet started are dropped.
func (p *Pool) Stop(ctx context.Context) {
	p.stopOnce.Do(func() {
		atomic.StoreInt32(&p.stopped, 1)
		close(p.stopCh)
		if atomic.LoadInt32(&p.started) == 0 {
			return
		}
		logrus.Infof("[WORKER_POOL] %s stopping workers...", p.name)

		for _, w := range p.workers {
			close(w.jobQueue)
		}

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			logrus.Warnf("[WORKER_POOL] %s shutdown deadline reached, cancelling running tasks", p.name)
			for _, w := range p.workers {
				w.cancel()
			}
			<-done
		}
		for _, w := range p.workers {
			w.cancel()
		}

		logrus.Infof("[WORKER_POOL] %s all workers stopped", p.name)
	})
}

func (p *Pool) shardForKey(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(p.numWorkers))
}

func (p *Pool) expireActiveKeys(now time.Time) {
	p.activeMu.Lock()
	for k, v := range p.activeKeys {
		if now.Sub(v.updatedAt) > 2*time.Second {
			delete(p.activeKeys, k)
		}
	}
	p.activeMu.Unlock()
}

// GetStats returns a point-in-time snapshot.
func (p *Pool) GetStats() PoolStats {
	workerStats := make([]WorkerStats, 0, len(p.workers))
	activeWorkers := 0

	for _, w := range p.workers {
		if w == nil {
			continue
		}
		isProcessing := atomic.LoadInt32(&w.isProcessing) == 1
		if isProcessing {
			activeWorkers++
		}

		workerStats = append(workerStats, WorkerStats{
			WorkerID:      w.id,
			QueueDepth:    len(w.jobQueue),
			IsProcessing:  isProcessing,
			JobsProcessed: atomic.LoadInt64(&w.jobsProcessed),
		})
	}

	p.expireActiveKeys(time.Now())
	p.activeMu.Lock()
	active := make(map[string]int, len(p.activeKeys))
	for k, v := range p.activeKeys {
		active[k] = v.workerID
	}
	p.activeMu.Unlock()

	return PoolStats{
		Name:            p.name,
		NumWorkers:      p.numWorkers,
		QueueSize:       p.queueSize,
		ActiveWorkers:   activeWorkers,
		TotalDispatched: atomic.LoadInt64(&p.totalDispatched),
		TotalProcessed:  atomic.LoadInt64(&p.totalProcessed),
		TotalDropped:    atomic.LoadInt64(&p.totalDropped),
		TotalErrors:     atomic.LoadInt64(&p.totalErrors),
		WorkerStats:     workerStats,
		ActiveKeys:      active,
	}
}

func (w *worker) run(wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case task, ok := <-w.jobQueue:
			if !ok {
				return
			}
			if w.ctx.Err() != nil {
				w.drop(1)
				w.dropQueued()
				return
			}
			w.process(task)

		case <-w.ctx.Done():
			w.dropQueued()
			return
		}
	}
}

func (w *worker) process(task Task) {
	if w.pool.OnWorkerStart != nil {
		w.pool.OnWorkerStart(w.id, task.Key)
	}
	atomic.StoreInt32(&w.isProcessing, 1)
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&w.pool.totalErrors, 1)
			logrus.Errorf("[WORKER_POOL] %s worker %d panic for %s: %v", w.pool.name, w.id, task.Key, r)
		}
		if w.pool.OnWorkerEnd != nil {
			w.pool.OnWorkerEnd(w.id, task.Key)
		}
		atomic.StoreInt32(&w.isProcessing, 0)
		atomic.AddInt64(&w.jobsProcessed, 1)
		atomic.AddInt64(&w.pool.totalProcessed, 1)
	}()

	if err := task.Handler(w.ctx); err != nil {
		atomic.AddInt64(&w.pool.totalErrors, 1)
		logrus.WithError(err).Debugf("[WORKER_POOL] %s worker %d task %s failed", w.pool.name, w.id, task.Key)
	}
}

func (w *worker) drop(n int64) {
	atomic.AddInt64(&w.pool.totalDropped, n)
}

// dropQueued discards tasks still buffered once the worker is cancelled.
func (w *worker) dropQueued() {
	for {
		select {
		case _, ok := <-w.jobQueue:
			if !ok {
				return
			}
			w.drop(1)
		default:
			return
		}
	}
}
