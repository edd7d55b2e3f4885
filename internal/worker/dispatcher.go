package worker

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"
)

type userQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher hands queued jobs to pool workers. Each user has a FIFO queue and
// users take turns: after one of its jobs is dispatched a user moves to the
// back of the ready list, so one busy learner cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job
	Manager  *Manager
	logger   *zap.Logger

	mu        sync.Mutex
	queues    map[int64]*userQueue
	ready     *list.List // user ids in turn order
	positions map[int64]*list.Element

	closeMu  sync.RWMutex
	closed   bool
	quit     chan struct{}
	stopOnce sync.Once
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, manager *Manager, idleTimeout time.Duration, logger *zap.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		pool:      newJobChannelPool(minWorkers, maxWorkers, idleTimeout, manager, logger),
		JobQueue:  make(chan Job, queueSize),
		Manager:   manager,
		logger:    logger,
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		quit:      make(chan struct{}),
	}

	for i := 0; i < d.pool.min; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues a job without blocking. It returns ErrDispatcherBusy when the
// intake queue is full.
func (d *Dispatcher) Submit(job Job) error {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.JobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	for {
		if !d.dispatchOne() {
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		case <-d.quit:
			return
		default:
		}
	}
}

// CancelUser drops the user's queued jobs and returns them so their callers
// can be answered.
func (d *Dispatcher) CancelUser(userID int64) []Job {
	d.mu.Lock()
	defer d.mu.Unlock()

	var dropped []Job
	if q := d.queues[userID]; q != nil {
		dropped = q.jobs
	}
	delete(d.queues, userID)
	if elem, ok := d.positions[userID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, userID)
	}
	return dropped
}

// Stop ends dispatching and retires idle workers. Jobs still queued are
// returned to the caller.
func (d *Dispatcher) Stop() []Job {
	var pending []Job
	d.stopOnce.Do(func() {
		d.closeMu.Lock()
		d.closed = true
		d.closeMu.Unlock()
		close(d.quit)
		d.pool.close()

		d.mu.Lock()
		for _, q := range d.queues {
			pending = append(pending, q.jobs...)
		}
		d.queues = make(map[int64]*userQueue)
		d.ready.Init()
		d.positions = make(map[int64]*list.Element)
		d.mu.Unlock()

		for {
			select {
			case job := <-d.JobQueue:
				pending = append(pending, job)
			default:
				return
			}
		}
	})
	return pending
}

func (d *Dispatcher) enqueueJob(job Job) {
	userID := job.userID()

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[userID]
	if q == nil {
		q = &userQueue{}
		d.queues[userID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[userID] = d.ready.PushBack(userID)
}

// dispatchOne sends the next job of the user at the front of the ready list
// to a worker. It reports false when nothing is queued.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	userID := elem.Value.(int64)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, userID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan, workerID := d.pool.acquire()
	if workerChan == nil {
		// pool closed while waiting
		d.Manager.abandon(job, ErrClosed)
		return false
	}
	d.logger.Debug("assign job",
		zap.Stringer("type", job.Type),
		zap.Int64("user_id", userID),
		zap.Int("worker_id", workerID))
	workerChan <- job
	return true
}

func (job Job) userID() int64 {
	if job.Type == Stream && job.StreamTask != nil {
		return job.StreamTask.req.UserID
	}
	return 0
}
