package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrDispatcherBusy    = errors.New("worker: job queue full")
	ErrDispatcherStopped = errors.New("worker: dispatcher stopped")
)

type keyQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher hands jobs to a bounded worker pool, taking one job per key in
// turn so a busy key cannot starve the others.
type Dispatcher struct {
	pool *jobChannelPool
	jobs chan Job // intake for outer jobs

	mu        sync.Mutex
	queues    map[string]*keyQueue // job queue for each key
	ready     *list.List           // LRU queue storing keys
	positions map[string]*list.Element

	stopOnce sync.Once
	quit     chan struct{}
	done     chan struct{}
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, idleTimeout time.Duration) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &Dispatcher{
		pool:      newJobChannelPool(minWorkers, maxWorkers, idleTimeout),
		jobs:      make(chan Job, queueSize),
		queues:    make(map[string]*keyQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	for i := 0; i < d.pool.min; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues a job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	select {
	case <-d.quit:
		return ErrDispatcherStopped
	default:
	}
	select {
	case d.jobs <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		// dispatch one job of the key in the front of LRU queue
		if !d.dispatchOne() {
			select {
			case job := <-d.jobs: // nothing pending, wait for work
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}
		select {
		case job := <-d.jobs:
			d.enqueueJob(job)
		case <-d.quit:
			return
		default:
		}
	}
}

// CancelKey drops every job of key that has not started yet.
func (d *Dispatcher) CancelKey(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.queues, key)
	if elem, ok := d.positions[key]; ok {
		d.ready.Remove(elem)
		delete(d.positions, key)
	}
}

// Pending reports queued jobs of key.
func (d *Dispatcher) Pending(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q := d.queues[key]; q != nil {
		return len(q.jobs)
	}
	return 0
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.Key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.Key] = d.ready.PushBack(job.Key)
}

// dispatchOne get first key in LRU and dispatch its job
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, key)
		delete(d.queues, key)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	if workerChan == nil {
		log.Warn().Str("key", key).Msg("dispatcher stopped, job dropped")
		return false
	}
	log.Debug().Str("key", key).Msg("dispatch job")
	workerChan <- job
	return true
}

// Stop stops intake and dispatching. Jobs already running finish; queued
// jobs are dropped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.pool.close()
		<-d.done
	})
}
