package worker

import (
	"github.com/rs/zerolog/log"
)

type JobType int

const (
	Run JobType = iota
	Stop
)

// Job is one unit of work. Jobs sharing a Key are queued together and the
// dispatcher takes turns between keys.
type Job struct {
	Type JobType
	Key  string
	Task func()
}

type Worker struct {
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(pool *jobChannelPool) *Worker {
	return &Worker{
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			if !w.pool.Release(w.jobChannel) {
				w.pool.retire(w.jobChannel)
				return
			}
			job := <-w.jobChannel
			if job.Type == Stop {
				w.pool.retire(w.jobChannel)
				return
			}
			w.run(job)
		}
	}()
}

func (w *Worker) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("key", job.Key).Msg("worker job panicked")
		}
	}()
	if job.Task != nil {
		job.Task()
	}
}
