package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"companionchat/internal/chat"
)

// ErrAttemptPanicked is the Outcome error of a send attempt that panicked.
var ErrAttemptPanicked = errors.New("worker: send attempt panicked")

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

// Outcome is what a queued send attempt produced.
type Outcome struct {
	Result *chat.SendResult
	Err    error
}

// Runner is the part of a send attempt the manager drives.
type Runner interface {
	Run(ctx context.Context) (*chat.SendResult, error)
}

// Manager runs send attempts off the request goroutine, fair across devices.
type Manager struct {
	dispatcher *Dispatcher
}

func NewManager(cfg DispatcherConfig) *Manager {
	return &Manager{
		dispatcher: NewDispatcher(cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueSize, cfg.IdleTimeout),
	}
}

// Send queues attempt under key. The returned channel yields exactly one
// Outcome once the attempt finishes.
func (m *Manager) Send(ctx context.Context, key string, attempt Runner) (<-chan Outcome, error) {
	resultCh := make(chan Outcome, 1)
	err := m.dispatcher.Submit(Job{
		Type: Run,
		Key:  key,
		Task: func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("key", key).Msg("send attempt panicked")
					resultCh <- Outcome{Err: fmt.Errorf("%w: %v", ErrAttemptPanicked, r)}
				}
			}()
			res, err := attempt.Run(ctx)
			resultCh <- Outcome{Result: res, Err: err}
		},
	})
	if err != nil {
		return nil, err
	}
	return resultCh, nil
}

// Cancel drops queued attempts of key that have not started.
func (m *Manager) Cancel(key string) {
	m.dispatcher.CancelKey(key)
}

func (m *Manager) Stop() {
	m.dispatcher.Stop()
}
