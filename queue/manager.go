// Package queue drains the durable jobs table against the network layer.
// The table itself is the source of truth: a job disappears only after its
// side-effect was confirmed or permanently abandoned, so delivery is
// at-least-once and the network layer is expected to be idempotent by
// trace id.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/finchat/go-finch/bus"
	"github.com/finchat/go-finch/config"
	"github.com/finchat/go-finch/store"
	"go.uber.org/zap"
)

// Client executes one batch of jobs sharing an action against the network.
// Errors implementing WorthRetrying() true leave the jobs in the queue for
// the next drive; everything else removes them.
type Client interface {
	Execute(ctx context.Context, action string, jobs []*store.Job) error
}

type retryable interface {
	WorthRetrying() bool
}

// RetryableError marks a transient network failure.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func (e *RetryableError) WorthRetrying() bool {
	return true
}

// WorthRetrying reports whether err is a transient failure.
func WorthRetrying(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.WorthRetrying()
	}
	return false
}

// Gate reports whether job execution is currently allowed (signed in,
// network reachable). Checked at every iteration boundary; cancellation is
// cooperative.
type Gate func() bool

// Actions whose jobs coalesce into one network call per drive.
var coalescibleActions = map[string]bool{
	store.JobActionSendAckMessage: true,
	store.JobActionSendSessionAck: true,
}

type Manager struct {
	config     *config.Config
	log        *zap.SugaredLogger
	jobs       *store.JobRepo
	client     Client
	gate       Gate
	bus        *bus.Bus
	finished   sync.WaitGroup
	cancelFunc context.CancelFunc
	wake       chan bool

	inflightLock sync.Mutex
	inflight     map[string]bool
}

func NewManager(c *config.Config, jobs *store.JobRepo, client Client, b *bus.Bus, gate Gate) *Manager {
	if gate == nil {
		gate = func() bool { return true }
	}
	return &Manager{
		config:   c,
		log:      c.Logger("queue/manager"),
		jobs:     jobs,
		client:   client,
		gate:     gate,
		bus:      b,
		wake:     make(chan bool, 100),
		inflight: make(map[string]bool),
	}
}

// Start launches the worker pool and the wakeup listener. Workers poll on
// enqueue events and on a timer so jobs left over from a previous run are
// picked up without any trigger.
func (m *Manager) Start() error {
	ctx, cancelFunc := context.WithCancel(context.Background())
	m.cancelFunc = cancelFunc

	events, unsubscribe := m.bus.Subscribe(string(bus.KindJob), 100)
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-events:
				m.pump()
			}
		}
	}()

	for i := 0; i < m.config.JobWorkerCount; i++ {
		m.startWorker(ctx)
	}
	m.pump()
	return nil
}

func (m *Manager) Shutdown() error {
	if m.cancelFunc != nil {
		m.cancelFunc()
		m.finished.Wait()
	}
	return nil
}

func (m *Manager) pump() {
	select {
	case m.wake <- true:
	default:
	}
}

func (m *Manager) startWorker(ctx context.Context) {
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		poll := time.Duration(m.config.JobPollIntervalMs) * time.Millisecond
		timer := time.NewTimer(poll)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.wake:
			case <-timer.C:
			}
			m.drain(ctx)
			timer.Reset(poll)
		}
	}()
}

// drain claims and executes batches until the queue has nothing this worker
// can take, the gate closes, or a batch fails retryably. A retryable
// failure ends the drive: the jobs stay in the table and are retried on
// the next poll or wakeup, so the attempt budget spans drives instead of
// burning inside one.
func (m *Manager) drain(ctx context.Context) {
	for ctx.Err() == nil && m.gate() {
		batch, err := m.claim()
		if err != nil {
			m.log.Warnf("error claiming jobs: %v", err)
			m.config.ReportError(err)
			return
		}
		if len(batch) == 0 {
			return
		}
		retrying := m.execute(ctx, batch)
		m.release(batch)
		if retrying {
			return
		}
	}
}

// claim picks the first pending job not already in flight, plus every
// pending sibling of the same action when the action coalesces.
func (m *Manager) claim() ([]*store.Job, error) {
	m.inflightLock.Lock()
	defer m.inflightLock.Unlock()

	pending, err := m.jobs.Pending(200)
	if err != nil {
		return nil, err
	}
	var head *store.Job
	for _, j := range pending {
		if !m.inflight[j.JobID] {
			head = j
			break
		}
	}
	if head == nil {
		return nil, nil
	}

	batch := []*store.Job{head}
	if coalescibleActions[head.Action] {
		for _, j := range pending {
			if j.JobID != head.JobID && j.Action == head.Action && !m.inflight[j.JobID] {
				batch = append(batch, j)
			}
		}
	}
	for _, j := range batch {
		m.inflight[j.JobID] = true
	}
	return batch, nil
}

func (m *Manager) release(batch []*store.Job) {
	m.inflightLock.Lock()
	defer m.inflightLock.Unlock()
	for _, j := range batch {
		delete(m.inflight, j.JobID)
	}
}

// execute runs one batch and reports whether it failed retryably, in which
// case surviving jobs stay queued for a later drive.
func (m *Manager) execute(ctx context.Context, batch []*store.Job) bool {
	action := batch[0].Action
	err := m.client.Execute(ctx, action, batch)
	if err == nil {
		ids := make([]string, len(batch))
		for i, j := range batch {
			ids[i] = j.JobID
		}
		if err := m.jobs.RemoveBatch(ids); err != nil {
			m.log.Warnf("error removing completed jobs: %v", err)
			m.config.ReportError(err)
		}
		return false
	}

	if !WorthRetrying(err) {
		m.log.Warnf("abandoning %d %s job(s) after permanent failure: %v", len(batch), action, err)
		m.config.ReportError(err)
		ids := make([]string, len(batch))
		for i, j := range batch {
			ids[i] = j.JobID
		}
		if err := m.jobs.RemoveBatch(ids); err != nil {
			m.log.Warnf("error removing failed jobs: %v", err)
		}
		return false
	}

	// transient failure, leave jobs in place for the next drive
	m.log.Debugf("retryable failure for %d %s job(s): %v", len(batch), action, err)
	for _, j := range batch {
		j.RunCount++
		if j.RunCount >= m.config.MaxJobAttempts {
			m.log.Warnf("job %s exhausted %d attempts, removing", j.JobID, j.RunCount)
			if err := m.jobs.Remove(j.JobID); err != nil {
				m.log.Warnf("error removing exhausted job: %v", err)
			}
			continue
		}
		if err := m.jobs.MarkRunCount(j.JobID, j.RunCount); err != nil {
			m.log.Warnf("error marking run count: %v", err)
		}
	}
	return true
}
