package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/finchat/go-finch/bus"
	"github.com/finchat/go-finch/config"
	"github.com/finchat/go-finch/internal/test"
	"github.com/finchat/go-finch/store"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type call struct {
	action string
	ids    []string
}

type fakeClient struct {
	mu    sync.Mutex
	calls []call
	fail  func(action string) error
}

func (c *fakeClient) Execute(_ context.Context, action string, jobs []*store.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.JobID
	}
	c.calls = append(c.calls, call{action: action, ids: ids})
	if c.fail != nil {
		return c.fail(action)
	}
	return nil
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *fakeClient) lastCall() call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[len(c.calls)-1]
}

type fixture struct {
	store   *store.Store
	manager *Manager
	client  *fakeClient
	done    func()
}

func newFixture(gate Gate, opts ...config.Option) *fixture {
	opts = append([]config.Option{
		config.WithJobWorkerCount(2),
		config.WithJobPollIntervalMs(25),
		config.WithMaxJobAttempts(3),
	}, opts...)
	c := config.NewConfig(opts...)
	d := test.NewTestDatabase(c)
	taskDB := test.NewTestDatabase(c)
	prefs := config.DefaultPreferences(fmt.Sprintf("test-prefs-%d.toml", time.Now().UnixNano()))
	b := bus.New()
	s, err := store.New(c, d, taskDB, b, prefs)
	if err != nil {
		panic(err)
	}
	client := &fakeClient{}
	m := NewManager(c, s.Jobs, client, b, gate)
	return &fixture{
		store:   s,
		manager: m,
		client:  client,
		done: func() {
			if err := m.Shutdown(); err != nil {
				panic(err)
			}
			if err := d.Shutdown(); err != nil {
				panic(err)
			}
			if err := taskDB.Shutdown(); err != nil {
				panic(err)
			}
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestExecutesAndRemovesJob(t *testing.T) {
	require := require.New(t)
	f := newFixture(nil)
	defer f.done()

	require.Nil(f.manager.Start())
	require.Nil(f.store.Jobs.Enqueue(&store.Job{JobID: "a", Action: store.JobActionSendMessage, CreatedAt: 1}))

	waitFor(t, func() bool {
		n, err := f.store.Jobs.Count()
		require.Nil(err)
		return n == 0
	})
	require.Equal(1, f.client.callCount())
	require.Equal(store.JobActionSendMessage, f.client.lastCall().action)
	require.Equal([]string{"a"}, f.client.lastCall().ids)
}

func TestRetryableFailureRetriesUntilExhausted(t *testing.T) {
	require := require.New(t)
	f := newFixture(nil)
	f.client.fail = func(string) error {
		return &RetryableError{Err: errors.New("socket closed")}
	}
	defer f.done()

	require.Nil(f.manager.Start())
	require.Nil(f.store.Jobs.Enqueue(&store.Job{JobID: "a", Action: store.JobActionSendMessage, CreatedAt: 1}))

	// MaxJobAttempts is 3; the job is removed after the third failed drive
	waitFor(t, func() bool {
		n, err := f.store.Jobs.Count()
		require.Nil(err)
		return n == 0
	})
	require.Equal(3, f.client.callCount())
}

func TestRetryableFailureEndsTheDrive(t *testing.T) {
	require := require.New(t)
	f := newFixture(nil, config.WithJobWorkerCount(1), config.WithJobPollIntervalMs(60000))
	f.client.fail = func(string) error {
		return &RetryableError{Err: errors.New("socket closed")}
	}
	defer f.done()

	require.Nil(f.store.Jobs.Enqueue(&store.Job{JobID: "a", Action: store.JobActionSendMessage, CreatedAt: 1}))
	require.Nil(f.manager.Start())

	// One attempt per drive: with a 60s poll the single startup wakeup
	// produces exactly one call, and the job stays queued for the next
	// drive instead of burning its whole attempt budget back-to-back.
	waitFor(t, func() bool { return f.client.callCount() >= 1 })
	time.Sleep(250 * time.Millisecond)
	require.Equal(1, f.client.callCount())
	n, err := f.store.Jobs.Count()
	require.Nil(err)
	require.Equal(1, n)
	j, err := f.store.Jobs.DequeueNext()
	require.Nil(err)
	require.Equal(1, j.RunCount)
}

func TestRetryableFailureKeepsJobInTable(t *testing.T) {
	require := require.New(t)
	f := newFixture(nil, config.WithMaxJobAttempts(100))
	f.client.fail = func(string) error {
		return &RetryableError{Err: errors.New("timeout")}
	}
	defer f.done()

	require.Nil(f.manager.Start())
	require.Nil(f.store.Jobs.Enqueue(&store.Job{JobID: "a", Action: store.JobActionSendMessage, CreatedAt: 1}))

	waitFor(t, func() bool { return f.client.callCount() >= 2 })
	n, err := f.store.Jobs.Count()
	require.Nil(err)
	require.Equal(1, n)
	j, err := f.store.Jobs.DequeueNext()
	require.Nil(err)
	require.True(j.RunCount >= 1)
}

func TestPermanentFailureRemovesJob(t *testing.T) {
	require := require.New(t)
	f := newFixture(nil)
	f.client.fail = func(string) error {
		return errors.New("bad request")
	}
	defer f.done()

	require.Nil(f.manager.Start())
	require.Nil(f.store.Jobs.Enqueue(&store.Job{JobID: "a", Action: store.JobActionSendMessage, CreatedAt: 1}))

	waitFor(t, func() bool {
		n, err := f.store.Jobs.Count()
		require.Nil(err)
		return n == 0
	})
	require.Equal(1, f.client.callCount())
}

func TestAckJobsCoalesceIntoOneCall(t *testing.T) {
	require := require.New(t)
	gateOpen := false
	var gateLock sync.Mutex
	f := newFixture(func() bool {
		gateLock.Lock()
		defer gateLock.Unlock()
		return gateOpen
	}, config.WithJobWorkerCount(1))
	defer f.done()

	require.Nil(f.manager.Start())
	require.Nil(f.store.Jobs.Enqueue(&store.Job{JobID: "a", Action: store.JobActionSendAckMessage, CreatedAt: 1}))
	require.Nil(f.store.Jobs.Enqueue(&store.Job{JobID: "b", Action: store.JobActionSendAckMessage, CreatedAt: 1}))
	require.Nil(f.store.Jobs.Enqueue(&store.Job{JobID: "c", Action: store.JobActionSendAckMessage, CreatedAt: 1}))

	gateLock.Lock()
	gateOpen = true
	gateLock.Unlock()

	waitFor(t, func() bool {
		n, err := f.store.Jobs.Count()
		require.Nil(err)
		return n == 0
	})
	require.Equal(1, f.client.callCount())
	require.Equal([]string{"a", "b", "c"}, f.client.lastCall().ids)
}

func TestClosedGateBlocksExecution(t *testing.T) {
	require := require.New(t)
	f := newFixture(func() bool { return false })
	defer f.done()

	require.Nil(f.manager.Start())
	require.Nil(f.store.Jobs.Enqueue(&store.Job{JobID: "a", Action: store.JobActionSendMessage, CreatedAt: 1}))

	time.Sleep(200 * time.Millisecond)
	require.Equal(0, f.client.callCount())
	n, err := f.store.Jobs.Count()
	require.Nil(err)
	require.Equal(1, n)
}

func TestJobsLeftFromPreviousRunArePolled(t *testing.T) {
	require := require.New(t)
	f := newFixture(nil)
	defer f.done()

	// enqueue before the manager starts; only the poll timer can find it
	require.Nil(f.store.Jobs.Enqueue(&store.Job{JobID: "a", Action: store.JobActionSendMessage, CreatedAt: 1}))
	require.Nil(f.manager.Start())

	waitFor(t, func() bool {
		n, err := f.store.Jobs.Count()
		require.Nil(err)
		return n == 0
	})
}
