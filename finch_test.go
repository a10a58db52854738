package finch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/finchat/go-finch/backup"
	"github.com/finchat/go-finch/config"
	"github.com/finchat/go-finch/store"
	"github.com/stretchr/testify/require"
)

type nullClient struct{}

func (nullClient) Execute(_ context.Context, _ string, _ []*store.Job) error {
	return nil
}

func newFinch(t *testing.T, root string) *Finch {
	t.Helper()
	c := config.NewConfig(
		config.WithRootDir(root),
		config.WithJobPollIntervalMs(25),
	)
	f, err := NewFinch(c, nullClient{}, nil, "")
	require.Nil(t, err)
	return f
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

func TestInitializeOpenShutdown(t *testing.T) {
	require := require.New(t)
	f := newFinch(t, t.TempDir())

	require.True(f.New())
	key, err := f.NewKey("hunter2")
	require.Nil(err)
	require.Nil(f.Initialize(key))
	require.True(f.Running())

	require.Nil(f.Store.SetAccountUserID("me"))
	require.Nil(f.Store.Conversations.Upsert(&store.Conversation{
		ConversationID: "c1",
		Category:       store.ConversationCategoryContact,
		Name:           "alice",
		Status:         store.ConversationStatusSuccess,
	}))

	require.Nil(f.Shutdown())
	require.False(f.Running())
}

func TestReopenWithDerivedKey(t *testing.T) {
	require := require.New(t)
	root := t.TempDir()

	f := newFinch(t, root)
	key, err := f.NewKey("hunter2")
	require.Nil(err)
	require.Nil(f.Initialize(key))
	require.Nil(f.Store.Conversations.Upsert(&store.Conversation{
		ConversationID: "c1",
		Name:           "alice",
		Status:         store.ConversationStatusSuccess,
	}))
	require.Nil(f.Shutdown())

	g := newFinch(t, root)
	require.True(g.Initialized())
	// same password and salt file derive the same key
	key2, err := g.NewKey("hunter2")
	require.Nil(err)
	require.Equal(key, key2)
	require.Nil(g.Open(key2))

	c, err := g.Store.Conversations.Get("c1")
	require.Nil(err)
	require.NotNil(c)
	require.Equal("alice", c.Name)
	require.Nil(g.Shutdown())
}

func TestQueueDrainsThroughClient(t *testing.T) {
	require := require.New(t)
	f := newFinch(t, t.TempDir())
	key, err := f.NewKey("hunter2")
	require.Nil(err)
	require.Nil(f.Initialize(key))

	require.Nil(f.Store.Jobs.Enqueue(&store.Job{
		JobID:     "j1",
		Action:    store.JobActionSendMessage,
		CreatedAt: 1,
	}))
	waitFor(t, func() bool {
		n, err := f.Store.Jobs.Count()
		require.Nil(err)
		return n == 0
	})
	require.Nil(f.Shutdown())
}

func TestSwitchAccount(t *testing.T) {
	require := require.New(t)
	root := t.TempDir()
	f := newFinch(t, root)
	key, err := f.NewKey("hunter2")
	require.Nil(err)
	require.Nil(f.Initialize(key))

	require.Nil(f.Store.Conversations.Upsert(&store.Conversation{
		ConversationID: "c1",
		Name:           "alice",
		Status:         store.ConversationStatusSuccess,
	}))
	first := f.DB.Path()

	second := filepath.Join(root, "second.db")
	require.Nil(f.SwitchAccount(second, key))
	c, err := f.Store.Conversations.Get("c1")
	require.Nil(err)
	require.Nil(c)

	require.Nil(f.SwitchAccount(first, key))
	c, err = f.Store.Conversations.Get("c1")
	require.Nil(err)
	require.NotNil(c)
	require.Nil(f.Shutdown())
}

func TestBackupAndRestoreRoundTrip(t *testing.T) {
	require := require.New(t)
	root := t.TempDir()
	containerRoot := t.TempDir()
	c := config.NewConfig(
		config.WithRootDir(root),
		config.WithJobPollIntervalMs(25),
		config.WithBackupWatchdogMs(200),
	)
	f, err := NewFinch(c, nullClient{}, func() backup.Network { return backup.NetworkWifi }, containerRoot)
	require.Nil(err)
	key, err := f.NewKey("hunter2")
	require.Nil(err)
	require.Nil(f.Initialize(key))

	res, err := f.BackupNow(context.Background())
	require.Nil(err)
	require.NotNil(res)

	rres, err := f.RestoreAll(context.Background())
	require.Nil(err)
	require.NotNil(rres)
	require.Nil(f.Shutdown())
}
