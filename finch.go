// Package finch provides the durable local store for a messaging and wallet
// client: an encrypted relational database with repositories for its entity
// tables, a durable outbound job queue, and cloud backup and restore of the
// database plus attachment files.
package finch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/finchat/go-finch/backup"
	"github.com/finchat/go-finch/bus"
	"github.com/finchat/go-finch/clock"
	"github.com/finchat/go-finch/config"
	"github.com/finchat/go-finch/internal/db"
	"github.com/finchat/go-finch/queue"
	"github.com/finchat/go-finch/store"
	"go.uber.org/zap"
)

// Constants for application state.
const (
	StateNew = iota
	StateInitialized
	StateRunning
	StateClosed
)

const (
	dataName = "finch.db"
	taskName = "task.db"
	saltName = "salt"
)

type Finch struct {
	DB      *db.Database
	Store   *store.Store
	Bus     *bus.Bus
	Queue   *queue.Manager
	Backup  *backup.Manager
	Restore *backup.Restorer

	config        *config.Config
	log           *zap.SugaredLogger
	clock         clock.Clock
	state         int
	taskDB        *db.Database
	prefs         *config.Preferences
	client        queue.Client
	reach         backup.Reachability
	containerRoot string
	cancelFunc    context.CancelFunc
	finished      sync.WaitGroup
}

// NewFinch creates an instance rooted at c.RootDir. client executes
// dequeued jobs; reach reports network state and gates both the job queue
// and the backup scheduler. containerRoot names the cloud container mirror
// directory; empty means no cloud features.
func NewFinch(c *config.Config, client queue.Client, reach backup.Reachability, containerRoot string) (*Finch, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making finch, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	cl := clock.NewSystemClock()
	database, err := db.NewDatabase(c, cl, path.Join(c.RootDir, dataName))
	if err != nil {
		return nil, err
	}
	taskDB, err := db.NewDatabase(c, cl, path.Join(c.RootDir, taskName))
	if err != nil {
		return nil, err
	}
	prefs, err := config.LoadPreferences(path.Join(c.RootDir, "preferences.toml"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}
	if reach == nil {
		reach = func() backup.Network { return backup.NetworkWifi }
	}

	return &Finch{
		DB:            database,
		Bus:           bus.New(),
		config:        c,
		log:           log,
		clock:         cl,
		state:         state,
		taskDB:        taskDB,
		prefs:         prefs,
		client:        client,
		reach:         reach,
		containerRoot: containerRoot,
	}, nil
}

// NewKey makes a database key from a password.
func (f *Finch) NewKey(password string) ([]byte, error) {
	return newKey(password, f.config.RootDir, saltName)
}

// Preferences returns the durable preference set. Mutations must be
// followed by Save.
func (f *Finch) Preferences() *config.Preferences {
	return f.prefs
}

// Returns true if finch is in NEW state.
func (f *Finch) New() bool {
	return f.state == StateNew
}

// Returns true if finch is in INITIALIZED state.
func (f *Finch) Initialized() bool {
	return f.state == StateInitialized
}

// Returns true if finch is in RUNNING state.
func (f *Finch) Running() bool {
	return f.state == StateRunning
}

// Initialize finch with a given key.
func (f *Finch) Initialize(key []byte) error {
	if f.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	if err := f.DB.Initialize(key); err != nil {
		return err
	}
	if err := f.taskDB.Initialize(key); err != nil {
		return err
	}
	f.state = StateInitialized
	return f.open(key)
}

// Open an existing finch with a given key.
func (f *Finch) Open(key []byte) error {
	return f.open(key)
}

func (f *Finch) open(key []byte) error {
	if f.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}

	if err := f.DB.Open(key); err != nil {
		return err
	}
	if err := f.taskDB.Open(key); err != nil {
		return err
	}

	st, err := store.New(f.config, f.DB, f.taskDB, f.Bus, f.prefs)
	if err != nil {
		return err
	}
	f.Store = st
	f.Queue = queue.NewManager(f.config, st.Jobs, f.client, f.Bus, func() bool {
		return f.reach() != backup.NetworkOffline
	})

	attachmentRoot := path.Join(f.config.RootDir, "attachments")
	var container *backup.Container
	if f.containerRoot != "" {
		container = backup.NewContainer(f.containerRoot)
	}
	f.Backup = backup.NewManager(f.config, f.DB, container, f.Bus, f.clock, f.prefs, attachmentRoot, f.reach)
	f.Restore = backup.NewRestorer(f.config, container, f.Bus, f.clock, attachmentRoot)

	if err := f.Queue.Start(); err != nil {
		return err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	f.cancelFunc = cancelFunc
	f.state = StateRunning
	f.startBackupScheduler(ctx)
	return nil
}

// SwitchAccount points finch at a different database file, migrating it if
// needed and restarting the job queue against it. The task database is
// shared across accounts.
func (f *Finch) SwitchAccount(dbPath string, key []byte) error {
	if f.state != StateRunning {
		return errors.New("cannot switch accounts unless running")
	}
	if err := f.Queue.Shutdown(); err != nil {
		return err
	}
	if err := f.DB.Reopen(dbPath, key); err != nil {
		return err
	}
	st, err := store.New(f.config, f.DB, f.taskDB, f.Bus, f.prefs)
	if err != nil {
		return err
	}
	f.Store = st
	f.Queue = queue.NewManager(f.config, st.Jobs, f.client, f.Bus, func() bool {
		return f.reach() != backup.NetworkOffline
	})
	return f.Queue.Start()
}

// BackupNow runs a backup immediately, bypassing the cadence throttle and
// the wifi-only policy.
func (f *Finch) BackupNow(ctx context.Context) (*backup.Result, error) {
	return f.Backup.Execute(ctx, true)
}

// RestoreAll pulls every container file back into the attachment tree.
func (f *Finch) RestoreAll(ctx context.Context) (*backup.RestoreResult, error) {
	return f.Restore.Execute(ctx)
}

// startBackupScheduler re-checks the cadence throttle periodically; the
// throttle itself decides whether a run is due.
func (f *Finch) startBackupScheduler(ctx context.Context) {
	f.finished.Add(1)
	go func() {
		defer f.finished.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := f.Backup.Execute(ctx, false); err != nil && !errors.Is(err, context.Canceled) {
					f.log.Warnf("scheduled backup failed: %v", err)
				}
			}
		}
	}()
}

// Gracefully stop a running finch instance.
func (f *Finch) Shutdown() error {
	if f.state != StateRunning {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()

	errs := make([]string, 0)
	f.cancelFunc()
	f.finished.Wait()

	if err := f.Queue.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := f.taskDB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := f.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}

	f.state = StateClosed
	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}
	return nil
}
