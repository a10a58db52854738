package backup

import (
	"archive/zip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/finchat/go-finch/bus"
	"github.com/finchat/go-finch/clock"
	"github.com/finchat/go-finch/config"
	"github.com/finchat/go-finch/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type fixture struct {
	manager        *Manager
	restorer       *Restorer
	container      *Container
	prefs          *config.Preferences
	clock          *clock.ManualClock
	attachmentRoot string
	done           func()
}

func newFixture(t *testing.T, reach Reachability) *fixture {
	t.Helper()
	c := config.NewConfig(config.WithBackupWatchdogMs(200))
	d := test.NewTestDatabase(c)
	containerRoot := t.TempDir()
	attachmentRoot := t.TempDir()
	prefs := config.DefaultPreferences(filepath.Join(t.TempDir(), "prefs.toml"))
	cl := clock.NewManualClock(time.Unix(1_000_000, 0))
	container := NewContainer(containerRoot)
	m := NewManager(c, d, container, bus.New(), cl, prefs, attachmentRoot, reach)
	r := NewRestorer(c, container, bus.New(), cl, attachmentRoot)
	return &fixture{
		manager:        m,
		restorer:       r,
		container:      container,
		prefs:          prefs,
		clock:          cl,
		attachmentRoot: attachmentRoot,
		done: func() {
			if err := d.Shutdown(); err != nil {
				panic(err)
			}
		},
	}
}

func (f *fixture) addAttachment(t *testing.T, category, name, content string) {
	t.Helper()
	dir := filepath.Join(f.attachmentRoot, category)
	require.Nil(t, os.MkdirAll(dir, 0o700))
	require.Nil(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func (f *fixture) writeStatus(t *testing.T, files map[string]FileStatus) {
	t.Helper()
	raw, err := json.Marshal(syncStatus{Files: files})
	require.Nil(t, err)
	require.Nil(t, os.WriteFile(filepath.Join(f.container.Root(), statusFile), raw, 0o600))
}

func TestTrackedFilesOrderedByPath(t *testing.T) {
	require := require.New(t)
	s := newFileSet()
	for _, rel := range []string{"Photos/z.jpg", "Audios/a.ogg", "Photos/a.jpg"} {
		s.add(&trackedFile{rel: rel, size: 1})
	}
	rels := make([]string, 0, 3)
	for _, f := range s.all() {
		rels = append(rels, f.rel)
	}
	require.Equal([]string{"Audios/a.ogg", "Photos/a.jpg", "Photos/z.jpg"}, rels)
}

func TestContainerPutIsAtomic(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, nil)
	defer f.done()

	src := filepath.Join(t.TempDir(), "src.jpg")
	require.Nil(os.WriteFile(src, []byte("image bytes"), 0o600))
	require.Nil(f.container.Put(src, "Photos/a.jpg"))

	ok, size, err := f.container.Exists("Photos/a.jpg")
	require.Nil(err)
	require.True(ok)
	require.Equal(int64(len("image bytes")), size)

	// a failed copy leaves the existing destination untouched
	require.NotNil(f.container.Put(filepath.Join(t.TempDir(), "missing"), "Photos/a.jpg"))
	ok, size, err = f.container.Exists("Photos/a.jpg")
	require.Nil(err)
	require.True(ok)
	require.Equal(int64(len("image bytes")), size)
}

func TestContainerListMergesRemoteEntries(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, nil)
	defer f.done()

	src := filepath.Join(t.TempDir(), "src.jpg")
	require.Nil(os.WriteFile(src, []byte("local"), 0o600))
	require.Nil(f.container.Put(src, "Photos/local.jpg"))
	f.writeStatus(t, map[string]FileStatus{
		"Photos/remote.jpg": {State: StateRemote, Size: 42},
		"Photos/local.jpg":  {State: StateCurrent, Size: 5},
	})

	entries, err := f.container.List("Photos")
	require.Nil(err)
	require.Equal(2, len(entries))
	byRel := map[string]int64{}
	for _, e := range entries {
		byRel[e.Rel] = e.Size
	}
	require.Equal(int64(5), byRel["Photos/local.jpg"])
	require.Equal(int64(42), byRel["Photos/remote.jpg"])
}

func TestBackupUploadsOnceAndResumes(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, nil)
	defer f.done()

	f.addAttachment(t, CategoryPhotos, "a.jpg", "aaaa")
	f.addAttachment(t, CategoryAudios, "b.ogg", "bbbbbb")

	res, err := f.manager.Execute(context.Background(), true)
	require.Nil(err)
	require.NotNil(res)
	require.Equal(2, res.Scheduled)
	require.Equal(int64(10), res.TotalBytes)
	require.Equal(res.TotalBytes, res.UploadedBytes)

	ok, _, err := f.container.Exists("Photos/a.jpg")
	require.Nil(err)
	require.True(ok)
	ok, _, err = f.container.Exists(DatabaseRel)
	require.Nil(err)
	require.True(ok)

	// the second run finds everything already uploaded
	res, err = f.manager.Execute(context.Background(), true)
	require.Nil(err)
	require.Equal(0, res.Scheduled)
	require.Equal(2, res.Skipped)

	require.True(f.prefs.LastBackupDoneSec >= f.prefs.LastBackupSec)
}

func TestBackupHonorsIncludeFlags(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, nil)
	defer f.done()

	f.addAttachment(t, CategoryVideos, "v.mp4", "videodata")
	f.addAttachment(t, CategoryFiles, "d.pdf", "docdata")

	res, err := f.manager.Execute(context.Background(), true)
	require.Nil(err)
	require.Equal(0, res.Scheduled)

	f.prefs.IncludeVideos = true
	f.prefs.IncludeFiles = true
	res, err = f.manager.Execute(context.Background(), true)
	require.Nil(err)
	require.Equal(2, res.Scheduled)
}

func TestBackupCadenceThrottle(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, nil)
	defer f.done()

	f.prefs.BackupCadence = config.BackupDaily
	res, err := f.manager.Execute(context.Background(), false)
	require.Nil(err)
	require.NotNil(res)

	// not due yet
	res, err = f.manager.Execute(context.Background(), false)
	require.Nil(err)
	require.Nil(res)

	f.clock.Advance(25 * time.Hour)
	res, err = f.manager.Execute(context.Background(), false)
	require.Nil(err)
	require.NotNil(res)
}

func TestUnfinishedBackupBypassesThrottle(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, nil)
	defer f.done()

	f.prefs.BackupCadence = config.BackupDaily
	f.prefs.LastBackupSec = f.clock.CurrentTimeSec()
	f.prefs.LastBackupDoneSec = 0

	res, err := f.manager.Execute(context.Background(), false)
	require.Nil(err)
	require.NotNil(res)
}

func TestBackupOffRunsOnlyWhenImmediate(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, nil)
	defer f.done()

	f.prefs.BackupCadence = config.BackupOff
	res, err := f.manager.Execute(context.Background(), false)
	require.Nil(err)
	require.Nil(res)

	res, err = f.manager.Execute(context.Background(), true)
	require.Nil(err)
	require.NotNil(res)
}

func TestBackupWifiOnlyPolicy(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, func() Network { return NetworkCellular })
	defer f.done()

	f.prefs.BackupCadence = config.BackupDaily
	res, err := f.manager.Execute(context.Background(), false)
	require.Nil(err)
	require.Nil(res)

	// user-requested backups override the policy
	res, err = f.manager.Execute(context.Background(), true)
	require.Nil(err)
	require.NotNil(res)
}

func TestBackupSkipsWhenOffline(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, func() Network { return NetworkOffline })
	defer f.done()

	res, err := f.manager.Execute(context.Background(), true)
	require.Nil(err)
	require.Nil(res)
}

func TestRestoreCopiesAndSelfHeals(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, nil)
	defer f.done()

	src := filepath.Join(t.TempDir(), "a.jpg")
	require.Nil(os.WriteFile(src, []byte("image bytes"), 0o600))
	require.Nil(f.container.Put(src, "Photos/a.jpg"))

	res, err := f.restorer.Execute(context.Background())
	require.Nil(err)
	require.Equal(1, res.Copied)

	local := filepath.Join(f.attachmentRoot, "Photos", "a.jpg")
	raw, err := os.ReadFile(local)
	require.Nil(err)
	require.Equal("image bytes", string(raw))

	// second run copies nothing
	res, err = f.restorer.Execute(context.Background())
	require.Nil(err)
	require.Equal(0, res.Copied)
	require.True(res.Skipped >= 1)

	// a truncated local file is redone
	require.Nil(os.WriteFile(local, []byte("img"), 0o600))
	res, err = f.restorer.Execute(context.Background())
	require.Nil(err)
	require.Equal(1, res.Copied)
	raw, err = os.ReadFile(local)
	require.Nil(err)
	require.Equal("image bytes", string(raw))
}

func TestRestoreExtractsLegacyArchive(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, nil)
	defer f.done()

	zipPath := filepath.Join(t.TempDir(), "Photos.zip")
	zf, err := os.Create(zipPath)
	require.Nil(err)
	zw := zip.NewWriter(zf)
	for name, content := range map[string]string{"one.jpg": "first", "two.jpg": "second"} {
		w, err := zw.Create(name)
		require.Nil(err)
		_, err = w.Write([]byte(content))
		require.Nil(err)
	}
	require.Nil(zw.Close())
	require.Nil(zf.Close())
	require.Nil(f.container.Put(zipPath, "Photos.zip"))

	res, err := f.restorer.Execute(context.Background())
	require.Nil(err)
	require.Equal(2, res.Extracted)

	raw, err := os.ReadFile(filepath.Join(f.attachmentRoot, "Photos", "one.jpg"))
	require.Nil(err)
	require.Equal("first", string(raw))

	ok, _, err := f.container.Exists("Photos.zip")
	require.Nil(err)
	require.False(ok)

	// a second run has nothing left to extract
	res, err = f.restorer.Execute(context.Background())
	require.Nil(err)
	require.Equal(0, res.Extracted)
}

func TestRestoreRequestsRemoteDownloads(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, nil)
	defer f.done()

	f.writeStatus(t, map[string]FileStatus{
		"Photos/remote.jpg": {State: StateRemote, Size: 5},
	})

	ctx, cancel := context.WithCancel(context.Background())

	// simulate the agent: materialize the file once the request appears
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		reqPath := filepath.Join(f.container.Root(), requestsDir, "Photos_remote.jpg")
		for time.Now().Before(deadline) {
			if _, err := os.Stat(reqPath); err == nil {
				src := filepath.Join(t.TempDir(), "remote.jpg")
				if err := os.WriteFile(src, []byte("bytes"), 0o600); err != nil {
					panic(err)
				}
				if err := f.container.Put(src, "Photos/remote.jpg"); err != nil {
					panic(err)
				}
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
	}()

	res, err := f.restorer.Execute(ctx)
	require.Nil(err)
	require.Equal(1, res.Copied)

	raw, err := os.ReadFile(filepath.Join(f.attachmentRoot, "Photos", "remote.jpg"))
	require.Nil(err)
	require.Equal("bytes", string(raw))
}
