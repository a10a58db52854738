package backup

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/finchat/go-finch/bus"
	"github.com/finchat/go-finch/clock"
	"github.com/finchat/go-finch/config"
	"github.com/finchat/go-finch/internal/db"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DatabaseRel is where the database file lives inside the container.
const DatabaseRel = "finch.db"

// Network is the reachable transport class.
type Network int

const (
	NetworkOffline Network = iota
	NetworkCellular
	NetworkWifi
)

// Reachability reports the current transport. Checked at iteration
// boundaries, so a transport change stops the pipeline between files, not
// mid-copy.
type Reachability func() Network

// Progress receives (prepareProgress, uploadedBytes, totalBytes) while a
// run is active.
type Progress func(prepared float64, uploaded, total int64)

// Result summarizes one finished run.
type Result struct {
	Scheduled     int
	Skipped       int
	UploadedBytes int64
	TotalBytes    int64
}

type Manager struct {
	config         *config.Config
	log            *zap.SugaredLogger
	db             *db.Database
	container      *Container
	bus            *bus.Bus
	clock          clock.Clock
	prefs          *config.Preferences
	attachmentRoot string
	reach          Reachability
	progress       Progress

	runLock sync.Mutex
}

func NewManager(c *config.Config, d *db.Database, container *Container, b *bus.Bus, cl clock.Clock, prefs *config.Preferences, attachmentRoot string, reach Reachability) *Manager {
	if reach == nil {
		reach = func() Network { return NetworkWifi }
	}
	return &Manager{
		config:         c,
		log:            c.Logger("backup/manager"),
		db:             d,
		container:      container,
		bus:            b,
		clock:          cl,
		prefs:          prefs,
		attachmentRoot: attachmentRoot,
		reach:          reach,
	}
}

func (m *Manager) SetProgress(p Progress) {
	m.progress = p
}

func (m *Manager) categories() []string {
	cats := []string{CategoryPhotos, CategoryAudios}
	if m.prefs.IncludeFiles {
		cats = append(cats, CategoryFiles)
	}
	if m.prefs.IncludeVideos {
		cats = append(cats, CategoryVideos)
	}
	return cats
}

// Execute runs one backup. It returns (nil, nil) when a gate or the cadence
// throttle skipped the run. Only one run is active at a time.
func (m *Manager) Execute(ctx context.Context, immediate bool) (*Result, error) {
	m.runLock.Lock()
	defer m.runLock.Unlock()

	if m.container == nil {
		m.log.Debugf("no cloud container, skipping backup")
		return nil, nil
	}
	switch m.reach() {
	case NetworkOffline:
		m.log.Debugf("offline, skipping backup")
		return nil, nil
	case NetworkCellular:
		if m.prefs.BackupWifiOnly && !immediate {
			m.log.Debugf("cellular with wifi-only policy, skipping backup")
			return nil, nil
		}
	}
	if !m.throttleAllows(immediate) {
		return nil, nil
	}

	now := m.clock.CurrentTimeSec()
	m.prefs.LastBackupSec = now
	if err := m.prefs.Save(); err != nil {
		return nil, fmt.Errorf("backup: recording run start: %w", err)
	}

	res, err := m.run(ctx)
	if err != nil {
		m.config.ReportError(err)
		m.bus.Publish(bus.Event{Kind: bus.KindBackup, Action: bus.ActionFailed})
		return nil, err
	}

	m.prefs.LastBackupDoneSec = m.clock.CurrentTimeSec()
	if err := m.prefs.Save(); err != nil {
		return nil, fmt.Errorf("backup: recording run end: %w", err)
	}
	m.bus.Publish(bus.Event{Kind: bus.KindBackup, Action: bus.ActionDone})
	return res, nil
}

// throttleAllows applies the cadence preference. Immediate requests and
// unfinished previous runs bypass it entirely.
func (m *Manager) throttleAllows(immediate bool) bool {
	if immediate {
		return true
	}
	if m.prefs.BackupCadence == config.BackupOff {
		m.log.Debugf("backup cadence off, skipping")
		return false
	}
	if m.prefs.LastBackupDoneSec < m.prefs.LastBackupSec {
		// previous run never finished
		return true
	}
	var interval uint64
	switch m.prefs.BackupCadence {
	case config.BackupDaily:
		interval = 24 * 60 * 60
	case config.BackupWeekly:
		interval = 7 * 24 * 60 * 60
	case config.BackupMonthly:
		interval = 30 * 24 * 60 * 60
	default:
		return false
	}
	if m.clock.CurrentTimeSec() < m.prefs.LastBackupSec+interval {
		m.log.Debugf("backup not due yet")
		return false
	}
	return true
}

func (m *Manager) run(ctx context.Context) (*Result, error) {
	waiting, res, err := m.prepare()
	if err != nil {
		return nil, err
	}

	monitoring, err := m.upload(ctx, waiting, res)
	if err != nil {
		return nil, err
	}

	if err := m.monitor(ctx, monitoring, res); err != nil {
		return nil, err
	}
	m.report(1, res.TotalBytes, res.TotalBytes)
	return res, nil
}

// prepare enumerates local attachment files and diffs them against the
// container per category. Only files absent from the container or with a
// size mismatch are scheduled, which is what makes an interrupted run
// resumable: everything a prior run already uploaded is skipped. The
// snapshot is taken once; files appearing afterwards wait for the next run.
func (m *Manager) prepare() (*fileSet, *Result, error) {
	waiting := newFileSet()
	res := &Result{}
	cats := m.categories()

	for i, cat := range cats {
		cloud := map[string]int64{}
		entries, err := m.container.List(cat)
		if err != nil {
			return nil, nil, err
		}
		for _, e := range entries {
			cloud[e.Rel] = e.Size
		}

		dir := filepath.Join(m.attachmentRoot, cat)
		fis, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, nil, fmt.Errorf("backup: enumerating %s: %w", cat, err)
		}
		for _, fi := range fis {
			if fi.IsDir() {
				continue
			}
			info, err := fi.Info()
			if err != nil {
				return nil, nil, fmt.Errorf("backup: enumerating %s: %w", cat, err)
			}
			rel := path.Join(cat, fi.Name())
			res.TotalBytes += info.Size()
			if size, ok := cloud[rel]; ok && size == info.Size() {
				res.Skipped++
				res.UploadedBytes += info.Size()
				continue
			}
			waiting.add(&trackedFile{
				source:   filepath.Join(dir, fi.Name()),
				rel:      rel,
				category: cat,
				size:     info.Size(),
			})
			res.Scheduled++
		}
		m.report(float64(i+1)/float64(len(cats)), res.UploadedBytes, res.TotalBytes)
	}
	return waiting, res, nil
}

// upload copies waiting files into the container one at a time, then the
// checkpointed database file. A single file's failure is reported, its
// bytes counted as processed, and the file left for the next scheduled run;
// it never aborts the rest of the batch.
func (m *Manager) upload(ctx context.Context, waiting *fileSet, res *Result) (*fileSet, error) {
	monitoring := newFileSet()
	for _, f := range waiting.all() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if m.reach() == NetworkOffline {
			return nil, fmt.Errorf("backup: network lost during upload")
		}
		if err := m.container.Put(f.source, f.rel); err != nil {
			m.log.Warnf("uploading %s failed: %v", f.rel, err)
			m.config.ReportError(err)
			res.UploadedBytes += f.size
			waiting.remove(f.rel)
			continue
		}
		waiting.remove(f.rel)
		monitoring.add(f)
	}

	if err := m.uploadDatabase(ctx); err != nil {
		return nil, err
	}
	return monitoring, nil
}

// uploadDatabase checkpoints the write-ahead log so the file on disk is
// self-contained, compacts it when the vacuum interval lapsed, then copies
// it into the container.
func (m *Manager) uploadDatabase(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.db.Checkpoint(); err != nil {
		return fmt.Errorf("backup: checkpointing database: %w", err)
	}
	vacuumEvery := uint64(m.config.VacuumIntervalDays) * 24 * 60 * 60
	now := m.clock.CurrentTimeSec()
	if now-m.prefs.LastVacuumSec >= vacuumEvery {
		if err := m.db.Vacuum(); err != nil {
			return fmt.Errorf("backup: vacuuming database: %w", err)
		}
		m.prefs.LastVacuumSec = now
		if err := m.prefs.Save(); err != nil {
			return fmt.Errorf("backup: recording vacuum time: %w", err)
		}
	}
	if err := m.container.Put(m.db.Path(), DatabaseRel); err != nil {
		return fmt.Errorf("backup: uploading database: %w", err)
	}
	return nil
}

// monitor polls the agent's upload metadata until every in-flight file is
// current. If the metadata goes silent for longer than the watchdog
// interval while uploads should still be progressing, the watch is torn
// down and rebuilt and the pending set re-driven; re-putting a file whose
// mirror copy already matches is a no-op, so the watchdog never corrupts an
// upload that was in fact fine.
func (m *Manager) monitor(ctx context.Context, monitoring *fileSet, res *Result) error {
	settled := &res.UploadedBytes
	for !monitoring.empty() {
		watcher, err := m.container.Watch()
		if err != nil {
			return err
		}

		stalled, err := m.observe(ctx, watcher, monitoring, res, settled)
		closeErr := watcher.Close()
		if err != nil {
			return err
		}
		if closeErr != nil {
			m.log.Warnf("closing watcher: %v", closeErr)
		}
		if stalled && !monitoring.empty() {
			m.log.Warnf("upload metadata stalled, rebuilding watch and re-driving %d file(s)", len(monitoring.files))
			for _, f := range monitoring.all() {
				ok, size, err := m.container.Exists(f.rel)
				if err != nil {
					return err
				}
				if !ok || size != f.size {
					if err := m.container.Put(f.source, f.rel); err != nil {
						m.log.Warnf("re-driving %s failed: %v", f.rel, err)
						m.config.ReportError(err)
						monitoring.remove(f.rel)
						*settled += f.size
					}
				}
			}
		}
	}
	return nil
}

// observe consumes watch events until all files complete or the watchdog
// fires. Returns true when it gave up due to staleness.
func (m *Manager) observe(ctx context.Context, watcher *fsnotify.Watcher, monitoring *fileSet, res *Result, settled *int64) (bool, error) {
	watchdog := time.NewTimer(m.config.BackupWatchdog())
	defer watchdog.Stop()

	if err := m.refresh(monitoring, res, settled); err != nil {
		return false, err
	}
	for !monitoring.empty() {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-watchdog.C:
			return true, nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return true, nil
			}
			m.log.Warnf("watch error: %v", err)
		case _, ok := <-watcher.Events:
			if !ok {
				return true, nil
			}
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(m.config.BackupWatchdog())
			if err := m.refresh(monitoring, res, settled); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

// refresh re-reads the agent metadata and advances per-file progress.
// A file absent from the metadata is current.
func (m *Manager) refresh(monitoring *fileSet, res *Result, settled *int64) error {
	status, err := m.container.Status()
	if err != nil {
		return err
	}
	for _, f := range monitoring.all() {
		fs, ok := status[f.rel]
		if !ok || fs.State == StateCurrent {
			f.setProcessed(f.size)
		} else if fs.State == StateUploading {
			f.setProcessed(int64(float64(f.size) * fs.Percent / 100))
		}
		if f.complete() {
			monitoring.remove(f.rel)
			*settled += f.size
		}
	}
	m.report(1, *settled+monitoring.processedSize(), res.TotalBytes)
	return nil
}

func (m *Manager) report(prepared float64, uploaded, total int64) {
	if m.progress != nil {
		m.progress(prepared, uploaded, total)
	}
	m.bus.Publish(bus.Event{Kind: bus.KindBackup, Action: bus.ActionProgress, Payload: [2]int64{uploaded, total}})
}
