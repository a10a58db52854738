package backup

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/finchat/go-finch/bus"
	"github.com/finchat/go-finch/clock"
	"github.com/finchat/go-finch/config"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// RestoreResult summarizes one finished restore.
type RestoreResult struct {
	Copied      int
	Extracted   int
	Skipped     int
	CopiedBytes int64
}

// Restorer pulls container files back into the local attachment tree. Every
// phase is idempotent: a file already present locally with a matching size
// is never copied again, so an interrupted restore resumes from wherever it
// stopped.
type Restorer struct {
	config         *config.Config
	log            *zap.SugaredLogger
	container      *Container
	bus            *bus.Bus
	clock          clock.Clock
	attachmentRoot string
	progress       Progress
}

func NewRestorer(c *config.Config, container *Container, b *bus.Bus, cl clock.Clock, attachmentRoot string) *Restorer {
	return &Restorer{
		config:         c,
		log:            c.Logger("backup/restorer"),
		container:      container,
		bus:            b,
		clock:          cl,
		attachmentRoot: attachmentRoot,
	}
}

func (r *Restorer) SetProgress(p Progress) {
	r.progress = p
}

var allCategories = []string{CategoryPhotos, CategoryAudios, CategoryFiles, CategoryVideos}

// Execute runs one restore pass over every category, legacy archives
// included.
func (r *Restorer) Execute(ctx context.Context) (*RestoreResult, error) {
	if r.container == nil {
		return nil, fmt.Errorf("restore: no cloud container")
	}
	res := &RestoreResult{}

	waiting, zips, err := r.prepare(res)
	if err != nil {
		r.config.ReportError(err)
		r.bus.Publish(bus.Event{Kind: bus.KindRestore, Action: bus.ActionFailed})
		return nil, err
	}

	if err := r.fetch(ctx, waiting, res); err != nil {
		r.config.ReportError(err)
		r.bus.Publish(bus.Event{Kind: bus.KindRestore, Action: bus.ActionFailed})
		return nil, err
	}

	for _, f := range waiting.all() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.place(f, res); err != nil {
			r.log.Warnf("placing %s failed: %v", f.rel, err)
			r.config.ReportError(err)
		}
	}
	for _, rel := range zips {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.extract(rel, res); err != nil {
			r.log.Warnf("extracting %s failed: %v", rel, err)
			r.config.ReportError(err)
		}
	}

	r.bus.Publish(bus.Event{Kind: bus.KindRestore, Action: bus.ActionDone})
	return res, nil
}

// prepare enumerates every category in the container and diffs it against
// the local attachment tree. Legacy whole-category archives show up at the
// container root as <Category>.zip and are returned separately.
func (r *Restorer) prepare(res *RestoreResult) (*fileSet, []string, error) {
	waiting := newFileSet()
	root, err := r.container.List("")
	if err != nil {
		return nil, nil, err
	}
	var zips []string
	for _, e := range root {
		base := path.Base(e.Rel)
		for _, cat := range allCategories {
			if base == cat+".zip" {
				zips = append(zips, e.Rel)
			}
		}
	}

	for _, cat := range allCategories {
		entries, err := r.container.List(cat)
		if err != nil {
			return nil, nil, err
		}
		for _, e := range entries {
			dest := filepath.Join(r.attachmentRoot, filepath.FromSlash(e.Rel))
			if fi, err := os.Stat(dest); err == nil && fi.Size() == e.Size {
				res.Skipped++
				continue
			}
			waiting.add(&trackedFile{
				source:   dest,
				rel:      e.Rel,
				category: cat,
				size:     e.Size,
			})
		}
	}
	return waiting, zips, nil
}

// fetch requests downloads for every waiting file not yet mirrored locally
// and watches the container until all of them are current. Metadata silence
// past the watchdog interval tears the watch down, re-files the download
// requests and starts over; re-requesting a file already current is a
// no-op for the agent.
func (r *Restorer) fetch(ctx context.Context, waiting *fileSet, res *RestoreResult) error {
	pending := newFileSet()
	for _, f := range waiting.all() {
		ok, size, err := r.container.Exists(f.rel)
		if err != nil {
			return err
		}
		if ok && size == f.size {
			continue
		}
		if err := r.container.RequestDownload(f.rel); err != nil {
			return err
		}
		pending.add(f)
	}

	total := waiting.totalSize()
	for !pending.empty() {
		watcher, err := r.container.Watch()
		if err != nil {
			return err
		}
		stalled, err := r.await(ctx, watcher, pending, total)
		closeErr := watcher.Close()
		if err != nil {
			return err
		}
		if closeErr != nil {
			r.log.Warnf("closing watcher: %v", closeErr)
		}
		if stalled && !pending.empty() {
			r.log.Warnf("download metadata stalled, re-requesting %d file(s)", len(pending.files))
			for _, f := range pending.all() {
				if err := r.container.RequestDownload(f.rel); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (r *Restorer) await(ctx context.Context, watcher *fsnotify.Watcher, pending *fileSet, total int64) (bool, error) {
	watchdog := time.NewTimer(r.config.BackupWatchdog())
	defer watchdog.Stop()

	if err := r.settle(pending, total); err != nil {
		return false, err
	}
	for !pending.empty() {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-watchdog.C:
			return true, nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return true, nil
			}
			r.log.Warnf("watch error: %v", err)
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
			watchdog.Reset(r.config.BackupWatchdog())
			if err := r.settle(pending, total); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

func (r *Restorer) settle(pending *fileSet, total int64) error {
	status, err := r.container.Status()
	if err != nil {
		return err
	}
	for _, f := range pending.all() {
		fs, tracked := status[f.rel]
		if tracked && fs.State == StateDownloading {
			f.setProcessed(int64(float64(f.size) * fs.Percent / 100))
			continue
		}
		ok, size, err := r.container.Exists(f.rel)
		if err != nil {
			return err
		}
		if ok && size == f.size {
			f.setProcessed(f.size)
			pending.remove(f.rel)
		}
	}
	if r.progress != nil {
		r.progress(1, pending.processedSize(), total)
	}
	r.bus.Publish(bus.Event{Kind: bus.KindRestore, Action: bus.ActionProgress})
	return nil
}

// place copies one downloaded file into the attachment tree. The copy goes
// through a temp file in the destination directory so a crash mid-copy
// leaves a size-mismatched leftover that the next run redoes.
func (r *Restorer) place(f *trackedFile, res *RestoreResult) error {
	if fi, err := os.Stat(f.source); err == nil && fi.Size() == f.size {
		res.Skipped++
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(f.source), 0o700); err != nil {
		return err
	}
	if err := copyFile(r.container.LocalPath(f.rel), f.source); err != nil {
		return err
	}
	res.Copied++
	res.CopiedBytes += f.size
	return nil
}

// extract unpacks a legacy whole-category archive into the attachment tree
// and removes the archive from the container afterwards. Entries already
// present with a matching size are skipped so a partially-extracted archive
// finishes on the next run.
func (r *Restorer) extract(rel string, res *RestoreResult) error {
	ok, _, err := r.container.Exists(rel)
	if err != nil {
		return err
	}
	if !ok {
		if err := r.container.RequestDownload(rel); err != nil {
			return err
		}
		return fmt.Errorf("restore: archive %s not local yet", rel)
	}

	cat := strings.TrimSuffix(path.Base(rel), ".zip")
	zr, err := zip.OpenReader(r.container.LocalPath(rel))
	if err != nil {
		return err
	}
	defer zr.Close()

	destDir := filepath.Join(r.attachmentRoot, cat)
	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return err
	}
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		name := path.Base(zf.Name)
		if name == "." || name == ".." || name == "" {
			continue
		}
		dest := filepath.Join(destDir, name)
		if fi, err := os.Stat(dest); err == nil && fi.Size() == int64(zf.UncompressedSize64) {
			continue
		}
		if err := extractEntry(zf, dest); err != nil {
			return err
		}
		res.Extracted++
	}
	if err := zr.Close(); err != nil {
		return err
	}
	return r.container.Remove(rel)
}

func extractEntry(zf *zip.File, dest string) error {
	src, err := zf.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".extract-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".restore-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
