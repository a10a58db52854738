// Package backup snapshots local attachment files and the database file
// into a cloud-synced container directory, and restores them back. The
// container is mirrored by an external sync agent; this layer only moves
// files in and out of the mirror and reads the agent's per-file transfer
// metadata.
package backup

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Attachment categories mirrored into the container.
const (
	CategoryPhotos = "Photos"
	CategoryAudios = "Audios"
	CategoryFiles  = "Files"
	CategoryVideos = "Videos"
)

// statusFile is where the sync agent publishes per-file transfer state.
const statusFile = "sync-status.json"

// requestsDir is watched by the sync agent; dropping a file there asks it
// to download the named container file.
const requestsDir = ".requests"

const tmpDir = "tmp"

// FileState is the agent-reported transfer state of one container file.
// Files present in the mirror but absent from the status file are current.
type FileState string

const (
	StateUploading   FileState = "uploading"
	StateDownloading FileState = "downloading"
	StateRemote      FileState = "remote"
	StateCurrent     FileState = "current"
)

type FileStatus struct {
	State   FileState `json:"state"`
	Percent float64   `json:"percent"`
	Size    int64     `json:"size"`
}

type syncStatus struct {
	Files map[string]FileStatus `json:"files"`
}

// Entry is one file known to the container, either on disk in the mirror or
// reported by the agent as remote.
type Entry struct {
	Rel  string
	Size int64
}

// Container is a cloud-synced directory mirror.
type Container struct {
	root string
}

func NewContainer(root string) *Container {
	return &Container{root: root}
}

func (c *Container) Root() string {
	return c.root
}

func (c *Container) LocalPath(rel string) string {
	return filepath.Join(c.root, filepath.FromSlash(rel))
}

// Status reads the agent's metadata file. A missing file means every
// mirrored file is current.
func (c *Container) Status() (map[string]FileStatus, error) {
	raw, err := os.ReadFile(filepath.Join(c.root, statusFile))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]FileStatus{}, nil
		}
		return nil, fmt.Errorf("backup: reading sync status: %w", err)
	}
	var s syncStatus
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("backup: decoding sync status: %w", err)
	}
	if s.Files == nil {
		s.Files = map[string]FileStatus{}
	}
	return s.Files, nil
}

// List returns the container's files under relDir: mirrored files on disk
// plus agent-reported remote files not yet downloaded.
func (c *Container) List(relDir string) ([]Entry, error) {
	seen := map[string]bool{}
	var entries []Entry

	dir := c.LocalPath(relDir)
	if fis, err := os.ReadDir(dir); err == nil {
		for _, fi := range fis {
			if fi.IsDir() || fi.Name() == statusFile {
				continue
			}
			info, err := fi.Info()
			if err != nil {
				return nil, fmt.Errorf("backup: listing container %s: %w", relDir, err)
			}
			rel := path.Join(relDir, fi.Name())
			seen[rel] = true
			entries = append(entries, Entry{Rel: rel, Size: info.Size()})
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("backup: listing container %s: %w", relDir, err)
	}

	prefix := ""
	if relDir != "" {
		prefix = relDir + "/"
	}
	status, err := c.Status()
	if err != nil {
		return nil, err
	}
	for rel, st := range status {
		// direct children only
		if seen[rel] || !strings.HasPrefix(rel, prefix) || strings.Contains(rel[len(prefix):], "/") {
			continue
		}
		if st.State == StateRemote || st.State == StateDownloading {
			entries = append(entries, Entry{Rel: rel, Size: st.Size})
		}
	}
	return entries, nil
}

// Exists reports whether rel is present in the local mirror, with its size.
func (c *Container) Exists(rel string) (bool, int64, error) {
	fi, err := os.Stat(c.LocalPath(rel))
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("backup: statting %s: %w", rel, err)
	}
	return true, fi.Size(), nil
}

// Put copies src into the container at rel. The copy lands in a scratch
// location first and is promoted by rename, so the destination is never
// observed half-written. A failed copy removes the scratch file and leaves
// the destination untouched.
func (c *Container) Put(src, rel string) error {
	scratch := filepath.Join(c.root, tmpDir)
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return fmt.Errorf("backup: creating scratch dir: %w", err)
	}
	tmp, err := os.CreateTemp(scratch, "put-*")
	if err != nil {
		return fmt.Errorf("backup: creating scratch file: %w", err)
	}
	tmpName := tmp.Name()

	in, err := os.Open(src) // #nosec G304
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("backup: opening %s: %w", src, err)
	}
	_, copyErr := io.Copy(tmp, in)
	_ = in.Close()
	if closeErr := tmp.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("backup: copying %s: %w", src, copyErr)
	}

	dst := c.LocalPath(rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("backup: creating container dir: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("backup: promoting %s: %w", rel, err)
	}
	return nil
}

func (c *Container) Remove(rel string) error {
	if err := os.Remove(c.LocalPath(rel)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("backup: removing %s: %w", rel, err)
	}
	return nil
}

// RequestDownload asks the sync agent to materialize rel in the mirror.
func (c *Container) RequestDownload(rel string) error {
	dir := filepath.Join(c.root, requestsDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("backup: creating requests dir: %w", err)
	}
	name := strings.ReplaceAll(rel, "/", "_")
	if err := os.WriteFile(filepath.Join(dir, name), []byte(rel), 0o600); err != nil {
		return fmt.Errorf("backup: requesting download of %s: %w", rel, err)
	}
	return nil
}

// Watch reports metadata activity in the container: any change to the
// mirror tree or the agent's status file lands on the returned channel.
// Close the watcher to stop.
func (c *Container) Watch() (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("backup: creating watcher: %w", err)
	}
	if err := w.Add(c.root); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("backup: watching container: %w", err)
	}
	// best effort on category dirs, they may not exist yet
	for _, cat := range []string{CategoryPhotos, CategoryAudios, CategoryFiles, CategoryVideos} {
		dir := c.LocalPath(cat)
		if _, err := os.Stat(dir); err == nil {
			_ = w.Add(dir)
		}
	}
	return w, nil
}
