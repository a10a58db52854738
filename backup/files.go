package backup

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// trackedFile is one file moving through a pipeline: a local source being
// uploaded, or a container file being downloaded and relinked. processed is
// monotonically non-decreasing and capped at size; the file is complete
// exactly when processed >= size.
type trackedFile struct {
	source    string
	rel       string
	category  string
	size      int64
	processed int64
}

func (f *trackedFile) setProcessed(n int64) {
	if n > f.size {
		n = f.size
	}
	if n > f.processed {
		f.processed = n
	}
}

func (f *trackedFile) complete() bool {
	return f.processed >= f.size
}

type fileSet struct {
	files map[string]*trackedFile
}

func newFileSet() *fileSet {
	return &fileSet{files: make(map[string]*trackedFile)}
}

func (s *fileSet) add(f *trackedFile) {
	s.files[f.rel] = f
}

func (s *fileSet) remove(rel string) *trackedFile {
	f := s.files[rel]
	delete(s.files, rel)
	return f
}

func (s *fileSet) empty() bool {
	return len(s.files) == 0
}

func (s *fileSet) totalSize() int64 {
	var n int64
	for _, f := range s.files {
		n += f.size
	}
	return n
}

func (s *fileSet) processedSize() int64 {
	var n int64
	for _, f := range s.files {
		n += f.processed
	}
	return n
}

// all returns the tracked files ordered by rel so drives and progress
// reports are reproducible.
func (s *fileSet) all() []*trackedFile {
	rels := maps.Keys(s.files)
	slices.Sort(rels)
	out := make([]*trackedFile, len(rels))
	for i, rel := range rels {
		out[i] = s.files[rel]
	}
	return out
}
