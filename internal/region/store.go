package region

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"flexmc.dev/internal/mc"
	"flexmc.dev/internal/nbt"
)

// Store exposes one dimension's region directory as a chunk-document map.
// It owns every File it opens; callers address chunks by global coordinate
// and never deal with region files directly.
type Store struct {
	dir string

	mu    sync.Mutex
	files map[mc.RegionPos]*File
}

func NewStore(dir string) *Store {
	return &Store{dir: dir, files: map[mc.RegionPos]*File{}}
}

// Dir returns the backing region directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) file(r mc.RegionPos) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[r]; ok {
		return f, nil
	}
	f, err := Open(filepath.Join(s.dir, r.Filename()), r)
	if err != nil {
		return nil, err
	}
	s.files[r] = f
	return f, nil
}

// Drop evicts a cached region so the next access rereads the disk. Used
// after an external process has rewritten the world underneath us.
func (s *Store) Drop(r mc.RegionPos) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, r)
}

// DropAll evicts every cached region.
func (s *Store) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = map[mc.RegionPos]*File{}
}

// ReadDocument returns the decoded chunk document, or (nil, nil) when the
// chunk is absent. Decode failures surface as errors; the raw slot stays
// readable for diagnosis.
func (s *Store) ReadDocument(pos mc.ChunkPos) (*nbt.Document, error) {
	f, err := s.file(pos.Region())
	if err != nil {
		return nil, err
	}
	raw, err := f.Read(pos.Local())
	if err != nil || raw == nil {
		return nil, err
	}
	doc, err := nbt.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("region: %v: %w", pos, err)
	}
	return doc, nil
}

// Has reports whether a chunk slot is populated. Fresh from disk: the
// cached region is dropped first, because generation servers write the
// file behind our back.
func (s *Store) Has(pos mc.ChunkPos) (bool, error) {
	s.Drop(pos.Region())
	f, err := s.file(pos.Region())
	if err != nil {
		return false, err
	}
	return f.Has(pos.Local())
}

// WriteDocument encodes and persists one chunk. Every write flushes: region
// state must survive a process restart (no deferred batching).
func (s *Store) WriteDocument(pos mc.ChunkPos, doc *nbt.Document) error {
	raw, err := doc.Encode()
	if err != nil {
		return fmt.Errorf("region: %v: %w", pos, err)
	}
	f, err := s.file(pos.Region())
	if err != nil {
		return err
	}
	if err := f.Write(pos.Local(), raw); err != nil {
		return err
	}
	return f.Flush()
}

// ListChunks scans the directory for region files and returns every
// populated chunk coordinate, sorted for deterministic task order.
// A missing directory means no chunks, not an error.
func (s *Store) ListChunks() ([]mc.ChunkPos, error) {
	ents, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("region: list %s: %w", s.dir, err)
	}
	var out []mc.ChunkPos
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		r, err := mc.ParseRegionFilename(e.Name())
		if err != nil {
			continue // foreign files live alongside region files
		}
		f, err := s.file(r)
		if err != nil {
			return nil, err
		}
		for _, l := range f.Locals() {
			out = append(out, r.ChunkAt(l))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].Z < out[j].Z
	})
	return out, nil
}

// Diagnostic is a corrupt-slot record with its region attached.
type Diagnostic struct {
	Region mc.RegionPos
	Slot   SlotDiagnostic
}

// Diagnostics aggregates corrupt-slot records across all opened regions.
func (s *Store) Diagnostics() []Diagnostic {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Diagnostic
	for r, f := range s.files {
		for _, d := range f.Diagnostics() {
			out = append(out, Diagnostic{Region: r, Slot: d})
		}
	}
	return out
}

// FlushAll persists every dirty region.
func (s *Store) FlushAll() error {
	s.mu.Lock()
	files := make([]*File, 0, len(s.files))
	for _, f := range s.files {
		files = append(files, f)
	}
	s.mu.Unlock()
	for _, f := range files {
		if err := f.Flush(); err != nil {
			return err
		}
	}
	return nil
}
