// Package region reads and writes the 32x32-slot region container format.
// The on-disk layout must stay byte-compatible with the external ecosystem:
// an 8 KiB header (1024 big-endian locations of 3-byte sector offset plus
// 1-byte sector count, then 1024 big-endian modification timestamps)
// followed by 4 KiB sectors holding length-prefixed compressed chunk
// documents.
package region

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"flexmc.dev/internal/mc"
)

const (
	sectorSize = 4096
	headerSize = 2 * sectorSize
	slotCount  = mc.RegionEdge * mc.RegionEdge
	maxSectors = 255 // a slot's sector count is one byte on disk
	compGzip   = 1
	compZlib   = 2
	compRaw    = 3
)

// ErrStorageWrite marks a failed persist. Slots already flushed are
// untouched; the in-memory state keeps the pending write for a retry.
var ErrStorageWrite = errors.New("region: storage write failed")

// SlotDiagnostic records a corrupt or unreadable slot. Corruption is never
// fatal to the rest of the region: the slot reads as absent and siblings
// stay readable.
type SlotDiagnostic struct {
	Local mc.Local
	Cause string
}

type slot struct {
	present bool
	data    []byte // uncompressed document bytes
	modTime uint32 // unix seconds, carried from disk or set on write
}

// File is one open region container. All access is serialized internally;
// callers never touch the backing file directly.
type File struct {
	path string
	pos  mc.RegionPos

	mu    sync.Mutex
	slots [slotCount]slot
	diags []SlotDiagnostic
	dirty bool
}

func slotIndex(l mc.Local) int { return l.X + l.Z*mc.RegionEdge }

// Open binds a File to path and loads whatever is already there. A missing
// file is not an error: it yields an empty region that will be created on
// the first flush.
func Open(path string, pos mc.RegionPos) (*File, error) {
	f := &File{path: path, pos: pos}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("region: open %s: %w", path, err)
	}
	f.load(raw)
	return f, nil
}

// load parses the on-disk image slot by slot. Any slot it cannot make sense
// of is recorded and skipped.
func (f *File) load(raw []byte) {
	if len(raw) == 0 {
		return
	}
	if len(raw) < headerSize {
		f.diags = append(f.diags, SlotDiagnostic{Cause: fmt.Sprintf("truncated header: %d bytes", len(raw))})
		return
	}
	for i := 0; i < slotCount; i++ {
		loc := binary.BigEndian.Uint32(raw[i*4 : i*4+4])
		offset := int(loc >> 8)
		sectors := int(loc & 0xff)
		if offset == 0 || sectors == 0 {
			continue
		}
		l := mc.Local{X: i % mc.RegionEdge, Z: i / mc.RegionEdge}
		data, cause := decodeSlot(raw, offset, sectors)
		if cause != "" {
			f.diags = append(f.diags, SlotDiagnostic{Local: l, Cause: cause})
			continue
		}
		f.slots[i] = slot{
			present: true,
			data:    data,
			modTime: binary.BigEndian.Uint32(raw[sectorSize+i*4 : sectorSize+i*4+4]),
		}
	}
}

func decodeSlot(raw []byte, offset, sectors int) ([]byte, string) {
	start := offset * sectorSize
	end := start + sectors*sectorSize
	if start < headerSize || end > len(raw) {
		return nil, fmt.Sprintf("slot points outside file: sectors [%d,%d)", offset, offset+sectors)
	}
	if start+5 > len(raw) {
		return nil, "slot too short for payload header"
	}
	length := int(binary.BigEndian.Uint32(raw[start : start+4]))
	if length < 1 || start+4+length > end {
		return nil, fmt.Sprintf("payload length %d exceeds slot", length)
	}
	comp := raw[start+4]
	payload := raw[start+5 : start+4+length]

	var r io.ReadCloser
	var err error
	switch comp {
	case compGzip:
		r, err = gzip.NewReader(bytes.NewReader(payload))
	case compZlib:
		r, err = zlib.NewReader(bytes.NewReader(payload))
	case compRaw:
		return append([]byte(nil), payload...), ""
	default:
		return nil, fmt.Sprintf("unknown compression type %d", comp)
	}
	if err != nil {
		return nil, fmt.Sprintf("compression header: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Sprintf("decompress: %v", err)
	}
	return data, ""
}

// Pos returns the region coordinate this file is bound to.
func (f *File) Pos() mc.RegionPos { return f.pos }

// Read returns the uncompressed document bytes at the slot, or (nil, nil)
// when the chunk has never been written. Absence is a normal outcome.
func (f *File) Read(l mc.Local) ([]byte, error) {
	if err := checkLocal(l); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.slots[slotIndex(l)]
	if !s.present {
		return nil, nil
	}
	return append([]byte(nil), s.data...), nil
}

// Has reports whether the slot holds a document.
func (f *File) Has(l mc.Local) (bool, error) {
	if err := checkLocal(l); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slots[slotIndex(l)].present, nil
}

// Write inserts or replaces the slot's document. Last write wins; other
// slots are untouched. The change is buffered until Flush.
func (f *File) Write(l mc.Local, doc []byte) error {
	if err := checkLocal(l); err != nil {
		return err
	}
	if len(doc) == 0 {
		return fmt.Errorf("region: refusing to write empty document to %v %v", f.pos, l)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slots[slotIndex(l)] = slot{
		present: true,
		data:    append([]byte(nil), doc...),
		modTime: uint32(time.Now().Unix()),
	}
	f.dirty = true
	return nil
}

// Locals returns the slots currently holding documents.
func (f *File) Locals() []mc.Local {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []mc.Local
	for i := range f.slots {
		if f.slots[i].present {
			out = append(out, mc.Local{X: i % mc.RegionEdge, Z: i / mc.RegionEdge})
		}
	}
	return out
}

// ModTime returns the slot's stored modification timestamp (unix seconds),
// zero when absent.
func (f *File) ModTime(l mc.Local) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := checkLocal(l); err != nil {
		return 0
	}
	return f.slots[slotIndex(l)].modTime
}

// Diagnostics returns the corrupt-slot records accumulated so far.
func (f *File) Diagnostics() []SlotDiagnostic {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SlotDiagnostic(nil), f.diags...)
}

// Flush rewrites the whole container with sequential sector allocation and
// renames it into place, so a crash mid-write never leaves a half-updated
// header pointing at stale sectors. No-op when nothing changed.
func (f *File) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dirty {
		return nil
	}
	img, err := f.encodeLocked()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(img); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	f.dirty = false
	return nil
}

func (f *File) encodeLocked() ([]byte, error) {
	header := make([]byte, headerSize)
	var body bytes.Buffer

	next := headerSize / sectorSize // first data sector
	for i := range f.slots {
		s := &f.slots[i]
		if !s.present {
			continue
		}
		payload, err := compressZlib(s.data)
		if err != nil {
			return nil, fmt.Errorf("region: compress slot %d: %w", i, err)
		}
		// 4-byte length (compression byte included) + type byte + payload,
		// padded to whole sectors.
		entry := make([]byte, 0, 5+len(payload))
		entry = binary.BigEndian.AppendUint32(entry, uint32(len(payload)+1))
		entry = append(entry, compZlib)
		entry = append(entry, payload...)
		sectors := (len(entry) + sectorSize - 1) / sectorSize
		if sectors > maxSectors {
			return nil, fmt.Errorf("region: slot %d payload spans %d sectors, max %d", i, sectors, maxSectors)
		}
		body.Write(entry)
		if pad := sectors*sectorSize - len(entry); pad > 0 {
			body.Write(make([]byte, pad))
		}

		binary.BigEndian.PutUint32(header[i*4:], uint32(next)<<8|uint32(sectors))
		binary.BigEndian.PutUint32(header[sectorSize+i*4:], s.modTime)
		next += sectors
	}
	return append(header, body.Bytes()...), nil
}

func compressZlib(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func checkLocal(l mc.Local) error {
	if l.X < 0 || l.X >= mc.RegionEdge || l.Z < 0 || l.Z >= mc.RegionEdge {
		return fmt.Errorf("region: local index out of range: %+v", l)
	}
	return nil
}
