package region

import (
	"bytes"
	"path/filepath"
	"testing"

	"flexmc.dev/internal/mc"
	"flexmc.dev/internal/nbt"
)

func testDoc(x, z int32) *nbt.Document {
	return nbt.NewDocument("",
		nbt.IntField("xPos", x),
		nbt.IntField("zPos", z),
		nbt.StringField("Status", "full"),
	)
}

func TestStoreWriteReadDocument(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "region"))

	for _, pos := range []mc.ChunkPos{{X: 0, Z: 0}, {X: -1, Z: -1}, {X: 40, Z: -3}} {
		if err := s.WriteDocument(pos, testDoc(int32(pos.X), int32(pos.Z))); err != nil {
			t.Fatalf("write %v: %v", pos, err)
		}
	}

	// A fresh store must see everything from disk alone.
	s2 := NewStore(s.Dir())
	for _, pos := range []mc.ChunkPos{{X: 0, Z: 0}, {X: -1, Z: -1}, {X: 40, Z: -3}} {
		doc, err := s2.ReadDocument(pos)
		if err != nil {
			t.Fatalf("read %v: %v", pos, err)
		}
		if doc == nil {
			t.Fatalf("chunk %v missing after write", pos)
		}
		want, _ := testDoc(int32(pos.X), int32(pos.Z)).Encode()
		got, _ := doc.Encode()
		if !bytes.Equal(got, want) {
			t.Fatalf("chunk %v not structurally equal after round trip", pos)
		}
	}

	absent, err := s2.ReadDocument(mc.ChunkPos{X: 9, Z: 9})
	if err != nil || absent != nil {
		t.Fatalf("unwritten chunk: doc=%v err=%v", absent, err)
	}
}

func TestStoreListChunks(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "region"))
	want := []mc.ChunkPos{{X: -33, Z: 2}, {X: -1, Z: -1}, {X: 0, Z: 0}, {X: 0, Z: 5}}
	for _, pos := range want {
		if err := s.WriteDocument(pos, testDoc(int32(pos.X), int32(pos.Z))); err != nil {
			t.Fatalf("write %v: %v", pos, err)
		}
	}
	got, err := NewStore(s.Dir()).ListChunks()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("listed %d chunks, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("list[%d]=%v want %v", i, got[i], want[i])
		}
	}
}

func TestStoreListChunksMissingDir(t *testing.T) {
	got, err := NewStore(filepath.Join(t.TempDir(), "nope")).ListChunks()
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no chunks, got %v", got)
	}
}

func TestStoreHasRefreshesFromDisk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "region")
	s := NewStore(dir)
	pos := mc.ChunkPos{X: 2, Z: 3}

	ok, err := s.Has(pos)
	if err != nil || ok {
		t.Fatalf("Has before write: ok=%v err=%v", ok, err)
	}

	// Simulate an external generation server writing the region file.
	writer := NewStore(dir)
	if err := writer.WriteDocument(pos, testDoc(2, 3)); err != nil {
		t.Fatalf("external write: %v", err)
	}

	ok, err = s.Has(pos)
	if err != nil || !ok {
		t.Fatalf("Has after external write: ok=%v err=%v", ok, err)
	}
}
