package migrate

import (
	"bytes"
	"testing"

	"flexmc.dev/internal/mc"
	"flexmc.dev/internal/nbt"
)

func legacyVersion() mc.Version { return mc.Version{Name: "1.12.2", Era: mc.Legacy} }
func modernVersion() mc.Version { return mc.Version{Name: "1.20.1", Era: mc.Modern} }

// legacyChunk builds a chunk document in the pre-flattening shape.
func legacyChunk(sections, tiles string) *nbt.Document {
	return nbt.NewDocument("",
		nbt.IntField("xPos", 0),
		nbt.IntField("zPos", 0),
		nbt.StringField("Sections", sections),
		nbt.IntArrayField("Biomes", []int32{1, 1, 4}),
		nbt.ListField("TileEntities",
			[]nbt.Field{nbt.StringField("id", tiles), nbt.IntField("x", 3)},
		),
		nbt.ListField("Entities"),
	)
}

func modernChunk(sections string) *nbt.Document {
	return nbt.NewDocument("",
		nbt.IntField("xPos", 0),
		nbt.IntField("zPos", 0),
		nbt.StringField("sections", sections),
		nbt.ListField("block_entities"),
		nbt.ListField("entities"),
		nbt.StringField("Status", "full"),
	)
}

func fieldRaw(t *testing.T, doc *nbt.Document, name string) []byte {
	t.Helper()
	f, ok := doc.GetField(name)
	if !ok {
		t.Fatalf("field %q missing", name)
	}
	return f.Raw
}

func TestMergeUntouchedCategoriesKeepTarget(t *testing.T) {
	base := legacyChunk("natural terrain", "minecraft:chest")
	custom := legacyChunk("natural terrain", "minecraft:chest") // no edits at all
	target := modernChunk("regenerated terrain")

	out, losses := MergeChunk(base, custom, target, DefaultRegistry(), legacyVersion(), modernVersion())
	if len(losses) != 0 {
		t.Fatalf("losses=%v want none", losses)
	}

	enc, err := out.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want, _ := target.Encode()
	if !bytes.Equal(enc, want) {
		t.Fatal("untouched chunk should be byte-identical to the regenerated target")
	}
}

func TestMergeDivergedSameEraTakesCustom(t *testing.T) {
	base := legacyChunk("natural terrain", "minecraft:chest")
	custom := legacyChunk("player build", "minecraft:chest")
	target := legacyChunk("regenerated terrain", "minecraft:hopper")

	out, losses := MergeChunk(base, custom, target, DefaultRegistry(), legacyVersion(), legacyVersion())
	if len(losses) != 0 {
		t.Fatalf("losses=%v want none", losses)
	}

	if got, want := fieldRaw(t, out, "Sections"), fieldRaw(t, custom, "Sections"); !bytes.Equal(got, want) {
		t.Fatal("diverged terrain should come from the custom world")
	}
	if got, want := fieldRaw(t, out, "TileEntities"), fieldRaw(t, target, "TileEntities"); !bytes.Equal(got, want) {
		t.Fatal("untouched tile entities should come from the target")
	}
}

func TestMergeCrossEraConvertsBlockEntities(t *testing.T) {
	base := legacyChunk("natural terrain", "minecraft:chest")
	custom := legacyChunk("natural terrain", "minecraft:beacon") // edited a tile entity
	target := modernChunk("regenerated terrain")

	out, losses := MergeChunk(base, custom, target, DefaultRegistry(), legacyVersion(), modernVersion())
	if len(losses) != 0 {
		t.Fatalf("losses=%v want none", losses)
	}

	customTiles, _ := custom.GetField("TileEntities")
	want := nbt.Rename(customTiles, "block_entities")
	if got := fieldRaw(t, out, "block_entities"); !bytes.Equal(got, want.Raw) {
		t.Fatal("customized block entities should carry over under the modern field name")
	}
	if out.Has("TileEntities") {
		t.Fatal("legacy field name must not leak into a modern chunk")
	}
	// Terrain was untouched, so the regenerated sections stand.
	if got, want := fieldRaw(t, out, "sections"), fieldRaw(t, target, "sections"); !bytes.Equal(got, want) {
		t.Fatal("untouched terrain should come from the target")
	}
}

func TestMergeCrossEraTerrainIsLossy(t *testing.T) {
	base := legacyChunk("natural terrain", "minecraft:chest")
	custom := legacyChunk("player build", "minecraft:chest")
	target := modernChunk("regenerated terrain")

	out, losses := MergeChunk(base, custom, target, DefaultRegistry(), legacyVersion(), modernVersion())
	if len(losses) != 1 {
		t.Fatalf("losses=%v want exactly the terrain category", losses)
	}
	if losses[0].Category != Terrain {
		t.Fatalf("loss category=%v want Terrain", losses[0].Category)
	}
	if got, want := fieldRaw(t, out, "sections"), fieldRaw(t, target, "sections"); !bytes.Equal(got, want) {
		t.Fatal("unconvertible terrain should fall back to the regenerated target")
	}
}

func TestMergeBiomesHaveNoModernField(t *testing.T) {
	base := legacyChunk("t", "minecraft:chest")
	custom := base.Clone()
	custom.Set(nbt.IntArrayField("Biomes", []int32{9, 9, 9})) // repainted biomes
	target := modernChunk("regenerated terrain")

	_, losses := MergeChunk(base, custom, target, DefaultRegistry(), legacyVersion(), modernVersion())
	if len(losses) != 1 || losses[0].Category != Biomes {
		t.Fatalf("losses=%v want a single biome loss", losses)
	}
}

func TestMergeDeletedFieldIsRemoved(t *testing.T) {
	base := legacyChunk("t", "minecraft:chest")
	custom := base.Clone()
	custom.Remove("Entities")
	target := legacyChunk("t", "minecraft:chest")

	out, losses := MergeChunk(base, custom, target, DefaultRegistry(), legacyVersion(), legacyVersion())
	if len(losses) != 0 {
		t.Fatalf("losses=%v want none", losses)
	}
	if out.Has("Entities") {
		t.Fatal("field deleted by the customization should not survive")
	}
}

func TestFieldNameTable(t *testing.T) {
	cases := []struct {
		era  mc.Era
		cat  Category
		name string
		ok   bool
	}{
		{mc.Legacy, Terrain, "Sections", true},
		{mc.Legacy, Biomes, "Biomes", true},
		{mc.Legacy, BlockEntities, "TileEntities", true},
		{mc.Modern, Terrain, "sections", true},
		{mc.Modern, Biomes, "", false},
		{mc.Modern, Entities, "entities", true},
		{mc.Modern, Structures, "structures", true},
	}
	for _, c := range cases {
		name, ok := FieldName(c.era, c.cat)
		if name != c.name || ok != c.ok {
			t.Errorf("FieldName(%v,%v)=(%q,%v) want (%q,%v)", c.era, c.cat, name, ok, c.name, c.ok)
		}
	}
}

func TestDefaultRegistryCoverage(t *testing.T) {
	r := DefaultRegistry()
	for _, cat := range []Category{BlockEntities, Entities, Structures} {
		if _, ok := r.Lookup(cat, mc.Legacy, mc.Modern); !ok {
			t.Errorf("no legacy-to-modern converter for %v", cat)
		}
		if _, ok := r.Lookup(cat, mc.Modern, mc.Legacy); !ok {
			t.Errorf("no modern-to-legacy converter for %v", cat)
		}
	}
	for _, cat := range []Category{Terrain, Biomes} {
		if _, ok := r.Lookup(cat, mc.Legacy, mc.Modern); ok {
			t.Errorf("%v should not claim a payload-stable conversion", cat)
		}
	}
}
