package migrate

import (
	"flexmc.dev/internal/mc"
	"flexmc.dev/internal/nbt"
)

// Converter rewrites one chunk field from the source version's shape
// into the destination version's shape.
type Converter func(f nbt.Field) (nbt.Field, error)

type converterKey struct {
	cat  Category
	from mc.Era
	to   mc.Era
}

// Registry maps (category, source era, destination era) to the
// converter that carries customized data across the format change.
// Categories without a registered converter fall back to the freshly
// generated destination data and the loss is reported.
type Registry struct {
	byKey map[converterKey]Converter
}

func NewRegistry() *Registry {
	return &Registry{byKey: make(map[converterKey]Converter)}
}

func (r *Registry) Register(cat Category, from, to mc.Era, fn Converter) {
	r.byKey[converterKey{cat, from, to}] = fn
}

func (r *Registry) Lookup(cat Category, from, to mc.Era) (Converter, bool) {
	fn, ok := r.byKey[converterKey{cat, from, to}]
	return fn, ok
}

// renameTo produces a converter that keeps the field's payload intact
// and only changes its name to the destination era's spelling. This is
// enough for list-shaped categories whose element encoding did not
// change across the flattening.
func renameTo(name string) Converter {
	return func(f nbt.Field) (nbt.Field, error) {
		return nbt.Rename(f, name), nil
	}
}

// DefaultRegistry carries the conversions known to be payload-stable
// across the legacy/modern boundary. Terrain sections and biomes
// changed their inner encoding and are deliberately absent: chunks
// with customized terrain keep the regenerated data and the engine
// reports the loss.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(BlockEntities, mc.Legacy, mc.Modern, renameTo("block_entities"))
	r.Register(BlockEntities, mc.Modern, mc.Legacy, renameTo("TileEntities"))

	r.Register(Entities, mc.Legacy, mc.Modern, renameTo("entities"))
	r.Register(Entities, mc.Modern, mc.Legacy, renameTo("Entities"))

	r.Register(Structures, mc.Legacy, mc.Modern, renameTo("structures"))
	r.Register(Structures, mc.Modern, mc.Legacy, renameTo("Structures"))

	return r
}
