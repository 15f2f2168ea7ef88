package migrate

import (
	"flexmc.dev/internal/mc"
	"flexmc.dev/internal/nbt"
)

// Category groups the chunk fields that are merged as one unit. A
// category either stays on the freshly generated destination data or
// is overridden wholesale by the customized world.
type Category int

const (
	Terrain Category = iota
	Biomes
	BlockEntities
	Entities
	Structures
)

var categoryNames = map[Category]string{
	Terrain:       "terrain",
	Biomes:        "biomes",
	BlockEntities: "block_entities",
	Entities:      "entities",
	Structures:    "structures",
}

func (c Category) String() string { return categoryNames[c] }

// AllCategories in merge order.
var AllCategories = []Category{Terrain, Biomes, BlockEntities, Entities, Structures}

// fieldNames maps a category to its top-level chunk field per era.
// Modern chunks store biomes inside the section palette, so the
// category has no standalone field there.
var fieldNames = map[mc.Era]map[Category]string{
	mc.Legacy: {
		Terrain:       "Sections",
		Biomes:        "Biomes",
		BlockEntities: "TileEntities",
		Entities:      "Entities",
		Structures:    "Structures",
	},
	mc.Modern: {
		Terrain:       "sections",
		BlockEntities: "block_entities",
		Entities:      "entities",
		Structures:    "structures",
	},
}

// FieldName reports the chunk field holding cat's data in the given
// era. ok is false when the era has no standalone field for it.
func FieldName(era mc.Era, cat Category) (string, bool) {
	name, ok := fieldNames[era][cat]
	return name, ok
}

// Loss records a customized category that could not be carried into
// the destination format and was replaced by regenerated data.
type Loss struct {
	Category Category
	From, To mc.Era
}

// MergeChunk folds a customized chunk into a freshly generated one.
// base and custom are encoded in the source version, target in the
// destination version. Per category: if the custom data matches base
// byte for byte the target's data stands (the customization never
// touched it); if it diverged the custom data wins, converted across
// eras when a converter exists, otherwise the target's data stands and
// the loss is reported.
func MergeChunk(base, custom, target *nbt.Document, reg *Registry, from, to mc.Version) (*nbt.Document, []Loss) {
	out := target.Clone()
	var losses []Loss

	for _, cat := range AllCategories {
		srcName, srcOK := FieldName(from.Era, cat)
		if !srcOK {
			continue
		}
		baseField, baseHas := base.GetField(srcName)
		customField, customHas := custom.GetField(srcName)

		if !diverged(baseField, baseHas, customField, customHas) {
			continue
		}

		dstName, dstOK := FieldName(to.Era, cat)

		if !customHas {
			// The customization deleted the data outright.
			if dstOK {
				out.Remove(dstName)
			}
			continue
		}

		if from.Era == to.Era {
			out.Set(customField)
			continue
		}

		conv, ok := reg.Lookup(cat, from.Era, to.Era)
		if !ok || !dstOK {
			losses = append(losses, Loss{Category: cat, From: from.Era, To: to.Era})
			continue
		}
		converted, err := conv(customField)
		if err != nil {
			losses = append(losses, Loss{Category: cat, From: from.Era, To: to.Era})
			continue
		}
		out.Set(converted)
	}

	return out, losses
}

func diverged(base nbt.Field, baseHas bool, custom nbt.Field, customHas bool) bool {
	if baseHas != customHas {
		return true
	}
	if !baseHas {
		return false
	}
	return !base.Equal(custom)
}
