package mc

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Dimension is one of the three parallel world layers. Each has its own
// region directory.
type Dimension int

const (
	Overworld Dimension = iota
	Nether
	TheEnd
)

func (d Dimension) String() string {
	switch d {
	case Overworld:
		return "overworld"
	case Nether:
		return "nether"
	case TheEnd:
		return "the_end"
	}
	return fmt.Sprintf("dimension(%d)", int(d))
}

// ParseDimension accepts the yaml/CLI spellings of a dimension.
func ParseDimension(s string) (Dimension, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "overworld":
		return Overworld, nil
	case "nether":
		return Nether, nil
	case "the_end", "end":
		return TheEnd, nil
	}
	return Overworld, fmt.Errorf("mc: unknown dimension %q", s)
}

// Layout is the server directory convention. Vanilla keeps all dimensions
// under one world directory; plugin-extended servers split them into
// world_nether and world_the_end.
type Layout int

const (
	Vanilla Layout = iota
	PluginExtended
)

func (l Layout) String() string {
	switch l {
	case Vanilla:
		return "vanilla"
	case PluginExtended:
		return "plugin"
	}
	return fmt.Sprintf("layout(%d)", int(l))
}

func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vanilla", "":
		return Vanilla, nil
	case "plugin", "plugin_extended", "bukkit":
		return PluginExtended, nil
	}
	return Vanilla, fmt.Errorf("mc: unknown layout %q", s)
}

// RegionDir returns the region directory for a dimension, relative to the
// server working directory. The table is fixed by the external server
// ecosystem and must not drift.
func RegionDir(l Layout, d Dimension) string {
	switch d {
	case Overworld:
		return path.Join("world", "region")
	case Nether:
		if l == PluginExtended {
			return path.Join("world_nether", "DIM-1", "region")
		}
		return path.Join("world", "DIM-1", "region")
	case TheEnd:
		if l == PluginExtended {
			return path.Join("world_the_end", "DIM1", "region")
		}
		return path.Join("world", "DIM1", "region")
	}
	return ""
}

// Era classifies chunk document schemas coarsely. Legacy documents wrap
// everything in a "Level" compound with TileEntities/Biomes at the top;
// modern (flattened) documents keep sections/block_entities at the root.
type Era int

const (
	Legacy Era = iota
	Modern
)

func (e Era) String() string {
	if e == Legacy {
		return "legacy"
	}
	return "modern"
}

// Version names a game version plus the document era it writes.
type Version struct {
	Name string
	Era  Era
}

// EraForVersion guesses the era from a release version string. Everything
// from 1.13 on writes flattened documents.
func EraForVersion(name string) Era {
	parts := strings.Split(strings.TrimSpace(name), ".")
	if len(parts) < 2 {
		return Modern
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return Modern
	}
	if major == 1 && minor < 13 {
		return Legacy
	}
	return Modern
}
