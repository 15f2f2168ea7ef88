// Package mc holds the coordinate arithmetic and world-layout constants
// shared by the region codec, the generation servers and the migration
// engine. Everything here is pure: no I/O, no state.
package mc

import (
	"fmt"
	"regexp"
	"strconv"
)

// RegionEdge is the number of chunks along one side of a region file.
const RegionEdge = 32

// ChunkEdge is the number of blocks along one side of a chunk.
const ChunkEdge = 16

// ChunkPos identifies a chunk globally. Signed; negative coordinates are
// valid and common.
type ChunkPos struct {
	X, Z int
}

// RegionPos identifies a region container file.
type RegionPos struct {
	X, Z int
}

// Local is a chunk's position inside its region, always in [0, RegionEdge).
type Local struct {
	X, Z int
}

func (c ChunkPos) String() string  { return fmt.Sprintf("chunk(%d,%d)", c.X, c.Z) }
func (r RegionPos) String() string { return fmt.Sprintf("region(%d,%d)", r.X, r.Z) }

// floorDiv rounds toward negative infinity, unlike Go's / which truncates.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// floorMod always returns a value in [0, b) for b > 0.
func floorMod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// Region returns the region containing this chunk.
func (c ChunkPos) Region() RegionPos {
	return RegionPos{X: floorDiv(c.X, RegionEdge), Z: floorDiv(c.Z, RegionEdge)}
}

// Local returns the chunk's slot inside its region. Floor-mod semantics:
// chunk x=-1 maps to local x=31, never -1.
func (c ChunkPos) Local() Local {
	return Local{X: floorMod(c.X, RegionEdge), Z: floorMod(c.Z, RegionEdge)}
}

// BlockOrigin returns the block coordinates of the chunk's north-west corner.
func (c ChunkPos) BlockOrigin() (x, z int) {
	return c.X * ChunkEdge, c.Z * ChunkEdge
}

// ChunkRange returns the inclusive chunk-coordinate bounds covered by the
// region (RegionEdge*RegionEdge chunks).
func (r RegionPos) ChunkRange() (min, max ChunkPos) {
	min = ChunkPos{X: r.X * RegionEdge, Z: r.Z * RegionEdge}
	max = ChunkPos{X: min.X + RegionEdge - 1, Z: min.Z + RegionEdge - 1}
	return min, max
}

// ChunkAt returns the global chunk at the given local slot.
func (r RegionPos) ChunkAt(l Local) ChunkPos {
	return ChunkPos{X: r.X*RegionEdge + l.X, Z: r.Z*RegionEdge + l.Z}
}

// Filename is the canonical region file name, r.<x>.<z>.mca.
func (r RegionPos) Filename() string {
	return fmt.Sprintf("r.%d.%d.mca", r.X, r.Z)
}

// Region file names are exactly r.<int>.<int>.mca. No leading +, no blanks,
// no extra segments.
var regionNameRe = regexp.MustCompile(`^r\.(-?\d+)\.(-?\d+)\.mca$`)

// ParseRegionFilename parses r.<x>.<z>.mca into a RegionPos. Anything else
// is rejected.
func ParseRegionFilename(name string) (RegionPos, error) {
	m := regionNameRe.FindStringSubmatch(name)
	if m == nil {
		return RegionPos{}, fmt.Errorf("mc: not a region file name: %q", name)
	}
	x, err := strconv.Atoi(m[1])
	if err != nil {
		return RegionPos{}, fmt.Errorf("mc: region file name %q: %w", name, err)
	}
	z, err := strconv.Atoi(m[2])
	if err != nil {
		return RegionPos{}, fmt.Errorf("mc: region file name %q: %w", name, err)
	}
	return RegionPos{X: x, Z: z}, nil
}
