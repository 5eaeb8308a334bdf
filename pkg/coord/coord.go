// Package coord provides the integer coordinate types and conversions shared
// by every layer of the memory grid: top-level chunk (TLC) positions, raw
// voxel positions, and the cell-index mapping within a single LOD of a TLC.
package coord

import (
	"github.com/go-gl/mathgl/mgl32"
)

// TlcPos identifies a top-level chunk in TLC units. It is monotone with
// respect to camera translation: moving the camera by one voxel never moves
// a TlcPos by more than one unit per axis.
type TlcPos struct {
	X, Y, Z int32
}

// Add returns the component-wise sum of two TLC positions.
func (p TlcPos) Add(o TlcPos) TlcPos {
	return TlcPos{p.X + o.X, p.Y + o.Y, p.Z + o.Z}
}

// Sub returns the component-wise difference of two TLC positions.
func (p TlcPos) Sub(o TlcPos) TlcPos {
	return TlcPos{p.X - o.X, p.Y - o.Y, p.Z - o.Z}
}

// VoxelPos identifies a position in unit-voxel space.
type VoxelPos struct {
	X, Y, Z int32
}

// TlcOf converts a voxel position to the TLC that contains it, given the
// chunk edge length S.
func TlcOf(v VoxelPos, chunkSize int32) TlcPos {
	return TlcPos{
		X: floorDiv(v.X, chunkSize),
		Y: floorDiv(v.Y, chunkSize),
		Z: floorDiv(v.Z, chunkSize),
	}
}

// ToVoxelPos converts a TLC position to the voxel position of its corner
// (minimum-coordinate voxel), i.e. VoxelPos = TlcPos . S.
func (p TlcPos) ToVoxelPos(chunkSize int32) VoxelPos {
	return VoxelPos{p.X * chunkSize, p.Y * chunkSize, p.Z * chunkSize}
}

// ToWorld converts a TLC position to the world-space position of its corner.
func (p TlcPos) ToWorld(chunkSize int32) mgl32.Vec3 {
	return mgl32.Vec3{
		float32(p.X * chunkSize),
		float32(p.Y * chunkSize),
		float32(p.Z * chunkSize),
	}
}

// LocalVoxel converts an absolute voxel position to its coordinates local to
// the TLC that contains it (each component in [0, chunkSize)).
func LocalVoxel(v VoxelPos, chunkSize int32) (x, y, z int32) {
	x = floorMod(v.X, chunkSize)
	y = floorMod(v.Y, chunkSize)
	z = floorMod(v.Z, chunkSize)
	return
}

func floorDiv(a, b int32) int32 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int32) int32 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// VoxelPosInLOD identifies a single cell within one LOD of one TLC, in
// local (0, 0, 0)-(gridSize, gridSize, gridSize) coordinates, where gridSize
// is the number of cells per axis at that LOD (S / voxelResolution).
type VoxelPosInLOD struct {
	X, Y, Z int32
}

// Index maps a cell position within a LOD to its offset in the flat
// bitmask/voxel-id arrays for that LOD. This is the ONE place the mapping is
// defined; both the CPU-side generator and the GPU mirror's shader-facing
// buffer layout must agree with it exactly (see SPEC_FULL.md section 6).
//
// gridSize is the number of cells per axis at this LOD; largestChunkLvl is
// accepted for API symmetry with the external generator hook but does not
// change the mapping — every LOD is addressed the same way within its own
// gridSize.
func (p VoxelPosInLOD) Index(gridSize int32, largestChunkLvl int) int {
	_ = largestChunkLvl
	return int((p.Y*gridSize+p.X)*gridSize + p.Z)
}

// GridSize returns the number of cells per axis for a LOD whose virtual
// voxel resolution is voxelResolution, given the TLC edge length chunkSize.
func GridSize(chunkSize, voxelResolution int32) int32 {
	return chunkSize / voxelResolution
}
