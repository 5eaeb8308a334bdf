// Package voxelgrid composes N memgrid.MemoryGridLayer[VoxelTLC], one per
// level of detail, into the camera-centered LOD pyramid described by the
// engine: every layer shifts independently to keep the camera inside its
// center TLC, while all layers together expose one multi-LOD editing and
// dirty-region surface to the rest of the engine.
package voxelgrid

import (
	"github.com/calvinhirsch/ox/pkg/coord"
	"github.com/calvinhirsch/ox/pkg/voxeltype"
)

// LODParams describes one level of detail: its virtual voxel resolution,
// its own ring-buffer render area size, and the GPU mirror bindings its
// buffers are mirrored to.
type LODParams struct {
	Level           int
	Sublevel        int
	VoxelResolution int32
	RenderAreaSize  int32
	BitmaskBinding  int
	VoxelIDsBinding int // < 0 means this LOD carries no voxel-id buffer
}

// HasVoxelIDs reports whether this LOD mirrors a voxel-id buffer in
// addition to its bitmask.
func (p LODParams) HasVoxelIDs() bool { return p.VoxelIDsBinding >= 0 }

// GridSize returns the number of cells per axis for this LOD given the TLC
// edge length chunkSize.
func (p LODParams) GridSize(chunkSize int32) int32 {
	return chunkSize / p.VoxelResolution
}

// VoxelTLC is the payload type stored in one ring-buffer slot of one LOD
// layer: a bitmask (one bit per cell, 1 = occupied) and, for LODs whose
// params request it, a parallel byte-per-cell voxel-id array. Both slices
// are views into a layer-wide flat buffer (see flatLayerBuffers), not
// independent allocations: a slot's byte offset within that buffer is
// fixed for the life of the layer, which is what lets gpuplan.CopyRegion's
// absolute offsets address a real GPU-mirrored buffer.
type VoxelTLC struct {
	params   LODParams
	gridSize int32
	bitmask  []byte
	voxelIDs []byte // nil when the LOD carries no voxel-id buffer
}

// bitmaskBytesPerSlot and voxelIDBytesPerSlot give the fixed per-slot
// stride within a layer's flat buffers for the given LOD params and TLC
// edge length.
func bitmaskBytesPerSlot(params LODParams, chunkSize int32) int {
	gridSize := params.GridSize(chunkSize)
	cells := gridSize * gridSize * gridSize
	return int((cells + 7) / 8)
}

func voxelIDBytesPerSlot(params LODParams, chunkSize int32) int {
	if !params.HasVoxelIDs() {
		return 0
	}
	gridSize := params.GridSize(chunkSize)
	return int(gridSize * gridSize * gridSize)
}

// flatLayerBuffers is the single, contiguous, per-layer backing storage
// for one LOD's bitmask buffer (and voxel-id buffer, if the LOD carries
// one). Every slot's VoxelTLC is a slice view into these, at
// slotIndex*bytesPerSlot.
type flatLayerBuffers struct {
	params   LODParams
	bitmask  []byte
	voxelIDs []byte // nil when the LOD carries no voxel-id buffer
}

// newFlatLayerBuffers allocates the flat buffers for a layer of numSlots
// slots (D^3 for that layer's ring buffer).
func newFlatLayerBuffers(params LODParams, chunkSize int32, numSlots int) *flatLayerBuffers {
	b := &flatLayerBuffers{
		params:  params,
		bitmask: make([]byte, numSlots*bitmaskBytesPerSlot(params, chunkSize)),
	}
	if idBytes := voxelIDBytesPerSlot(params, chunkSize); idBytes > 0 {
		b.voxelIDs = make([]byte, numSlots*idBytes)
	}
	return b
}

// viewAt returns the VoxelTLC view for slotIndex within this layer's flat
// buffers, zeroing the slot's byte ranges in place so a reloaded slot never
// observes a previous occupant's data.
func (b *flatLayerBuffers) viewAt(slotIndex int, chunkSize int32) VoxelTLC {
	gridSize := b.params.GridSize(chunkSize)
	bmBytes := bitmaskBytesPerSlot(b.params, chunkSize)
	bmStart := slotIndex * bmBytes
	bitmask := b.bitmask[bmStart : bmStart+bmBytes]
	for i := range bitmask {
		bitmask[i] = 0
	}

	v := VoxelTLC{params: b.params, gridSize: gridSize, bitmask: bitmask}
	if b.voxelIDs != nil {
		idBytes := voxelIDBytesPerSlot(b.params, chunkSize)
		idStart := slotIndex * idBytes
		voxelIDs := b.voxelIDs[idStart : idStart+idBytes]
		for i := range voxelIDs {
			voxelIDs[i] = 0
		}
		v.voxelIDs = voxelIDs
	}
	return v
}

// ByteSize returns the total byte footprint of this payload's buffers.
func (v VoxelTLC) ByteSize() int {
	return len(v.bitmask) + len(v.voxelIDs)
}

// GridSize returns the number of cells per axis this payload covers.
func (v VoxelTLC) GridSize() int32 { return v.gridSize }

// BitOccupied reports whether cell index i is marked occupied.
func (v VoxelTLC) BitOccupied(i int) bool {
	return v.bitmask[i/8]&(1<<uint(i%8)) != 0
}

func (v *VoxelTLC) setBit(i int, occupied bool) {
	if occupied {
		v.bitmask[i/8] |= 1 << uint(i%8)
	} else {
		v.bitmask[i/8] &^= 1 << uint(i%8)
	}
}

func (v *VoxelTLC) setVoxelID(i int, id voxeltype.ID) {
	if v.voxelIDs != nil {
		v.voxelIDs[i] = byte(id)
	}
}

// VoxelID returns the voxel type at cell index i, or voxeltype.Empty if
// this LOD carries no voxel-id buffer.
func (v VoxelTLC) VoxelID(i int) voxeltype.ID {
	if v.voxelIDs == nil {
		return voxeltype.Empty
	}
	return voxeltype.ID(v.voxelIDs[i])
}

// Generator fills outIDs (one byte per cell, ordered by
// coord.VoxelPosInLOD.Index) for one LOD of one TLC. Pure w.r.t. world
// state: reads only its inputs, writes only outIDs.
type Generator func(tlc coord.TlcPos, lvl, sublvl int, outIDs []byte, chunkSize int32, largestLOD int)

// LoadNew fills this payload's bitmask (and voxel-id buffer, if present)
// by invoking gen once and deriving occupancy from the result. Has no
// dirty-tracking of its own; the caller (ChunkLoader/ReturnFromLoading)
// always treats a freshly loaded chunk as fully dirty.
func (v *VoxelTLC) LoadNew(tlc coord.TlcPos, gen Generator, chunkSize int32, largestLOD int) {
	cells := v.gridSize * v.gridSize * v.gridSize
	outIDs := make([]byte, cells)
	gen(tlc, v.params.Level, v.params.Sublevel, outIDs, chunkSize, largestLOD)
	for i, id := range outIDs {
		v.setBit(i, voxeltype.ID(id) != voxeltype.Empty)
		v.setVoxelID(i, voxeltype.ID(id))
	}
}
