package voxelgrid

import (
	"fmt"

	"github.com/calvinhirsch/ox/pkg/coord"
	"github.com/calvinhirsch/ox/pkg/gpuplan"
	"github.com/calvinhirsch/ox/pkg/memgrid"
	"github.com/calvinhirsch/ox/pkg/voxeltype"
)

// LayerComponent describes one LOD layer's GPU-mirror sizing: the binding
// points it was configured with and the byte sizes a renderer component
// must allocate buffers for.
type LayerComponent struct {
	Params             LODParams
	D                  int32
	BitmaskBufferSize  int
	VoxelIDsBufferSize int // 0 when this LOD carries no voxel-id buffer

	// Bitmask and VoxelIDs are the actual flat, contiguous CPU buffers a
	// GPU mirror copies CopyRegion byte ranges out of. Their addresses are
	// stable for the life of the layer: a slot's offset within them never
	// changes, even when the slot is reloaded after a shift.
	Bitmask  []byte
	VoxelIDs []byte
}

// RendererComponent is the handle NewVoxelMemoryGrid returns for the
// renderer/GPU mirror to size its buffers from, without granting it direct
// access to the grid's internals.
type RendererComponent struct {
	ChunkSize int32
	Layers    []LayerComponent
}

// VoxelMemoryGrid composes N memgrid.MemoryGridLayer[VoxelTLC], one per
// LOD, each independently shifting to recenter on the camera-containing
// TLC every frame.
type VoxelMemoryGrid struct {
	chunkSize  int32
	largestLOD int
	lods       []LODParams
	layers     []*memgrid.MemoryGridLayer[VoxelTLC]

	// bmBytesPerSlot/idBytesPerSlot record, per layer, how memgrid's single
	// per-slot dirty-address window (width bmBytes+idBytes) splits between
	// the bitmask and voxel-id sub-buffers; GetUpdates uses this to
	// translate each drained ByteRange into the correct sub-buffer's own
	// address space before planning copies.
	bmBytesPerSlot []int
	idBytesPerSlot []int
}

// NewVoxelMemoryGrid allocates the N layers described by lods, each
// initially centered on cameraTLC (the center slot, per §3/§8 invariant
// 2), and returns both the grid and a RendererComponent describing the
// buffers a GPU mirror must allocate to mirror it.
func NewVoxelMemoryGrid(lods []LODParams, chunkSize int32, cameraTLC coord.TlcPos) (*VoxelMemoryGrid, *RendererComponent, error) {
	if len(lods) == 0 {
		return nil, nil, fmt.Errorf("%w: at least one LOD is required", memgrid.ErrConfigurationInvalid)
	}

	seenBindings := make(map[int]bool)
	layers := make([]*memgrid.MemoryGridLayer[VoxelTLC], len(lods))
	components := make([]LayerComponent, len(lods))
	bmBytesPerSlot := make([]int, len(lods))
	idBytesPerSlot := make([]int, len(lods))
	largestLOD := 0

	for i, params := range lods {
		if seenBindings[params.BitmaskBinding] {
			return nil, nil, fmt.Errorf("%w: duplicate GPU binding %d", memgrid.ErrConfigurationInvalid, params.BitmaskBinding)
		}
		seenBindings[params.BitmaskBinding] = true
		if params.HasVoxelIDs() {
			if seenBindings[params.VoxelIDsBinding] {
				return nil, nil, fmt.Errorf("%w: duplicate GPU binding %d", memgrid.ErrConfigurationInvalid, params.VoxelIDsBinding)
			}
			seenBindings[params.VoxelIDsBinding] = true
		}

		lvlParams := params
		d := params.RenderAreaSize + 1
		slots := int(d) * int(d) * int(d)
		bmBytes := bitmaskBytesPerSlot(lvlParams, chunkSize)
		idBytes := voxelIDBytesPerSlot(lvlParams, chunkSize)
		bmBytesPerSlot[i] = bmBytes
		idBytesPerSlot[i] = idBytes
		flat := newFlatLayerBuffers(lvlParams, chunkSize, slots)

		layer, err := memgrid.New[VoxelTLC](i, params.RenderAreaSize, bmBytes+idBytes, cameraTLC, func(slotIndex int) VoxelTLC {
			return flat.viewAt(slotIndex, chunkSize)
		})
		if err != nil {
			return nil, nil, fmt.Errorf("lod %d: %w", i, err)
		}
		layers[i] = layer

		components[i] = LayerComponent{
			Params:             params,
			D:                  d,
			BitmaskBufferSize:  len(flat.bitmask),
			VoxelIDsBufferSize: len(flat.voxelIDs),
			Bitmask:            flat.bitmask,
			VoxelIDs:           flat.voxelIDs,
		}
		if params.Level > largestLOD {
			largestLOD = params.Level
		}
	}

	grid := &VoxelMemoryGrid{
		chunkSize:      chunkSize,
		largestLOD:     largestLOD,
		lods:           append([]LODParams(nil), lods...),
		layers:         layers,
		bmBytesPerSlot: bmBytesPerSlot,
		idBytesPerSlot: idBytesPerSlot,
	}
	return grid, &RendererComponent{ChunkSize: chunkSize, Layers: components}, nil
}

// Layer returns the underlying ring buffer for LOD index i, satisfying
// loader.Grid[VoxelTLC].
func (g *VoxelMemoryGrid) Layer(i int) *memgrid.MemoryGridLayer[VoxelTLC] { return g.layers[i] }

// NumLayers returns the number of LOD layers.
func (g *VoxelMemoryGrid) NumLayers() int { return len(g.layers) }

// ChunkSize returns the TLC edge length S shared by all LODs.
func (g *VoxelMemoryGrid) ChunkSize() int32 { return g.chunkSize }

// LargestLOD returns the highest LOD level configured, passed through to
// generators as largestChunkLvl.
func (g *VoxelMemoryGrid) LargestLOD() int { return g.largestLOD }

// LOD returns the configuration of LOD layer i.
func (g *VoxelMemoryGrid) LOD(i int) LODParams { return g.lods[i] }

// OriginTLC returns layer i's current minimum-corner TLC — the address the
// compute shader's modular arithmetic needs to locate a slot, as opposed to
// the camera-containing TLC that ShiftAll/Shift take as input.
func (g *VoxelMemoryGrid) OriginTLC(i int) coord.TlcPos { return g.layers[i].OriginTLC() }

// SetUnloadFunc installs the optional unload drop point (§6) for layer i,
// invoked when one of its Resident slots is about to be discarded by a
// shift. Symmetric to the generator LoadFunc a ChunkLoader is built with.
func (g *VoxelMemoryGrid) SetUnloadFunc(i int, fn memgrid.UnloadFunc[VoxelTLC]) {
	g.layers[i].SetUnloadFunc(fn)
}

// InitialLoadRequests returns every layer's full D^3 set of load requests,
// keyed by layer index, for seeding a ChunkLoader right after
// NewVoxelMemoryGrid.
func (g *VoxelMemoryGrid) InitialLoadRequests() map[int][]memgrid.LoadRequest {
	out := make(map[int][]memgrid.LoadRequest, len(g.layers))
	for i, layer := range g.layers {
		out[i] = layer.InitialLoadRequests()
	}
	return out
}

// ShiftAll recenters every layer on cameraTLC and returns each layer's
// resulting load requests, keyed by layer index.
func (g *VoxelMemoryGrid) ShiftAll(cameraTLC coord.TlcPos) map[int][]memgrid.LoadRequest {
	out := make(map[int][]memgrid.LoadRequest)
	for i, layer := range g.layers {
		if reqs := layer.Shift(cameraTLC); len(reqs) > 0 {
			out[i] = reqs
		}
	}
	return out
}

// LODEditor is one LOD's view within a MultiLODEditor: present iff the TLC
// is Resident at this LOD. Mirrors memgrid.Editor but speaks in voxel
// cells and voxel types rather than raw bytes.
type LODEditor struct {
	Present bool
	LOD     LODParams
	editor  *memgrid.Editor[VoxelTLC]
}

func (e LODEditor) cellIndex(pos coord.VoxelPosInLOD, largestLOD int) int {
	return pos.Index(e.editor.Payload().GridSize(), largestLOD)
}

// SetVoxel writes id at pos in both the bitmask and (if present) the
// voxel-id buffer, and records the touched byte(s) as dirty. No-op if
// this LOD editor is absent.
func (e LODEditor) SetVoxel(pos coord.VoxelPosInLOD, id voxeltype.ID, largestLOD int) {
	if !e.Present {
		return
	}
	i := e.cellIndex(pos, largestLOD)
	payload := e.editor.Payload()
	payload.setBit(i, id != voxeltype.Empty)
	payload.setVoxelID(i, id)

	e.editor.MarkDirty(i/8, 1)
	if payload.voxelIDs != nil {
		e.editor.MarkDirty(len(payload.bitmask)+i, 1)
	}
}

// SetBitmaskBit writes only the occupancy bit at pos, leaving any voxel-id
// buffer untouched, and records the touched byte as dirty. No-op if this
// LOD editor is absent.
func (e LODEditor) SetBitmaskBit(pos coord.VoxelPosInLOD, occupied bool, largestLOD int) {
	if !e.Present {
		return
	}
	i := e.cellIndex(pos, largestLOD)
	e.editor.Payload().setBit(i, occupied)
	e.editor.MarkDirty(i/8, 1)
}

// MultiLODEditor bundles one LODEditor per configured LOD, returned by
// VoxelMemoryGrid.EditChunk.
type MultiLODEditor struct {
	Editors []LODEditor
}

// EditChunk returns a MultiLODEditor with one sub-editor per LOD, each
// individually present or absent. ok is true iff at least one LOD is
// present for tlc.
func (g *VoxelMemoryGrid) EditChunk(tlc coord.TlcPos) (MultiLODEditor, bool) {
	editors := make([]LODEditor, len(g.layers))
	anyPresent := false
	for i, layer := range g.layers {
		ed, present := layer.EditChunk(tlc)
		editors[i] = LODEditor{Present: present, LOD: g.lods[i], editor: ed}
		anyPresent = anyPresent || present
	}
	return MultiLODEditor{Editors: editors}, anyPresent
}

// LayerUpdates is the per-sub-buffer copy-region list for one LOD layer:
// each sub-buffer (bitmask, voxel-ids) is mirrored to its own GPU buffer
// object, so each gets its own coalesced region list and its own source
// address space.
type LayerUpdates struct {
	Bitmask  []gpuplan.CopyRegion
	VoxelIDs []gpuplan.CopyRegion // nil when this LOD carries no voxel-id buffer
}

// splitByteRanges translates memgrid's per-slot dirty ranges (addressed in
// an abstract per-slot window of width bmBytes+idBytes, laid out as
// [0,bmBytes) bitmask then [bmBytes,bmBytes+idBytes) voxel-ids) into two
// independent address spaces, one per real flat sub-buffer: slot i's
// bitmask bytes live at [i*bmBytes, (i+1)*bmBytes) of the bitmask buffer,
// and slot i's voxel-id bytes live at [i*idBytes, (i+1)*idBytes) of the
// voxel-id buffer. A range that spans the bmBytes boundary within one slot
// (only whole-slot ranges, from reinstatement or EditChunk, do this) is
// split in two.
func splitByteRanges(ranges []memgrid.ByteRange, bmBytes, idBytes int) (bitmask, voxelIDs []memgrid.ByteRange) {
	chunkByteSize := bmBytes + idBytes
	for _, r := range ranges {
		slotIdx := r.Offset / chunkByteSize
		offsetInSlot := r.Offset % chunkByteSize
		end := offsetInSlot + r.Length

		if bmPart := min(end, bmBytes) - offsetInSlot; bmPart > 0 {
			bitmask = append(bitmask, memgrid.ByteRange{
				Offset: slotIdx*bmBytes + offsetInSlot,
				Length: bmPart,
			})
		}
		if idBytes > 0 && end > bmBytes {
			idStart := offsetInSlot
			if idStart < bmBytes {
				idStart = bmBytes
			}
			voxelIDs = append(voxelIDs, memgrid.ByteRange{
				Offset: slotIdx*idBytes + (idStart - bmBytes),
				Length: end - idStart,
			})
		}
	}
	return bitmask, voxelIDs
}

// GetUpdates drains every layer's dirty regions, splits them into their
// bitmask and voxel-id sub-buffer address spaces, and coalesces each into
// a GPU copy-region list, keyed by layer index. Layers with nothing dirty
// in a sub-buffer get a nil slice for it.
func (g *VoxelMemoryGrid) GetUpdates() map[int]LayerUpdates {
	out := make(map[int]LayerUpdates, len(g.layers))
	for i, layer := range g.layers {
		ranges := layer.DrainDirtyRegions()
		if len(ranges) == 0 {
			continue
		}
		bmRanges, idRanges := splitByteRanges(ranges, g.bmBytesPerSlot[i], g.idBytesPerSlot[i])
		out[i] = LayerUpdates{
			Bitmask:  gpuplan.Plan(bmRanges),
			VoxelIDs: gpuplan.Plan(idRanges),
		}
	}
	return out
}
