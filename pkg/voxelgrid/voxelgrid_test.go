package voxelgrid

import (
	"testing"

	"github.com/calvinhirsch/ox/pkg/coord"
	"github.com/calvinhirsch/ox/pkg/voxeltype"
)

const testChunkSize = 8

func twoLODParams() []LODParams {
	return []LODParams{
		{Level: 0, VoxelResolution: 1, RenderAreaSize: 3, BitmaskBinding: 0, VoxelIDsBinding: 1},
		{Level: 1, VoxelResolution: 2, RenderAreaSize: 3, BitmaskBinding: 2, VoxelIDsBinding: -1},
	}
}

func newTestGrid(t *testing.T) (*VoxelMemoryGrid, *RendererComponent) {
	t.Helper()
	grid, rc, err := NewVoxelMemoryGrid(twoLODParams(), testChunkSize, coord.TlcPos{})
	if err != nil {
		t.Fatalf("NewVoxelMemoryGrid: %v", err)
	}
	return grid, rc
}

func TestNewVoxelMemoryGridRejectsDuplicateBindings(t *testing.T) {
	lods := []LODParams{
		{Level: 0, VoxelResolution: 1, RenderAreaSize: 3, BitmaskBinding: 0, VoxelIDsBinding: -1},
		{Level: 1, VoxelResolution: 2, RenderAreaSize: 3, BitmaskBinding: 0, VoxelIDsBinding: -1},
	}
	if _, _, err := NewVoxelMemoryGrid(lods, testChunkSize, coord.TlcPos{}); err == nil {
		t.Fatal("expected error for duplicate bitmask binding")
	}
}

func TestRendererComponentSizing(t *testing.T) {
	grid, rc := newTestGrid(t)
	if len(rc.Layers) != 2 {
		t.Fatalf("Layers = %d, want 2", len(rc.Layers))
	}
	lod0 := rc.Layers[0]
	if lod0.VoxelIDsBufferSize == 0 {
		t.Fatal("LOD 0 requests voxel IDs; buffer size should be nonzero")
	}
	lod1 := rc.Layers[1]
	if lod1.VoxelIDsBufferSize != 0 {
		t.Fatal("LOD 1 has no voxel-id binding; buffer size should be zero")
	}
	_ = grid
}

func TestEditChunkPresentAfterLoad(t *testing.T) {
	grid, _ := newTestGrid(t)
	tlc := coord.TlcPos{}

	for i := 0; i < grid.NumLayers(); i++ {
		taken, ok := grid.Layer(i).TakeForLoading(tlc)
		if !ok {
			t.Fatalf("TakeForLoading failed for layer %d", i)
		}
		taken.Payload.LoadNew(tlc, func(tlc coord.TlcPos, lvl, sublvl int, outIDs []byte, chunkSize int32, largestLOD int) {
			for j := range outIDs {
				outIDs[j] = byte(voxeltype.Empty)
			}
		}, testChunkSize, grid.LargestLOD())
		grid.Layer(i).ReturnFromLoading(taken)
	}

	multi, ok := grid.EditChunk(tlc)
	if !ok {
		t.Fatal("EditChunk should report present after loading all layers")
	}
	for i, ed := range multi.Editors {
		if !ed.Present {
			t.Fatalf("layer %d editor should be present", i)
		}
	}
}

func TestSetVoxelMarksDirtyAndGetUpdatesDrains(t *testing.T) {
	grid, _ := newTestGrid(t)
	tlc := coord.TlcPos{}
	for i := 0; i < grid.NumLayers(); i++ {
		taken, _ := grid.Layer(i).TakeForLoading(tlc)
		grid.Layer(i).ReturnFromLoading(taken)
	}
	// Clear the load-time full-chunk dirty entries.
	grid.GetUpdates()

	multi, ok := grid.EditChunk(tlc)
	if !ok {
		t.Fatal("EditChunk should succeed")
	}
	multi.Editors[0].SetVoxel(coord.VoxelPosInLOD{}, voxeltype.ID(1), grid.LargestLOD())

	updates := grid.GetUpdates()
	if len(updates[0].Bitmask) == 0 {
		t.Fatal("expected dirty bitmask regions for layer 0 after SetVoxel")
	}
	if len(updates[0].VoxelIDs) == 0 {
		t.Fatal("expected dirty voxel-id regions for layer 0 after SetVoxel")
	}
	// EditChunk marks the slot dirty in every layer where it is present, so
	// layer 1 reports exactly its whole-slot bitmask range (and no voxel-id
	// regions) even though only layer 0 was written to.
	lod1Bytes := bitmaskBytesPerSlot(twoLODParams()[1], testChunkSize)
	if u1, ok := updates[1]; !ok || len(u1.Bitmask) != 1 || u1.Bitmask[0].Length != lod1Bytes || u1.VoxelIDs != nil {
		t.Fatalf("layer 1 updates = %+v, want one whole-slot bitmask region of %d bytes and no voxel-id regions", u1, lod1Bytes)
	}
}

func TestShiftAllProducesPerLayerRequests(t *testing.T) {
	grid, _ := newTestGrid(t)
	reqs := grid.ShiftAll(coord.TlcPos{X: 1})
	if len(reqs) != grid.NumLayers() {
		t.Fatalf("ShiftAll returned requests for %d layers, want %d", len(reqs), grid.NumLayers())
	}
}
