// Package world is the thin composition root that ties a VoxelMemoryGrid
// to a tracked camera position and the ChunkLoader that keeps it fed.
//
// Grounded on cmd/voxels/main.go's top-level wiring style and
// pkg/game/chunk_manager.go's UpdatePlayerPosition/chunk-loading
// orchestration loop, generalized from one flat chunk map to the
// multi-LOD VoxelMemoryGrid.
package world

import (
	"github.com/calvinhirsch/ox/pkg/coord"
	"github.com/calvinhirsch/ox/pkg/loader"
	"github.com/calvinhirsch/ox/pkg/memgrid"
	"github.com/calvinhirsch/ox/pkg/voxelgrid"
)

// BufferChunkState re-exports memgrid.BufferChunkState under the name the
// spec gives it at the World level.
type BufferChunkState = memgrid.BufferChunkState

const (
	NotBuffer      = memgrid.NotBuffer
	NegativeBuffer = memgrid.NegativeBuffer
	PositiveBuffer = memgrid.PositiveBuffer
)

// Editor wraps a voxelgrid.MultiLODEditor with the per-axis buffer
// classification for the TLC it edits, so callers can tell whether they
// are touching the preload ring.
type Editor struct {
	voxelgrid.MultiLODEditor
	BufferState [3]BufferChunkState
}

// World owns the voxel memory grid, the camera's current voxel position,
// and the chunk edge length the grid was built with.
type World struct {
	grid        *voxelgrid.VoxelMemoryGrid
	cameraVoxel coord.VoxelPos
	chunkSize   int32
}

// New constructs a World around an already-allocated grid, with the
// camera starting at cameraVoxel.
func New(grid *voxelgrid.VoxelMemoryGrid, cameraVoxel coord.VoxelPos) *World {
	return &World{grid: grid, cameraVoxel: cameraVoxel, chunkSize: grid.ChunkSize()}
}

// Grid returns the underlying voxel memory grid.
func (w *World) Grid() *voxelgrid.VoxelMemoryGrid { return w.grid }

// CameraVoxel returns the camera's current tracked voxel position.
func (w *World) CameraVoxel() coord.VoxelPos { return w.cameraVoxel }

// CameraTLC returns the TLC currently containing the camera.
func (w *World) CameraTLC() coord.TlcPos {
	return coord.TlcOf(w.cameraVoxel, w.chunkSize)
}

// MoveCamera advances the tracked camera position, shifts every layer to
// keep it centered, and enqueues the resulting load requests on ld. On
// return, every newly vacated slot is Loading and no slot is in an
// inconsistent state.
func (w *World) MoveCamera(newCameraVoxel coord.VoxelPos, ld *loader.ChunkLoader[voxelgrid.VoxelTLC]) {
	w.cameraVoxel = newCameraVoxel
	cameraTLC := w.CameraTLC()

	for layerIndex, reqs := range w.grid.ShiftAll(cameraTLC) {
		ld.Enqueue(layerIndex, reqs)
	}
}

// EditChunk returns a composite multi-LOD editor for tlc, plus the
// per-axis buffer classification computed from layer 0 (the finest LOD,
// which drives the render area the player actually sees).
func (w *World) EditChunk(tlc coord.TlcPos) (Editor, bool) {
	multi, ok := w.grid.EditChunk(tlc)
	if !ok {
		return Editor{}, false
	}
	states, _ := w.grid.Layer(0).Classify(tlc)
	return Editor{MultiLODEditor: multi, BufferState: states}, true
}
