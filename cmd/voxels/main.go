package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"runtime"
	"time"

	"github.com/calvinhirsch/ox/pkg/coord"
	"github.com/calvinhirsch/ox/pkg/gpumirror"
	"github.com/calvinhirsch/ox/pkg/loader"
	"github.com/calvinhirsch/ox/pkg/render"
	"github.com/calvinhirsch/ox/pkg/voxelgrid"
	"github.com/calvinhirsch/ox/pkg/voxeltype"
	"github.com/calvinhirsch/ox/pkg/world"
	"openglhelper"
)

func init() {
	// This is needed to ensure that OpenGL functions are called from the same thread
	runtime.LockOSThread()

	rand.Seed(time.Now().UnixNano())
}

func main() {
	fmt.Println("Starting Ox...")

	chunkSize := flag.Int("chunksize", 16, "TLC edge length in voxels")
	renderArea := flag.Int("renderarea", 11, "render area edge length in chunks for LOD 0 (must be odd)")
	lod1RenderArea := flag.Int("lod1renderarea", 5, "render area edge length in chunks for LOD 1 (must be odd)")
	workers := flag.Int("workers", 4, "chunk loader worker count")
	flag.Parse()

	lods := []voxelgrid.LODParams{
		{Level: 0, VoxelResolution: 1, RenderAreaSize: int32(*renderArea), BitmaskBinding: 0, VoxelIDsBinding: 1},
		{Level: 1, VoxelResolution: 4, RenderAreaSize: int32(*lod1RenderArea), BitmaskBinding: 2, VoxelIDsBinding: -1},
	}

	grid, rc, err := voxelgrid.NewVoxelMemoryGrid(lods, int32(*chunkSize), coord.TlcPos{})
	if err != nil {
		log.Fatalf("Failed to build voxel memory grid: %v", err)
	}
	// Demonstrates the clean persistence drop point §6 leaves open; this
	// binary has no on-disk format to write, so it only logs.
	for i := range lods {
		grid.SetUnloadFunc(i, func(tlc coord.TlcPos, payload voxelgrid.VoxelTLC) {
			log.Printf("unloaded tlc=%+v", tlc)
		})
	}

	registry := voxeltype.NewRegistry([]voxeltype.Definition{
		{ID: 1, Name: "stone", Attributes: voxeltype.Attributes{Material: "rock", IsVisible: true}},
		{ID: 2, Name: "dirt", Attributes: voxeltype.Attributes{Material: "soil", IsVisible: true}},
	})

	ld, err := loader.New[voxelgrid.VoxelTLC](*workers, 64, flatGroundGenerator(registry, int32(*chunkSize), grid.LargestLOD()))
	if err != nil {
		log.Fatalf("Failed to start chunk loader: %v", err)
	}
	defer ld.Close()

	w := world.New(grid, coord.VoxelPos{})
	for layerIndex, reqs := range grid.InitialLoadRequests() {
		ld.Enqueue(layerIndex, reqs)
	}

	window, err := openglhelper.NewWindow(1280, 720, "Ox", true)
	if err != nil {
		log.Fatalf("Failed to create window: %v", err)
	}
	defer window.Close()

	mirror, err := gpumirror.NewOpenGLMirror(render.BufferSpecsFor(rc))
	if err != nil {
		log.Fatalf("Failed to allocate GPU mirror buffers: %v", err)
	}
	defer mirror.Close()

	renderer, err := render.New(window, rc, mirror)
	if err != nil {
		log.Fatalf("Failed to initialize renderer: %v", err)
	}
	defer renderer.Close()

	runLoop(window, renderer, w, ld)
}

// runLoop drives the camera/load/render cycle until the window closes.
func runLoop(window *openglhelper.Window, renderer *render.Renderer, w *world.World, ld *loader.ChunkLoader[voxelgrid.VoxelTLC]) {
	lastFrame := time.Now()
	var frameCount int
	lastStatsTime := time.Now()

	for !window.ShouldClose() {
		now := time.Now()
		deltaTime := float32(now.Sub(lastFrame).Seconds())
		lastFrame = now

		pos := renderer.Camera().Position()
		w.MoveCamera(coord.VoxelPos{
			X: int32(pos.X()),
			Y: int32(pos.Y()),
			Z: int32(pos.Z()),
		}, ld)

		if err := renderer.Frame(w, ld, deltaTime); err != nil {
			log.Printf("frame error: %v", err)
		}

		frameCount++
		if time.Since(lastStatsTime) >= time.Second {
			fmt.Printf("FPS: %d, pending loads: %d, in flight: %d\n", frameCount, ld.Pending(), ld.InFlight())
			lastStatsTime = time.Now()
			frameCount = 0
		}
	}
}

// flatGroundGenerator returns a loader.LoadFunc standing in for the
// spec's user-supplied terrain generator: a flat ground plane with a
// stone base and a dirt surface layer, just enough to exercise the full
// load -> reinstate -> mark-dirty -> mirror -> present pipeline.
func flatGroundGenerator(registry *voxeltype.Registry, chunkSize int32, largestLOD int) loader.LoadFunc[voxelgrid.VoxelTLC] {
	stone := idByName(registry, "stone")
	dirt := idByName(registry, "dirt")

	gen := func(tlc coord.TlcPos, lvl, sublvl int, outIDs []byte, _ int32, largestLOD int) {
		gridSize := cubeRoot(len(outIDs))
		if gridSize == 0 {
			return
		}
		cellSize := chunkSize / gridSize
		const groundHeight = 8

		for x := int32(0); x < gridSize; x++ {
			for z := int32(0); z < gridSize; z++ {
				for y := int32(0); y < gridSize; y++ {
					worldY := tlc.Y*chunkSize + y*cellSize
					idx := (coord.VoxelPosInLOD{X: x, Y: y, Z: z}).Index(gridSize, largestLOD)

					switch {
					case worldY < groundHeight-1 && registry.IsVisible(stone):
						outIDs[idx] = byte(stone)
					case worldY < groundHeight && registry.IsVisible(dirt):
						outIDs[idx] = byte(dirt)
					default:
						outIDs[idx] = byte(voxeltype.Empty)
					}
				}
			}
		}
	}

	return func(tlc coord.TlcPos, payload *voxelgrid.VoxelTLC, layerIndex int, metadata any) {
		payload.LoadNew(tlc, gen, chunkSize, largestLOD)
	}
}

// idByName finds the voxel type ID registered under name, or voxeltype.Empty
// if none matches.
func idByName(registry *voxeltype.Registry, name string) voxeltype.ID {
	for id := 0; id < 256; id++ {
		def := registry.Lookup(voxeltype.ID(id))
		if def.Name == name {
			return def.ID
		}
	}
	return voxeltype.Empty
}

// cubeRoot returns the integer edge length of a cube with volume n,
// recovering gridSize from len(outIDs) since Generator is not itself
// handed the LOD's resolution.
func cubeRoot(n int) int32 {
	if n <= 0 {
		return 0
	}
	return int32(math.Round(math.Cbrt(float64(n))))
}
