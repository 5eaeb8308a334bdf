// Package render owns the GLFW window, the free-fly camera, and the
// OpenGL-backed GPU mirror/compute pipeline that turns a World's dirty
// regions into presented pixels.
//
// Grounded on the teacher's pkg/render package for the window/camera
// composition shape; the buffer and shader wiring is grounded on
// internal/openglhelper's actual exported surface (BufferObject,
// Shader, TripleBuffer's fence pattern) rather than the teacher's own
// renderer.go, whose CreatePersistentBuffer/NewEBO/BytesToUint32 calls
// do not exist anywhere in this package — the ray-marching compute
// shader reading the mirrored buffers directly, rather than a meshed
// vertex/index pipeline, is this engine's actual presentation model.
package render

import (
	"fmt"
	"unsafe"

	"github.com/go-gl/gl/v4.6-core/gl"
	"github.com/go-gl/mathgl/mgl32"

	"openglhelper"

	"github.com/calvinhirsch/ox/pkg/gpumirror"
	"github.com/calvinhirsch/ox/pkg/loader"
	"github.com/calvinhirsch/ox/pkg/voxelgrid"
	"github.com/calvinhirsch/ox/pkg/world"
)

// frameParamsUBOBinding and presentImageUnit are fixed by raymarch.comp's
// own layout qualifiers; they are not configurable per LOD the way the
// bitmask/voxel-id SSBO bindings are.
const (
	frameParamsUBOBinding uint32 = 2
	presentImageUnit      uint32 = 0
)

// frameParams mirrors the std140 layout of FrameParams in raymarch.comp.
// Field order and padding must match the shader exactly.
type frameParams struct {
	sunDir         [4]float32
	startTLC       [4]int32
	timeTicks      float32
	gridSize       int32
	chunkSize      int32
	renderAreaSize int32
}

// Renderer owns the window, camera, the ray-marching compute pass, and
// the fullscreen present pass. It consumes a World through a ChunkLoader
// and a gpumirror.Mirror, which it drives once per frame in the order the
// spec's data flow requires: shift/load sync, drain updates, mirror them,
// dispatch compute, present.
type Renderer struct {
	window *openglhelper.Window
	camera *Camera

	compute *openglhelper.Shader
	present *openglhelper.Shader
	vao     *openglhelper.VertexArrayObject

	frameParamsBuf *openglhelper.BufferObject
	presentTexture uint32

	mirror *gpumirror.OpenGLMirror
	layers []voxelgrid.LayerComponent
	lod0   voxelgrid.LayerComponent

	sunDir mgl32.Vec3
	ticks  float32
}

// New builds the renderer's GPU-side state: the compute/present shader
// programs, the present framebuffer texture, and the frame-params UBO.
// rc describes every LOD layer's buffer sizes/bindings, as returned by
// voxelgrid.NewVoxelMemoryGrid; mirror must have already been built from
// the matching gpumirror.BufferSpec list. raymarch.comp reads layer 0's
// mirror at fixed SSBO bindings 0 (bitmask) and 1 (voxel ids), so the LOD
// passed as rc.Layers[0] must be configured with BitmaskBinding: 0 and
// VoxelIDsBinding: 1 for the compute pass to see the right buffers.
func New(window *openglhelper.Window, rc *voxelgrid.RendererComponent, mirror *gpumirror.OpenGLMirror) (*Renderer, error) {
	if len(rc.Layers) == 0 {
		return nil, fmt.Errorf("render: RendererComponent has no layers")
	}
	lod0 := rc.Layers[0]

	compute, err := openglhelper.LoadComputeShaderFromFile("pkg/render/shaders/raymarch.comp")
	if err != nil {
		return nil, fmt.Errorf("render: compute shader: %w", err)
	}
	present, err := openglhelper.LoadShaderFromFiles("pkg/render/shaders/present.vert", "pkg/render/shaders/present.frag")
	if err != nil {
		return nil, fmt.Errorf("render: present shader: %w", err)
	}

	width, height := window.Size()
	var tex uint32
	gl.GenTextures(1, &tex)
	gl.BindTexture(gl.TEXTURE_2D, tex)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.NEAREST)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.NEAREST)
	gl.TexStorage2D(gl.TEXTURE_2D, 1, gl.RGBA8, int32(width), int32(height))

	paramsBuf := openglhelper.NewBufferObject(gl.UNIFORM_BUFFER, int(unsafe.Sizeof(frameParams{})), nil, openglhelper.DynamicDraw)
	paramsBuf.BindBase(frameParamsUBOBinding)

	vao := openglhelper.NewVAO()

	r := &Renderer{
		window:         window,
		camera:         NewCamera(mgl32.Vec3{0, 0, 0}),
		compute:        compute,
		present:        present,
		vao:            vao,
		frameParamsBuf: paramsBuf,
		presentTexture: tex,
		mirror:         mirror,
		layers:         rc.Layers,
		lod0:           lod0,
		sunDir:         mgl32.Vec3{-0.4, -1, -0.2}.Normalize(),
	}
	r.camera.UpdateProjectionMatrix(width, height)
	return r, nil
}

// Camera exposes the renderer's camera for input handlers to drive.
func (r *Renderer) Camera() *Camera { return r.camera }

// Frame runs exactly one pass of the spec's per-frame data flow: sync the
// loader (reinstating completed chunk loads and admitting newly enqueued
// requests), drain each layer's GPU Update Planner output, apply every
// region to its mirrored buffer, then dispatch the compute pass and
// present it. deltaTime is in seconds.
func (r *Renderer) Frame(w *world.World, ld *loader.ChunkLoader[voxelgrid.VoxelTLC], deltaTime float32) error {
	r.camera.ProcessKeyboardInput(deltaTime, r.window)
	r.ticks += deltaTime

	ld.Sync(w.Grid(), nil)

	for layerIndex, updates := range w.Grid().GetUpdates() {
		lod := w.Grid().LOD(layerIndex)
		layer := r.layers[layerIndex]
		if len(updates.Bitmask) > 0 {
			if err := r.mirror.ApplyRegions(lod.BitmaskBinding, updates.Bitmask, layer.Bitmask); err != nil {
				return fmt.Errorf("render: layer %d bitmask mirror: %w", layerIndex, err)
			}
		}
		if lod.HasVoxelIDs() && len(updates.VoxelIDs) > 0 {
			if err := r.mirror.ApplyRegions(lod.VoxelIDsBinding, updates.VoxelIDs, layer.VoxelIDs); err != nil {
				return fmt.Errorf("render: layer %d voxel-id mirror: %w", layerIndex, err)
			}
		}
	}

	r.updateFrameParams(w)
	r.dispatchCompute()
	r.present2D()

	r.window.SwapBuffers()
	r.window.PollEvents()
	return nil
}

func (r *Renderer) updateFrameParams(w *world.World) {
	// raymarch.comp indexes the bitmask/voxel-id SSBOs with the same
	// originTLC-relative modular arithmetic MemoryGridLayer uses internally,
	// so it needs layer 0's minimum-corner TLC here, not the camera's own
	// (center-slot) TLC.
	origin := w.Grid().OriginTLC(0)
	fp := frameParams{
		sunDir:         [4]float32{r.sunDir.X(), r.sunDir.Y(), r.sunDir.Z(), 0},
		startTLC:       [4]int32{origin.X, origin.Y, origin.Z, 0},
		timeTicks:      r.ticks,
		gridSize:       r.lod0.Params.GridSize(w.Grid().ChunkSize()),
		chunkSize:      w.Grid().ChunkSize(),
		renderAreaSize: r.lod0.Params.RenderAreaSize,
	}
	r.frameParamsBuf.UpdateData(unsafe.Pointer(&fp))
}

func (r *Renderer) dispatchCompute() {
	width, height := r.window.Size()
	gl.BindImageTexture(presentImageUnit, r.presentTexture, 0, false, 0, gl.WRITE_ONLY, gl.RGBA8)
	r.frameParamsBuf.BindBase(frameParamsUBOBinding)

	invViewProj := r.camera.ProjectionMatrix().Mul4(r.camera.ViewMatrix()).Inv()
	r.compute.Use()
	r.compute.SetMat4("invViewProj", invViewProj)
	r.compute.SetVec3("cameraPos", r.camera.Position())

	groupsX := uint32((width + 7) / 8)
	groupsY := uint32((height + 7) / 8)
	r.compute.Dispatch(groupsX, groupsY, 1)
	openglhelper.MemoryBarrier()
}

func (r *Renderer) present2D() {
	width, height := r.window.Size()
	r.window.Clear(mgl32.Vec4{0.02, 0.02, 0.03, 1})
	gl.Viewport(0, 0, int32(width), int32(height))

	r.present.Use()
	gl.ActiveTexture(gl.TEXTURE0)
	gl.BindTexture(gl.TEXTURE_2D, r.presentTexture)
	r.present.SetInt("presentImage", 0)

	r.vao.Bind()
	gl.DrawArrays(gl.TRIANGLES, 0, 3)
	r.vao.Unbind()
}

// Close releases every GPU resource the renderer owns. The mirror and
// the World's chunk loader are owned by the caller and are not touched.
func (r *Renderer) Close() {
	r.compute.Delete()
	r.present.Delete()
	r.vao.Delete()
	r.frameParamsBuf.Delete()
	gl.DeleteTextures(1, &r.presentTexture)
}

// BufferSpecsFor builds the gpumirror.BufferSpec list a Mirror needs to
// allocate, one entry per bitmask/voxel-id sub-buffer across every layer
// rc describes.
func BufferSpecsFor(rc *voxelgrid.RendererComponent) []gpumirror.BufferSpec {
	specs := make([]gpumirror.BufferSpec, 0, len(rc.Layers)*2)
	for _, layer := range rc.Layers {
		specs = append(specs, gpumirror.BufferSpec{Binding: layer.Params.BitmaskBinding, Size: layer.BitmaskBufferSize})
		if layer.Params.HasVoxelIDs() {
			specs = append(specs, gpumirror.BufferSpec{Binding: layer.Params.VoxelIDsBinding, Size: layer.VoxelIDsBufferSize})
		}
	}
	return specs
}
