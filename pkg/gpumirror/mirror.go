// Package gpumirror defines the boundary between the CPU-side memory grid
// and whatever actually owns GPU buffer objects. The core engine depends
// only on the Mirror interface; OpenGLMirror is the one concrete
// implementation shipped alongside it, grounded on the teacher's
// openglhelper buffer primitives.
package gpumirror

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/go-gl/gl/v4.6-core/gl"

	"github.com/calvinhirsch/ox/pkg/gpuplan"
	"openglhelper"
)

// Mirror is the interface the core depends on to push CPU-side dirty
// regions out to GPU-resident buffers. binding identifies one physical
// buffer (a LOD's bitmask buffer or its voxel-id buffer), matching the
// BitmaskBinding/VoxelIDsBinding the caller configured each LOD with.
type Mirror interface {
	ApplyRegions(binding int, regions []gpuplan.CopyRegion, cpuBuffer []byte) error
	BufferSize(binding int) int
}

// BufferSpec describes one GPU-mirrored buffer to allocate: the binding
// index it is addressed by and its fixed byte size (D^3 * bytesPerSlot
// for whichever sub-buffer it backs).
type BufferSpec struct {
	Binding int
	Size    int
}

// OpenGLMirror mirrors each configured binding to its own persistently
// mapped SSBO. Unlike openglhelper.TripleBuffer, it never rotates between
// multiple copies of a buffer: the spec's GPU mirror contract requires
// that a ring-buffer slot occupy the same address in the CPU mirror and
// the GPU buffer (CopyRegion.SourceOffset == DestOffset), which a rotating
// buffer would break. Instead each binding gets one stable persistent
// mapping and one outstanding fence, awaited before the next ApplyRegions
// reuses it — the same gl.FenceSync/gl.ClientWaitSync/gl.DeleteSync
// sequence TripleBuffer uses, without the address rotation.
type OpenGLMirror struct {
	mu      sync.Mutex
	buffers map[int]*openglhelper.BufferObject
	fences  map[int]uintptr
}

// NewOpenGLMirror allocates one persistently mapped SSBO per spec and
// binds each to its configured index.
func NewOpenGLMirror(specs []BufferSpec) (*OpenGLMirror, error) {
	buffers := make(map[int]*openglhelper.BufferObject, len(specs))
	for _, s := range specs {
		if _, exists := buffers[s.Binding]; exists {
			return nil, fmt.Errorf("gpumirror: duplicate binding %d", s.Binding)
		}
		buf, err := openglhelper.NewPersistentBuffer(gl.SHADER_STORAGE_BUFFER, s.Size, false, true)
		if err != nil {
			return nil, fmt.Errorf("gpumirror: binding %d: %w", s.Binding, err)
		}
		buf.BindBase(uint32(s.Binding))
		buffers[s.Binding] = buf
	}
	return &OpenGLMirror{buffers: buffers, fences: make(map[int]uintptr)}, nil
}

// BufferSize returns the byte size allocated for binding, or 0 if unknown.
func (m *OpenGLMirror) BufferSize(binding int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buffers[binding]; ok {
		return b.Size
	}
	return 0
}

// ApplyRegions waits for the GPU to finish consuming binding's previous
// contents, writes every region's bytes into the persistent mapping, and
// fences the write so the next ApplyRegions call (or the renderer's own
// read) knows when it is safe to proceed.
func (m *OpenGLMirror) ApplyRegions(binding int, regions []gpuplan.CopyRegion, cpuBuffer []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.buffers[binding]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownBinding, binding)
	}
	if len(regions) == 0 {
		return nil
	}

	m.waitFenceLocked(binding)

	for _, r := range regions {
		if r.SourceOffset < 0 || r.SourceOffset+r.Length > len(cpuBuffer) ||
			r.DestOffset < 0 || r.DestOffset+r.Length > buf.Size {
			return fmt.Errorf("%w: binding %d region %+v", ErrRegionOutOfBounds, binding, r)
		}
		dst := unsafe.Slice((*byte)(unsafe.Add(buf.MappedPtr, r.DestOffset)), r.Length)
		copy(dst, cpuBuffer[r.SourceOffset:r.SourceOffset+r.Length])
	}

	m.fences[binding] = gl.FenceSync(gl.SYNC_GPU_COMMANDS_COMPLETE, 0)
	return nil
}

// waitFenceLocked waits up to 10ms for binding's outstanding fence (if any)
// to be signaled, then releases it whether or not it was. Caller holds m.mu.
func (m *OpenGLMirror) waitFenceLocked(binding int) {
	sync := m.fences[binding]
	if sync == 0 {
		return
	}
	const timeout uint64 = 10_000_000 // 10ms, matching TripleBuffer.WaitForSync
	gl.ClientWaitSync(sync, gl.SYNC_FLUSH_COMMANDS_BIT, timeout)
	gl.DeleteSync(sync)
	delete(m.fences, binding)
}

// Close releases every buffer and any outstanding fence. Not safe to call
// concurrently with ApplyRegions.
func (m *OpenGLMirror) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for binding, sync := range m.fences {
		if sync != 0 {
			gl.DeleteSync(sync)
		}
		delete(m.fences, binding)
	}
	for binding, buf := range m.buffers {
		buf.Delete()
		delete(m.buffers, binding)
	}
}
