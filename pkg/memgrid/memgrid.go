// Package memgrid implements MemoryGridLayer[T], the generic camera-centered
// ring buffer at the core of the engine: a fixed D^3 array of TLC-sized
// payload slots, addressed by independent per-axis modular offsets so that a
// camera-follow shift never requires copying slot contents.
//
// It is grounded on the teacher's chunk ownership-handoff shape
// (pkg/game/chunk_manager.go's map+mutex+channel dance between the render
// thread and a background worker) generalized from an unbounded map to a
// fixed-size ring buffer with explicit slot states.
package memgrid

import (
	"fmt"
	"sync"

	"github.com/calvinhirsch/ox/pkg/coord"
)

// SlotState is the residency state of one ring-buffer slot.
type SlotState int

const (
	// Resident means the slot holds valid, readable content.
	Resident SlotState = iota
	// Loading means the slot holds no valid content: it is either waiting
	// to be taken by the ChunkLoader or its payload has already been taken.
	// The slot's in-grid position is reserved but must not be read by
	// renderers.
	Loading
)

func (s SlotState) String() string {
	switch s {
	case Resident:
		return "Resident"
	case Loading:
		return "Loading"
	default:
		return "Unknown"
	}
}

// BufferChunkState classifies a slot relative to the effective render area:
// the single extra ring of slack (D = renderAreaSize+1) sits on one side of
// the centered render window at a time, trailing or leading depending on
// which direction the layer last shifted.
type BufferChunkState int

const (
	NotBuffer BufferChunkState = iota
	NegativeBuffer
	PositiveBuffer
)

// ByteRange is a (offset, length) span of a layer's flat CPU byte buffer
// that must be copied to the GPU mirror before the next compute dispatch.
type ByteRange struct {
	Offset int
	Length int
}

// LoadRequest is produced by a Shift (or by a caller asking to reload a
// single TLC) and consumed by a ChunkLoader.
type LoadRequest struct {
	TLC        coord.TlcPos
	LayerIndex int
}

// Taken is an owned payload handed to the ChunkLoader. The loader mutates it
// off the hot path and hands it back via ReturnFromLoading.
type Taken[T any] struct {
	TLC     coord.TlcPos
	Payload T
}

type slot[T any] struct {
	state   SlotState
	taken   bool // payload handed out by TakeForLoading, not yet returned
	payload T
}

// MemoryGridLayer is a D^3 ring buffer of TLC-sized payloads of type T. D is
// renderAreaSize+1; renderAreaSize must be odd (§3 invariant).
//
// T carries no method-set constraint: the "narrow capability interface"
// the spec allows as a fallback for languages without generics is realized
// here as a constructor-supplied factory function (newEmpty) plus a fixed
// per-slot byte size (chunkByteSize) rather than an interface requirement,
// since a function value is the narrowest possible capability and Go
// generics make the interface-based version unnecessary ceremony for a
// single factory method.
type MemoryGridLayer[T any] struct {
	mu sync.RWMutex

	d             int32
	renderAreaSize int32
	chunkByteSize int
	layerIndex    int

	originTLC  coord.TlcPos
	originMod  [3]int32
	bufferSide [3]int32 // +1 or -1 per axis

	slots []slot[T]

	dirtyChunks map[int]bool        // slot index -> whole-slot dirty
	dirtyRanges map[int][]ByteRange // slot index -> fine-grained ranges

	newEmpty func(slotIndex int) T
	onUnload UnloadFunc[T]
}

// UnloadFunc is the optional, symmetric counterpart to a ChunkLoader's
// LoadFunc: invoked synchronously from Shift, with the layer's lock held,
// when a Resident slot's payload is about to be discarded by a shift —
// giving a clean persistence drop point (§6) before the slot's storage is
// reused. Slots that were Loading (never became Resident) when vacated are
// not passed through it — there is no completed payload yet to persist.
// Because the layer's lock is held, an UnloadFunc must not call back into
// the same MemoryGridLayer.
type UnloadFunc[T any] func(tlc coord.TlcPos, payload T)

// New constructs a layer. renderAreaSize must be odd and positive, or
// ConfigurationInvalid is returned (§7).
//
// cameraTLC is the TLC the camera occupies at construction time; it lands
// on the center slot (delta renderAreaSize/2 from the origin corner on
// every axis), exactly as every later Shift keeps it centered (§3/§8
// invariant 2) — the origin corner itself is never a caller-visible
// concept.
//
// newEmpty is handed the physical slot index it is initializing (not a
// TLC — the slot's logical TLC changes as the ring shifts, its physical
// index never does). Implementations backed by a single flat CPU mirror
// buffer per layer (see flatLayerBuffers in pkg/voxelgrid) use the index to slice into the
// right offset instead of allocating independently per slot; simple
// in-memory payload types can ignore it.
func New[T any](layerIndex int, renderAreaSize int32, chunkByteSize int, cameraTLC coord.TlcPos, newEmpty func(slotIndex int) T) (*MemoryGridLayer[T], error) {
	if renderAreaSize <= 0 || renderAreaSize%2 == 0 {
		return nil, fmt.Errorf("%w: renderAreaSize must be odd and positive, got %d", ErrConfigurationInvalid, renderAreaSize)
	}
	if chunkByteSize <= 0 {
		return nil, fmt.Errorf("%w: chunkByteSize must be positive, got %d", ErrConfigurationInvalid, chunkByteSize)
	}
	d := renderAreaSize + 1
	total := int64(d) * int64(d) * int64(d)
	if total*int64(chunkByteSize) <= 0 || total > (1<<31) {
		return nil, fmt.Errorf("%w: D^3 * chunkByteSize overflows", ErrConfigurationInvalid)
	}

	centerOffset := renderAreaSize / 2
	originTLC := coord.TlcPos{
		X: cameraTLC.X - centerOffset,
		Y: cameraTLC.Y - centerOffset,
		Z: cameraTLC.Z - centerOffset,
	}

	l := &MemoryGridLayer[T]{
		d:              d,
		renderAreaSize: renderAreaSize,
		chunkByteSize:  chunkByteSize,
		layerIndex:     layerIndex,
		originTLC:      originTLC,
		bufferSide:     [3]int32{1, 1, 1},
		slots:          make([]slot[T], total),
		dirtyChunks:    make(map[int]bool),
		dirtyRanges:    make(map[int][]ByteRange),
		newEmpty:       newEmpty,
	}
	for i := range l.slots {
		l.slots[i] = slot[T]{state: Loading, payload: newEmpty(i)}
	}
	return l, nil
}

// D returns the ring buffer's per-axis slot count (renderAreaSize + 1).
func (l *MemoryGridLayer[T]) D() int32 { return l.d }

// SetUnloadFunc installs the optional drop point invoked when a Resident
// slot's payload is discarded by a shift. Not required: a layer with no
// unload func simply discards the payload, as the distilled spec allows.
func (l *MemoryGridLayer[T]) SetUnloadFunc(fn UnloadFunc[T]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onUnload = fn
}

// InitialLoadRequests returns one LoadRequest per slot, for every TLC the
// freshly constructed grid covers. The constructor itself only marks
// every slot Loading; it does not know about a ChunkLoader to enqueue
// into, so callers are expected to feed this list to one before the first
// Sync.
func (l *MemoryGridLayer[T]) InitialLoadRequests() []LoadRequest {
	l.mu.RLock()
	defer l.mu.RUnlock()

	reqs := make([]LoadRequest, 0, len(l.slots))
	var dx, dy, dz int32
	for dx = 0; dx < l.d; dx++ {
		for dy = 0; dy < l.d; dy++ {
			for dz = 0; dz < l.d; dz++ {
				reqs = append(reqs, LoadRequest{
					TLC:        coord.TlcPos{X: l.originTLC.X + dx, Y: l.originTLC.Y + dy, Z: l.originTLC.Z + dz},
					LayerIndex: l.layerIndex,
				})
			}
		}
	}
	return reqs
}

// ChunkByteSize returns the fixed byte size of one slot's payload.
func (l *MemoryGridLayer[T]) ChunkByteSize() int { return l.chunkByteSize }

// OriginTLC returns the TLC at the grid's minimum corner.
func (l *MemoryGridLayer[T]) OriginTLC() coord.TlcPos {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.originTLC
}

func axis(p coord.TlcPos, i int) int32 {
	switch i {
	case 0:
		return p.X
	case 1:
		return p.Y
	default:
		return p.Z
	}
}

func floorMod(a, d int32) int32 {
	m := a % d
	if m < 0 {
		m += d
	}
	return m
}

// delta reports whether tlc currently falls within the D^3 cube and, if
// so, its per-axis delta from the origin corner.
func (l *MemoryGridLayer[T]) delta(tlc coord.TlcPos) (dx, dy, dz int32, ok bool) {
	dx = tlc.X - l.originTLC.X
	dy = tlc.Y - l.originTLC.Y
	dz = tlc.Z - l.originTLC.Z
	ok = dx >= 0 && dx < l.d && dy >= 0 && dy < l.d && dz >= 0 && dz < l.d
	return
}

// flatIndex maps deltas to the physical slot index, honoring the
// independent per-axis modular offsets that let shifts avoid copying.
func (l *MemoryGridLayer[T]) flatIndex(dx, dy, dz int32) int {
	ix := floorMod(dx+l.originMod[0], l.d)
	iy := floorMod(dy+l.originMod[1], l.d)
	iz := floorMod(dz+l.originMod[2], l.d)
	return int((iy*l.d+ix)*l.d + iz)
}

func (l *MemoryGridLayer[T]) slotIndex(tlc coord.TlcPos) (int, bool) {
	dx, dy, dz, ok := l.delta(tlc)
	if !ok {
		return 0, false
	}
	return l.flatIndex(dx, dy, dz), true
}

// classifyLocked computes the per-axis buffer classification for a delta
// triple. Caller must hold l.mu (either lock).
func (l *MemoryGridLayer[T]) classifyLocked(dx, dy, dz int32) [3]BufferChunkState {
	var states [3]BufferChunkState
	deltas := [3]int32{dx, dy, dz}
	for i := 0; i < 3; i++ {
		switch {
		case l.bufferSide[i] == 1 && deltas[i] == l.d-1:
			states[i] = PositiveBuffer
		case l.bufferSide[i] == -1 && deltas[i] == 0:
			states[i] = NegativeBuffer
		default:
			states[i] = NotBuffer
		}
	}
	return states
}

// Classify reports, per axis, whether tlc currently sits in the single
// slack ring beyond the effective render area, and on which side.
func (l *MemoryGridLayer[T]) Classify(tlc coord.TlcPos) (states [3]BufferChunkState, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	dx, dy, dz, within := l.delta(tlc)
	if !within {
		return states, false
	}
	return l.classifyLocked(dx, dy, dz), true
}

// TriState is the three-way slot state the spec describes: Resident,
// Loading, or Preload (resident but outside the effective render area —
// eligible to become Resident on the next shift). Internally the layer
// only tracks the Resident/Loading ownership bit; Preload is a derived
// geometric classification layered on top of it.
type TriState int

const (
	TriResident TriState = iota
	TriLoading
	TriPreload
)

// StateAt reports the three-way slot state for tlc.
func (l *MemoryGridLayer[T]) StateAt(tlc coord.TlcPos) (TriState, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	dx, dy, dz, within := l.delta(tlc)
	if !within {
		return 0, false
	}
	idx := l.flatIndex(dx, dy, dz)
	if l.slots[idx].state == Loading {
		return TriLoading, true
	}
	for _, s := range l.classifyLocked(dx, dy, dz) {
		if s != NotBuffer {
			return TriPreload, true
		}
	}
	return TriResident, true
}

// EditChunk returns a borrowed editor iff tlc is Resident (not Loading) and
// within the grid. Side effect (§4.1): marks the slot dirty in the
// chunk-granular dirty bitmap, in addition to whatever fine-grained ranges
// the editor itself records for the bytes it actually touches — so a
// caller that mutates through Editor.Payload() directly, skipping
// MarkDirty, still can't escape dirty tracking; the whole slot is already
// covered the moment the editor was handed out.
func (l *MemoryGridLayer[T]) EditChunk(tlc coord.TlcPos) (*Editor[T], bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.slotIndex(tlc)
	if !ok || l.slots[idx].state != Resident {
		return nil, false
	}
	l.dirtyChunks[idx] = true
	return &Editor[T]{layer: l, slotIdx: idx}, true
}

// TakeForLoading atomically hands a slot's payload to the caller (typically
// a ChunkLoader) to mutate off the hot path, leaving the slot Loading. It
// accepts a Resident slot (a reload) or a Loading slot that is still
// waiting for its load (freshly constructed or admitted by a shift). Fails
// if the slot's payload has already been taken and not yet returned, or
// tlc is outside the grid.
func (l *MemoryGridLayer[T]) TakeForLoading(tlc coord.TlcPos) (Taken[T], bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.slotIndex(tlc)
	if !ok || l.slots[idx].taken {
		return Taken[T]{}, false
	}
	payload := l.slots[idx].payload
	l.slots[idx] = slot[T]{state: Loading, taken: true, payload: l.newEmpty(idx)}
	return Taken[T]{TLC: tlc, Payload: payload}, true
}

// ReturnFromLoading atomically transitions Loading -> Resident for the
// given TLC, reinstating the payload and appending a full-chunk dirty
// range. If the slot no longer logically holds tlc (it was shifted away
// and re-requested for a different TLC while this completion was in
// flight), the result is discarded and false is returned — this is the
// chosen resolution of the "discarded-plane slot still Loading" open
// question (see DESIGN.md).
func (l *MemoryGridLayer[T]) ReturnFromLoading(taken Taken[T]) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.slotIndex(taken.TLC)
	if !ok {
		return false
	}
	l.slots[idx] = slot[T]{state: Resident, payload: taken.Payload}
	l.dirtyChunks[idx] = true
	return true
}

// Shift relocates the layer so cameraTLC once again sits on the center
// slot, one TLC at a time per axis, vacating the trailing plane on each
// step and admitting a new one, and returns every LoadRequest produced
// along the way. Performing the shift incrementally (rather than jumping
// directly to the final delta) keeps every intermediate state consistent
// with the invariants even when cameraTLC is many TLCs away — including a
// full-grid reload when the camera moves more than S*D in one frame.
func (l *MemoryGridLayer[T]) Shift(cameraTLC coord.TlcPos) []LoadRequest {
	l.mu.Lock()
	defer l.mu.Unlock()

	centerOffset := l.renderAreaSize / 2
	newOrigin := coord.TlcPos{
		X: cameraTLC.X - centerOffset,
		Y: cameraTLC.Y - centerOffset,
		Z: cameraTLC.Z - centerOffset,
	}

	var requests []LoadRequest
	targets := [3]int32{newOrigin.X, newOrigin.Y, newOrigin.Z}
	for a := 0; a < 3; a++ {
		for axis(l.originTLC, a) != targets[a] {
			dir := int32(1)
			if targets[a] < axis(l.originTLC, a) {
				dir = -1
			}
			requests = append(requests, l.shiftOnce(a, dir)...)
		}
	}
	return requests
}

// shiftOnce moves the origin by one TLC along axis a in direction dir
// (+1 or -1), vacating the trailing D^2 plane and enqueuing load requests
// for the newly admitted plane. Caller holds l.mu.
func (l *MemoryGridLayer[T]) shiftOnce(a int, dir int32) []LoadRequest {
	d := l.d
	var vacatedAxisDelta int32
	if dir == 1 {
		vacatedAxisDelta = 0
	} else {
		vacatedAxisDelta = d - 1
	}

	requests := make([]LoadRequest, 0, d*d)
	var o1, o2 int32
	for o1 = 0; o1 < d; o1++ {
		for o2 = 0; o2 < d; o2++ {
			var dx, dy, dz int32
			switch a {
			case 0:
				dx, dy, dz = vacatedAxisDelta, o1, o2
			case 1:
				dx, dy, dz = o1, vacatedAxisDelta, o2
			default:
				dx, dy, dz = o1, o2, vacatedAxisDelta
			}
			idx := l.flatIndex(dx, dy, dz)
			old := l.slots[idx]
			l.slots[idx] = slot[T]{state: Loading, payload: l.newEmpty(idx)}
			delete(l.dirtyChunks, idx)
			delete(l.dirtyRanges, idx)

			vacatedTLC := l.originTLC
			vacatedTLC.X += dx
			vacatedTLC.Y += dy
			vacatedTLC.Z += dz
			if old.state == Resident && l.onUnload != nil {
				l.onUnload(vacatedTLC, old.payload)
			}
			newTLC := vacatedTLC
			// The plane currently at this ring address is being reassigned
			// along axis a to the TLC D steps past the old origin (dir=+1,
			// the new far edge) or 1 step before it (dir=-1, which is the
			// new origin).
			switch a {
			case 0:
				if dir == 1 {
					newTLC.X = l.originTLC.X + d
				} else {
					newTLC.X = l.originTLC.X - 1
				}
			case 1:
				if dir == 1 {
					newTLC.Y = l.originTLC.Y + d
				} else {
					newTLC.Y = l.originTLC.Y - 1
				}
			default:
				if dir == 1 {
					newTLC.Z = l.originTLC.Z + d
				} else {
					newTLC.Z = l.originTLC.Z - 1
				}
			}
			requests = append(requests, LoadRequest{TLC: newTLC, LayerIndex: l.layerIndex})
		}
	}

	l.originMod[a] = floorMod(l.originMod[a]+dir, d)
	switch a {
	case 0:
		l.originTLC.X += dir
	case 1:
		l.originTLC.Y += dir
	default:
		l.originTLC.Z += dir
	}
	l.bufferSide[a] = dir

	return requests
}

// DrainDirtyRegions returns and clears every accumulated dirty byte range
// for this layer (both whole-slot entries from shifts/reinstatement and
// fine-grained entries from editors), expressed as absolute byte offsets
// into the layer's flat CPU buffer. The GPU Update Planner (pkg/gpuplan)
// sorts and coalesces these across a frame.
func (l *MemoryGridLayer[T]) DrainDirtyRegions() []ByteRange {
	l.mu.Lock()
	defer l.mu.Unlock()

	regions := make([]ByteRange, 0, len(l.dirtyChunks)+len(l.dirtyRanges))
	for idx := range l.dirtyChunks {
		regions = append(regions, ByteRange{Offset: idx * l.chunkByteSize, Length: l.chunkByteSize})
	}
	for _, ranges := range l.dirtyRanges {
		regions = append(regions, ranges...)
	}
	l.dirtyChunks = make(map[int]bool)
	l.dirtyRanges = make(map[int][]ByteRange)
	return regions
}

// markDirty records a fine-grained dirty range relative to slotIdx's base
// offset. Called by Editor; caller must hold l.mu.
func (l *MemoryGridLayer[T]) markDirty(slotIdx, offsetInSlot, length int) {
	base := slotIdx * l.chunkByteSize
	l.dirtyRanges[slotIdx] = append(l.dirtyRanges[slotIdx], ByteRange{Offset: base + offsetInSlot, Length: length})
}

// Editor is a borrowed, non-owning view into one Resident slot's payload.
// It exists only for the duration of the EditChunk call that produced it.
type Editor[T any] struct {
	layer   *MemoryGridLayer[T]
	slotIdx int
}

// Payload returns a pointer to the slot's live payload for direct mutation.
func (e *Editor[T]) Payload() *T {
	return &e.layer.slots[e.slotIdx].payload
}

// MarkDirty records that offsetInSlot..offsetInSlot+length of this slot's
// byte buffer changed (§3 invariant 5: Dirty superset of Mutated).
func (e *Editor[T]) MarkDirty(offsetInSlot, length int) {
	e.layer.mu.Lock()
	defer e.layer.mu.Unlock()
	e.layer.markDirty(e.slotIdx, offsetInSlot, length)
}
