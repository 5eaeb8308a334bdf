package loader

import (
	"testing"
	"time"

	"github.com/calvinhirsch/ox/pkg/coord"
	"github.com/calvinhirsch/ox/pkg/memgrid"
)

type testGrid struct {
	layers []*memgrid.MemoryGridLayer[int]
}

func (g *testGrid) Layer(i int) *memgrid.MemoryGridLayer[int] { return g.layers[i] }
func (g *testGrid) NumLayers() int                            { return len(g.layers) }

func newTestGrid(t *testing.T) *testGrid {
	t.Helper()
	l, err := memgrid.New[int](0, 3, 8, coord.TlcPos{}, func(int) int { return 0 })
	if err != nil {
		t.Fatalf("memgrid.New: %v", err)
	}
	return &testGrid{layers: []*memgrid.MemoryGridLayer[int]{l}}
}

// pollUntil polls cond every 2ms up to a deadline, failing the test if the
// condition never becomes true. Mirrors the pack's pattern of driving a
// background worker pool and polling for its externally-visible effect
// rather than synchronizing on internal state.
func pollUntil(t *testing.T, deadline time.Duration, cond func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", deadline)
	}
}

func TestLoaderRoundTripsRequest(t *testing.T) {
	grid := newTestGrid(t)
	var gotTLC coord.TlcPos
	l, err := New[int](2, 8, func(tlc coord.TlcPos, payload *int, layerIndex int, metadata any) {
		gotTLC = tlc
		*payload = 99
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(l.Close)

	tlc := coord.TlcPos{X: 0, Y: 0, Z: 0}
	l.Enqueue(0, []memgrid.LoadRequest{{TLC: tlc, LayerIndex: 0}})
	l.Sync(grid, nil)

	pollUntil(t, time.Second, func() bool {
		l.Sync(grid, nil)
		_, ok := grid.layers[0].EditChunk(tlc)
		return ok
	})

	if gotTLC != tlc {
		t.Fatalf("generator saw tlc %+v, want %+v", gotTLC, tlc)
	}
	ed, ok := grid.layers[0].EditChunk(tlc)
	if !ok {
		t.Fatal("EditChunk should succeed once the loader reinstates the slot")
	}
	if *ed.Payload() != 99 {
		t.Fatalf("payload = %d, want 99", *ed.Payload())
	}
}

func TestLoaderRecoversFromPanickingGenerator(t *testing.T) {
	grid := newTestGrid(t)
	panicTLC := coord.TlcPos{X: 0, Y: 0, Z: 0}
	okTLC := coord.TlcPos{X: 1, Y: 0, Z: 0}

	l, err := New[int](1, 8, func(tlc coord.TlcPos, payload *int, layerIndex int, metadata any) {
		if tlc == panicTLC {
			panic("boom")
		}
		*payload = 7
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(l.Close)

	l.Enqueue(0, []memgrid.LoadRequest{{TLC: panicTLC, LayerIndex: 0}})
	l.Sync(grid, nil)
	pollUntil(t, time.Second, func() bool {
		l.Sync(grid, nil)
		return l.InFlight() == 0
	})

	// The slot is still Loading (nobody reinstated it after the panic).
	if _, ok := grid.layers[0].EditChunk(panicTLC); ok {
		t.Fatal("EditChunk should fail while the slot is still Loading")
	}

	// The worker must still be alive to serve a subsequent request rather
	// than having crashed the whole pool.
	l.Enqueue(0, []memgrid.LoadRequest{{TLC: okTLC, LayerIndex: 0}})
	l.Sync(grid, nil)
	pollUntil(t, time.Second, func() bool {
		l.Sync(grid, nil)
		_, ok := grid.layers[0].EditChunk(okTLC)
		return ok
	})
}

func TestStaleCompletionIsDiscarded(t *testing.T) {
	grid := newTestGrid(t)
	l, err := New[int](1, 8, func(tlc coord.TlcPos, payload *int, layerIndex int, metadata any) {
		*payload = 1
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(l.Close)

	tlc := coord.TlcPos{X: 0, Y: 0, Z: 0}
	l.Enqueue(0, []memgrid.LoadRequest{{TLC: tlc, LayerIndex: 0}})
	l.Sync(grid, nil)

	// Shift the layer away before the generator's completion is drained;
	// the physical slot is immediately re-targeted at a different TLC.
	grid.layers[0].Shift(coord.TlcPos{X: 100, Y: 100, Z: 100})

	pollUntil(t, time.Second, func() bool {
		l.Sync(grid, nil)
		return l.InFlight() == 0 && l.Pending() == 0
	})

	if _, ok := grid.layers[0].EditChunk(tlc); ok {
		t.Fatal("the old TLC should never become Resident again after the slot was reassigned")
	}
}
