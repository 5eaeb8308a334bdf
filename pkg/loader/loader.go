// Package loader implements the Chunk Loader: a fixed-size worker pool that
// takes ownership of empty grid slots, runs a user-supplied generator off
// the hot path, and hands completed payloads back for reinstatement.
//
// It is grounded almost directly on the teacher's
// pkg/game/chunk_manager.go worker (chunkWorker/chunkQueue/stopWorker/
// workerStopped), generalized from one hardcoded worker to NThreads workers
// and from "store unconditionally" to "reinstate iff still valid".
package loader

import (
	"fmt"
	"log"
	"sync"

	"github.com/calvinhirsch/ox/pkg/coord"
	"github.com/calvinhirsch/ox/pkg/memgrid"
)

// Grid is the narrow view of a multi-layer memory grid the loader needs:
// access to each layer by index, all sharing the same payload type T.
type Grid[T any] interface {
	Layer(layerIndex int) *memgrid.MemoryGridLayer[T]
	NumLayers() int
}

// LoadFunc is the user-supplied generator invoked for each taken payload,
// off the main goroutine. It must read only tlc/metadata and write only to
// payload.
type LoadFunc[T any] func(tlc coord.TlcPos, payload *T, layerIndex int, metadata any)

type job[T any] struct {
	layerIndex int
	taken      memgrid.Taken[T]
	metadata   any
}

type result[T any] struct {
	layerIndex int
	taken      memgrid.Taken[T]
}

type pendingRequest struct {
	layerIndex int
	tlc        coord.TlcPos
}

// ChunkLoader is a fixed worker pool. Enqueue accepts requests (typically
// produced by a layer Shift); Sync drains completions and admits pending
// requests up to QueueHighWatermark in-flight jobs.
type ChunkLoader[T any] struct {
	nThreads           int
	queueHighWatermark int

	reqCh  chan job[T]
	compCh chan result[T]
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending []pendingRequest
	inFlight int
}

// New starts nThreads worker goroutines, each running loadFn for jobs it
// receives until the loader is closed.
func New[T any](nThreads, queueHighWatermark int, loadFn LoadFunc[T]) (*ChunkLoader[T], error) {
	if nThreads <= 0 {
		return nil, fmt.Errorf("%w: nThreads must be positive, got %d", memgrid.ErrConfigurationInvalid, nThreads)
	}
	if queueHighWatermark <= 0 {
		return nil, fmt.Errorf("%w: queueHighWatermark must be positive, got %d", memgrid.ErrConfigurationInvalid, queueHighWatermark)
	}

	l := &ChunkLoader[T]{
		nThreads:           nThreads,
		queueHighWatermark: queueHighWatermark,
		reqCh:              make(chan job[T], queueHighWatermark),
		compCh:             make(chan result[T], queueHighWatermark),
		stopCh:             make(chan struct{}),
	}

	for i := 0; i < nThreads; i++ {
		l.wg.Add(1)
		go l.workerLoop(i, loadFn)
	}
	return l, nil
}

func (l *ChunkLoader[T]) workerLoop(id int, loadFn LoadFunc[T]) {
	defer l.wg.Done()
	for j := range l.reqCh {
		l.runJob(id, j, loadFn)
	}
}

// runJob executes one job with panic recovery: a generator fault is logged
// (ErrLoaderPanicked), the payload is dropped and the job stops counting as
// in flight, rather than crashing the worker goroutine. The slot stays
// Loading; the loader does not re-request it.
func (l *ChunkLoader[T]) runJob(id int, j job[T], loadFn LoadFunc[T]) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("loader: worker %d: %v: tlc=%+v layer=%d: %v", id, memgrid.ErrLoaderPanicked, j.taken.TLC, j.layerIndex, r)
			l.mu.Lock()
			l.inFlight--
			l.mu.Unlock()
		}
	}()
	loadFn(j.taken.TLC, &j.taken.Payload, j.layerIndex, j.metadata)
	l.compCh <- result[T]{layerIndex: j.layerIndex, taken: j.taken}
}

// Enqueue adds load requests (typically the output of a layer's Shift) to
// the loader's pending FIFO. Never blocks.
func (l *ChunkLoader[T]) Enqueue(layerIndex int, reqs []memgrid.LoadRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range reqs {
		l.pending = append(l.pending, pendingRequest{layerIndex: layerIndex, tlc: r.TLC})
	}
}

// Sync drains completed jobs (reinstating payloads into the grid, or
// discarding them if the TLC they were loaded for is no longer the slot's
// logical position) and then admits pending requests up to
// QueueHighWatermark jobs in flight. Never blocks.
func (l *ChunkLoader[T]) Sync(grid Grid[T], metadata any) {
	l.drainCompletions(grid)
	l.admitPending(grid, metadata)
}

func (l *ChunkLoader[T]) drainCompletions(grid Grid[T]) {
	for {
		select {
		case res := <-l.compCh:
			l.mu.Lock()
			l.inFlight--
			l.mu.Unlock()
			layer := grid.Layer(res.layerIndex)
			if !layer.ReturnFromLoading(res.taken) {
				log.Printf("loader: discarding stale completion for tlc=%+v layer=%d", res.taken.TLC, res.layerIndex)
			}
		default:
			return
		}
	}
}

func (l *ChunkLoader[T]) admitPending(grid Grid[T], metadata any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.inFlight < l.queueHighWatermark && len(l.pending) > 0 {
		req := l.pending[0]
		l.pending = l.pending[1:]

		layer := grid.Layer(req.layerIndex)
		taken, ok := layer.TakeForLoading(req.tlc)
		if !ok {
			// The slot moved again before this request was serviced; drop
			// it rather than retry forever, matching the shift discipline
			// that always re-enqueues the slot's current target.
			continue
		}
		l.inFlight++
		l.reqCh <- job[T]{layerIndex: req.layerIndex, taken: taken, metadata: metadata}
	}
}

// Pending returns the number of requests waiting for a free worker slot.
func (l *ChunkLoader[T]) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// InFlight returns the number of jobs currently taken from the grid and
// either queued for or running on a worker.
func (l *ChunkLoader[T]) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

// Close stops accepting new work and waits for in-flight workers to exit,
// abandoning anything left in the completion channel.
func (l *ChunkLoader[T]) Close() {
	close(l.reqCh)
	l.wg.Wait()
	close(l.compCh)
}
