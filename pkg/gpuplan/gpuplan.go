// Package gpuplan turns a layer's accumulated dirty byte ranges into a
// minimal, sorted list of GPU copy regions each frame. It is grounded on
// the teacher's ChunkBufferManager.AddChunk/RemoveChunk pattern of issuing
// one UpdateSubData call per affected byte range, generalized here from
// "one chunk's worth of sub-data calls" to "a coalesced list of byte
// ranges spanning however many chunks changed this frame".
package gpuplan

import (
	"sort"

	"github.com/calvinhirsch/ox/pkg/memgrid"
)

// CopyRegion is one contiguous span to copy from the CPU mirror buffer to
// the GPU buffer. Since a ring-buffer slot occupies the same address on
// both sides, SourceOffset and DestOffset always coincide in this engine;
// both are carried so a future GPU mirror with a different layout is not
// precluded.
type CopyRegion struct {
	SourceOffset int
	DestOffset   int
	Length       int
}

// MergeThreshold is the maximum gap, in bytes, between two adjacent sorted
// ranges that still get coalesced into a single copy region. Small gaps
// are merged to keep the descriptor count (and therefore the number of
// glBufferSubData-equivalent calls) down even at the cost of a few wasted
// bytes of copy.
const MergeThreshold = 64

// Plan sorts and coalesces raw dirty ranges drained from one
// memgrid.MemoryGridLayer into a minimal list of copy regions.
func Plan(ranges []memgrid.ByteRange) []CopyRegion {
	if len(ranges) == 0 {
		return nil
	}

	sorted := make([]memgrid.ByteRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	regions := make([]CopyRegion, 0, len(sorted))
	cur := CopyRegion{SourceOffset: sorted[0].Offset, DestOffset: sorted[0].Offset, Length: sorted[0].Length}
	for _, r := range sorted[1:] {
		curEnd := cur.SourceOffset + cur.Length
		gap := r.Offset - curEnd
		if gap <= MergeThreshold {
			end := r.Offset + r.Length
			if end > curEnd {
				cur.Length = end - cur.SourceOffset
			}
			continue
		}
		regions = append(regions, cur)
		cur = CopyRegion{SourceOffset: r.Offset, DestOffset: r.Offset, Length: r.Length}
	}
	regions = append(regions, cur)
	return regions
}
