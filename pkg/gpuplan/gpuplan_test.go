package gpuplan

import (
	"testing"

	"github.com/calvinhirsch/ox/pkg/memgrid"
)

func TestPlanEmpty(t *testing.T) {
	if got := Plan(nil); got != nil {
		t.Fatalf("Plan(nil) = %v, want nil", got)
	}
}

func TestPlanCoalescesAdjacent(t *testing.T) {
	ranges := []memgrid.ByteRange{
		{Offset: 100, Length: 10},
		{Offset: 0, Length: 16},
		{Offset: 16, Length: 16},
	}
	regions := Plan(ranges)
	if len(regions) != 2 {
		t.Fatalf("regions = %+v, want 2 merged regions", regions)
	}
	if regions[0].SourceOffset != 0 || regions[0].Length != 32 {
		t.Fatalf("first region = %+v, want offset 0 length 32", regions[0])
	}
	if regions[1].SourceOffset != 100 || regions[1].Length != 10 {
		t.Fatalf("second region = %+v, want offset 100 length 10", regions[1])
	}
}

func TestPlanMergesSmallGap(t *testing.T) {
	ranges := []memgrid.ByteRange{
		{Offset: 0, Length: 8},
		{Offset: 8 + MergeThreshold, Length: 8},
	}
	regions := Plan(ranges)
	if len(regions) != 1 {
		t.Fatalf("regions = %+v, want a single merged region across the small gap", regions)
	}
}

func TestPlanKeepsLargeGapSeparate(t *testing.T) {
	ranges := []memgrid.ByteRange{
		{Offset: 0, Length: 8},
		{Offset: 8 + MergeThreshold + 1, Length: 8},
	}
	regions := Plan(ranges)
	if len(regions) != 2 {
		t.Fatalf("regions = %+v, want two distinct regions", regions)
	}
}

func TestPlanHandlesOverlap(t *testing.T) {
	ranges := []memgrid.ByteRange{
		{Offset: 0, Length: 20},
		{Offset: 10, Length: 20},
	}
	regions := Plan(ranges)
	if len(regions) != 1 || regions[0].Length != 30 {
		t.Fatalf("regions = %+v, want one region of length 30", regions)
	}
}
