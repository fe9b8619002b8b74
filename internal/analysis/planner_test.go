package analysis

import (
	"reflect"
	"testing"
)

func TestBuildSampleIndices_Deterministic(t *testing.T) {
	t.Parallel()

	first := BuildSampleIndices(100000, 500)
	second := BuildSampleIndices(100000, 500)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("planner output differs across runs")
	}
}

func TestBuildSampleIndices_BoundsAndGaps(t *testing.T) {
	t.Parallel()

	cases := []struct {
		totalLines int
		minGap     int
	}{
		{10, 3},
		{1000, 100},
		{54321, 999},
		{2, 1},
	}
	for _, tc := range cases {
		indices := BuildSampleIndices(tc.totalLines, tc.minGap)
		if len(indices) == 0 {
			t.Fatalf("no indices for %+v", tc)
		}
		if indices[0] != 0 {
			t.Fatalf("first index = %d, want 0 (%+v)", indices[0], tc)
		}
		if got := indices[len(indices)-1]; got != tc.totalLines-1 {
			t.Fatalf("last index = %d, want %d (%+v)", got, tc.totalLines-1, tc)
		}
		for i := 1; i < len(indices); i++ {
			if indices[i] <= indices[i-1] {
				t.Fatalf("indices not strictly increasing at %d (%+v)", i, tc)
			}
			if gap := indices[i] - indices[i-1]; gap > tc.minGap {
				t.Fatalf("gap %d exceeds min_gap %d (%+v)", gap, tc.minGap, tc)
			}
		}
	}
}

func TestBuildSampleIndices_Empty(t *testing.T) {
	t.Parallel()

	if got := BuildSampleIndices(0, 10); got != nil {
		t.Fatalf("expected nil for empty file, got %v", got)
	}
}

func TestPlanBlocks_MergesOverlaps(t *testing.T) {
	t.Parallel()

	// Tiny file relative to block size: everything collapses to one block.
	blocks := PlanBlocks(6, 1000, 1)
	if len(blocks) != 1 {
		t.Fatalf("expected one merged block, got %d", len(blocks))
	}
	if blocks[0].StartLine != 0 || blocks[0].EndLine != 5 {
		t.Fatalf("block = [%d,%d], want [0,5]", blocks[0].StartLine, blocks[0].EndLine)
	}
	if blocks[0].BlockID != 0 {
		t.Fatalf("block id = %d, want 0", blocks[0].BlockID)
	}
}

func TestPlanBlocks_DisjointAndOrdered(t *testing.T) {
	t.Parallel()

	blocks := PlanBlocks(100000, 100, 10000)
	if len(blocks) < 2 {
		t.Fatalf("expected multiple blocks, got %d", len(blocks))
	}
	for i := 1; i < len(blocks); i++ {
		if blocks[i].StartLine <= blocks[i-1].EndLine {
			t.Fatalf("blocks %d and %d overlap", i-1, i)
		}
		if blocks[i].BlockID != i {
			t.Fatalf("block ids not renumbered: %d at position %d", blocks[i].BlockID, i)
		}
	}
}
