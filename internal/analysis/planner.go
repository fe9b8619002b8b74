// Package analysis implements phase 1: deterministic block sampling, bounded
// block streaming, signature detection and streaming column profiling, plus
// the parallel orchestrator that fans the work out across files.
package analysis

import "sort"

// PlannedBlock is one sampled line range, inclusive on both ends.
type PlannedBlock struct {
	BlockID   int
	StartLine int
	EndLine   int
}

// BuildSampleIndices returns the strictly increasing sample line indices for
// a file of totalLines rows: start with {0, totalLines-1}, then insert
// midpoints into every interval wider than minGap until none remains. The
// result is deterministic for a given (totalLines, minGap).
func BuildSampleIndices(totalLines, minGap int) []int {
	if totalLines <= 0 {
		return nil
	}
	if minGap < 1 {
		minGap = 1
	}
	samples := map[int]struct{}{0: {}}
	samples[maxInt(0, totalLines-1)] = struct{}{}

	changed := true
	for changed {
		changed = false
		ordered := sortedKeys(samples)
		for i := 0; i+1 < len(ordered); i++ {
			left, right := ordered[i], ordered[i+1]
			if right-left > minGap {
				mid := left + (right-left)/2
				if _, ok := samples[mid]; !ok {
					samples[mid] = struct{}{}
					changed = true
				}
			}
		}
	}
	return sortedKeys(samples)
}

// PlanBlocks expands sample indices into blocks of blockSize lines clipped to
// the file, merging blocks that would overlap.
func PlanBlocks(totalLines, blockSize, minGap int) []PlannedBlock {
	if blockSize < 1 {
		blockSize = 1
	}
	indices := BuildSampleIndices(totalLines, minGap)
	if len(indices) == 0 {
		return nil
	}

	planned := make([]PlannedBlock, 0, len(indices))
	for _, idx := range indices {
		start, end := toBlock(idx, totalLines, blockSize)
		planned = append(planned, PlannedBlock{StartLine: start, EndLine: end})
	}
	sort.Slice(planned, func(i, j int) bool { return planned[i].StartLine < planned[j].StartLine })

	// Merge overlapping or touching neighbours, then renumber.
	merged := planned[:0]
	for _, b := range planned {
		if n := len(merged); n > 0 && b.StartLine <= merged[n-1].EndLine+1 {
			if b.EndLine > merged[n-1].EndLine {
				merged[n-1].EndLine = b.EndLine
			}
			continue
		}
		merged = append(merged, b)
	}
	for i := range merged {
		merged[i].BlockID = i
	}
	return merged
}

// toBlock centres a block of blockSize lines on the sampled index, clipped to
// the file bounds.
func toBlock(lineIndex, totalLines, blockSize int) (start, end int) {
	if totalLines < 1 {
		totalLines = 1
	}
	half := blockSize / 2
	start = maxInt(0, lineIndex-half)
	end = minInt(totalLines-1, start+blockSize-1)
	start = maxInt(0, end-blockSize+1)
	return start, end
}

func sortedKeys(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
