package mapping

import (
	"math"
	"sort"

	"uscsv/internal/model"
)

// DetectOffsets derives per-file schema mapping entries from header clusters:
// for every cluster member the target index is the cluster's modal column
// index, and confidence scores the member's profile against the aggregated
// cluster profile.
func DetectOffsets(clusters []model.HeaderCluster, profiles []model.ColumnProfileResult) []model.SchemaMappingEntry {
	profileLookup := map[profileKey]model.ColumnProfileResult{}
	for _, p := range profiles {
		profileLookup[profileKey{p.FileID, p.ColumnIndex}] = p
	}

	var entries []model.SchemaMappingEntry
	for _, cluster := range clusters {
		if len(cluster.Members) == 0 {
			continue
		}
		indexCounts := map[int]int{}
		clusterHist := map[string]int{}
		for _, member := range cluster.Members {
			indexCounts[member.ColumnIndex]++
			for bucket, c := range member.DetectedTypes {
				clusterHist[bucket] += c
			}
		}
		target := modalIndex(indexCounts)

		for _, member := range cluster.Members {
			t := target
			entry := model.SchemaMappingEntry{
				FilePath:      member.FilePath,
				SourceIndex:   member.ColumnIndex,
				CanonicalName: cluster.CanonicalName,
				TargetIndex:   &t,
				Offset:        member.ColumnIndex - target,
			}
			if entry.Offset != 0 {
				entry.OffsetReason = "auto-detected"
			}
			if p, ok := profileLookup[profileKey{member.FilePath, member.ColumnIndex}]; ok {
				conf := typeConfidence(p.TypeHist, clusterHist)
				entry.Confidence = &conf
			} else if entry.Offset != 0 {
				one := 1.0
				entry.Confidence = &one
			}
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].FilePath != entries[j].FilePath {
			return entries[i].FilePath < entries[j].FilePath
		}
		return entries[i].SourceIndex < entries[j].SourceIndex
	})
	return entries
}

type profileKey struct {
	fileID string
	index  int
}

func modalIndex(counts map[int]int) int {
	best, bestCount := 0, -1
	keys := make([]int, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		if counts[k] > bestCount {
			best, bestCount = k, counts[k]
		}
	}
	return best
}

// typeConfidence scores how close an observed type histogram sits to the
// cluster aggregate: 1 - mean L1 distance over the shared bucket space.
func typeConfidence(observed, canonical map[string]int) float64 {
	obs := normalizeHist(observed)
	can := normalizeHist(canonical)
	if len(obs) == 0 || len(can) == 0 {
		return 0
	}
	keys := map[string]struct{}{}
	for k := range obs {
		keys[k] = struct{}{}
	}
	for k := range can {
		keys[k] = struct{}{}
	}
	distance := 0.0
	for k := range keys {
		distance += math.Abs(obs[k] - can[k])
	}
	score := 1 - distance/float64(len(keys))
	if score < 0 {
		score = 0
	}
	return math.Round(score*100) / 100
}

func normalizeHist(counts map[string]int) map[string]float64 {
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return nil
	}
	out := make(map[string]float64, len(counts))
	for k, c := range counts {
		out[k] = float64(c) / float64(total)
	}
	return out
}
