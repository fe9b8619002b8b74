package headers

import (
	"fmt"
	"sort"
	"strings"

	"uscsv/internal/model"
)

// Metadata is the header bookkeeping collected during phase 1 and persisted
// alongside the mapping: per-file header snapshots, raw occurrences and
// aggregated type profiles per raw header.
type Metadata struct {
	FileHeaders []model.FileHeaderSummary
	Occurrences []model.HeaderOccurrence
	Profiles    []model.HeaderTypeProfile
}

// BuildMetadata derives header metadata from analysis results.
func BuildMetadata(results []model.FileAnalysisResult) Metadata {
	var md Metadata
	accumulator := map[string]map[string]int{}

	for _, res := range results {
		headers := resolvedHeaders(res)
		md.FileHeaders = append(md.FileHeaders, model.FileHeaderSummary{
			FileID:  res.FilePath,
			Headers: headers,
		})

		profilesByIdx := map[int]model.ColumnProfileResult{}
		for _, p := range res.ColumnProfiles {
			profilesByIdx[p.ColumnIndex] = p
		}

		for idx, header := range headers {
			name := strings.TrimSpace(header)
			if name == "" {
				name = fmt.Sprintf("column_%d", idx+1)
			}
			md.Occurrences = append(md.Occurrences, model.HeaderOccurrence{
				RawHeader:   name,
				FileID:      res.FilePath,
				ColumnIndex: idx,
			})

			counts := accumulator[name]
			if counts == nil {
				counts = map[string]int{}
				accumulator[name] = counts
			}
			for _, b := range res.Blocks {
				if st, ok := b.Signature.Columns[idx]; ok {
					for bucket, c := range st.TypeCounts {
						counts[bucket] += c
					}
				}
			}
			if p, ok := profilesByIdx[idx]; ok {
				for bucket, c := range p.TypeHist {
					counts[bucket] += c
				}
			}
		}
	}

	names := make([]string, 0, len(accumulator))
	for name := range accumulator {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		md.Profiles = append(md.Profiles, model.HeaderTypeProfile{
			RawHeader:   name,
			TypeProfile: model.EnsureTypeBuckets(accumulator[name]),
		})
	}
	return md
}
