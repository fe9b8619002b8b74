package normalize

import (
	"math"

	"uscsv/internal/model"
	"uscsv/internal/synonyms"
)

// NormalizedRow carries the canonical-ordered values plus the raw pre-reorder
// width, which short/long validation runs against.
type NormalizedRow struct {
	Values         []string
	ObservedLength int
}

// RowNormalizer realigns raw rows into canonical column order using schema
// mapping entries, falling back to column-profile matching when header names
// disagree. Missing sources yield empty (null) cells; extra sources are
// dropped and surface through the preserved observed length.
type RowNormalizer struct {
	byFile    map[string]fileMapping
	profiles  map[profileKey]model.ColumnProfileResult
	slugCache map[string]map[string]int
}

type fileMapping struct {
	entries   map[int]model.SchemaMappingEntry
	maxTarget int
}

type profileKey struct {
	fileID string
	index  int
}

// NewRowNormalizer indexes mapping entries and column profiles.
func NewRowNormalizer(entries []model.SchemaMappingEntry, profiles []model.ColumnProfileResult) *RowNormalizer {
	n := &RowNormalizer{
		byFile:    map[string]fileMapping{},
		profiles:  map[profileKey]model.ColumnProfileResult{},
		slugCache: map[string]map[string]int{},
	}
	for _, e := range entries {
		fm, ok := n.byFile[e.FilePath]
		if !ok {
			fm = fileMapping{entries: map[int]model.SchemaMappingEntry{}, maxTarget: -1}
		}
		fm.entries[e.SourceIndex] = e
		if e.TargetIndex != nil && *e.TargetIndex > fm.maxTarget {
			fm.maxTarget = *e.TargetIndex
		}
		n.byFile[e.FilePath] = fm
	}
	for _, p := range profiles {
		n.profiles[profileKey{p.FileID, p.ColumnIndex}] = p
	}
	return n
}

// Normalize reorders one raw row for the schema it materializes into.
func (n *RowNormalizer) Normalize(row []string, schema model.SchemaDefinition, sourcePath string) NormalizedRow {
	observed := len(row)
	fm, ok := n.byFile[sourcePath]
	if !ok || len(fm.entries) == 0 {
		return NormalizedRow{Values: append([]string(nil), row...), ObservedLength: observed}
	}

	width := observed
	if fm.maxTarget+1 > width {
		width = fm.maxTarget + 1
	}
	if width < 1 {
		width = 1
	}
	values := make([]string, width)
	assigned := make([]bool, width)
	usedSources := map[int]struct{}{}

	for sourceIdx, entry := range fm.entries {
		target := n.resolveTarget(entry, schema)
		if target < 0 {
			continue
		}
		if target >= len(values) {
			grown := make([]string, target+1)
			copy(grown, values)
			values = grown
			grownAssigned := make([]bool, target+1)
			copy(grownAssigned, assigned)
			assigned = grownAssigned
		}
		if sourceIdx >= 0 && sourceIdx < len(row) {
			values[target] = row[sourceIdx]
		}
		assigned[target] = true
		usedSources[sourceIdx] = struct{}{}
	}

	// Remaining raw values fill the unassigned positions in order.
	var remainder []string
	for idx, v := range row {
		if _, used := usedSources[idx]; !used {
			remainder = append(remainder, v)
		}
	}
	ri := 0
	for idx := range values {
		if assigned[idx] {
			continue
		}
		if ri < len(remainder) {
			values[idx] = remainder[ri]
			ri++
		}
		assigned[idx] = true
	}
	return NormalizedRow{Values: values, ObservedLength: observed}
}

// resolveTarget picks the canonical index: the mapping entry's explicit
// target first, then a slug match of the canonical name against the schema,
// then the closest column by type profile.
func (n *RowNormalizer) resolveTarget(entry model.SchemaMappingEntry, schema model.SchemaDefinition) int {
	if entry.TargetIndex != nil {
		return *entry.TargetIndex
	}
	slugMap := n.schemaSlugs(schema)
	if target, ok := slugMap[synonyms.Canonicalize(entry.CanonicalName)]; ok {
		return target
	}
	return n.matchByProfile(entry, schema)
}

func (n *RowNormalizer) schemaSlugs(schema model.SchemaDefinition) map[string]int {
	if cached, ok := n.slugCache[schema.SchemaID]; ok {
		return cached
	}
	m := map[string]int{}
	for _, col := range schema.Columns {
		name := col.NormalizedName
		if name == "" {
			name = col.RawName
		}
		slug := synonyms.Canonicalize(name)
		if slug == "" {
			continue
		}
		if _, exists := m[slug]; !exists {
			m[slug] = col.Index
		}
	}
	n.slugCache[schema.SchemaID] = m
	return m
}

// matchByProfile scores schema columns against the source column profile over
// (type bucket, null ratio, numeric range overlap) and returns the closest.
func (n *RowNormalizer) matchByProfile(entry model.SchemaMappingEntry, schema model.SchemaDefinition) int {
	source, ok := n.profiles[profileKey{entry.FilePath, entry.SourceIndex}]
	if !ok {
		return -1
	}
	bucket := source.DominantType()
	if bucket == "" {
		return -1
	}

	best, bestScore := -1, math.Inf(1)
	for _, col := range schema.Columns {
		colBucket := schemaBucket(col.DataType)
		if colBucket != bucket && !numericPair(colBucket, bucket) {
			continue
		}
		score := 0.0
		if colBucket != bucket {
			score += 0.5
		}
		// Prefer columns whose observed profile (same index in other files of
		// the schema) resembles the source.
		for fileID := range schema.BlocksByFile {
			if ref, ok := n.profiles[profileKey{fileID, col.Index}]; ok {
				score += math.Abs(ref.NullRatio() - source.NullRatio())
				score += 1 - rangeOverlap(ref, source)
				break
			}
		}
		if score < bestScore {
			best, bestScore = col.Index, score
		}
	}
	return best
}

func numericPair(a, b string) bool {
	return a == model.TypeNumeric && b == model.TypeNumeric
}

func schemaBucket(dataType string) string {
	switch dataType {
	case "int", "integer", "float", "double", "decimal", "number":
		return model.TypeNumeric
	case "date", "datetime":
		return model.TypeDate
	case "bool", "boolean":
		return model.TypeBool
	default:
		return model.TypeText
	}
}

// rangeOverlap is the Jaccard overlap of the numeric ranges, 0 when either
// side has none.
func rangeOverlap(a, b model.ColumnProfileResult) float64 {
	if a.NumericMin == nil || a.NumericMax == nil || b.NumericMin == nil || b.NumericMax == nil {
		return 0
	}
	lo := math.Max(*a.NumericMin, *b.NumericMin)
	hi := math.Min(*a.NumericMax, *b.NumericMax)
	if hi < lo {
		return 0
	}
	unionLo := math.Min(*a.NumericMin, *b.NumericMin)
	unionHi := math.Max(*a.NumericMax, *b.NumericMax)
	if unionHi == unionLo {
		return 1
	}
	return (hi - lo) / (unionHi - unionLo)
}
