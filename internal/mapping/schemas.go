// Package mapping turns analysis output into the mapping artifact: schema
// grouping over blocks, offset detection against header clusters, and the
// artifact (de)serialization used by every verb.
package mapping

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"uscsv/internal/headers"
	"uscsv/internal/model"
	"uscsv/internal/synonyms"
)

// headerSimilarityThreshold merges blocks whose normalized header tuples are
// near-identical even when formatting differs between files.
const headerSimilarityThreshold = 0.85

// Service clusters file blocks into schema definitions.
type Service struct {
	Synonyms *synonyms.Dictionary
}

// Cluster groups blocks with compatible signatures (same delimiter and
// column count, similar normalized header tuple) into schemas, assigns every
// block to exactly one schema, and returns the updated mapping.
func (s *Service) Cluster(m model.Mapping) model.Mapping {
	dict := s.Synonyms
	if dict == nil {
		dict = synonyms.Empty()
	}

	type groupKey struct {
		delimiter   string
		columnCount int
	}
	type group struct {
		key       groupKey
		headerSig string
		blocks    []int
	}

	var groups []*group
	for i := range m.Blocks {
		sig := m.Blocks[i].Signature
		key := groupKey{sig.Delimiter, sig.ColumnCount}
		headerSig := normalizedHeaderSig(sig, dict)

		var target *group
		for _, g := range groups {
			if g.key != key {
				continue
			}
			if headers.Score(g.headerSig, headerSig) >= headerSimilarityThreshold || g.headerSig == headerSig {
				target = g
				break
			}
		}
		if target == nil {
			target = &group{key: key, headerSig: headerSig}
			groups = append(groups, target)
		}
		target.blocks = append(target.blocks, i)
	}

	m.Schemas = m.Schemas[:0]
	for _, g := range groups {
		first := m.Blocks[g.blocks[0]]
		maxColumns := first.Signature.ColumnCount
		for _, bi := range g.blocks[1:] {
			if c := m.Blocks[bi].Signature.ColumnCount; c > maxColumns {
				maxColumns = c
			}
		}
		schema := schemaFromSignature(first.Signature, maxColumns, dict)
		schema.BlocksByFile = map[string][]int{}
		for _, bi := range g.blocks {
			m.Blocks[bi].SchemaID = schema.SchemaID
			b := m.Blocks[bi]
			schema.BlocksByFile[b.FilePath] = append(schema.BlocksByFile[b.FilePath], b.BlockID)
		}
		for _, ids := range schema.BlocksByFile {
			sort.Ints(ids)
		}
		m.Schemas = append(m.Schemas, schema)
	}
	sort.Slice(m.Schemas, func(i, j int) bool { return m.Schemas[i].Name < m.Schemas[j].Name })
	return m
}

func normalizedHeaderSig(sig model.SchemaSignature, dict *synonyms.Dictionary) string {
	if len(sig.HeaderSample) == 0 {
		return ""
	}
	parts := make([]string, 0, len(sig.HeaderSample))
	for _, h := range sig.HeaderSample {
		parts = append(parts, dict.Normalize(h))
	}
	return strings.Join(parts, "|")
}

func schemaFromSignature(sig model.SchemaSignature, totalColumns int, dict *synonyms.Dictionary) model.SchemaDefinition {
	if totalColumns == 0 {
		totalColumns = len(sig.HeaderSample)
	}
	if totalColumns == 0 {
		totalColumns = len(sig.Columns)
	}

	columns := make([]model.SchemaColumn, 0, totalColumns)
	for idx := 0; idx < totalColumns; idx++ {
		rawName := fmt.Sprintf("column_%d", idx+1)
		if idx < len(sig.HeaderSample) && strings.TrimSpace(sig.HeaderSample[idx]) != "" {
			rawName = strings.TrimSpace(sig.HeaderSample[idx])
		}
		normalized := dict.Normalize(rawName)
		columns = append(columns, model.SchemaColumn{
			Index:          idx,
			RawName:        rawName,
			NormalizedName: normalized,
			DataType:       inferDataType(sig.Columns[idx]),
			KnownVariants:  dedupeStrings([]string{rawName, normalized}),
		})
	}

	name := fmt.Sprintf("schema_%d", totalColumns)
	if len(sig.HeaderSample) > 0 && strings.TrimSpace(sig.HeaderSample[0]) != "" {
		name = strings.TrimSpace(sig.HeaderSample[0])
	}
	return model.SchemaDefinition{
		SchemaID: uuid.NewString(),
		Name:     name,
		Columns:  columns,
	}
}

func inferDataType(stats *model.ColumnStats) string {
	if stats == nil || len(stats.TypeCounts) == 0 {
		return "string"
	}
	best, bestCount := model.TypeText, 0
	for _, bucket := range model.TypeBuckets {
		if bucket == model.TypeNull {
			continue
		}
		if c := stats.TypeCounts[bucket]; c > bestCount {
			best, bestCount = bucket, c
		}
	}
	switch best {
	case model.TypeNumeric:
		return "decimal"
	case model.TypeDate:
		return "date"
	case model.TypeBool:
		return "bool"
	default:
		return "string"
	}
}

func dedupeStrings(in []string) []string {
	seen := map[string]struct{}{}
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
