package headers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"uscsv/internal/model"
)

// Review thresholds.
const (
	reviewConfidence     = 0.75
	typeDivergenceLimit  = 0.15
	sampleClipPerVariant = 32
)

// node is one (file, column) graph node with its normalized header.
type node struct {
	key        string
	filePath   string
	colIndex   int
	rawName    string
	normalized string
	grams      map[string]struct{}
	typeHist   map[string]int
	variant    model.HeaderVariant
}

func (n *node) dominantType() string {
	best, bestCount := "", 0
	for _, bucket := range model.TypeBuckets {
		if bucket == model.TypeNull {
			continue
		}
		if c := n.typeHist[bucket]; c > bestCount {
			best, bestCount = bucket, c
		}
	}
	return best
}

// typeCompatible holds when dominant types match or both profiles are text.
func typeCompatible(a, b *node) bool {
	da, db := a.dominantType(), b.dominantType()
	if da == "" || db == "" {
		return true
	}
	return da == db || (da == model.TypeText && db == model.TypeText)
}

// Clusterizer builds header clusters from analysis results. Synonyms is an
// opaque canonical→variants mapping; variants sharing a synonym group link
// regardless of string similarity.
type Clusterizer struct {
	Synonyms map[string][]string
}

// Build assembles the similarity graph over (file, column) nodes and returns
// the connected components as clusters, ordered by canonical name.
func (c *Clusterizer) Build(results []model.FileAnalysisResult) []model.HeaderCluster {
	nodes := collectNodes(results)
	if len(nodes) == 0 {
		return nil
	}

	uf := newUnionFind(len(nodes))
	edgeWeights := map[[2]int]float64{}

	addEdge := func(i, j int, score float64) {
		if i > j {
			i, j = j, i
		}
		if _, ok := edgeWeights[[2]int{i, j}]; ok {
			return
		}
		edgeWeights[[2]int{i, j}] = score
		uf.union(i, j)
	}

	// Synonym groups connect unconditionally.
	aliasFor := c.aliasIndex()
	byAlias := map[string][]int{}
	for i, n := range nodes {
		if alias, ok := aliasFor[squash(n.normalized)]; ok {
			byAlias[alias] = append(byAlias[alias], i)
		}
	}
	for _, members := range byAlias {
		for k := 1; k < len(members); k++ {
			addEdge(members[0], members[k], 1.0)
		}
	}

	// Trigram blocking keeps candidate generation away from n².
	for _, pair := range blockedPairs(nodes) {
		i, j := pair[0], pair[1]
		if !typeCompatible(nodes[i], nodes[j]) {
			continue
		}
		score := Score(nodes[i].normalized, nodes[j].normalized)
		if score >= EdgeThreshold {
			addEdge(i, j, score)
		}
	}

	groups := map[int][]int{}
	for i := range nodes {
		root := uf.find(i)
		groups[root] = append(groups[root], i)
	}

	clusters := make([]model.HeaderCluster, 0, len(groups))
	for _, members := range groups {
		clusters = append(clusters, buildCluster(nodes, members, edgeWeights))
	}
	sort.Slice(clusters, func(i, j int) bool {
		return strings.ToLower(clusters[i].CanonicalName) < strings.ToLower(clusters[j].CanonicalName)
	})
	return clusters
}

func (c *Clusterizer) aliasIndex() map[string]string {
	out := map[string]string{}
	for canonical, variants := range c.Synonyms {
		key := squash(NormalizeHeader(canonical))
		if key == "" {
			continue
		}
		out[key] = key
		for _, v := range variants {
			vk := squash(NormalizeHeader(v))
			if vk != "" {
				out[vk] = key
			}
		}
	}
	return out
}

func squash(s string) string { return strings.ReplaceAll(s, " ", "") }

// blockedPairs yields candidate index pairs sharing at least one trigram.
func blockedPairs(nodes []*node) [][2]int {
	buckets := map[string][]int{}
	for i, n := range nodes {
		for g := range n.grams {
			buckets[g] = append(buckets[g], i)
		}
	}
	seen := map[[2]int]struct{}{}
	var out [][2]int
	for _, members := range buckets {
		if len(members) < 2 {
			continue
		}
		for a := 0; a < len(members); a++ {
			for b := a + 1; b < len(members); b++ {
				i, j := members[a], members[b]
				if i > j {
					i, j = j, i
				}
				key := [2]int{i, j}
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
				out = append(out, key)
			}
		}
	}
	return out
}

func collectNodes(results []model.FileAnalysisResult) []*node {
	profileLookup := map[string]map[int]model.ColumnProfileResult{}
	for _, res := range results {
		byIdx := map[int]model.ColumnProfileResult{}
		for _, p := range res.ColumnProfiles {
			byIdx[p.ColumnIndex] = p
		}
		profileLookup[res.FilePath] = byIdx
	}

	var nodes []*node
	for _, res := range results {
		headers := resolvedHeaders(res)
		rows := 0
		for _, b := range res.Blocks {
			rows += b.RowCount()
		}
		for idx, raw := range headers {
			normalized := NormalizeHeader(raw)
			if normalized == "" {
				normalized = NormalizeHeader(fmt.Sprintf("column_%d", idx+1))
			}
			typeHist := map[string]int{}
			var samples []string
			if p, ok := profileLookup[res.FilePath][idx]; ok {
				typeHist = model.EnsureTypeBuckets(p.TypeHist)
				samples = clipSamples(p.SampleValues)
			} else {
				for _, b := range res.Blocks {
					if st, ok := b.Signature.Columns[idx]; ok {
						for bucket, count := range st.TypeCounts {
							typeHist[bucket] += count
						}
						for _, v := range st.SampleValues {
							if len(samples) < sampleClipPerVariant {
								samples = append(samples, v)
							}
						}
					}
				}
			}
			n := &node{
				key:        fmt.Sprintf("%s#%d", res.FilePath, idx),
				filePath:   res.FilePath,
				colIndex:   idx,
				rawName:    raw,
				normalized: normalized,
				grams:      trigrams(normalized),
				typeHist:   typeHist,
				variant: model.HeaderVariant{
					FilePath:       res.FilePath,
					ColumnIndex:    idx,
					RawName:        raw,
					NormalizedName: normalized,
					DetectedTypes:  model.EnsureTypeBuckets(typeHist),
					SampleValues:   samples,
					RowCount:       rows,
				},
			}
			nodes = append(nodes, n)
		}
	}
	return nodes
}

func clipSamples(in []string) []string {
	if len(in) <= sampleClipPerVariant {
		return in
	}
	return in[:sampleClipPerVariant]
}

// resolvedHeaders pads raw headers out to the widest observed column count.
func resolvedHeaders(res model.FileAnalysisResult) []string {
	headers := make([]string, 0, len(res.RawHeaders))
	for _, h := range res.RawHeaders {
		headers = append(headers, strings.TrimSpace(h))
	}
	maxColumns := len(headers)
	for _, b := range res.Blocks {
		if b.Signature.ColumnCount > maxColumns {
			maxColumns = b.Signature.ColumnCount
		}
	}
	for len(headers) < maxColumns {
		headers = append(headers, fmt.Sprintf("column_%d", len(headers)+1))
	}
	return headers
}

func buildCluster(nodes []*node, members []int, edgeWeights map[[2]int]float64) model.HeaderCluster {
	memberSet := map[int]struct{}{}
	for _, m := range members {
		memberSet[m] = struct{}{}
	}

	// Weighted centrality: sum of incident intra-cluster edge scores.
	centrality := map[int]float64{}
	var weightSum float64
	edgeCount := 0
	for key, w := range edgeWeights {
		_, okA := memberSet[key[0]]
		_, okB := memberSet[key[1]]
		if !okA || !okB {
			continue
		}
		centrality[key[0]] += w
		centrality[key[1]] += w
		weightSum += w
		edgeCount++
	}

	best := members[0]
	for _, m := range members[1:] {
		if centrality[m] > centrality[best] {
			best = m
			continue
		}
		if centrality[m] == centrality[best] && nodes[m].rawName < nodes[best].rawName {
			best = m
		}
	}

	confidence := 1.0
	if edgeCount > 0 {
		confidence = weightSum / float64(edgeCount)
	}

	var reasons []string
	if confidence < reviewConfidence {
		reasons = append(reasons, model.ReasonLowConfidence)
	}
	if typeDivergence(nodes, members) >= typeDivergenceLimit {
		reasons = append(reasons, model.ReasonTypeDivergence)
	}

	variants := make([]model.HeaderVariant, 0, len(members))
	ordered := append([]int(nil), members...)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := nodes[ordered[i]], nodes[ordered[j]]
		if a.filePath != b.filePath {
			return a.filePath < b.filePath
		}
		return a.colIndex < b.colIndex
	})
	for _, m := range ordered {
		variants = append(variants, nodes[m].variant)
	}

	return model.HeaderCluster{
		ClusterID:     uuid.NewString(),
		CanonicalName: nodes[best].rawName,
		Members:       variants,
		Confidence:    round2(confidence),
		NeedsReview:   len(reasons) > 0,
		Version:       1,
		ReasonCodes:   reasons,
	}
}

// typeDivergence is the largest per-bucket spread of normalized type shares
// across cluster members.
func typeDivergence(nodes []*node, members []int) float64 {
	type shares = map[string]float64
	var all []shares
	for _, m := range members {
		total := 0
		for bucket, c := range nodes[m].typeHist {
			if bucket == model.TypeNull {
				continue
			}
			total += c
		}
		if total == 0 {
			continue
		}
		s := shares{}
		for bucket, c := range nodes[m].typeHist {
			if bucket == model.TypeNull {
				continue
			}
			s[bucket] = float64(c) / float64(total)
		}
		all = append(all, s)
	}
	if len(all) < 2 {
		return 0
	}
	worst := 0.0
	for _, bucket := range model.TypeBuckets {
		if bucket == model.TypeNull {
			continue
		}
		minShare, maxShare := 1.0, 0.0
		for _, s := range all {
			v := s[bucket]
			if v < minShare {
				minShare = v
			}
			if v > maxShare {
				maxShare = v
			}
		}
		if spread := maxShare - minShare; spread > worst {
			worst = spread
		}
	}
	return worst
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

// CarryVersions assigns artifact and cluster versions relative to a previous
// artifact. Clusters are matched by canonical name first, then by strongest
// member overlap; a matched cluster keeps its version unless membership or
// the canonical name changed.
func CarryVersions(prev *model.ClusterArtifact, clusters []model.HeaderCluster) model.ClusterArtifact {
	artifact := model.ClusterArtifact{ArtifactVersion: 1, Clusters: clusters}
	if prev == nil {
		for i := range artifact.Clusters {
			artifact.Clusters[i].Version = 1
		}
		return artifact
	}
	artifact.ArtifactVersion = prev.ArtifactVersion + 1

	prevByName := map[string]model.HeaderCluster{}
	for _, pc := range prev.Clusters {
		prevByName[pc.CanonicalName] = pc
	}

	used := map[string]struct{}{}
	for i := range artifact.Clusters {
		cl := &artifact.Clusters[i]
		match, ok := prevByName[cl.CanonicalName]
		if !ok {
			match, ok = bestOverlap(prev.Clusters, *cl, used)
		}
		if !ok {
			cl.Version = 1
			continue
		}
		used[match.ClusterID] = struct{}{}
		cl.ClusterID = match.ClusterID
		if sameMembership(match, *cl) && match.CanonicalName == cl.CanonicalName {
			cl.Version = match.Version
		} else {
			cl.Version = match.Version + 1
		}
	}
	return artifact
}

func bestOverlap(prev []model.HeaderCluster, cl model.HeaderCluster, used map[string]struct{}) (model.HeaderCluster, bool) {
	want := memberKeys(cl)
	best := model.HeaderCluster{}
	bestShared, found := 0, false
	for _, pc := range prev {
		if _, taken := used[pc.ClusterID]; taken {
			continue
		}
		shared := 0
		for k := range memberKeys(pc) {
			if _, ok := want[k]; ok {
				shared++
			}
		}
		if shared > bestShared {
			best, bestShared, found = pc, shared, true
		}
	}
	return best, found
}

func memberKeys(cl model.HeaderCluster) map[string]struct{} {
	out := make(map[string]struct{}, len(cl.Members))
	for _, m := range cl.Members {
		out[fmt.Sprintf("%s#%d", m.FilePath, m.ColumnIndex)] = struct{}{}
	}
	return out
}

func sameMembership(a, b model.HeaderCluster) bool {
	ka, kb := memberKeys(a), memberKeys(b)
	if len(ka) != len(kb) {
		return false
	}
	for k := range ka {
		if _, ok := kb[k]; !ok {
			return false
		}
	}
	return true
}
