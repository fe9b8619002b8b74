package headers

import (
	"testing"

	"uscsv/internal/model"
)

func TestNormalizeHeader(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"Customer ID", "customer id"},
		{"  customer   id ", "customer id"},
		{"Customer-Id", "customer id"},
		{"Місто", "misto"},
		{"PRICE_USD", "price usd"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeHeader(tc.in); got != tc.want {
			t.Errorf("NormalizeHeader(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestScore_IdenticalAndDisjoint(t *testing.T) {
	t.Parallel()

	if got := Score("customer id", "customer id"); got < 0.99 {
		t.Fatalf("identical score = %v", got)
	}
	if got := Score("customer id", "zzz qqq"); got >= EdgeThreshold {
		t.Fatalf("disjoint score = %v, want < %v", got, EdgeThreshold)
	}
}

func resultWithHeader(file string, headers []string, types []map[string]int) model.FileAnalysisResult {
	cols := map[int]*model.ColumnStats{}
	profiles := make([]model.ColumnProfileResult, 0, len(headers))
	for i := range headers {
		hist := map[string]int{model.TypeText: 10}
		if types != nil && i < len(types) && types[i] != nil {
			hist = types[i]
		}
		cols[i] = &model.ColumnStats{Index: i, TypeCounts: hist}
		profiles = append(profiles, model.ColumnProfileResult{
			FileID:      file,
			ColumnIndex: i,
			Header:      headers[i],
			TypeHist:    model.EnsureTypeBuckets(hist),
			NonNulls:    10,
		})
	}
	return model.FileAnalysisResult{
		FilePath:   file,
		TotalLines: 100,
		RawHeaders: headers,
		Blocks: []model.FileBlock{{
			FilePath:  file,
			StartLine: 0,
			EndLine:   99,
			Signature: model.SchemaSignature{
				Delimiter:    ",",
				ColumnCount:  len(headers),
				HeaderSample: headers,
				Columns:      cols,
			},
		}},
		ColumnProfiles: profiles,
	}
}

// Scenario: "Customer ID", "customer id" and "Customer-Id" across three
// files collapse into one cluster named "Customer ID" with high confidence
// and no review flag.
func TestClusterizer_CustomerIDVariants(t *testing.T) {
	t.Parallel()

	c := &Clusterizer{}
	clusters := c.Build([]model.FileAnalysisResult{
		resultWithHeader("a.csv", []string{"Customer ID"}, nil),
		resultWithHeader("b.csv", []string{"customer id"}, nil),
		resultWithHeader("c.csv", []string{"Customer-Id"}, nil),
	})
	if len(clusters) != 1 {
		t.Fatalf("clusters = %d, want 1", len(clusters))
	}
	cl := clusters[0]
	if cl.CanonicalName != "Customer ID" {
		t.Fatalf("canonical_name = %q, want %q", cl.CanonicalName, "Customer ID")
	}
	if len(cl.Members) != 3 {
		t.Fatalf("members = %d", len(cl.Members))
	}
	if cl.Confidence < 0.9 {
		t.Fatalf("confidence = %v, want >= 0.9", cl.Confidence)
	}
	if cl.NeedsReview {
		t.Fatalf("needs_review = true, reasons %v", cl.ReasonCodes)
	}
}

func TestClusterizer_TypeIncompatibleColumnsStayApart(t *testing.T) {
	t.Parallel()

	numeric := map[string]int{model.TypeNumeric: 20}
	text := map[string]int{model.TypeText: 20}
	c := &Clusterizer{}
	clusters := c.Build([]model.FileAnalysisResult{
		resultWithHeader("a.csv", []string{"amount"}, []map[string]int{numeric}),
		resultWithHeader("b.csv", []string{"amount"}, []map[string]int{text}),
	})
	if len(clusters) != 2 {
		t.Fatalf("clusters = %d, want 2 (type-incompatible)", len(clusters))
	}
}

// Cluster stability: a new member whose centrality stays below the current
// canonical must not steal the canonical name.
func TestClusterizer_CanonicalStableUnderNewMember(t *testing.T) {
	t.Parallel()

	c := &Clusterizer{}
	base := []model.FileAnalysisResult{
		resultWithHeader("a.csv", []string{"Customer ID"}, nil),
		resultWithHeader("b.csv", []string{"customer id"}, nil),
		resultWithHeader("c.csv", []string{"Customer-Id"}, nil),
	}
	before := c.Build(base)

	grown := append(append([]model.FileAnalysisResult{}, base...),
		resultWithHeader("d.csv", []string{"customer id"}, nil))
	after := c.Build(grown)

	if len(before) != 1 || len(after) != 1 {
		t.Fatalf("cluster counts = %d/%d", len(before), len(after))
	}
	if after[0].CanonicalName != before[0].CanonicalName {
		t.Fatalf("canonical changed: %q -> %q", before[0].CanonicalName, after[0].CanonicalName)
	}
}

func TestClusterizer_SynonymGroupLinks(t *testing.T) {
	t.Parallel()

	c := &Clusterizer{Synonyms: map[string][]string{
		"city": {"town", "місто"},
	}}
	clusters := c.Build([]model.FileAnalysisResult{
		resultWithHeader("a.csv", []string{"town"}, nil),
		resultWithHeader("b.csv", []string{"Місто"}, nil),
	})
	if len(clusters) != 1 {
		t.Fatalf("clusters = %d, want 1 via synonyms", len(clusters))
	}
}

func TestCarryVersions(t *testing.T) {
	t.Parallel()

	first := CarryVersions(nil, []model.HeaderCluster{
		{ClusterID: "x", CanonicalName: "Customer ID", Members: []model.HeaderVariant{
			{FilePath: "a.csv", ColumnIndex: 0},
		}},
	})
	if first.ArtifactVersion != 1 {
		t.Fatalf("artifact_version = %d, want 1", first.ArtifactVersion)
	}
	if first.Clusters[0].Version != 1 {
		t.Fatalf("cluster version = %d, want 1", first.Clusters[0].Version)
	}

	// Unchanged membership keeps the version; new membership bumps it.
	unchanged := CarryVersions(&first, []model.HeaderCluster{
		{ClusterID: "y", CanonicalName: "Customer ID", Members: []model.HeaderVariant{
			{FilePath: "a.csv", ColumnIndex: 0},
		}},
	})
	if unchanged.ArtifactVersion != 2 {
		t.Fatalf("artifact_version = %d, want 2", unchanged.ArtifactVersion)
	}
	if unchanged.Clusters[0].Version != 1 {
		t.Fatalf("unchanged cluster bumped to %d", unchanged.Clusters[0].Version)
	}

	grown := CarryVersions(&unchanged, []model.HeaderCluster{
		{ClusterID: "z", CanonicalName: "Customer ID", Members: []model.HeaderVariant{
			{FilePath: "a.csv", ColumnIndex: 0},
			{FilePath: "b.csv", ColumnIndex: 2},
		}},
	})
	if grown.Clusters[0].Version != 2 {
		t.Fatalf("grown cluster version = %d, want 2", grown.Clusters[0].Version)
	}
}

func TestBuildMetadata(t *testing.T) {
	t.Parallel()

	md := BuildMetadata([]model.FileAnalysisResult{
		resultWithHeader("a.csv", []string{"id", "name"}, nil),
		resultWithHeader("b.csv", []string{"id"}, nil),
	})
	if len(md.FileHeaders) != 2 {
		t.Fatalf("file headers = %d", len(md.FileHeaders))
	}
	if len(md.Occurrences) != 3 {
		t.Fatalf("occurrences = %d, want 3", len(md.Occurrences))
	}
	foundID := false
	for _, p := range md.Profiles {
		if p.RawHeader == "id" {
			foundID = true
		}
	}
	if !foundID {
		t.Fatalf("missing aggregated profile for id: %+v", md.Profiles)
	}
}
