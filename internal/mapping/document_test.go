package mapping

import (
	"path/filepath"
	"reflect"
	"testing"

	"uscsv/internal/model"
)

func sampleMapping() model.Mapping {
	target := 0
	conf := 0.91
	return model.Mapping{
		ArtifactVersion: ArtifactVersion,
		Schemas: []model.SchemaDefinition{{
			SchemaID: "s-1",
			Name:     "orders",
			Columns: []model.SchemaColumn{
				{Index: 0, RawName: "id", NormalizedName: "id", DataType: "decimal", KnownVariants: []string{"id"}},
				{Index: 1, RawName: "total", NormalizedName: "total", DataType: "decimal", KnownVariants: []string{"total"}},
			},
			BlocksByFile: map[string][]int{"orders.csv": {0}},
		}},
		Blocks: []model.FileBlock{{
			FilePath:  "orders.csv",
			BlockID:   0,
			StartLine: 0,
			EndLine:   99,
			SchemaID:  "s-1",
			Signature: model.SchemaSignature{
				Delimiter:    ",",
				ColumnCount:  2,
				HeaderSample: []string{"id", "total"},
				ColumnTypes:  []string{model.TypeNumeric, model.TypeNumeric},
				Columns: map[int]*model.ColumnStats{
					0: {Index: 0, SampleCount: 5, SampleValues: []string{"1", "2"}, TypeCounts: map[string]int{model.TypeNumeric: 5}},
				},
			},
		}},
		HeaderClusters: []model.HeaderCluster{{
			ClusterID:     "c-1",
			CanonicalName: "id",
			Members: []model.HeaderVariant{{
				FilePath:       "orders.csv",
				ColumnIndex:    0,
				RawName:        "id",
				NormalizedName: "id",
				DetectedTypes:  model.EnsureTypeBuckets(map[string]int{model.TypeNumeric: 5}),
				SampleValues:   []string{"1", "2"},
				RowCount:       100,
			}},
			Confidence: 1,
			Version:    1,
		}},
		SchemaMapping: []model.SchemaMappingEntry{{
			FilePath:      "orders.csv",
			SourceIndex:   0,
			CanonicalName: "id",
			TargetIndex:   &target,
			Confidence:    &conf,
		}},
		FileHeaders:       []model.FileHeaderSummary{{FileID: "orders.csv", Headers: []string{"id", "total"}}},
		HeaderOccurrences: []model.HeaderOccurrence{{RawHeader: "id", FileID: "orders.csv", ColumnIndex: 0}},
		HeaderProfiles:    []model.HeaderTypeProfile{{RawHeader: "id", TypeProfile: model.EnsureTypeBuckets(map[string]int{model.TypeNumeric: 5})}},
		ColumnProfiles: []model.ColumnProfileResult{{
			FileID:      "orders.csv",
			ColumnIndex: 0,
			Header:      "id",
			TypeHist:    model.EnsureTypeBuckets(map[string]int{model.TypeNumeric: 5}),
			Nulls:       0,
			NonNulls:    5,
			TopK:        []model.ValueCount{{Value: "1", Count: 1}},
			Min:         "1",
			Max:         "2",
			SampleValues: []string{
				"1", "2",
			},
		}},
	}
}

// Round-trip: load(save(M)) == M with samples included, and equals the
// stripped mapping without.
func TestSaveLoad_RoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := sampleMapping()

	withSamples := filepath.Join(dir, "mapping.json")
	if err := Save(m, withSamples, true); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(withSamples)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(m, loaded) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", loaded, m)
	}

	stripped := filepath.Join(dir, "mapping.nosamples.json")
	if err := Save(m, stripped, false); err != nil {
		t.Fatalf("save stripped: %v", err)
	}
	loadedStripped, err := Load(stripped)
	if err != nil {
		t.Fatalf("load stripped: %v", err)
	}
	if !reflect.DeepEqual(StripSamples(m), loadedStripped) {
		t.Fatalf("stripped round trip mismatch")
	}
	for _, p := range loadedStripped.ColumnProfiles {
		if len(p.SampleValues) != 0 {
			t.Fatalf("samples leaked into stripped artifact: %v", p.SampleValues)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("expected error for missing mapping")
	}
}

func TestClusterArtifact_SaveLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "mapping.header_clusters.json")

	missing, err := LoadClusterArtifact(path)
	if err != nil || missing != nil {
		t.Fatalf("missing artifact: %v %v", missing, err)
	}

	artifact := model.ClusterArtifact{
		ArtifactVersion: 3,
		Clusters:        sampleMapping().HeaderClusters,
	}
	if err := SaveClusterArtifact(artifact, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadClusterArtifact(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ArtifactVersion != 3 || len(loaded.Clusters) != 1 {
		t.Fatalf("loaded = %+v", loaded)
	}
}
