package analysis

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"uscsv/internal/config"
	"uscsv/internal/model"
)

func testConfig() config.RuntimeConfig {
	cfg, err := config.Resolve(config.Defaults(), "low_memory")
	if err != nil {
		panic(err)
	}
	return cfg
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestCountLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cases := []struct {
		content string
		want    int
	}{
		{"", 0},
		{"one\n", 1},
		{"one\ntwo\n", 2},
		{"one\ntwo", 2}, // trailing partial line counts
	}
	for i, tc := range cases {
		path := writeFile(t, dir, "f"+string(rune('a'+i))+".csv", tc.content)
		got, err := CountLines(path)
		if err != nil {
			t.Fatalf("count %q: %v", tc.content, err)
		}
		if got != tc.want {
			t.Fatalf("count %q = %d, want %d", tc.content, got, tc.want)
		}
	}
}

// Scenario: analyze retail_small — one file, six rows plus header, delimiter
// ',', header confirmed, a single block over lines 0..6 inclusive, numeric profiles for id and
// price.
func TestEngine_AnalyzeRetailSmall(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := strings.Join([]string{
		"id,name,price",
		"1,apple,1.50",
		"2,pear,2.10",
		"3,plum,0.99",
		"4,fig,3.30",
		"5,kiwi,1.10",
		"6,lime,0.80",
	}, "\n") + "\n"
	path := writeFile(t, dir, "retail_small.csv", content)

	engine := &Engine{Config: testConfig()}
	results, err := engine.AnalyzeFiles(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d", len(results))
	}
	res := results[0]
	if res.TotalLines != 7 {
		t.Fatalf("total_lines = %d, want 7", res.TotalLines)
	}
	if len(res.Blocks) != 1 {
		t.Fatalf("blocks = %d, want 1", len(res.Blocks))
	}
	block := res.Blocks[0]
	if block.StartLine != 0 || block.EndLine != 6 {
		t.Fatalf("block = [%d,%d], want [0,6]", block.StartLine, block.EndLine)
	}
	if block.Signature.Delimiter != "," {
		t.Fatalf("delimiter = %q", block.Signature.Delimiter)
	}
	if len(block.Signature.HeaderSample) != 3 || block.Signature.HeaderSample[0] != "id" {
		t.Fatalf("header = %v", block.Signature.HeaderSample)
	}
	if block.Signature.ColumnCount != 3 {
		t.Fatalf("column_count = %d", block.Signature.ColumnCount)
	}

	if len(res.ColumnProfiles) != 3 {
		t.Fatalf("profiles = %d", len(res.ColumnProfiles))
	}
	id := res.ColumnProfiles[0]
	if id.Nulls != 0 || id.DominantType() != model.TypeNumeric {
		t.Fatalf("id profile = %+v", id)
	}
	if id.NumericMin == nil || *id.NumericMin != 1 || *id.NumericMax != 6 {
		t.Fatalf("id range = %v..%v", id.NumericMin, id.NumericMax)
	}
}

func TestEngine_MultipleFilesKeepInputOrder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := writeFile(t, dir, "a.csv", "x,y\n1,2\n")
	b := writeFile(t, dir, "b.csv", "x,y\n3,4\n5,6\n")

	cfg := testConfig()
	cfg.Profile.MaxParallelFiles = 2
	engine := &Engine{Config: cfg}
	results, err := engine.AnalyzeFiles(context.Background(), []string{b, a})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].FilePath != b || results[1].FilePath != a {
		t.Fatalf("order = %s, %s", results[0].FilePath, results[1].FilePath)
	}
}

func TestEngine_CancelledContext(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "a.csv", "x,y\n1,2\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	engine := &Engine{Config: testConfig()}
	_, err := engine.AnalyzeFiles(ctx, []string{path})
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestAdaptiveThrottle_HalvesAndDoubles(t *testing.T) {
	t.Parallel()

	th := NewAdaptiveThrottle(8, 100*time.Millisecond)
	if th.Limit() != 8 {
		t.Fatalf("initial limit = %d", th.Limit())
	}
	// Three consecutive slow windows halve.
	for w := 0; w < 3; w++ {
		for i := 0; i < throttleWindowSamples; i++ {
			th.Report(300 * time.Millisecond)
		}
	}
	if th.Limit() != 4 {
		t.Fatalf("limit after slow windows = %d, want 4", th.Limit())
	}
	// Six consecutive fast windows double (capped at max).
	for w := 0; w < 6; w++ {
		for i := 0; i < throttleWindowSamples; i++ {
			th.Report(10 * time.Millisecond)
		}
	}
	if th.Limit() != 8 {
		t.Fatalf("limit after fast windows = %d, want 8", th.Limit())
	}
}

func TestAdaptiveThrottle_FloorOne(t *testing.T) {
	t.Parallel()

	th := NewAdaptiveThrottle(2, 50*time.Millisecond)
	for w := 0; w < 12; w++ {
		for i := 0; i < throttleWindowSamples; i++ {
			th.Report(time.Second)
		}
	}
	if th.Limit() != 1 {
		t.Fatalf("limit = %d, want floor 1", th.Limit())
	}
}
