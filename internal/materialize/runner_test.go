package materialize

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"uscsv/internal/config"
	"uscsv/internal/jobs"
	"uscsv/internal/model"
)

func testConfig(chunkRows int) config.RuntimeConfig {
	cfg, err := config.Resolve(config.Defaults(), "low_memory")
	if err != nil {
		panic(err)
	}
	cfg.Profile.WriterChunkRows = chunkRows
	return cfg
}

// buildFixture writes a headerless CSV input of n rows split into two blocks
// and returns the mapping describing it.
func buildFixture(t *testing.T, dir string, n int) model.Mapping {
	t.Helper()
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%d,item-%d\n", i, i)
	}
	path := filepath.Join(dir, "input.csv")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	mid := n / 2
	sig := model.SchemaSignature{Delimiter: ",", ColumnCount: 2}
	return model.Mapping{
		ArtifactVersion: 2,
		Schemas: []model.SchemaDefinition{{
			SchemaID: "s-1",
			Name:     "items",
			Columns: []model.SchemaColumn{
				{Index: 0, RawName: "id", NormalizedName: "id"},
				{Index: 1, RawName: "name", NormalizedName: "name"},
			},
			BlocksByFile: map[string][]int{path: {0, 1}},
		}},
		Blocks: []model.FileBlock{
			{FilePath: path, BlockID: 0, StartLine: 0, EndLine: mid - 1, SchemaID: "s-1", Signature: sig},
			{FilePath: path, BlockID: 1, StartLine: mid, EndLine: n - 1, SchemaID: "s-1", Signature: sig},
		},
	}
}

func readOutputRows(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	var rows []string
	for _, path := range matches {
		f, err := os.Open(path)
		if err != nil {
			t.Fatalf("open %s: %v", path, err)
		}
		r := csv.NewReader(f)
		r.FieldsPerRecord = -1
		recs, err := r.ReadAll()
		f.Close()
		if err != nil {
			t.Fatalf("parse %s: %v", path, err)
		}
		for i, rec := range recs {
			if i == 0 {
				continue // header
			}
			rows = append(rows, strings.Join(rec, "|"))
		}
	}
	sort.Strings(rows)
	return rows
}

func TestRunner_CleanRun(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out")
	m := buildFixture(t, dir, 100)

	r := &Runner{
		Config:         testConfig(30),
		JobID:          "job-clean",
		Checkpoints:    jobs.NewCheckpointRegistry(filepath.Join(dir, "ckpt")),
		SpillThreshold: 10,
		WriterFormat:   "csv",
	}
	summaries, err := r.Run(context.Background(), m, dest)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("summaries = %d", len(summaries))
	}
	s := summaries[0]
	if s.Rows != 100 {
		t.Fatalf("rows = %d, want 100", s.Rows)
	}
	if s.BlocksProcessed != 2 {
		t.Fatalf("blocks = %d", s.BlocksProcessed)
	}
	if got := len(readOutputRows(t, dest)); got != 100 {
		t.Fatalf("output rows = %d", got)
	}
	// Terminal success removes the checkpoint record.
	if _, ok := r.Checkpoints.Load("job-clean", CheckpointPhase); ok {
		t.Fatalf("checkpoint survived successful run")
	}
}

// Checkpoint idempotence: crashing at a block boundary and resuming with the
// same job id yields the same output row multiset as a crash-free run, and
// the metrics counters match.
func TestRunner_CrashResumeMatchesCleanRun(t *testing.T) {
	t.Parallel()

	const rows = 1000

	cleanDir := t.TempDir()
	cleanDest := filepath.Join(cleanDir, "out")
	cleanMapping := buildFixture(t, cleanDir, rows)
	clean := &Runner{
		Config:         testConfig(64),
		JobID:          "job-a",
		Checkpoints:    jobs.NewCheckpointRegistry(filepath.Join(cleanDir, "ckpt")),
		SpillThreshold: 128,
		WriterFormat:   "csv",
	}
	cleanSummaries, err := clean.Run(context.Background(), cleanMapping, cleanDest)
	if err != nil {
		t.Fatalf("clean run: %v", err)
	}

	crashDir := t.TempDir()
	crashDest := filepath.Join(crashDir, "out")
	crashMapping := buildFixture(t, crashDir, rows)
	injected := errors.New("injected crash")
	crash := &Runner{
		Config:         testConfig(64),
		JobID:          "job-b",
		Checkpoints:    jobs.NewCheckpointRegistry(filepath.Join(crashDir, "ckpt")),
		SpillThreshold: 128,
		WriterFormat:   "csv",
		afterBlock: func(schemaID string, blockIdx int) error {
			if blockIdx == 0 {
				return injected
			}
			return nil
		},
	}
	if _, err := crash.Run(context.Background(), crashMapping, crashDest); !errors.Is(err, injected) {
		t.Fatalf("expected injected crash, got %v", err)
	}
	// The checkpoint survives the failure.
	if _, ok := crash.Checkpoints.Load("job-b", CheckpointPhase); !ok {
		t.Fatalf("checkpoint missing after crash")
	}

	resumed := &Runner{
		Config:         testConfig(64),
		JobID:          "job-b",
		Checkpoints:    jobs.NewCheckpointRegistry(filepath.Join(crashDir, "ckpt")),
		SpillThreshold: 128,
		WriterFormat:   "csv",
	}
	resumedSummaries, err := resumed.Run(context.Background(), crashMapping, crashDest)
	if err != nil {
		t.Fatalf("resume run: %v", err)
	}

	cleanRows := readOutputRows(t, cleanDest)
	crashRows := readOutputRows(t, crashDest)
	if len(cleanRows) != rows {
		t.Fatalf("clean rows = %d", len(cleanRows))
	}
	if strings.Join(cleanRows, ";") != strings.Join(crashRows, ";") {
		t.Fatalf("row multiset differs after resume: clean=%d crash=%d", len(cleanRows), len(crashRows))
	}
	if cleanSummaries[0].Validation.ShortRows != resumedSummaries[0].Validation.ShortRows {
		t.Fatalf("short_rows differ: %d vs %d",
			cleanSummaries[0].Validation.ShortRows, resumedSummaries[0].Validation.ShortRows)
	}
	if _, ok := resumed.Checkpoints.Load("job-b", CheckpointPhase); ok {
		t.Fatalf("checkpoint survived successful resume")
	}
}

// Back-pressure: a tiny spill threshold forces spills while the final row
// count still equals the input row count.
func TestRunner_SpillBackPressure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out")
	m := buildFixture(t, dir, 500)

	r := &Runner{
		Config:         testConfig(1000),
		JobID:          "job-spill",
		Checkpoints:    jobs.NewCheckpointRegistry(filepath.Join(dir, "ckpt")),
		SpillThreshold: 20,
		WriterFormat:   "csv",
	}
	summaries, err := r.Run(context.Background(), m, dest)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	s := summaries[0]
	if s.Spill.Spills == 0 || s.Spill.RowsSpilled == 0 {
		t.Fatalf("expected spills, got %+v", s.Spill)
	}
	if s.Rows != 500 {
		t.Fatalf("rows = %d, want 500", s.Rows)
	}
	if got := len(readOutputRows(t, dest)); got != 500 {
		t.Fatalf("output rows = %d", got)
	}
}

func TestRunner_TwoSchemasConcurrently(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out")

	m := buildFixture(t, dir, 100)

	// Attach a second schema over a copy of the same blocks.
	m.Schemas = append(m.Schemas, model.SchemaDefinition{
		SchemaID: "s-2",
		Name:     "zitems",
		Columns:  m.Schemas[0].Columns,
	})
	extra := make([]model.FileBlock, len(m.Blocks))
	copy(extra, m.Blocks)
	for i := range extra {
		extra[i].SchemaID = "s-2"
	}
	m.Blocks = append(m.Blocks, extra...)

	r := &Runner{
		Config:         testConfig(64),
		JobID:          "job-two",
		Checkpoints:    jobs.NewCheckpointRegistry(filepath.Join(dir, "ckpt")),
		SpillThreshold: 64,
		WriterFormat:   "csv",
	}
	summaries, err := r.Run(context.Background(), m, dest)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("summaries = %d", len(summaries))
	}
	for _, s := range summaries {
		if s.Rows != 100 {
			t.Fatalf("schema %s rows = %d", s.SchemaName, s.Rows)
		}
	}
}

func TestBuildPlan(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := buildFixture(t, dir, 50)
	plan := BuildPlan(m, filepath.Join(dir, "out"))
	if len(plan) != 1 {
		t.Fatalf("plan entries = %d", len(plan))
	}
	entry := plan[0]
	if entry.SchemaName != "items" || entry.BlockCount != 2 {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.EstimatedRows != 50 {
		t.Fatalf("estimated = %d", entry.EstimatedRows)
	}
	if len(entry.SourceFiles) != 1 {
		t.Fatalf("source files = %v", entry.SourceFiles)
	}

	planPath := filepath.Join(dir, "plan.json")
	if err := WritePlan(plan, planPath); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	if _, err := os.Stat(planPath); err != nil {
		t.Fatalf("plan missing: %v", err)
	}
}
