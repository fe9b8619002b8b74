package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"uscsv/internal/mapping"
)

func TestCollectInputFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	write := func(path string) {
		if err := os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write(filepath.Join(dir, "one.csv"))
	write(filepath.Join(sub, "two.tsv"))
	write(filepath.Join(sub, "ignored.parquet"))

	files, err := collectInputFiles([]string{dir, filepath.Join(dir, "one.csv")})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v", files)
	}
}

func TestSiblingArtifact(t *testing.T) {
	t.Parallel()

	got := siblingArtifact("/tmp/out/mapping.review.json", "header_clusters.json")
	if got != "/tmp/out/mapping.review.header_clusters.json" {
		t.Fatalf("sibling = %s", got)
	}
}

// Full workflow: analyze → review → normalize → materialize over a small
// fixture, driving the real command tree.
func TestCommands_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "retail.csv")
	content := strings.Join([]string{
		"id,name,price",
		"1,apple,1.50",
		"2,pear,2.10",
		"3,plum,0.99",
		"4,fig,3.30",
		"5,kiwi,1.10",
		"6,lime,0.80",
	}, "\n") + "\n"
	if err := os.WriteFile(input, []byte(content), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	mappingPath := filepath.Join(dir, "mapping.json")
	reviewPath := filepath.Join(dir, "mapping.review.json")
	normalizedPath := filepath.Join(dir, "mapping.normalized.json")
	dest := filepath.Join(dir, "out")
	storePath := filepath.Join(dir, "uscsv.db")

	run := func(args ...string) {
		t.Helper()
		root := NewRootCommand()
		root.SetArgs(args)
		if err := root.Execute(); err != nil {
			t.Fatalf("uscsv %s: %v", strings.Join(args, " "), err)
		}
	}

	run("analyze", input, "--output", mappingPath, "--store", storePath,
		"--progress-log", filepath.Join(dir, "progress.jsonl"))
	if _, err := os.Stat(mappingPath); err != nil {
		t.Fatalf("mapping artifact missing: %v", err)
	}
	if _, err := os.Stat(siblingArtifact(mappingPath, "column_profiles.json")); err != nil {
		t.Fatalf("column profile artifact missing: %v", err)
	}

	run("review", mappingPath, "--output", reviewPath, "--store", storePath)
	reviewed, err := mapping.Load(reviewPath)
	if err != nil {
		t.Fatalf("load reviewed: %v", err)
	}
	if len(reviewed.Schemas) != 1 {
		t.Fatalf("schemas = %d", len(reviewed.Schemas))
	}
	if _, err := os.Stat(siblingArtifact(mappingPath, "header_clusters.json")); err != nil {
		t.Fatalf("cluster artifact missing: %v", err)
	}

	run("normalize", reviewPath, "--output", normalizedPath, "--store", storePath)

	run("materialize", normalizedPath,
		"--dest", dest,
		"--checkpoint-dir", filepath.Join(dir, "ckpt"),
		"--plan", filepath.Join(dir, "plan.json"),
		"--store", storePath,
		"--job-id", "job-e2e",
		"--telemetry-log", filepath.Join(dir, "telemetry.jsonl"))

	outputs, err := filepath.Glob(filepath.Join(dest, "*.csv"))
	if err != nil || len(outputs) == 0 {
		t.Fatalf("no outputs: %v %v", outputs, err)
	}
	raw, err := os.ReadFile(outputs[0])
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	// Header plus the six data rows.
	if len(lines) != 7 {
		t.Fatalf("output lines = %d:\n%s", len(lines), raw)
	}
	if _, err := os.Stat(filepath.Join(dir, "plan.json")); err != nil {
		t.Fatalf("plan missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "telemetry.jsonl")); err == nil {
		// telemetry file may or may not exist depending on cadence; ignore.
		_ = err
	}
}
