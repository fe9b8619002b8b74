// Package materialize is phase 3: schema-scoped tasks, the two-slot job
// runner with spill-to-temp back-pressure, per-block checkpointing and live
// progress telemetry.
package materialize

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"uscsv/internal/errs"
	"uscsv/internal/model"
	"uscsv/internal/synonyms"
)

// PlanEntry describes one schema task of a materialization plan.
type PlanEntry struct {
	SchemaID      string   `json:"schema_id"`
	SchemaName    string   `json:"schema_name"`
	BlockCount    int      `json:"block_count"`
	EstimatedRows int      `json:"estimated_rows"`
	OutputPath    string   `json:"output_path"`
	SourceFiles   []string `json:"source_files"`
}

// BuildPlan groups mapping blocks per schema into ordered task entries.
func BuildPlan(m model.Mapping, destDir string) []PlanEntry {
	schemaNames := map[string]string{}
	for _, s := range m.Schemas {
		schemaNames[s.SchemaID] = s.Name
	}
	grouped := map[string][]model.FileBlock{}
	for _, b := range m.Blocks {
		if b.SchemaID == "" {
			continue
		}
		grouped[b.SchemaID] = append(grouped[b.SchemaID], b)
	}

	plan := make([]PlanEntry, 0, len(grouped))
	for schemaID, blocks := range grouped {
		name := schemaNames[schemaID]
		if name == "" {
			name = schemaID
		}
		estimated := 0
		files := map[string]struct{}{}
		for _, b := range blocks {
			estimated += b.RowCount()
			files[b.FilePath] = struct{}{}
		}
		sourceFiles := make([]string, 0, len(files))
		for f := range files {
			sourceFiles = append(sourceFiles, f)
		}
		sort.Strings(sourceFiles)
		plan = append(plan, PlanEntry{
			SchemaID:      schemaID,
			SchemaName:    name,
			BlockCount:    len(blocks),
			EstimatedRows: estimated,
			OutputPath:    filepath.Join(destDir, synonyms.Slugify(name)+".csv"),
			SourceFiles:   sourceFiles,
		})
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].SchemaName < plan[j].SchemaName })
	return plan
}

// WritePlan persists the plan JSON next to the outputs.
func WritePlan(plan []PlanEntry, path string) error {
	raw, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return errs.Wrap(errs.StorageFailure, err, "encode plan")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.IOError, err, "create plan dir")
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return errs.Wrap(errs.IOError, err, "write plan %s", path)
	}
	return nil
}
