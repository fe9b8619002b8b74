package cli

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"uscsv/internal/analysis"
	"uscsv/internal/config"
	"uscsv/internal/errs"
	"uscsv/internal/headers"
	"uscsv/internal/mapping"
	"uscsv/internal/model"
	"uscsv/internal/progress"
)

func newAnalyzeCommand() *cobra.Command {
	var (
		configPath     string
		profile        string
		output         string
		includeSamples bool
		progressLog    string
		storePath      string
	)

	cmd := &cobra.Command{
		Use:   "analyze <inputs...>",
		Short: "Analyze files and emit the mapping artifact",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := collectInputFiles(args)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return errs.New(errs.ConfigError, "no input files found under %v", args)
			}

			runtime, err := config.Load(configPath, profile)
			if err != nil {
				return err
			}
			progressLogger, err := progress.NewLogger(progressLog)
			if err != nil {
				return err
			}

			logger := log.New(os.Stderr, "", log.LstdFlags)
			logger.Printf("stage=analyze files=%d profile=%s block_size=%d parallel=%d",
				len(files), profile, runtime.Profile.BlockSize, runtime.Profile.MaxParallelFiles)

			engine := &analysis.Engine{
				Config: runtime,
				Logger: logger,
				Progress: func(p model.FileProgress) {
					p.Phase = "analyze"
					_ = progressLogger.Emit(p)
				},
			}
			results, err := engine.AnalyzeFiles(cmd.Context(), files)
			if err != nil {
				return err
			}

			var (
				blocks   []model.FileBlock
				profiles []model.ColumnProfileResult
			)
			for _, res := range results {
				blocks = append(blocks, res.Blocks...)
				profiles = append(profiles, res.ColumnProfiles...)
			}

			metadata := headers.BuildMetadata(results)
			clusterizer := &headers.Clusterizer{}
			clusters := clusterizer.Build(results)
			schemaMapping := mapping.DetectOffsets(clusters, profiles)

			doc := model.Mapping{
				ArtifactVersion:   mapping.ArtifactVersion,
				Blocks:            blocks,
				HeaderClusters:    clusters,
				SchemaMapping:     schemaMapping,
				FileHeaders:       metadata.FileHeaders,
				HeaderOccurrences: metadata.Occurrences,
				HeaderProfiles:    metadata.Profiles,
				ColumnProfiles:    profiles,
			}
			if err := mapping.Save(doc, output, includeSamples); err != nil {
				return err
			}
			if err := writeColumnProfileArtifact(profiles, output); err != nil {
				return err
			}

			st, err := openStore(storePath)
			if err != nil {
				return err
			}
			if st != nil {
				defer st.Close()
				if err := st.PersistMapping(doc); err != nil {
					return err
				}
				if err := st.PersistHeaderMetadata(metadata.FileHeaders, metadata.Occurrences, metadata.Profiles); err != nil {
					return err
				}
				if err := st.PersistColumnProfiles(profiles); err != nil {
					return err
				}
				if err := st.RecordAudit("mapping", "analyze", fmt.Sprintf("files=%d blocks=%d", len(files), len(blocks))); err != nil {
					return err
				}
			}

			logger.Printf("stage=analyze ok blocks=%d clusters=%d output=%s", len(blocks), len(clusters), output)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "config document path (built-in defaults when empty)")
	cmd.Flags().StringVar(&profile, "profile", "low_memory", "configuration profile (low_memory, workstation, ...)")
	cmd.Flags().StringVar(&output, "output", "output_data/mapping.json", "mapping artifact path")
	cmd.Flags().BoolVar(&includeSamples, "include-samples", false, "include per-column sample values in the artifact")
	cmd.Flags().StringVar(&progressLog, "progress-log", "", "JSONL file for structured progress events")
	cmd.Flags().StringVar(&storePath, "store", "", "durable SQLite store path")
	return cmd
}

func writeColumnProfileArtifact(profiles []model.ColumnProfileResult, mappingPath string) error {
	if len(profiles) == 0 {
		return nil
	}
	doc := model.Mapping{ArtifactVersion: mapping.ArtifactVersion, ColumnProfiles: profiles}
	return mapping.Save(doc, siblingArtifact(mappingPath, "column_profiles.json"), true)
}
