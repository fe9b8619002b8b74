package cli

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"uscsv/internal/canonical"
	"uscsv/internal/config"
	"uscsv/internal/errs"
	"uscsv/internal/jobs"
	"uscsv/internal/mapping"
	"uscsv/internal/materialize"
	"uscsv/internal/metrics"
	"uscsv/internal/metrics/datadog"
	"uscsv/internal/model"
	"uscsv/internal/progress"
	"uscsv/internal/resources"
)

func newMaterializeCommand() *cobra.Command {
	var (
		configPath     string
		profile        string
		dest           string
		planPath       string
		checkpointDir  string
		storePath      string
		writerFormat   string
		spillThreshold int
		telemetryLog   string
		dbURL          string
		canonicalPath  string
		jobID          string
		resumeJobID    string
		metricsBackend string
		metricsTags    string
	)

	cmd := &cobra.Command{
		Use:   "materialize <mapping>",
		Short: "Write normalized datasets with checkpointed resume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := config.Load(configPath, profile)
			if err != nil {
				return err
			}
			doc, err := mapping.Load(args[0])
			if err != nil {
				return err
			}
			if writerFormat == "database" && dbURL == "" {
				return errs.New(errs.ConfigError, "--db-url is required when --writer-format=database")
			}
			if resumeJobID != "" && jobID != "" && resumeJobID != jobID {
				return errs.New(errs.ConfigError, "--resume JOB_ID must match --job-id when both are provided")
			}

			logger := log.New(os.Stderr, "", log.LstdFlags)

			// Only the checkpoint registry is part of the contract; a legacy
			// single-file path is mapped onto its parent directory.
			if strings.EqualFold(filepath.Ext(checkpointDir), ".json") {
				logger.Printf("stage=materialize legacy_checkpoint=%s using_dir=%s", checkpointDir, filepath.Dir(checkpointDir))
				checkpointDir = filepath.Dir(checkpointDir)
			}

			registry, err := canonical.LoadRegistry(canonicalPath)
			if err != nil {
				return err
			}
			manager, err := resources.NewManager(runtime.Profile.ResourceLimits)
			if err != nil {
				return err
			}
			telemetry, err := progress.NewLogger(telemetryLog)
			if err != nil {
				return err
			}

			st, err := openStore(storePath)
			if err != nil {
				return err
			}
			if st != nil {
				defer st.Close()
			}

			if metricsBackend == "datadog" {
				backend, err := datadog.NewBackend(cmd.Context(), datadog.Options{
					JobName: "uscsv_materialize",
					Tags:    datadog.ParseTagsCSV(metricsTags),
				})
				if err != nil {
					logger.Printf("stage=materialize metrics_init_error=%v backend=nop", err)
				} else {
					metrics.SetBackend(backend)
					defer func() {
						if err := backend.Close(); err != nil {
							logger.Printf("stage=materialize metrics_flush_error=%v", err)
						}
					}()
				}
			}

			resume := resumeJobID != ""
			id := jobID
			if resume {
				id = resumeJobID
			}
			if id == "" {
				id = "job-" + uuid.NewString()
			}
			ckpts := jobs.NewCheckpointRegistry(checkpointDir)
			if !resume {
				if err := ckpts.Clear(id, materialize.CheckpointPhase); err != nil {
					return err
				}
			}

			var transitions jobs.TransitionStore
			if st != nil {
				transitions = st
			}
			tracker, err := jobs.NewStateMachine(id, transitions, map[string]string{"command": "materialize"})
			if err != nil {
				return err
			}
			logger.Printf("stage=materialize job_id=%s resume=%t writer=%s", id, resume, writerFormat)

			if len(doc.SchemaMapping) == 0 && len(doc.HeaderClusters) > 0 {
				doc.SchemaMapping = mapping.DetectOffsets(doc.HeaderClusters, doc.ColumnProfiles)
				logger.Printf("stage=materialize derived_schema_mapping=%d", len(doc.SchemaMapping))
			}

			runner := &materialize.Runner{
				Config:         runtime,
				JobID:          id,
				Checkpoints:    ckpts,
				Registry:       registry,
				Resources:      manager,
				Logger:         logger,
				WriterFormat:   writerFormat,
				SpillThreshold: spillThreshold,
				DBURL:          dbURL,
				Progress: func(p model.FileProgress) {
					_ = telemetry.Emit(p)
					if st != nil {
						if err := st.RecordProgressEvent(p); err != nil {
							logger.Printf("stage=materialize progress_store_error=%v", err)
						}
					}
				},
			}

			if err := tracker.Transition(model.StateMaterializing, "writing schema outputs"); err != nil {
				return err
			}
			summaries, runErr := runner.Run(cmd.Context(), doc, dest)
			if runErr != nil {
				if kind, ok := errs.KindOf(runErr); ok && kind == errs.UserAbort {
					_ = tracker.MarkCancelled(runErr.Error())
				} else {
					_ = tracker.MarkFailed(runErr)
				}
				// Terminal state: scratch goes away, the checkpoint stays.
				manager.Cleanup(id)
				return runErr
			}

			if err := tracker.Transition(model.StateValidating, "aggregating validation counters"); err != nil {
				return err
			}
			var totalRows int64
			for _, summary := range summaries {
				totalRows += summary.Rows
				if st != nil {
					if err := st.RecordJobMetrics(summary.ToJobMetrics(id)); err != nil {
						_ = tracker.MarkFailed(err)
						return err
					}
				}
				logger.Printf("stage=materialize schema=%s rows=%d short_rows=%d long_rows=%d missing_required=%d type_mismatches=%d spills=%d files=%d",
					summary.SchemaName, summary.Rows,
					summary.Validation.ShortRows, summary.Validation.LongRows,
					summary.Validation.MissingRequired, summary.Validation.TypeMismatches,
					summary.Spill.Spills, len(summary.OutputFiles))
			}

			plan := materialize.BuildPlan(doc, dest)
			if err := materialize.WritePlan(plan, planPath); err != nil {
				return err
			}
			if st != nil {
				if err := st.RecordAudit("materialization", "materialize", fmt.Sprintf("schemas=%d rows=%d", len(summaries), totalRows)); err != nil {
					return err
				}
			}

			if err := tracker.Transition(model.StateDone, fmt.Sprintf("rows=%d", totalRows)); err != nil {
				return err
			}
			manager.Cleanup(id)
			logger.Printf("stage=materialize ok schemas=%d rows=%d dest=%s", len(summaries), totalRows, dest)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "config document path (built-in defaults when empty)")
	cmd.Flags().StringVar(&profile, "profile", "low_memory", "configuration profile")
	cmd.Flags().StringVar(&dest, "dest", "output_data", "destination directory for outputs")
	cmd.Flags().StringVar(&planPath, "plan", "artifacts/materialization_plan.json", "materialization plan JSON path")
	cmd.Flags().StringVar(&checkpointDir, "checkpoint-dir", "artifacts/checkpoints", "checkpoint registry directory")
	cmd.Flags().StringVar(&storePath, "store", "", "durable SQLite store path")
	cmd.Flags().StringVar(&writerFormat, "writer-format", "csv", "output format: csv, parquet or database")
	cmd.Flags().IntVar(&spillThreshold, "spill-threshold", 50000, "rows buffered before spilling to scratch files")
	cmd.Flags().StringVar(&telemetryLog, "telemetry-log", "", "JSONL progress telemetry path")
	cmd.Flags().StringVar(&dbURL, "db-url", "", "database target for --writer-format=database")
	cmd.Flags().StringVar(&canonicalPath, "canonical-schemas", "", "canonical contract store JSON path")
	cmd.Flags().StringVar(&jobID, "job-id", "", "job identifier (auto-generated when omitted)")
	cmd.Flags().StringVar(&resumeJobID, "resume", "", "resume a previous run with the given job id")
	cmd.Flags().StringVar(&metricsBackend, "metrics-backend", "none", "metrics backend: none or datadog")
	cmd.Flags().StringVar(&metricsTags, "metrics-tags", "", "extra metric tags, e.g. env:prod,service:uscsv")
	return cmd
}
