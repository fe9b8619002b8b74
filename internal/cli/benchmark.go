package cli

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"uscsv/internal/analysis"
	"uscsv/internal/config"
	"uscsv/internal/errs"
	"uscsv/internal/progress"
)

func newBenchmarkCommand() *cobra.Command {
	var (
		configPath string
		profile    string
		logPath    string
	)

	cmd := &cobra.Command{
		Use:   "benchmark <inputs...>",
		Short: "Measure phase 1 throughput",
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
			recorder, err := progress.NewBenchmarkRecorder(logPath)
			if err != nil {
				return err
			}

			logger := log.New(os.Stderr, "", log.LstdFlags)
			engine := &analysis.Engine{Config: runtime, Logger: logger}

			start := time.Now()
			results, err := engine.AnalyzeFiles(cmd.Context(), files)
			if err != nil {
				return err
			}
			duration := time.Since(start)

			var rows int64
			for _, res := range results {
				rows += int64(res.TotalLines)
			}
			if err := recorder.Record(strings.Join(args, ","), duration.Seconds(), rows); err != nil {
				return err
			}
			logger.Printf("stage=benchmark files=%d rows=%d duration=%s", len(files), rows, duration.Truncate(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "config document path (built-in defaults when empty)")
	cmd.Flags().StringVar(&profile, "profile", "low_memory", "configuration profile")
	cmd.Flags().StringVar(&logPath, "log", "artifacts/benchmarks.jsonl", "throughput JSONL destination")
	return cmd
}
