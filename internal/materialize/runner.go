package materialize

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"uscsv/internal/canonical"
	"uscsv/internal/config"
	"uscsv/internal/errs"
	"uscsv/internal/jobs"
	"uscsv/internal/metrics"
	"uscsv/internal/model"
	"uscsv/internal/normalize"
	"uscsv/internal/resources"
	"uscsv/internal/synonyms"
	"uscsv/internal/writer"
)

// Logger is the minimal logging interface used by the runner.
type Logger interface {
	Printf(format string, v ...any)
}

// maxSchemaTasks is the fixed concurrency of schema tasks.
const maxSchemaTasks = 2

// etaHalfLife is the smoothing horizon for the rows/s estimate.
const etaHalfLife = 30 * time.Second

// progressCadence bounds progress emission per schema task.
const progressCadence = 500 * time.Millisecond

// CheckpointPhase is the registry phase key used by the runner.
const CheckpointPhase = "materialize"

// SchemaCheckpoint is the per-schema slice of the materialize checkpoint
// payload. Validation and spill counters travel with it so resumed runs
// report the same aggregates a crash-free run would.
type SchemaCheckpoint struct {
	NextBlockIndex int                     `json:"next_block_index"`
	Writer         writer.Snapshot         `json:"writer"`
	Validation     model.ValidationSummary `json:"validation"`
	Spill          model.SpillMetrics      `json:"spill"`
}

// CheckpointPayload is the phase payload: one entry per in-flight schema.
type CheckpointPayload struct {
	Schemas map[string]SchemaCheckpoint `json:"schemas"`
}

// JobSummary is the per-schema outcome of a run.
type JobSummary struct {
	SchemaID        string
	SchemaName      string
	BlocksProcessed int
	Rows            int64
	RowsPerSec      float64
	OutputFiles     []string
	Duration        time.Duration
	Validation      model.ValidationSummary
	Spill           model.SpillMetrics
}

// ToJobMetrics projects the summary into the persisted metrics row.
func (s JobSummary) ToJobMetrics(jobID string) model.JobMetrics {
	return model.JobMetrics{
		JobID:           jobID,
		SchemaID:        s.SchemaID,
		SchemaName:      s.SchemaName,
		Rows:            s.Rows,
		RowsPerSec:      s.RowsPerSec,
		ShortRows:       s.Validation.ShortRows,
		LongRows:        s.Validation.LongRows,
		EmptyRows:       s.Validation.EmptyRows,
		MissingRequired: s.Validation.MissingRequired,
		TypeMismatches:  s.Validation.TypeMismatches,
		SpillCount:      s.Spill.Spills,
		RowsSpilled:     s.Spill.RowsSpilled,
		DurationMS:      s.Duration.Milliseconds(),
	}
}

// Runner materializes a finalized mapping into destination outputs.
type Runner struct {
	Config      config.RuntimeConfig
	JobID       string
	Checkpoints *jobs.CheckpointRegistry
	Registry    *canonical.Registry
	Resources   *resources.Manager
	Logger      Logger
	Progress    func(model.FileProgress)

	WriterFormat   string
	SpillThreshold int
	DBURL          string

	// afterBlock is a test seam invoked after each block's checkpoint commit.
	// A non-nil error aborts the schema task as if the process had died there.
	afterBlock func(schemaID string, blockIdx int) error

	mu      sync.Mutex
	payload CheckpointPayload
}

func (r *Runner) logf(format string, v ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, v...)
		return
	}
	log.New(discard{}, "", 0).Printf(format, v...)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// Run executes one task per schema with at most two tasks in flight. Per
// schema, row emission preserves (file order, block order, intra-block row
// order); across schemas order is unspecified.
func (r *Runner) Run(ctx context.Context, m model.Mapping, destDir string) ([]JobSummary, error) {
	if r.SpillThreshold < 1 {
		r.SpillThreshold = 50000
	}
	r.loadCheckpoint()

	schemaByID := map[string]model.SchemaDefinition{}
	for _, s := range m.Schemas {
		schemaByID[s.SchemaID] = s
	}
	grouped := map[string][]model.FileBlock{}
	for _, b := range m.Blocks {
		if b.SchemaID == "" {
			continue
		}
		grouped[b.SchemaID] = append(grouped[b.SchemaID], b)
	}
	schemaIDs := make([]string, 0, len(grouped))
	for id := range grouped {
		if _, ok := schemaByID[id]; ok {
			schemaIDs = append(schemaIDs, id)
		}
	}
	sort.Slice(schemaIDs, func(i, j int) bool {
		return schemaByID[schemaIDs[i]].Name < schemaByID[schemaIDs[j]].Name
	})

	normalizer := normalize.NewRowNormalizer(m.SchemaMapping, m.ColumnProfiles)

	var (
		summaryMu sync.Mutex
		summaries []JobSummary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxSchemaTasks)
	for _, schemaID := range schemaIDs {
		schemaID := schemaID
		g.Go(func() error {
			summary, err := r.runSchema(gctx, schemaByID[schemaID], grouped[schemaID], destDir, normalizer)
			if err != nil {
				return err
			}
			summaryMu.Lock()
			summaries = append(summaries, summary)
			summaryMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summaries, err
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].SchemaName < summaries[j].SchemaName })
	return summaries, nil
}

func (r *Runner) runSchema(
	ctx context.Context,
	schema model.SchemaDefinition,
	blocks []model.FileBlock,
	destDir string,
	normalizer *normalize.RowNormalizer,
) (JobSummary, error) {
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].FilePath != blocks[j].FilePath {
			return blocks[i].FilePath < blocks[j].FilePath
		}
		return blocks[i].StartLine < blocks[j].StartLine
	})

	slug := synonyms.Slugify(schema.Name)
	summary := JobSummary{SchemaID: schema.SchemaID, SchemaName: schema.Name}

	// One worker plus the writer thread per task; no memory or disk budget is
	// reserved.
	lease, err := r.reserve()
	if err != nil {
		return summary, err
	}
	defer lease()

	ckpt := r.schemaCheckpoint(schema.SchemaID)
	startBlock := ckpt.NextBlockIndex
	var resume *writer.Snapshot
	if startBlock > 0 {
		snap := ckpt.Writer
		resume = &snap
	}

	header := make([]string, 0, len(schema.Columns))
	for _, col := range schema.Columns {
		name := col.NormalizedName
		if name == "" {
			name = col.RawName
		}
		header = append(header, name)
	}

	var validator *canonical.Validator
	if r.Registry != nil {
		if contract, ok := r.Registry.Resolve(schema); ok {
			validator = canonical.NewValidator(schema, contract)
		}
	}
	tracker := NewValidationTracker(len(header), validator)
	if startBlock > 0 {
		tracker.Seed(ckpt.Validation)
	}

	w, err := writer.New(ctx, r.WriterFormat, writer.Options{
		DestDir:   destDir,
		Slug:      slug,
		Header:    header,
		ChunkRows: r.Config.Profile.WriterChunkRows,
		Resume:    resume,
		DBURL:     r.DBURL,
	})
	if err != nil {
		return summary, err
	}
	closed := false
	defer func() {
		if !closed {
			// Failure or cancellation: release without finalizing, so the
			// last committed checkpoint bounds replay.
			w.Abort()
		}
	}()

	spoolDir := destDir
	if r.Resources != nil {
		if dir, derr := r.Resources.ScratchDir(r.JobID, CheckpointPhase, slug); derr == nil {
			spoolDir = dir
		}
	}
	sink := func(row normalize.NormalizedRow) error {
		values := tracker.Normalize(row.Values, row.ObservedLength)
		return w.WriteRows(ctx, [][]string{values})
	}
	spill := NewSpillBuffer(sink, r.SpillThreshold, spoolDir)
	if startBlock > 0 {
		spill.Telemetry = ckpt.Spill
	}

	var (
		totalEstimated int64
		parseSkips     int64
	)
	for _, b := range blocks {
		totalEstimated += int64(b.RowCount())
	}

	eta := newETAEstimator(etaHalfLife)
	lastTick := time.Time{}
	processedRows := w.TotalRows()
	start := time.Now()

	emit := func(filePath string, force bool) {
		if r.Progress == nil {
			return
		}
		if !force && time.Since(lastTick) < progressCadence {
			return
		}
		lastTick = time.Now()
		rate := eta.Rate()
		tick := model.FileProgress{
			JobID:         r.JobID,
			SchemaID:      schema.SchemaID,
			SchemaName:    schema.Name,
			FilePath:      filePath,
			Phase:         CheckpointPhase,
			ProcessedRows: processedRows,
			TotalRows:     totalEstimated,
			SpillRows:     spill.Telemetry.RowsSpilled,
		}
		if rate > 0 {
			rateCopy := rate
			tick.RowsPerSec = &rateCopy
			if remaining := totalEstimated - processedRows; remaining > 0 {
				etaSec := float64(remaining) / rate
				tick.ETASeconds = &etaSec
			}
		}
		r.Progress(tick)
	}

	onParseError := func(err error) {
		parseSkips++
		r.logf("stage=materialize schema=%s parse_skip=%d err=%v", slug, parseSkips, err)
	}

	for idx, block := range blocks {
		if idx < startBlock {
			summary.BlocksProcessed++
			continue
		}
		// Cooperative cancellation between blocks.
		if err := ctx.Err(); err != nil {
			return summary, errs.Wrap(errs.UserAbort, err, "materialize %s", slug)
		}

		err := readBlockRows(ctx, block, r.Config.Global.NormalizedEncoding(), onParseError, func(row []string) error {
			nr := normalizer.Normalize(row, schema, block.FilePath)
			if err := spill.Push(nr); err != nil {
				return err
			}
			processedRows++
			eta.Observe(processedRows)
			emit(block.FilePath, false)
			return nil
		})
		if err != nil {
			return summary, err
		}

		if err := spill.Flush(); err != nil {
			return summary, err
		}
		snap, err := w.Commit(ctx)
		if err != nil {
			return summary, err
		}
		if err := r.saveCheckpoint(schema.SchemaID, SchemaCheckpoint{
			NextBlockIndex: idx + 1,
			Writer:         snap,
			Validation:     tracker.Summary(),
			Spill:          spill.Telemetry,
		}); err != nil {
			return summary, err
		}
		summary.BlocksProcessed++
		if r.afterBlock != nil {
			if err := r.afterBlock(schema.SchemaID, idx); err != nil {
				return summary, err
			}
		}
	}

	if err := spill.Close(); err != nil {
		return summary, err
	}
	if err := w.Close(ctx); err != nil {
		return summary, err
	}
	closed = true

	summary.Duration = time.Since(start)
	summary.Rows = w.TotalRows()
	if secs := summary.Duration.Seconds(); secs > 0 {
		summary.RowsPerSec = float64(summary.Rows) / secs
	} else {
		summary.RowsPerSec = float64(summary.Rows)
	}
	summary.OutputFiles = w.OutputFiles()
	summary.Validation = tracker.Summary()
	summary.Spill = spill.Telemetry

	// Schema finished: its checkpoint record is removed.
	if err := r.clearCheckpoint(schema.SchemaID); err != nil {
		return summary, err
	}
	emit(schema.Name, true)
	r.reportMetrics(summary)
	r.logf("stage=materialize schema=%s rows=%d rows_per_sec=%.0f spills=%d short_rows=%d long_rows=%d duration=%s",
		slug, summary.Rows, summary.RowsPerSec, summary.Spill.Spills,
		summary.Validation.ShortRows, summary.Validation.LongRows, summary.Duration.Truncate(time.Millisecond))
	return summary, nil
}

func (r *Runner) reportMetrics(s JobSummary) {
	labels := metrics.Labels{"schema": s.SchemaID}
	metrics.IncCounter(metrics.MetricRowsTotal, float64(s.Rows), labels)
	metrics.IncCounter(metrics.MetricShortRowsTotal, float64(s.Validation.ShortRows), labels)
	metrics.IncCounter(metrics.MetricLongRowsTotal, float64(s.Validation.LongRows), labels)
	metrics.IncCounter(metrics.MetricMissingRequired, float64(s.Validation.MissingRequired), labels)
	metrics.IncCounter(metrics.MetricTypeMismatches, float64(s.Validation.TypeMismatches), labels)
	metrics.IncCounter(metrics.MetricSpillsTotal, float64(s.Spill.Spills), labels)
	metrics.IncCounter(metrics.MetricRowsSpilled, float64(s.Spill.RowsSpilled), labels)
	metrics.ObserveGauge(metrics.MetricRowsPerSec, s.RowsPerSec, labels)
}

func (r *Runner) reserve() (func(), error) {
	if r.Resources == nil {
		return func() {}, nil
	}
	lease, err := r.Resources.Reserve(0, 0, 2)
	if err != nil {
		return nil, err
	}
	return lease.Release, nil
}

// Checkpoint payload handling. The payload covers every in-flight schema, so
// concurrent tasks serialize their slice updates through the runner.

func (r *Runner) loadCheckpoint() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payload = CheckpointPayload{Schemas: map[string]SchemaCheckpoint{}}
	if r.Checkpoints == nil {
		return
	}
	rec, ok := r.Checkpoints.Load(r.JobID, CheckpointPhase)
	if !ok {
		return
	}
	var payload CheckpointPayload
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return
	}
	if payload.Schemas != nil {
		r.payload = payload
	}
}

func (r *Runner) schemaCheckpoint(schemaID string) SchemaCheckpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payload.Schemas[schemaID]
}

func (r *Runner) saveCheckpoint(schemaID string, ckpt SchemaCheckpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payload.Schemas[schemaID] = ckpt
	return r.persistLocked()
}

func (r *Runner) clearCheckpoint(schemaID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.payload.Schemas, schemaID)
	if len(r.payload.Schemas) == 0 && r.Checkpoints != nil {
		return r.Checkpoints.Clear(r.JobID, CheckpointPhase)
	}
	return r.persistLocked()
}

func (r *Runner) persistLocked() error {
	if r.Checkpoints == nil {
		return nil
	}
	return r.Checkpoints.Save(r.JobID, CheckpointPhase, r.payload)
}

// etaEstimator keeps an exponentially smoothed rows/s over the configured
// horizon.
type etaEstimator struct {
	halfLife time.Duration
	lastAt   time.Time
	lastRows int64
	rate     float64
}

func newETAEstimator(halfLife time.Duration) *etaEstimator {
	return &etaEstimator{halfLife: halfLife}
}

func (e *etaEstimator) Observe(rows int64) {
	now := time.Now()
	if e.lastAt.IsZero() {
		e.lastAt = now
		e.lastRows = rows
		return
	}
	dt := now.Sub(e.lastAt)
	if dt < 100*time.Millisecond {
		return
	}
	instant := float64(rows-e.lastRows) / dt.Seconds()
	alpha := 1 - math.Exp2(-float64(dt)/float64(e.halfLife))
	if e.rate == 0 {
		e.rate = instant
	} else {
		e.rate += alpha * (instant - e.rate)
	}
	e.lastAt = now
	e.lastRows = rows
}

func (e *etaEstimator) Rate() float64 { return e.rate }
