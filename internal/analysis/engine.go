package analysis

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"uscsv/internal/config"
	"uscsv/internal/errs"
	"uscsv/internal/model"
)

// Logger is the minimal logging interface used by the analysis engine.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// ProgressFn receives progress ticks. Callbacks must be fast; slow consumers
// should buffer on their side.
type ProgressFn func(model.FileProgress)

// progressCadence is the minimum interval between progress ticks per file.
const progressCadence = 500 * time.Millisecond

// Throttle windowing. A window closes after throttleWindowSamples block reads.
const (
	throttleWindowSamples = 8
	slowWindowsToHalve    = 3
	fastWindowsToDouble   = 6
	defaultSlowThreshold  = 2 * time.Second
)

// AdaptiveThrottle adjusts worker concurrency from observed block-read
// latency: three consecutive slow windows halve the limit (floor 1), six
// consecutive fast windows (under half the threshold) double it (cap max).
type AdaptiveThrottle struct {
	mu         sync.Mutex
	max        int
	limit      int
	threshold  time.Duration
	samples    []time.Duration
	slowStreak int
	fastStreak int
}

func NewAdaptiveThrottle(max int, threshold time.Duration) *AdaptiveThrottle {
	if max < 1 {
		max = 1
	}
	if threshold <= 0 {
		threshold = defaultSlowThreshold
	}
	return &AdaptiveThrottle{max: max, limit: max, threshold: threshold}
}

// Report folds one block-read latency sample into the current window.
func (t *AdaptiveThrottle) Report(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples = append(t.samples, d)
	if len(t.samples) < throttleWindowSamples {
		return
	}
	var sum time.Duration
	for _, s := range t.samples {
		sum += s
	}
	avg := sum / time.Duration(len(t.samples))
	t.samples = t.samples[:0]

	switch {
	case avg > t.threshold:
		t.slowStreak++
		t.fastStreak = 0
		if t.slowStreak >= slowWindowsToHalve {
			t.slowStreak = 0
			if t.limit > 1 {
				t.limit /= 2
				if t.limit < 1 {
					t.limit = 1
				}
			}
		}
	case avg < t.threshold/2:
		t.fastStreak++
		t.slowStreak = 0
		if t.fastStreak >= fastWindowsToDouble {
			t.fastStreak = 0
			if t.limit < t.max {
				t.limit *= 2
				if t.limit > t.max {
					t.limit = t.max
				}
			}
		}
	default:
		t.slowStreak = 0
		t.fastStreak = 0
	}
}

// Limit returns the current concurrency allowance.
func (t *AdaptiveThrottle) Limit() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limit
}

// Engine coordinates phase 1 analysis across multiple files.
type Engine struct {
	Config   config.RuntimeConfig
	Logger   Logger
	Progress ProgressFn

	// SlowThreshold overrides the adaptive-throttle latency threshold.
	SlowThreshold time.Duration
}

func (e *Engine) logf(format string, v ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, v...)
		return
	}
	log.New(discardWriter{}, "", 0).Printf(format, v...)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// AnalyzeFiles runs block-sampled analysis over every file with an
// adaptively-throttled worker pool. Results come back in input order.
// Cancellation is cooperative: in-flight block reads complete, then workers
// release.
func (e *Engine) AnalyzeFiles(ctx context.Context, files []string) ([]model.FileAnalysisResult, error) {
	if len(files) == 0 {
		return nil, nil
	}

	maxWorkers := e.Config.Profile.MaxParallelFiles
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if lw := e.Config.Profile.ResourceLimits.MaxWorkers; lw > 0 && maxWorkers > lw {
		maxWorkers = lw
	}
	throttle := NewAdaptiveThrottle(maxWorkers, e.SlowThreshold)

	type outcome struct {
		idx int
		res model.FileAnalysisResult
		dur time.Duration
		err error
	}
	doneCh := make(chan outcome)

	launch := func(idx int) {
		go func() {
			start := time.Now()
			res, err := e.AnalyzeFile(ctx, files[idx], throttle)
			doneCh <- outcome{idx: idx, res: res, dur: time.Since(start), err: err}
		}()
	}

	results := make([]model.FileAnalysisResult, len(files))
	var firstErr error
	next, inFlight := 0, 0
	for next < len(files) || inFlight > 0 {
		for firstErr == nil && ctx.Err() == nil && inFlight < throttle.Limit() && next < len(files) {
			launch(next)
			next++
			inFlight++
		}
		if inFlight == 0 {
			break
		}
		out := <-doneCh
		inFlight--
		if out.err != nil {
			if firstErr == nil {
				firstErr = out.err
			}
			continue
		}
		results[out.idx] = out.res
		e.logf("stage=analyze file=%s lines=%d blocks=%d duration=%s",
			out.res.FilePath, out.res.TotalLines, len(out.res.Blocks), out.dur.Truncate(time.Millisecond))
		e.emit(out.res)
	}

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.UserAbort, err, "analysis cancelled")
	}
	return results, nil
}

// AnalyzeFile analyzes a single file: line count, block plan, per-block
// signatures, then a whole-file streaming column profile.
func (e *Engine) AnalyzeFile(ctx context.Context, path string, throttle *AdaptiveThrottle) (model.FileAnalysisResult, error) {
	res := model.FileAnalysisResult{FilePath: path}

	encoding, warn := e.resolveEncoding(path)
	res.Encoding = encoding
	if warn != "" {
		res.Warnings = append(res.Warnings, warn)
	}

	total, err := CountLines(path)
	if err != nil {
		return res, err
	}
	res.TotalLines = total

	plan := PlanBlocks(total, e.Config.Profile.BlockSize, e.Config.Profile.MinGapLines)
	streamer := &BlockStreamer{Encoding: encoding}

	sampleCap := e.Config.Profile.SampleValuesCap
	ratio := e.Config.Profile.HeaderNontextRate

	lastBlockEnd := time.Now()
	err = streamer.Stream(ctx, path, plan, func(sb StreamedBlock) error {
		if throttle != nil {
			throttle.Report(time.Since(lastBlockEnd))
		}
		lastBlockEnd = time.Now()

		sig := BuildSignature(sb.Lines, sampleCap, ratio)
		res.Blocks = append(res.Blocks, model.FileBlock{
			FilePath:  path,
			BlockID:   sb.Block.BlockID,
			StartLine: sb.Block.StartLine,
			EndLine:   sb.Block.EndLine,
			ByteStart: sb.ByteStart,
			ByteEnd:   sb.ByteEnd,
			Signature: sig,
		})
		return nil
	})
	if err != nil {
		return res, err
	}

	for _, b := range res.Blocks {
		if len(b.Signature.HeaderSample) > 0 {
			res.RawHeaders = b.Signature.HeaderSample
			break
		}
	}

	profiles, err := e.profileColumns(ctx, path, encoding, res)
	if err != nil {
		return res, err
	}
	res.ColumnProfiles = profiles
	return res, nil
}

// profileColumns streams every row of the file through the column profiler
// using the delimiter of the first sampled block that found any columns.
func (e *Engine) profileColumns(ctx context.Context, path, encoding string, res model.FileAnalysisResult) ([]model.ColumnProfileResult, error) {
	delimiter := ","
	for _, b := range res.Blocks {
		if b.Signature.ColumnCount > 0 {
			delimiter = b.Signature.Delimiter
			break
		}
	}

	profiler := NewColumnProfiler(e.Config.Profile.SampleValuesCap)
	streamer := &BlockStreamer{Encoding: encoding}

	lastTick := time.Time{}
	var rows int64
	split := func(line string) []string { return splitDelimited(line, delimiter) }
	err := streamer.ScanRows(ctx, path, split,
		func(header []string) { profiler.ConsumeHeader(header) },
		func(row []string) {
			profiler.ObserveRow(row)
			rows++
			if e.Progress != nil && time.Since(lastTick) >= progressCadence {
				lastTick = time.Now()
				e.Progress(model.FileProgress{
					FilePath:      path,
					Phase:         "analyze",
					ProcessedRows: rows,
					TotalRows:     int64(res.TotalLines),
				})
			}
		})
	if err != nil {
		return nil, err
	}
	return profiler.Finalize(path), nil
}

func splitDelimited(line, delimiter string) []string {
	if delimiter == "" {
		return []string{line}
	}
	return strings.Split(line, delimiter)
}

// resolveEncoding picks the effective per-file encoding. When the configured
// encoding is UTF-8 but the first chunk contains invalid sequences, the file
// is read as Windows-1251 instead and a fallback warning is attached.
func (e *Engine) resolveEncoding(path string) (string, string) {
	configured := e.Config.Global.NormalizedEncoding()
	if !KnownEncoding(configured) {
		return EncodingUTF8, model.WarnEncodingFallback
	}
	if configured != EncodingUTF8 {
		return configured, ""
	}

	f, err := os.Open(path)
	if err != nil {
		return configured, ""
	}
	defer f.Close()

	buf := make([]byte, 64<<10)
	n, _ := f.Read(buf)
	sample := buf[:n]
	// Trim a possibly split trailing rune before validating.
	for i := 0; i < 3 && len(sample) > 0 && !utf8.Valid(sample); i++ {
		sample = sample[:len(sample)-1]
	}
	if !utf8.Valid(sample) {
		e.logf("stage=analyze file=%s encoding_fallback=%s", path, EncodingWindows1251)
		return EncodingWindows1251, model.WarnEncodingFallback
	}
	return configured, ""
}

func (e *Engine) emit(res model.FileAnalysisResult) {
	if e.Progress == nil {
		return
	}
	e.Progress(model.FileProgress{
		FilePath:      res.FilePath,
		Phase:         "analyze-complete",
		ProcessedRows: int64(res.TotalLines),
		TotalRows:     int64(res.TotalLines),
	})
}
