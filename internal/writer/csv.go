package writer

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"uscsv/internal/errs"
)

// partialSuffix marks a chunk that has not been atomically finalized yet.
const partialSuffix = ".partial"

// csvWriter writes chunked CSV files.
//
// Crash-consistency scheme: a completed chunk stays staged (.partial) until
// a checkpoint covering it has been committed by the caller, and is renamed
// into place on the following Commit. The caller's protocol per block is
// Commit() then persist the returned snapshot; chunks finalized by a Commit
// are therefore always older than the previously persisted snapshot. A crash
// leaves only staged files past the last checkpoint, which resume truncates
// (checkpointed ordinal) or discards (later ordinals) — finalized chunks are
// never observed as duplicates after resume.
type csvWriter struct {
	opts Options

	file        *os.File
	enc         *csv.Writer
	chunk       int
	rowsInChunk int64
	totalRows   int64
	// pending holds staged-complete chunk ordinals not yet renamed.
	pending []int
	// coveredChunk is the chunk ordinal of the previous Commit; pending
	// ordinals below it are covered by a persisted checkpoint.
	coveredChunk int
	outputs      []string
}

func newCSVWriter(opts Options) (*csvWriter, error) {
	w := &csvWriter{opts: opts, coveredChunk: -1}
	if err := os.MkdirAll(opts.DestDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.IOError, err, "create dest dir %s", opts.DestDir)
	}

	if snap := opts.Resume; snap != nil {
		w.chunk = snap.ChunkOrdinal
		w.rowsInChunk = snap.RowsInChunk
		w.totalRows = snap.TotalRows
		w.outputs = append(w.outputs, snap.OutputFiles...)
		w.coveredChunk = snap.ChunkOrdinal
		if err := w.recoverStaged(); err != nil {
			return nil, err
		}
		if snap.RowsInChunk > 0 {
			if err := w.reopenStaged(snap.ByteOffset); err != nil {
				return nil, err
			}
			return w, nil
		}
	}
	if err := w.startChunk(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *csvWriter) stagedPathFor(ordinal int) string {
	return filepath.Join(w.opts.DestDir, chunkFileName(w.opts.Slug, ordinal, "csv")+partialSuffix)
}

func (w *csvWriter) finalPathFor(ordinal int) string {
	return filepath.Join(w.opts.DestDir, chunkFileName(w.opts.Slug, ordinal, "csv"))
}

// recoverStaged reconciles staged files against the checkpointed ordinal:
// older staged chunks are fully covered and get their late rename, the
// checkpointed one is handled by reopenStaged, newer ones hold only rows the
// resume will replay and are dropped.
func (w *csvWriter) recoverStaged() error {
	pattern := filepath.Join(w.opts.DestDir, w.opts.Slug+"_*.csv"+partialSuffix)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return errs.Wrap(errs.IOError, err, "scan staged chunks")
	}
	for _, staged := range matches {
		ordinal, ok := chunkOrdinalOf(staged, w.opts.Slug)
		if !ok {
			continue
		}
		switch {
		case ordinal < w.chunk:
			if err := w.renameChunk(ordinal); err != nil {
				return err
			}
		case ordinal > w.chunk:
			if err := os.Remove(staged); err != nil && !os.IsNotExist(err) {
				return errs.Wrap(errs.IOError, err, "drop stale chunk %s", staged)
			}
		}
	}
	return nil
}

func chunkOrdinalOf(stagedPath, slug string) (int, bool) {
	base := filepath.Base(stagedPath)
	base = strings.TrimSuffix(base, partialSuffix)
	base = strings.TrimSuffix(base, ".csv")
	base = strings.TrimPrefix(base, slug+"_")
	n, err := strconv.Atoi(base)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (w *csvWriter) startChunk() error {
	path := w.stagedPathFor(w.chunk)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Wrap(errs.IOError, err, "create chunk %s", path)
	}
	w.file = f
	w.enc = csv.NewWriter(f)
	w.rowsInChunk = 0
	if err := w.enc.Write(w.opts.Header); err != nil {
		return errs.Wrap(errs.IOError, err, "write header %s", path)
	}
	return nil
}

// reopenStaged resumes the checkpointed chunk: truncate rows written after
// the last commit, keep the already-written header.
func (w *csvWriter) reopenStaged(byteOffset int64) error {
	path := w.stagedPathFor(w.chunk)
	info, err := os.Stat(path)
	if err != nil || info.Size() < byteOffset {
		// Staged chunk is gone or shorter than the committed cursor; nothing
		// recoverable remains, restart the ordinal.
		w.totalRows -= w.rowsInChunk
		return w.startChunk()
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Wrap(errs.IOError, err, "reopen chunk %s", path)
	}
	if err := f.Truncate(byteOffset); err != nil {
		f.Close()
		return errs.Wrap(errs.IOError, err, "truncate chunk %s", path)
	}
	if _, err := f.Seek(byteOffset, 0); err != nil {
		f.Close()
		return errs.Wrap(errs.IOError, err, "seek chunk %s", path)
	}
	w.file = f
	w.enc = csv.NewWriter(f)
	return nil
}

func (w *csvWriter) WriteRows(ctx context.Context, batch [][]string) error {
	for _, row := range batch {
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.UserAbort, ctx.Err(), "csv write")
		default:
		}
		if w.rowsInChunk >= int64(w.opts.ChunkRows) {
			if err := w.Rotate(ctx); err != nil {
				return err
			}
		}
		if err := w.enc.Write(row); err != nil {
			return errs.Wrap(errs.IOError, err, "write row %s", w.stagedPathFor(w.chunk))
		}
		w.rowsInChunk++
		w.totalRows++
	}
	return nil
}

// Rotate closes the staged chunk and opens the next ordinal. The closed
// chunk stays staged until a covering checkpoint lands.
func (w *csvWriter) Rotate(ctx context.Context) error {
	if err := w.flushAndCloseCurrent(); err != nil {
		return err
	}
	w.pending = append(w.pending, w.chunk)
	if final := w.finalPathFor(w.chunk); !containsString(w.outputs, final) {
		w.outputs = append(w.outputs, final)
	}
	w.chunk++
	return w.startChunk()
}

func (w *csvWriter) flushAndCloseCurrent() error {
	path := w.stagedPathFor(w.chunk)
	w.enc.Flush()
	if err := w.enc.Error(); err != nil {
		return errs.Wrap(errs.IOError, err, "flush chunk %s", path)
	}
	if err := w.file.Sync(); err != nil {
		return errs.Wrap(errs.IOError, err, "sync chunk %s", path)
	}
	if err := w.file.Close(); err != nil {
		return errs.Wrap(errs.IOError, err, "close chunk %s", path)
	}
	w.file = nil
	w.enc = nil
	return nil
}

func (w *csvWriter) renameChunk(ordinal int) error {
	if err := os.Rename(w.stagedPathFor(ordinal), w.finalPathFor(ordinal)); err != nil {
		return errs.Wrap(errs.IOError, err, "finalize chunk %s", w.finalPathFor(ordinal))
	}
	if final := w.finalPathFor(ordinal); !containsString(w.outputs, final) {
		w.outputs = append(w.outputs, final)
	}
	return nil
}

// finalizeCovered renames staged chunks already covered by a persisted
// checkpoint (ordinal below the previous Commit's chunk).
func (w *csvWriter) finalizeCovered() error {
	remaining := w.pending[:0]
	for _, ordinal := range w.pending {
		if ordinal < w.coveredChunk {
			if err := w.renameChunk(ordinal); err != nil {
				return err
			}
			continue
		}
		remaining = append(remaining, ordinal)
	}
	w.pending = remaining
	return nil
}

// Commit flushes the staged chunk, finalizes chunks covered by the previous
// checkpoint and reports the cursor (including the byte offset resume
// truncates back to).
func (w *csvWriter) Commit(ctx context.Context) (Snapshot, error) {
	if err := w.finalizeCovered(); err != nil {
		return Snapshot{}, err
	}
	path := w.stagedPathFor(w.chunk)
	w.enc.Flush()
	if err := w.enc.Error(); err != nil {
		return Snapshot{}, errs.Wrap(errs.IOError, err, "flush chunk %s", path)
	}
	if err := w.file.Sync(); err != nil {
		return Snapshot{}, errs.Wrap(errs.IOError, err, "sync chunk %s", path)
	}
	offset, err := w.file.Seek(0, 1)
	if err != nil {
		return Snapshot{}, errs.Wrap(errs.IOError, err, "tell chunk %s", path)
	}
	w.coveredChunk = w.chunk
	return Snapshot{
		ChunkOrdinal: w.chunk,
		RowsInChunk:  w.rowsInChunk,
		TotalRows:    w.totalRows,
		ByteOffset:   offset,
		OutputFiles:  append([]string(nil), w.outputs...),
	}, nil
}

// Close finalizes everything; called only on successful completion, after
// which the caller drops the checkpoint record.
func (w *csvWriter) Close(ctx context.Context) error {
	if w.file == nil {
		return nil
	}
	if err := w.flushAndCloseCurrent(); err != nil {
		return err
	}
	w.pending = append(w.pending, w.chunk)
	for _, ordinal := range w.pending {
		if err := w.renameChunk(ordinal); err != nil {
			return err
		}
	}
	w.pending = nil
	return nil
}

// Abort closes the staged handle without renaming; the checkpointed chunk
// keeps its committed prefix for resume to truncate back to, and staged
// post-checkpoint chunks stay behind as .partial files resume discards.
func (w *csvWriter) Abort() {
	if w.file == nil {
		return
	}
	w.enc.Flush()
	_ = w.file.Close()
	w.file = nil
	w.enc = nil
}

func (w *csvWriter) TotalRows() int64 { return w.totalRows }

func (w *csvWriter) OutputFiles() []string { return append([]string(nil), w.outputs...) }

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}
