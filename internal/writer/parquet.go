package writer

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"uscsv/internal/errs"
)

// parquetFlushRows bounds the Arrow record builder between flushes.
const parquetFlushRows = 2048

// parquetWriter writes chunked Parquet files with an all-string schema.
// Parquet files cannot be truncated, so every Commit is a chunk boundary:
// the open chunk is closed into a staged file and a fresh ordinal starts.
// Staged chunks are renamed into place once a later Commit shows a covering
// checkpoint was persisted, mirroring the CSV writer's scheme; resume
// renames covered staged chunks and discards the rest (their rows replay).
type parquetWriter struct {
	opts   Options
	schema *arrow.Schema

	file    *os.File
	fw      *pqarrow.FileWriter
	builder *array.RecordBuilder

	chunk        int
	rowsInChunk  int64
	buffered     int64
	totalRows    int64
	pending      []int
	coveredChunk int
	outputs      []string
}

func newParquetWriter(opts Options) (*parquetWriter, error) {
	if err := os.MkdirAll(opts.DestDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.IOError, err, "create dest dir %s", opts.DestDir)
	}

	fields := make([]arrow.Field, 0, len(opts.Header))
	for _, name := range opts.Header {
		fields = append(fields, arrow.Field{Name: name, Type: arrow.BinaryTypes.String, Nullable: true})
	}
	w := &parquetWriter{opts: opts, schema: arrow.NewSchema(fields, nil), coveredChunk: -1}

	if snap := opts.Resume; snap != nil {
		w.totalRows = snap.TotalRows
		w.outputs = append(w.outputs, snap.OutputFiles...)
		w.chunk = snap.ChunkOrdinal
		w.coveredChunk = snap.ChunkOrdinal
		if err := w.recoverStaged(); err != nil {
			return nil, err
		}
	}
	if err := w.startChunk(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *parquetWriter) stagedPathFor(ordinal int) string {
	return filepath.Join(w.opts.DestDir, chunkFileName(w.opts.Slug, ordinal, "parquet")+partialSuffix)
}

func (w *parquetWriter) finalPathFor(ordinal int) string {
	return filepath.Join(w.opts.DestDir, chunkFileName(w.opts.Slug, ordinal, "parquet"))
}

// recoverStaged renames staged chunks below the checkpointed ordinal and
// removes the rest; Commit boundaries guarantee the checkpointed ordinal
// itself holds no committed rows.
func (w *parquetWriter) recoverStaged() error {
	pattern := filepath.Join(w.opts.DestDir, w.opts.Slug+"_*.parquet"+partialSuffix)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return errs.Wrap(errs.IOError, err, "scan staged chunks")
	}
	for _, staged := range matches {
		ordinal, ok := parquetOrdinalOf(staged, w.opts.Slug)
		if !ok {
			continue
		}
		if ordinal < w.chunk {
			if err := w.renameChunk(ordinal); err != nil {
				return err
			}
			continue
		}
		if err := os.Remove(staged); err != nil && !os.IsNotExist(err) {
			return errs.Wrap(errs.IOError, err, "drop stale chunk %s", staged)
		}
	}
	return nil
}

func parquetOrdinalOf(stagedPath, slug string) (int, bool) {
	base := filepath.Base(stagedPath)
	base = strings.TrimSuffix(base, partialSuffix)
	base = strings.TrimSuffix(base, ".parquet")
	base = strings.TrimPrefix(base, slug+"_")
	n, err := strconv.Atoi(base)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (w *parquetWriter) startChunk() error {
	path := w.stagedPathFor(w.chunk)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Wrap(errs.IOError, err, "create chunk %s", path)
	}
	fw, err := pqarrow.NewFileWriter(w.schema, f, parquet.NewWriterProperties(), pqarrow.DefaultWriterProps())
	if err != nil {
		f.Close()
		return errs.Wrap(errs.IOError, err, "open parquet writer %s", path)
	}
	w.file = f
	w.fw = fw
	w.builder = array.NewRecordBuilder(memory.DefaultAllocator, w.schema)
	w.rowsInChunk = 0
	w.buffered = 0
	return nil
}

func (w *parquetWriter) WriteRows(ctx context.Context, batch [][]string) error {
	for _, row := range batch {
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.UserAbort, ctx.Err(), "parquet write")
		default:
		}
		if w.rowsInChunk >= int64(w.opts.ChunkRows) {
			if err := w.Rotate(ctx); err != nil {
				return err
			}
		}
		for i := range w.opts.Header {
			b := w.builder.Field(i).(*array.StringBuilder)
			if i < len(row) && row[i] != "" {
				b.Append(row[i])
			} else {
				b.AppendNull()
			}
		}
		w.rowsInChunk++
		w.buffered++
		w.totalRows++
		if w.buffered >= parquetFlushRows {
			if err := w.flushBuffer(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *parquetWriter) flushBuffer() error {
	if w.buffered == 0 {
		return nil
	}
	rec := w.builder.NewRecord()
	defer rec.Release()
	if err := w.fw.Write(rec); err != nil {
		return errs.Wrap(errs.IOError, err, "write record batch %s", w.stagedPathFor(w.chunk))
	}
	w.buffered = 0
	return nil
}

// closeCurrentChunk writes the footer and stages the chunk for a later
// covered rename.
func (w *parquetWriter) closeCurrentChunk() error {
	if err := w.flushBuffer(); err != nil {
		return err
	}
	if err := w.fw.Close(); err != nil {
		return errs.Wrap(errs.IOError, err, "close parquet writer %s", w.stagedPathFor(w.chunk))
	}
	w.fw = nil
	w.file = nil
	w.pending = append(w.pending, w.chunk)
	if final := w.finalPathFor(w.chunk); !containsString(w.outputs, final) {
		w.outputs = append(w.outputs, final)
	}
	return nil
}

func (w *parquetWriter) Rotate(ctx context.Context) error {
	if err := w.closeCurrentChunk(); err != nil {
		return err
	}
	w.chunk++
	return w.startChunk()
}

func (w *parquetWriter) renameChunk(ordinal int) error {
	if err := os.Rename(w.stagedPathFor(ordinal), w.finalPathFor(ordinal)); err != nil {
		return errs.Wrap(errs.IOError, err, "finalize chunk %s", w.finalPathFor(ordinal))
	}
	if final := w.finalPathFor(ordinal); !containsString(w.outputs, final) {
		w.outputs = append(w.outputs, final)
	}
	return nil
}

func (w *parquetWriter) finalizeCovered() error {
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

// Commit seals the open chunk (the footer only lands on close, so the
// durable point must be a chunk boundary), finalizes covered chunks and
// returns a cursor with RowsInChunk == 0.
func (w *parquetWriter) Commit(ctx context.Context) (Snapshot, error) {
	if err := w.finalizeCovered(); err != nil {
		return Snapshot{}, err
	}
	if w.rowsInChunk > 0 {
		if err := w.closeCurrentChunk(); err != nil {
			return Snapshot{}, err
		}
		w.chunk++
		if err := w.startChunk(); err != nil {
			return Snapshot{}, err
		}
	}
	w.coveredChunk = w.chunk
	return Snapshot{
		ChunkOrdinal: w.chunk,
		RowsInChunk:  0,
		TotalRows:    w.totalRows,
		OutputFiles:  append([]string(nil), w.outputs...),
	}, nil
}

// Close finalizes everything; only called on successful completion.
func (w *parquetWriter) Close(ctx context.Context) error {
	if w.fw == nil {
		return nil
	}
	if w.rowsInChunk == 0 && w.buffered == 0 {
		// Empty open chunk: discard instead of finalizing an empty output.
		staged := w.stagedPathFor(w.chunk)
		_ = w.fw.Close()
		w.fw = nil
		w.file = nil
		_ = os.Remove(staged)
	} else {
		if err := w.closeCurrentChunk(); err != nil {
			return err
		}
	}
	for _, ordinal := range w.pending {
		if err := w.renameChunk(ordinal); err != nil {
			return err
		}
	}
	w.pending = nil
	return nil
}

// Abort drops the open chunk and leaves staged chunks for resume to
// reconcile.
func (w *parquetWriter) Abort() {
	if w.fw == nil {
		return
	}
	staged := w.stagedPathFor(w.chunk)
	_ = w.fw.Close()
	w.fw = nil
	w.file = nil
	_ = os.Remove(staged)
}

func (w *parquetWriter) TotalRows() int64 { return w.totalRows }

func (w *parquetWriter) OutputFiles() []string { return append([]string(nil), w.outputs...) }
