package materialize

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"uscsv/internal/analysis"
	"uscsv/internal/errs"
	"uscsv/internal/model"
)

// readBlockRows streams the rows of one block through fn. Quoted fields with
// embedded newlines are honored only for ',' and ';' delimiters; tab and
// pipe blocks split plain lines. The header line is skipped when the block
// starts the file and its first line matches the recorded header sample.
// Unrecoverable row parses go to onParseError and never abort the block.
func readBlockRows(ctx context.Context, block model.FileBlock, encoding string, onParseError func(error), fn func(row []string) error) error {
	streamer := &analysis.BlockStreamer{Encoding: encoding}
	plan := []analysis.PlannedBlock{{
		BlockID:   block.BlockID,
		StartLine: block.StartLine,
		EndLine:   block.EndLine,
	}}

	delimiter := block.Signature.Delimiter
	if delimiter == "" {
		delimiter = ","
	}

	return streamer.Stream(ctx, block.FilePath, plan, func(sb analysis.StreamedBlock) error {
		lines := sb.Lines
		if len(lines) == 0 {
			return nil
		}
		if block.StartLine == 0 && len(block.Signature.HeaderSample) > 0 {
			if headerMatches(lines[0], block.Signature) {
				lines = lines[1:]
			}
		}
		switch delimiter {
		case ",", ";":
			return parseQuoted(lines, delimiter, onParseError, fn)
		default:
			for _, raw := range lines {
				line := strings.TrimRight(raw, "\r\n")
				if strings.TrimSpace(line) == "" {
					continue
				}
				if err := fn(trimCells(strings.Split(line, delimiter))); err != nil {
					return err
				}
			}
			return nil
		}
	})
}

func headerMatches(firstLine string, sig model.SchemaSignature) bool {
	line := strings.TrimSpace(strings.TrimRight(firstLine, "\r\n"))
	joined := strings.Join(sig.HeaderSample, sig.Delimiter)
	return line == joined || strings.ReplaceAll(line, `"`, "") == joined
}

func parseQuoted(lines []string, delimiter string, onParseError func(error), fn func(row []string) error) error {
	r := csv.NewReader(strings.NewReader(strings.Join(lines, "")))
	r.Comma = rune(delimiter[0])
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// Unrecoverable row parse: skip and count, never abort the job.
			if onParseError != nil {
				onParseError(errs.Wrap(errs.ParsingError, err, "parse block row"))
			}
			continue
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if err := fn(trimCells(rec)); err != nil {
			return err
		}
	}
}

func trimCells(cells []string) []string {
	for i, c := range cells {
		cells[i] = strings.TrimSpace(c)
	}
	return cells
}
