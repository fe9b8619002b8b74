package analysis

import (
	"regexp"
	"strings"

	"uscsv/internal/model"
)

// Delimiter candidates in tie-break priority order.
var delimiterCandidates = []string{",", ";", "\t", "|"}

// Number of leading non-empty lines inspected for delimiter detection.
const delimiterSampleLines = 20

// Maximum lines fed into per-block column stats.
const maxSignatureSampleLines = 100

var (
	datePattern  = regexp.MustCompile(`\b\d{1,4}[./-]\d{1,2}[./-]\d{1,4}\b`)
	intPattern   = regexp.MustCompile(`^[+-]?\d+$`)
	floatPattern = regexp.MustCompile(`^[+-]?(?:\d+[.,]\d+|\d+\.\d*|\d*[.,]\d+)$`)
)

var boolTokens = map[string]struct{}{
	"true": {}, "false": {}, "yes": {}, "no": {},
}

// ClassifyValue buckets a raw cell into one of the model type buckets.
func ClassifyValue(value string) string {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return model.TypeNull
	}
	if _, ok := boolTokens[strings.ToLower(cleaned)]; ok {
		return model.TypeBool
	}
	if datePattern.MatchString(cleaned) {
		return model.TypeDate
	}
	if intPattern.MatchString(cleaned) {
		return model.TypeNumeric
	}
	if floatPattern.MatchString(strings.ReplaceAll(cleaned, ",", ".")) {
		return model.TypeNumeric
	}
	return model.TypeText
}

// DetectDelimiter picks the candidate whose modal column count is reached by
// the most of the first K non-empty lines. A candidate only scores with a
// modal width of at least two columns; ties resolve by candidate priority.
func DetectDelimiter(lines []string) string {
	sample := make([]string, 0, delimiterSampleLines)
	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(trimmed) == "" {
			continue
		}
		sample = append(sample, trimmed)
		if len(sample) >= delimiterSampleLines {
			break
		}
	}
	if len(sample) == 0 {
		return ","
	}

	best, bestScore := ",", 0
	for _, cand := range delimiterCandidates {
		counts := map[int]int{}
		for _, line := range sample {
			width := len(strings.Split(line, cand))
			if width >= 2 {
				counts[width]++
			}
		}
		score := 0
		for _, freq := range counts {
			if freq > score {
				score = freq
			}
		}
		if score > bestScore {
			best, bestScore = cand, score
		}
	}
	return best
}

// normalizeCell strips surrounding whitespace and a single layer of quotes.
func normalizeCell(value string) string {
	v := strings.TrimSpace(value)
	v = strings.Trim(v, `"`)
	v = strings.Trim(v, `'`)
	return v
}

// LooksLikeHeader applies the header heuristic: the first line is a header if
// at least nontextRatio of its cells are non-numeric and none of its cells
// reappears as a data cell in the remaining sample.
func LooksLikeHeader(first []string, body [][]string, nontextRatio float64) bool {
	if len(first) == 0 {
		return false
	}
	if nontextRatio <= 0 {
		nontextRatio = 0.7
	}
	nonNumeric := 0
	for _, cell := range first {
		if ClassifyValue(cell) != model.TypeNumeric {
			nonNumeric++
		}
	}
	if float64(nonNumeric)/float64(len(first)) < nontextRatio {
		return false
	}

	headerCells := make(map[string]struct{}, len(first))
	for _, cell := range first {
		c := normalizeCell(cell)
		if c != "" {
			headerCells[c] = struct{}{}
		}
	}
	for _, row := range body {
		for _, cell := range row {
			if _, ok := headerCells[normalizeCell(cell)]; ok {
				return false
			}
		}
	}
	return true
}

// BuildSignature detects delimiter, header, column count mode and per-column
// stats for one sampled block. sampleCap bounds retained sample values per
// column; nontextRatio tunes the header heuristic.
func BuildSignature(blockLines []string, sampleCap int, nontextRatio float64) model.SchemaSignature {
	sig := model.SchemaSignature{Delimiter: ","}
	if len(blockLines) == 0 {
		return sig
	}

	sig.Delimiter = DetectDelimiter(blockLines)

	// Split the inspected sample with the chosen delimiter; empty lines are
	// skipped entirely.
	var rows [][]string
	for _, raw := range blockLines {
		line := strings.TrimRight(raw, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		rows = append(rows, strings.Split(line, sig.Delimiter))
		if len(rows) >= maxSignatureSampleLines {
			break
		}
	}
	if len(rows) == 0 {
		return sig
	}

	if LooksLikeHeader(rows[0], rows[1:], nontextRatio) {
		header := make([]string, len(rows[0]))
		for i, cell := range rows[0] {
			header[i] = normalizeCell(cell)
		}
		sig.HeaderSample = header
		rows = rows[1:]
	}

	// Column count is the mode over the remaining rows.
	widthCounts := map[int]int{}
	for _, row := range rows {
		widthCounts[len(row)]++
	}
	mode, modeFreq := 0, 0
	for width, freq := range widthCounts {
		if freq > modeFreq || (freq == modeFreq && width > mode) {
			mode, modeFreq = width, freq
		}
	}
	if mode == 0 && len(sig.HeaderSample) > 0 {
		mode = len(sig.HeaderSample)
	}
	sig.ColumnCount = mode

	stats := map[int]*model.ColumnStats{}
	for _, row := range rows {
		switch {
		case len(row) < mode:
			sig.ShortRows++
		case len(row) > mode:
			sig.LongRows++
		}
		for idx, cell := range row {
			if idx >= mode {
				break
			}
			st := stats[idx]
			if st == nil {
				st = &model.ColumnStats{Index: idx, TypeCounts: map[string]int{}}
				stats[idx] = st
			}
			st.SampleCount++
			cleaned := normalizeCell(cell)
			st.TypeCounts[ClassifyValue(cleaned)]++
			if cleaned != "" && len(st.SampleValues) < sampleCap && !containsValue(st.SampleValues, cleaned) {
				st.SampleValues = append(st.SampleValues, cleaned)
			}
		}
	}
	sig.Columns = stats

	// Type vector aligned with the column count.
	if mode > 0 {
		types := make([]string, mode)
		for idx := 0; idx < mode; idx++ {
			types[idx] = model.TypeText
			if st, ok := stats[idx]; ok {
				types[idx] = dominantBucket(st.TypeCounts)
			}
		}
		sig.ColumnTypes = types
	}

	if mixedDelimiters(rows, blockLines, sig.Delimiter) {
		sig.Warnings = append(sig.Warnings, model.WarnMixedDelimiter)
	}
	return sig
}

// mixedDelimiters reports whether some sampled line only structures under a
// different candidate than the chosen one.
func mixedDelimiters(rows [][]string, lines []string, chosen string) bool {
	for _, raw := range lines {
		line := strings.TrimRight(raw, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(strings.Split(line, chosen)) >= 2 {
			continue
		}
		for _, cand := range delimiterCandidates {
			if cand == chosen {
				continue
			}
			if len(strings.Split(line, cand)) >= 2 {
				return true
			}
		}
	}
	return false
}

func dominantBucket(counts map[string]int) string {
	best, bestCount := model.TypeText, 0
	for _, bucket := range model.TypeBuckets {
		if bucket == model.TypeNull {
			continue
		}
		if c := counts[bucket]; c > bestCount {
			best, bestCount = bucket, c
		}
	}
	return best
}

func containsValue(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}
