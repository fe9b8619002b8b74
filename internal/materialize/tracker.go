package materialize

import (
	"strings"

	"uscsv/internal/canonical"
	"uscsv/internal/model"
)

// ValidationTracker pads/truncates normalized rows to the schema width and
// keeps the row-shape counters. Short/long classification runs against the
// raw pre-reorder width, which the normalizer preserves.
type ValidationTracker struct {
	expectedColumns int
	validator       *canonical.Validator

	TotalRows int64
	ShortRows int64
	LongRows  int64
	EmptyRows int64
}

func NewValidationTracker(expectedColumns int, validator *canonical.Validator) *ValidationTracker {
	if expectedColumns < 1 {
		expectedColumns = 1
	}
	return &ValidationTracker{expectedColumns: expectedColumns, validator: validator}
}

// Normalize returns the width-adjusted row and updates counters, including
// the canonical contract counters when a validator is bound.
func (t *ValidationTracker) Normalize(values []string, observedLength int) []string {
	normalized := append([]string(nil), values...)

	empty := true
	for _, v := range normalized {
		if strings.TrimSpace(v) != "" {
			empty = false
			break
		}
	}
	if empty {
		t.EmptyRows++
	}

	switch {
	case observedLength < t.expectedColumns:
		t.ShortRows++
	case observedLength > t.expectedColumns:
		t.LongRows++
	}
	if len(normalized) < t.expectedColumns {
		pad := make([]string, t.expectedColumns-len(normalized))
		normalized = append(normalized, pad...)
	} else if len(normalized) > t.expectedColumns {
		normalized = normalized[:t.expectedColumns]
	}

	if t.validator != nil {
		t.validator.Validate(normalized)
	}
	t.TotalRows++
	return normalized
}

// Seed restores counters from a checkpoint when resuming.
func (t *ValidationTracker) Seed(s model.ValidationSummary) {
	t.TotalRows = s.TotalRows
	t.ShortRows = s.ShortRows
	t.LongRows = s.LongRows
	t.EmptyRows = s.EmptyRows
	if t.validator != nil {
		t.validator.MissingRequired = s.MissingRequired
		t.validator.TypeMismatches = s.TypeMismatches
	}
}

// Summary materializes the counters.
func (t *ValidationTracker) Summary() model.ValidationSummary {
	s := model.ValidationSummary{
		TotalRows: t.TotalRows,
		ShortRows: t.ShortRows,
		LongRows:  t.LongRows,
		EmptyRows: t.EmptyRows,
	}
	if t.validator != nil {
		s.MissingRequired = t.validator.MissingRequired
		s.TypeMismatches = t.validator.TypeMismatches
	}
	return s
}
