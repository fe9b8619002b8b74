package canonical

import (
	"strconv"
	"strings"
	"time"

	"uscsv/internal/model"
	"uscsv/internal/synonyms"
)

// Validator checks normalized rows against a canonical contract and keeps the
// per-schema counters. Not safe for concurrent use; each schema task owns one.
//
// For every (row, canonical column) pair exactly one of ok, missing_required
// or type_mismatch is counted.
type Validator struct {
	contract    model.CanonicalSchema
	columnIndex map[string]int

	MissingRequired int64
	TypeMismatches  int64
}

// NewValidator binds a contract to a discovered schema's column layout.
func NewValidator(schema model.SchemaDefinition, contract model.CanonicalSchema) *Validator {
	index := map[string]int{}
	for _, col := range schema.Columns {
		name := col.NormalizedName
		if name == "" {
			name = col.RawName
		}
		slug := synonyms.Canonicalize(name)
		if slug == "" {
			continue
		}
		if _, exists := index[slug]; !exists {
			index[slug] = col.Index
		}
	}
	return &Validator{contract: contract, columnIndex: index}
}

// Validate checks one canonical-ordered row in place: values that fail the
// declared type parse are nulled out (the row is still emitted), enum and
// range violations keep their value but count as mismatches.
func (v *Validator) Validate(values []string) {
	for _, spec := range v.contract.Columns {
		slug := synonyms.Canonicalize(spec.Name)
		if slug == "" {
			continue
		}
		idx, ok := v.columnIndex[slug]
		value := ""
		if ok && idx >= 0 && idx < len(values) {
			value = values[idx]
		}

		if strings.TrimSpace(value) == "" {
			if spec.Required && !spec.AllowNull {
				v.MissingRequired++
			}
			continue
		}

		if len(spec.AllowedValues) > 0 && !contains(spec.AllowedValues, value) {
			v.TypeMismatches++
			continue
		}
		parsed, typeOK := parseTyped(spec.DataType, value)
		if !typeOK {
			v.TypeMismatches++
			if ok && idx >= 0 && idx < len(values) {
				values[idx] = ""
			}
			continue
		}
		if spec.Range != nil && parsed.isNumeric {
			if (spec.Range.Min != nil && parsed.number < *spec.Range.Min) ||
				(spec.Range.Max != nil && parsed.number > *spec.Range.Max) {
				v.TypeMismatches++
			}
		}
	}
}

type typedValue struct {
	isNumeric bool
	number    float64
}

func parseTyped(dataType, value string) (typedValue, bool) {
	switch strings.ToLower(dataType) {
	case "", "string", "text":
		return typedValue{}, true
	case "int", "integer":
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return typedValue{}, false
		}
		return typedValue{isNumeric: true, number: float64(n)}, true
	case "float", "double", "decimal", "number":
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(value), ",", "."), 64)
		if err != nil {
			return typedValue{}, false
		}
		return typedValue{isNumeric: true, number: f}, true
	case "bool", "boolean":
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "false", "1", "0", "yes", "no":
			return typedValue{}, true
		}
		return typedValue{}, false
	case "date":
		_, err := time.Parse("2006-01-02", strings.TrimSpace(value))
		return typedValue{}, err == nil
	case "datetime":
		s := strings.TrimSpace(value)
		if _, err := time.Parse(time.RFC3339, s); err == nil {
			return typedValue{}, true
		}
		_, err := time.Parse("2006-01-02 15:04:05", s)
		return typedValue{}, err == nil
	default:
		return typedValue{}, true
	}
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}
