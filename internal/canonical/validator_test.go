package canonical

import (
	"testing"

	"uscsv/internal/model"
)

func ordersContract() model.CanonicalSchema {
	return model.CanonicalSchema{
		Namespace: "default",
		ID:        "orders",
		Version:   "1.0.0",
		Columns: []model.CanonicalColumn{
			{Name: "id", DataType: "int", Required: true},
			{Name: "total", DataType: "decimal", Required: true},
			{Name: "status", DataType: "string", AllowedValues: []string{"NEW", "PAID"}},
		},
	}
}

func ordersSchema() model.SchemaDefinition {
	return model.SchemaDefinition{
		SchemaID: "s-orders",
		Name:     "orders",
		Columns: []model.SchemaColumn{
			{Index: 0, RawName: "id", NormalizedName: "id"},
			{Index: 1, RawName: "total", NormalizedName: "total"},
			{Index: 2, RawName: "status", NormalizedName: "status"},
		},
	}
}

// Scenario: canonical orders{id:int required, total:decimal required,
// status in {NEW,PAID}} against row {"", "abc", "DONE"}: one missing
// required, two type mismatches, and the row survives as null, null, "DONE".
func TestValidator_CanonicalValidationScenario(t *testing.T) {
	t.Parallel()

	v := NewValidator(ordersSchema(), ordersContract())
	row := []string{"", "abc", "DONE"}
	v.Validate(row)

	if v.MissingRequired != 1 {
		t.Fatalf("missing_required = %d, want 1", v.MissingRequired)
	}
	if v.TypeMismatches != 2 {
		t.Fatalf("type_mismatches = %d, want 2", v.TypeMismatches)
	}
	if row[0] != "" || row[1] != "" || row[2] != "DONE" {
		t.Fatalf("emitted row = %v, want [\"\", \"\", DONE]", row)
	}
}

func TestValidator_ValidRowCountsNothing(t *testing.T) {
	t.Parallel()

	v := NewValidator(ordersSchema(), ordersContract())
	v.Validate([]string{"7", "19.90", "PAID"})
	if v.MissingRequired != 0 || v.TypeMismatches != 0 {
		t.Fatalf("counters = %d/%d, want 0/0", v.MissingRequired, v.TypeMismatches)
	}
}

// Totality: per (row, canonical column) exactly one outcome is counted.
func TestValidator_Totality(t *testing.T) {
	t.Parallel()

	rows := [][]string{
		{"1", "2.5", "NEW"},
		{"", "", ""},
		{"x", "y", "z"},
		{"3", "oops", "PAID"},
	}
	v := NewValidator(ordersSchema(), ordersContract())
	for _, row := range rows {
		v.Validate(row)
	}
	counted := v.MissingRequired + v.TypeMismatches
	// Row 1: 0. Row 2: id+total missing (status optional). Row 3: id and
	// total fail parse, status enum violation. Row 4: total fails parse.
	if counted != 6 {
		t.Fatalf("counted = %d, want 6", counted)
	}
}

func TestValidator_RangeViolations(t *testing.T) {
	t.Parallel()

	lo, hi := 0.0, 100.0
	contract := model.CanonicalSchema{
		ID: "metrics",
		Columns: []model.CanonicalColumn{
			{Name: "pct", DataType: "float", Range: &model.NumericRange{Min: &lo, Max: &hi}},
		},
	}
	schema := model.SchemaDefinition{
		SchemaID: "s",
		Columns:  []model.SchemaColumn{{Index: 0, RawName: "pct", NormalizedName: "pct"}},
	}
	v := NewValidator(schema, contract)
	v.Validate([]string{"42"})
	v.Validate([]string{"120"})
	v.Validate([]string{"-3"})
	if v.TypeMismatches != 2 {
		t.Fatalf("range mismatches = %d, want 2", v.TypeMismatches)
	}
}

func TestRegistry_KeyedLookupAndResolve(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register(ordersContract())

	if _, ok := reg.Get("default", "orders", "1.0.0"); !ok {
		t.Fatalf("exact version lookup failed")
	}
	if _, ok := reg.Get("", "orders", ""); !ok {
		t.Fatalf("latest version lookup failed")
	}
	if _, ok := reg.Get("default", "orders", "9.9.9"); ok {
		t.Fatalf("phantom version resolved")
	}

	schema := ordersSchema()
	contract, ok := reg.Resolve(schema)
	if !ok || contract.ID != "orders" {
		t.Fatalf("resolve by name failed: %v %v", contract, ok)
	}

	schema.Name = "unrelated"
	schema.CanonicalSchemaID = "orders"
	schema.CanonicalSchemaVersion = "1.0.0"
	if _, ok := reg.Resolve(schema); !ok {
		t.Fatalf("resolve by back-reference failed")
	}
}
