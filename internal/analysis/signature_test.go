package analysis

import (
	"testing"

	"uscsv/internal/model"
)

func TestClassifyValue(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"", model.TypeNull},
		{"   ", model.TypeNull},
		{"42", model.TypeNumeric},
		{"-17", model.TypeNumeric},
		{"3.14", model.TypeNumeric},
		{"3,14", model.TypeNumeric},
		{"2023-04-01", model.TypeDate},
		{"01.02.2021", model.TypeDate},
		{"true", model.TypeBool},
		{"No", model.TypeBool},
		{"hello", model.TypeText},
		{"id-123x", model.TypeText},
	}
	for _, tc := range cases {
		if got := ClassifyValue(tc.in); got != tc.want {
			t.Errorf("ClassifyValue(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDetectDelimiter_Basic(t *testing.T) {
	t.Parallel()

	lines := []string{
		"id,name,price",
		"1,apple,1.50",
		"2,pear,2.10",
	}
	if got := DetectDelimiter(lines); got != "," {
		t.Fatalf("delimiter = %q, want %q", got, ",")
	}
}

func TestDetectDelimiter_TieBreakOrder(t *testing.T) {
	t.Parallel()

	// Alternating rows structure equally well under ',' and ';'; the
	// candidate priority must pick ','.
	lines := []string{
		"a,b,c",
		"d;e;f",
		"g,h,i",
		"j;k;l",
	}
	if got := DetectDelimiter(lines); got != "," {
		t.Fatalf("delimiter = %q, want %q (tie-break)", got, ",")
	}
}

func TestDetectDelimiter_TabAndPipe(t *testing.T) {
	t.Parallel()

	if got := DetectDelimiter([]string{"a\tb\tc", "1\t2\t3"}); got != "\t" {
		t.Fatalf("delimiter = %q, want tab", got)
	}
	if got := DetectDelimiter([]string{"a|b|c", "1|2|3"}); got != "|" {
		t.Fatalf("delimiter = %q, want pipe", got)
	}
}

// Scenario: single retail file, header row confirmed, column count 3.
func TestBuildSignature_RetailSmall(t *testing.T) {
	t.Parallel()

	lines := []string{
		"id,name,price\n",
		"1,apple,1.50\n",
		"2,pear,2.10\n",
		"3,plum,0.99\n",
		"4,fig,3.30\n",
		"5,kiwi,1.10\n",
	}
	sig := BuildSignature(lines, 16, 0.7)
	if sig.Delimiter != "," {
		t.Fatalf("delimiter = %q", sig.Delimiter)
	}
	wantHeader := []string{"id", "name", "price"}
	if len(sig.HeaderSample) != 3 {
		t.Fatalf("header = %v", sig.HeaderSample)
	}
	for i, h := range wantHeader {
		if sig.HeaderSample[i] != h {
			t.Fatalf("header[%d] = %q, want %q", i, sig.HeaderSample[i], h)
		}
	}
	if sig.ColumnCount != 3 {
		t.Fatalf("column_count = %d, want 3", sig.ColumnCount)
	}
	if len(sig.ColumnTypes) != sig.ColumnCount {
		t.Fatalf("|column_types| = %d, want %d", len(sig.ColumnTypes), sig.ColumnCount)
	}
	if sig.ColumnTypes[0] != model.TypeNumeric || sig.ColumnTypes[2] != model.TypeNumeric {
		t.Fatalf("column types = %v", sig.ColumnTypes)
	}
	if sig.ColumnTypes[1] != model.TypeText {
		t.Fatalf("name column type = %q", sig.ColumnTypes[1])
	}
	if sig.ShortRows != 0 || sig.LongRows != 0 {
		t.Fatalf("short=%d long=%d, want 0/0", sig.ShortRows, sig.LongRows)
	}
}

// Scenario: rows alternating ',' and ';'. The chosen delimiter is ',' by
// tie-break, every ';' row counts as short, and the block carries a
// MixedDelimiter warning.
func TestBuildSignature_MixedDelimiters(t *testing.T) {
	t.Parallel()

	lines := []string{
		"a,b,c\n",
		"d;e;f\n",
		"g,h,i\n",
		"j;k;l\n",
		"m,n,o\n",
	}
	sig := BuildSignature(lines, 16, 0.7)
	if sig.Delimiter != "," {
		t.Fatalf("delimiter = %q, want ,", sig.Delimiter)
	}
	if sig.ShortRows != 2 {
		t.Fatalf("short_rows = %d, want 2", sig.ShortRows)
	}
	found := false
	for _, w := range sig.Warnings {
		if w == model.WarnMixedDelimiter {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing MixedDelimiter warning: %v", sig.Warnings)
	}
}

func TestBuildSignature_NumericFirstLineIsNotHeader(t *testing.T) {
	t.Parallel()

	lines := []string{
		"1,2,3\n",
		"4,5,6\n",
	}
	sig := BuildSignature(lines, 16, 0.7)
	if len(sig.HeaderSample) != 0 {
		t.Fatalf("numeric first line misdetected as header: %v", sig.HeaderSample)
	}
}

func TestBuildSignature_HeaderCellReappearingInBody(t *testing.T) {
	t.Parallel()

	// "apple" occurs both in the first line and the body, so the first line
	// cannot be a header.
	lines := []string{
		"apple,pear,plum\n",
		"apple,kiwi,fig\n",
	}
	sig := BuildSignature(lines, 16, 0.7)
	if len(sig.HeaderSample) != 0 {
		t.Fatalf("first line misdetected as header: %v", sig.HeaderSample)
	}
}

func TestBuildSignature_EmptyBlock(t *testing.T) {
	t.Parallel()

	sig := BuildSignature(nil, 16, 0.7)
	if sig.Delimiter != "," || sig.ColumnCount != 0 {
		t.Fatalf("zero signature = %+v", sig)
	}
}

func TestLooksLikeHeader_RatioTunable(t *testing.T) {
	t.Parallel()

	first := []string{"id", "2", "3", "4"} // 25% non-numeric
	body := [][]string{{"9", "8", "7", "6"}}
	if LooksLikeHeader(first, body, 0.7) {
		t.Fatalf("ratio 0.7 should reject a 25%% non-numeric first line")
	}
	if !LooksLikeHeader(first, body, 0.2) {
		t.Fatalf("ratio 0.2 should accept it")
	}
}
