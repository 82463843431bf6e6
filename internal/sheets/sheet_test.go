package sheets

import (
	"encoding/json"
	"testing"
)

func TestNumericValue(t *testing.T) {
	cases := []struct {
		in   any
		want float64
		ok   bool
	}{
		{60.0, 60, true},
		{float32(2.5), 2.5, true},
		{60, 60, true},
		{int32(7), 7, true},
		{int64(9), 9, true},
		{json.Number("41"), 41, true},
		{json.Number("x"), 0, false},
		{"60", 0, false},
		{nil, 0, false},
		{true, 0, false},
	}
	for _, tc := range cases {
		got, ok := NumericValue(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("NumericValue(%v) = %v, %v; want %v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestValuesEqualCrossType(t *testing.T) {
	if !valuesEqual(60, 60.0) {
		t.Fatal("int and float with the same value must compare equal")
	}
	if valuesEqual(60, "60") {
		t.Fatal("number and string must not compare equal")
	}
	if !valuesEqual("a", "a") || valuesEqual("a", "b") {
		t.Fatal("string comparison broken")
	}
	if !valuesEqual(map[string]any{"x": 1}, map[string]any{"x": 1}) {
		t.Fatal("deep comparison broken")
	}
}

func TestSheetCloneIsolation(t *testing.T) {
	sheet := Sheet{Name: "orig", Fields: map[string]any{"HP": 10}}
	clone := sheet.Clone()
	clone.Fields["HP"] = 1
	if !valuesEqual(sheet.Fields["HP"], 10) {
		t.Fatalf("clone shares the field map: %v", sheet.Fields["HP"])
	}
}

func TestSheetDocRoundTrip(t *testing.T) {
	sheet := Sheet{
		Name:          "doc",
		Type:          SheetTypeCOC,
		SchemaVersion: CurrentSchemaVersion,
		Fields:        map[string]any{"SAN": 60.0},
		Created:       100,
		LastModified:  200,
	}
	doc := sheet.Doc()
	if doc["name"] != "doc" || doc["type"] != "coc" {
		t.Fatalf("unexpected doc: %v", doc)
	}
	if ValidateSheetDoc(doc) != nil {
		t.Fatal("a rendered doc must validate")
	}
	if got := Migrate(doc); got.Name != sheet.Name || !valuesEqual(got.Fields["SAN"], 60.0) {
		t.Fatalf("doc does not survive migration: %+v", got)
	}
}
