package sheets

import (
	"reflect"
	"testing"
)

func TestMigrateLegacyV1Document(t *testing.T) {
	doc := map[string]any{
		"basic": map[string]any{
			"name": "铃木翼",
			"age":  24.0,
			"hp":   11.0,
			"san":  60.0,
			"luck": 50.0,
			"mp":   10.0,
			"str":  65.0,
		},
		"skills": map[string]any{
			"克苏鲁": 5.0,
			"信誉":  30.0,
			"侦查":  60.0,
		},
	}

	sheet := Migrate(doc)
	if sheet.Name != "铃木翼" {
		t.Fatalf("expected name hoisted from basic, got %q", sheet.Name)
	}
	if sheet.Type != SheetTypeCOC {
		t.Fatalf("expected legacy document to default to coc, got %q", sheet.Type)
	}
	if sheet.SchemaVersion != CurrentSchemaVersion {
		t.Fatalf("expected schema version %d, got %d", CurrentSchemaVersion, sheet.SchemaVersion)
	}
	if sheet.IsTemplate {
		t.Fatal("legacy documents must not become templates")
	}

	expectFields := map[string]any{
		"AGE": 24.0, "HP": 11.0, "SAN": 60.0, "LUCK": 50.0, "MP": 10.0,
		"str": 65.0, "CM": 5.0, "信用": 30.0, "侦查": 60.0,
	}
	for key, want := range expectFields {
		got, ok := sheet.Fields[key]
		if !ok {
			t.Fatalf("expected field %q after flattening", key)
		}
		if !valuesEqual(got, want) {
			t.Fatalf("field %q = %v, want %v", key, got, want)
		}
	}
	if _, ok := sheet.Fields["age"]; ok {
		t.Fatal("lowercase attribute key should have been canonicalized away")
	}
	if _, ok := sheet.Fields["克苏鲁"]; ok {
		t.Fatal("CM alias key should not survive flattening")
	}
	if _, ok := sheet.Fields["name"]; ok {
		t.Fatal("name must not leak into the field map")
	}
}

func TestMigrateCMAliasPrecedence(t *testing.T) {
	doc := map[string]any{
		"basic": map[string]any{"name": "alias"},
		"skills": map[string]any{
			"克苏鲁神话": 8.0,
			"cm":    3.0,
		},
	}
	sheet := Migrate(doc)
	if !valuesEqual(sheet.Fields["CM"], 8.0) {
		t.Fatalf("expected 克苏鲁神话 to win over cm, got %v", sheet.Fields["CM"])
	}

	empty := Migrate(map[string]any{"basic": map[string]any{"name": "none"}})
	if !valuesEqual(empty.Fields["CM"], 0) {
		t.Fatalf("expected CM fallback 0, got %v", empty.Fields["CM"])
	}
	if !valuesEqual(empty.Fields["信用"], 0) {
		t.Fatalf("expected 信用 fallback 0, got %v", empty.Fields["信用"])
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	doc := map[string]any{
		"basic":  map[string]any{"name": "again", "san": 55.0},
		"skills": map[string]any{"侦查": 40.0},
	}
	first := Migrate(doc)
	second := Migrate(first.Doc())
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("second migration changed the sheet:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestMigrateNeverLowersVersion(t *testing.T) {
	doc := map[string]any{
		"name":          "future",
		"type":          "coc",
		"schemaVersion": 40.0,
		"fields":        map[string]any{"SAN": 70.0},
	}
	sheet := Migrate(doc)
	if sheet.SchemaVersion != 40 {
		t.Fatalf("expected version 40 to survive, got %d", sheet.SchemaVersion)
	}
	if !valuesEqual(sheet.Fields["SAN"], 70.0) {
		t.Fatalf("ahead-of-current document fields must pass through, got %v", sheet.Fields["SAN"])
	}
}

func TestMigrateLegacyVersionKey(t *testing.T) {
	doc := map[string]any{
		"name":    "vkey",
		"type":    "dnd",
		"version": 17.0,
		"fields":  map[string]any{},
	}
	sheet := Migrate(doc)
	if sheet.SchemaVersion != CurrentSchemaVersion {
		t.Fatalf("expected migration from legacy version key, got %d", sheet.SchemaVersion)
	}
	if !valuesEqual(sheet.Fields["先攻临时"], 0) {
		t.Fatalf("expected dnd temporary-initiative default, got %v", sheet.Fields["先攻临时"])
	}
}

func TestMigrateDNDDefaultSkippedForOtherTypes(t *testing.T) {
	doc := map[string]any{
		"name":          "notdnd",
		"type":          "coc",
		"schemaVersion": 17.0,
		"fields":        map[string]any{},
	}
	sheet := Migrate(doc)
	if _, ok := sheet.Fields["先攻临时"]; ok {
		t.Fatal("temporary initiative must only be added for dnd sheets")
	}
}

func TestMigrateCoercesMalformedInput(t *testing.T) {
	doc := map[string]any{
		"name":          "broken",
		"schemaVersion": "not a number",
		"fields":        "not a map",
		"isTemplate":    "yes",
		"created":       "later",
	}
	sheet := Migrate(doc)
	if sheet.Name != "broken" {
		t.Fatalf("unexpected name: %q", sheet.Name)
	}
	if sheet.Type != SheetTypeGeneral {
		t.Fatalf("expected general type for typeless current document, got %q", sheet.Type)
	}
	if sheet.Fields == nil {
		t.Fatal("fields must never be nil")
	}
	if sheet.IsTemplate {
		t.Fatal("non-boolean isTemplate must coerce to false")
	}
	if sheet.Created != 0 {
		t.Fatalf("non-numeric created must coerce to 0, got %d", sheet.Created)
	}
}

func TestMigrateDoesNotMutateInput(t *testing.T) {
	doc := map[string]any{
		"basic":  map[string]any{"name": "pure", "san": 50.0},
		"skills": map[string]any{},
	}
	_ = Migrate(doc)
	if _, ok := doc["basic"]; !ok {
		t.Fatal("input document was mutated")
	}
	if _, ok := doc["schemaVersion"]; ok {
		t.Fatal("input document gained a schema version")
	}
}
