package sheets

// Sheet documents carry their schema version and are upgraded in place by an
// ordered chain of version-gated steps. Each step runs only while the
// document's version is below its target and then raises the version to that
// target, so replaying the chain on a current document is a no-op and the
// version never decreases. Malformed input coerces to zero-equivalent values;
// migration never fails.

type rawDoc map[string]any

type migrationStep struct {
	target int
	apply  func(doc rawDoc)
}

var migrationChain = []migrationStep{
	{target: 2, apply: stepBackfillModified},
	{target: 3, apply: stepEnsureFieldContainer},
	{target: 17, apply: stepFlattenLegacySections},
	{target: 18, apply: stepTemplateAndDNDDefaults},
	{target: 22, apply: stepCreatedPlaceholder},
}

// Migrate upgrades a raw persisted document to the current schema version and
// coerces it into a Sheet. It is pure with respect to its input: the document
// is copied before any step runs.
func Migrate(doc map[string]any) Sheet {
	raw := rawDoc(cloneDocValue(doc).(map[string]any))
	version := docVersion(raw)
	for _, step := range migrationChain {
		if version < step.target {
			step.apply(raw)
			version = step.target
		}
	}
	delete(raw, "version")
	raw["schemaVersion"] = version
	return coerceSheet(raw, version)
}

// docVersion reads schemaVersion, falling back to the legacy "version" key.
// Documents with neither are treated as the oldest known shape.
func docVersion(doc rawDoc) int {
	if v, ok := NumericValue(doc["schemaVersion"]); ok && v >= 1 {
		return int(v)
	}
	if v, ok := NumericValue(doc["version"]); ok && v >= 1 {
		return int(v)
	}
	return 1
}

// v2: the oldest exports carried no modification timestamp at all.
func stepBackfillModified(doc rawDoc) {
	meta := doc.ensureMap("meta")
	meta["lastModified"] = 0
}

// v3: guarantee the open field container exists.
func stepEnsureFieldContainer(doc rawDoc) {
	doc.ensureMap("fields")
}

// v17: flatten the legacy basic/skills/meta sections into the open field map,
// canonicalizing the attribute keys the dice engine addresses by name.
func stepFlattenLegacySections(doc rawDoc) {
	fields := doc.ensureMap("fields")
	basic := doc.mapAt("basic")
	skills := doc.mapAt("skills")

	renames := map[string]string{
		"age": "AGE", "hp": "HP", "san": "SAN", "luck": "LUCK", "mp": "MP",
	}
	for key, value := range basic {
		if key == "name" {
			continue
		}
		if canonical, ok := renames[key]; ok {
			key = canonical
		}
		fields[key] = value
	}
	fields["CM"] = firstValue(skills, []string{"克苏鲁", "克苏鲁神话", "CM", "cm"}, 0)
	fields["信用"] = firstValue(skills, []string{"信用", "信誉", "信用评级"}, 0)
	for key, value := range skills {
		switch key {
		case "克苏鲁", "克苏鲁神话", "CM", "cm", "信用", "信誉", "信用评级":
		default:
			fields[key] = value
		}
	}

	if name, ok := basic["name"].(string); ok && stringValue(doc["name"]) == "" {
		doc["name"] = name
	}
	if meta := doc.mapAt("meta"); meta != nil {
		doc["lastModified"] = meta["lastModified"]
	}
	if stringValue(doc["type"]) == "" {
		doc["type"] = string(SheetTypeCOC)
	}
	delete(doc, "basic")
	delete(doc, "skills")
	delete(doc, "meta")
}

// v18: dnd sheets gained a temporary-initiative field and every sheet gained
// the template flag.
func stepTemplateAndDNDDefaults(doc rawDoc) {
	if stringValue(doc["type"]) == string(SheetTypeDND) {
		doc.ensureMap("fields")["先攻临时"] = 0
	}
	doc["isTemplate"] = false
}

// v22: creation time placeholder, backfilled from file metadata after load.
func stepCreatedPlaceholder(doc rawDoc) {
	doc["created"] = 0
}

func coerceSheet(doc rawDoc, version int) Sheet {
	sheet := Sheet{
		Name:          stringValue(doc["name"]),
		Type:          SheetType(stringValue(doc["type"])),
		SchemaVersion: version,
		Fields:        map[string]any{},
	}
	if sheet.Type == "" {
		sheet.Type = SheetTypeGeneral
	}
	if flag, ok := doc["isTemplate"].(bool); ok {
		sheet.IsTemplate = flag
	}
	if fields := doc.mapAt("fields"); fields != nil {
		for k, v := range fields {
			sheet.Fields[k] = v
		}
	}
	if ts, ok := NumericValue(doc["created"]); ok {
		sheet.Created = int64(ts)
	}
	if ts, ok := NumericValue(doc["lastModified"]); ok {
		sheet.LastModified = int64(ts)
	}
	return sheet
}

func (d rawDoc) mapAt(key string) map[string]any {
	m, _ := d[key].(map[string]any)
	return m
}

func (d rawDoc) ensureMap(key string) map[string]any {
	if m, ok := d[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	d[key] = m
	return m
}

func firstValue(m map[string]any, keys []string, fallback any) any {
	for _, key := range keys {
		if v, ok := m[key]; ok && v != nil {
			return v
		}
	}
	return fallback
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func cloneDocValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		clone := make(map[string]any, len(t))
		for k, item := range t {
			clone[k] = cloneDocValue(item)
		}
		return clone
	case []any:
		clone := make([]any, len(t))
		for i, item := range t {
			clone[i] = cloneDocValue(item)
		}
		return clone
	default:
		return v
	}
}
