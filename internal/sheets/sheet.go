package sheets

import (
	"encoding/json"
	"reflect"
)

// CurrentSchemaVersion is the schema version produced by a full migration run.
const CurrentSchemaVersion = 22

type SheetType string

const (
	SheetTypeCOC     SheetType = "coc"
	SheetTypeDND     SheetType = "dnd"
	SheetTypeGeneral SheetType = "general"
)

// Sheet is one character record. Name doubles as the storage key and the
// on-disk file stem; field semantics are template-specific and opaque here.
type Sheet struct {
	Name          string         `json:"name"`
	Type          SheetType      `json:"type"`
	SchemaVersion int            `json:"schemaVersion"`
	IsTemplate    bool           `json:"isTemplate"`
	Fields        map[string]any `json:"fields"`
	Created       int64          `json:"created"`
	LastModified  int64          `json:"lastModified"`
}

func (s Sheet) Clone() Sheet {
	clone := s
	clone.Fields = make(map[string]any, len(s.Fields))
	for k, v := range s.Fields {
		clone.Fields[k] = v
	}
	return clone
}

// Doc renders the sheet as the persisted document shape.
func (s Sheet) Doc() map[string]any {
	doc := map[string]any{}
	data, err := json.Marshal(s)
	if err != nil {
		return doc
	}
	_ = json.Unmarshal(data, &doc)
	return doc
}

// ChangeEvent describes one field transition on a sheet. ChannelID and UserID
// identify the actor the view was resolved for and may be empty for writes
// issued outside any channel context.
type ChangeEvent struct {
	SheetName string    `json:"sheetName"`
	SheetType SheetType `json:"sheetType"`
	Key       string    `json:"key"`
	OldValue  any       `json:"oldValue"`
	NewValue  any       `json:"newValue"`
	ChannelID string    `json:"channelId"`
	UserID    string    `json:"userId"`
}

// NumericValue reports v as a float64 when it carries a numeric payload.
// JSON decoding yields float64, but callers also hand us Go ints directly.
func NumericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func valuesEqual(a, b any) bool {
	if fa, ok := NumericValue(a); ok {
		if fb, ok := NumericValue(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}
