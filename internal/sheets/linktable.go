package sheets

import "strings"

// LinkSnapshot is the persisted shape of the link table:
// channel id -> user id -> sheet name.
type LinkSnapshot map[string]map[string]string

// LegacyKeyFunc derives a superseded channel identifier to consult when a
// channel has no link entry yet. It reports false when no legacy form exists
// for the given id.
type LegacyKeyFunc func(channelID string) (string, bool)

// DefaultLegacyKey handles the historical guild-scoped identifier scheme,
// where "qqguild_<guild>_<channel>" data was keyed by the bare channel id.
func DefaultLegacyKey(channelID string) (string, bool) {
	if !strings.HasPrefix(channelID, "qqguild_") {
		return "", false
	}
	parts := strings.Split(channelID, "_")
	legacy := parts[len(parts)-1]
	if legacy == "" || legacy == channelID {
		return "", false
	}
	return legacy, true
}

// LinkTable owns the per-channel user-to-sheet associations. Within one
// channel a sheet is linked to at most one user; linking an already linked
// sheet moves it. The table is not safe for concurrent use on its own; the
// store serializes access and persists the table whenever a mutation marked
// it dirty.
type LinkTable struct {
	channels  LinkSnapshot
	legacyKey LegacyKeyFunc
	dirty     bool
}

func NewLinkTable(legacyKey LegacyKeyFunc) *LinkTable {
	if legacyKey == nil {
		legacyKey = DefaultLegacyKey
	}
	return &LinkTable{
		channels:  LinkSnapshot{},
		legacyKey: legacyKey,
	}
}

// seed installs a loaded snapshot, replacing any existing state.
func (t *LinkTable) seed(snapshot LinkSnapshot) {
	t.channels = LinkSnapshot{}
	for channelID, links := range snapshot {
		entry := map[string]string{}
		for userID, sheetName := range links {
			entry[userID] = sheetName
		}
		t.channels[channelID] = entry
	}
}

// links returns the channel's live entry, seeding it on first access. A
// missing entry is filled from the legacy-keyed entry when one exists; the
// seeded result is cached and persisted so the legacy key is never consulted
// again for that channel.
func (t *LinkTable) links(channelID string) map[string]string {
	if entry, ok := t.channels[channelID]; ok {
		return entry
	}
	entry := map[string]string{}
	if legacy, ok := t.legacyKey(channelID); ok {
		for userID, sheetName := range t.channels[legacy] {
			entry[userID] = sheetName
		}
	}
	t.channels[channelID] = entry
	t.schedulePersist()
	return entry
}

// Links returns a copy of the channel's user-to-sheet mapping.
func (t *LinkTable) Links(channelID string) map[string]string {
	entry := t.links(channelID)
	out := make(map[string]string, len(entry))
	for userID, sheetName := range entry {
		out[userID] = sheetName
	}
	return out
}

// Link binds sheetName to userID within the channel, first removing any
// existing binding of that sheet there. An empty userID unlinks the sheet
// without creating a new binding. The sheet name is not validated against the
// store; a dangling link simply resolves to absent.
func (t *LinkTable) Link(channelID, sheetName, userID string) {
	entry := t.links(channelID)
	for linkedUser, linkedSheet := range entry {
		if linkedSheet == sheetName {
			delete(entry, linkedUser)
		}
	}
	if userID != "" {
		entry[userID] = sheetName
	}
	t.schedulePersist()
}

// UnlinkSheetEverywhere removes every binding of sheetName across all
// channels. Invoked by the store when a sheet is deleted.
func (t *LinkTable) UnlinkSheetEverywhere(sheetName string) {
	changed := false
	for _, entry := range t.channels {
		for linkedUser, linkedSheet := range entry {
			if linkedSheet == sheetName {
				delete(entry, linkedUser)
				changed = true
			}
		}
	}
	if changed {
		t.schedulePersist()
	}
}

// Resolve returns the sheet name linked to the user in the channel.
func (t *LinkTable) Resolve(channelID, userID string) (string, bool) {
	sheetName, ok := t.links(channelID)[userID]
	return sheetName, ok
}

// Snapshot copies the full table for persistence.
func (t *LinkTable) Snapshot() LinkSnapshot {
	out := make(LinkSnapshot, len(t.channels))
	for channelID, entry := range t.channels {
		links := make(map[string]string, len(entry))
		for userID, sheetName := range entry {
			links[userID] = sheetName
		}
		out[channelID] = links
	}
	return out
}

func (t *LinkTable) schedulePersist() {
	t.dirty = true
}

// consumeDirty reports whether a mutation occurred since the last call and
// resets the marker.
func (t *LinkTable) consumeDirty() bool {
	dirty := t.dirty
	t.dirty = false
	return dirty
}
