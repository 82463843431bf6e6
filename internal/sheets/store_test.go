package sheets

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T, opts StoreOptions) *Store {
	t.Helper()
	opts.DisableWorkers = true
	store := NewStoreWithOptions(opts)
	t.Cleanup(store.Close)
	return store
}

func putSheet(t *testing.T, store *Store, name string, sheetType SheetType, fields map[string]any) {
	t.Helper()
	if fields == nil {
		fields = map[string]any{}
	}
	err := store.Put(Sheet{
		Name:          name,
		Type:          sheetType,
		SchemaVersion: CurrentSchemaVersion,
		Fields:        fields,
	})
	if err != nil {
		t.Fatalf("put %s failed: %v", name, err)
	}
}

func TestStoreGetReturnsCopy(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	putSheet(t, store, "copy", SheetTypeCOC, map[string]any{"SAN": 60})

	sheet, ok := store.Get("copy")
	if !ok {
		t.Fatal("expected sheet")
	}
	sheet.Fields["SAN"] = 1

	again, _ := store.Get("copy")
	if !valuesEqual(again.Fields["SAN"], 60) {
		t.Fatalf("mutating a returned sheet leaked into the store: %v", again.Fields["SAN"])
	}
}

func TestStorePutValidatesName(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	for _, name := range []string{"", "a/b", `a\b`, "__links"} {
		if err := store.Put(Sheet{Name: name}); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input for %q, got %v", name, err)
		}
	}
}

func TestStoreImportValidatesAndMigrates(t *testing.T) {
	store := newTestStore(t, StoreOptions{})

	if _, err := store.Import(map[string]any{"type": "coc"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for nameless doc, got %v", err)
	}

	sheet, err := store.Import(map[string]any{
		"basic":  map[string]any{"name": "imported", "san": 55.0},
		"skills": map[string]any{},
	})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if sheet.SchemaVersion != CurrentSchemaVersion {
		t.Fatalf("import did not migrate: version %d", sheet.SchemaVersion)
	}
	if sheet.Created == 0 || sheet.LastModified == 0 {
		t.Fatalf("import did not backfill timestamps: %+v", sheet)
	}
	if _, ok := store.Get("imported"); !ok {
		t.Fatal("imported sheet not stored")
	}
}

func TestStoreQueryComposesPredicates(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	putSheet(t, store, "Dust Runner", SheetTypeCOC, nil)
	putSheet(t, store, "Dusty Template", SheetTypeCOC, nil)
	putSheet(t, store, "Paladin", SheetTypeDND, nil)
	if err := store.Put(Sheet{Name: "Dusty Template", Type: SheetTypeCOC, SchemaVersion: CurrentSchemaVersion, IsTemplate: true, Fields: map[string]any{}}); err != nil {
		t.Fatalf("put template failed: %v", err)
	}

	if got := len(store.Query(Query{})); got != 3 {
		t.Fatalf("empty query should match everything, got %d", got)
	}
	if got := len(store.Query(Query{Name: "dust"})); got != 2 {
		t.Fatalf("name query should be a case-insensitive substring match, got %d", got)
	}
	if got := len(store.Query(Query{Types: []SheetType{SheetTypeDND}})); got != 1 {
		t.Fatalf("type query mismatch, got %d", got)
	}
	yes := true
	result := store.Query(Query{Name: "dust", Types: []SheetType{SheetTypeCOC}, IsTemplate: &yes})
	if len(result) != 1 || result[0].Name != "Dusty Template" {
		t.Fatalf("combined query mismatch: %+v", result)
	}
	no := false
	if got := len(store.Query(Query{IsTemplate: &no})); got != 2 {
		t.Fatalf("template=false query mismatch, got %d", got)
	}
}

func TestStoreLinkExclusivity(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	putSheet(t, store, "shared", SheetTypeCOC, nil)

	if err := store.Link("chan", "shared", "alice"); err != nil {
		t.Fatalf("link failed: %v", err)
	}
	if err := store.Link("chan", "shared", "bob"); err != nil {
		t.Fatalf("relink failed: %v", err)
	}

	if _, ok := store.Resolve("chan", "alice"); ok {
		t.Fatal("sheet must move to the new user, not be shared")
	}
	if name, ok := store.Resolve("chan", "bob"); !ok || name != "shared" {
		t.Fatalf("expected bob linked to shared, got %q ok=%v", name, ok)
	}

	// The same sheet may be linked independently in another channel.
	if err := store.Link("other", "shared", "alice"); err != nil {
		t.Fatalf("cross-channel link failed: %v", err)
	}
	if name, ok := store.Resolve("other", "alice"); !ok || name != "shared" {
		t.Fatalf("cross-channel resolve mismatch: %q ok=%v", name, ok)
	}
	if name, ok := store.Resolve("chan", "bob"); !ok || name != "shared" {
		t.Fatalf("original channel link disturbed: %q ok=%v", name, ok)
	}
}

func TestStoreUnlinkViaEmptyUser(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	putSheet(t, store, "loose", SheetTypeCOC, nil)

	if err := store.Link("chan", "loose", "alice"); err != nil {
		t.Fatalf("link failed: %v", err)
	}
	if err := store.Link("chan", "loose", ""); err != nil {
		t.Fatalf("unlink failed: %v", err)
	}
	if _, ok := store.Resolve("chan", "alice"); ok {
		t.Fatal("expected sheet unlinked")
	}
	if got := store.Links("chan"); len(got) != 0 {
		t.Fatalf("expected empty link map, got %v", got)
	}
}

func TestStoreDeleteCascadesLinks(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	putSheet(t, store, "doomed", SheetTypeCOC, nil)
	putSheet(t, store, "survivor", SheetTypeCOC, nil)
	for _, channel := range []string{"one", "two"} {
		if err := store.Link(channel, "doomed", "alice"); err != nil {
			t.Fatalf("link in %s failed: %v", channel, err)
		}
	}
	if err := store.Link("one", "survivor", "bob"); err != nil {
		t.Fatalf("link survivor failed: %v", err)
	}

	store.Delete("doomed")

	if _, ok := store.Get("doomed"); ok {
		t.Fatal("sheet still present after delete")
	}
	for _, channel := range []string{"one", "two"} {
		if _, ok := store.Resolve(channel, "alice"); ok {
			t.Fatalf("link in %s survived the delete", channel)
		}
	}
	if name, ok := store.Resolve("one", "bob"); !ok || name != "survivor" {
		t.Fatalf("unrelated link disturbed: %q ok=%v", name, ok)
	}

	// Deleting an unknown name is a no-op.
	store.Delete("doomed")
}

func TestStoreLegacyChannelKeyFallback(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	putSheet(t, store, "old", SheetTypeCOC, nil)
	if err := store.Link("12345", "old", "alice"); err != nil {
		t.Fatalf("link under legacy key failed: %v", err)
	}

	name, ok := store.Resolve("qqguild_guild9_12345", "alice")
	if !ok || name != "old" {
		t.Fatalf("expected legacy fallback to resolve, got %q ok=%v", name, ok)
	}

	// The seeded entry is now independent of the legacy one.
	if err := store.Link("12345", "old", "bob"); err != nil {
		t.Fatalf("legacy relink failed: %v", err)
	}
	if name, ok := store.Resolve("qqguild_guild9_12345", "alice"); !ok || name != "old" {
		t.Fatalf("seeded channel must not track legacy mutations, got %q ok=%v", name, ok)
	}
}

func TestStoreFieldWriteEmitsOneEvent(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	putSheet(t, store, "hero", SheetTypeCOC, map[string]any{"SAN": 60})
	if err := store.Link("chan", "hero", "alice"); err != nil {
		t.Fatalf("link failed: %v", err)
	}

	var events []ChangeEvent
	store.Bus().Subscribe(func(ev ChangeEvent) error {
		events = append(events, ev)
		return nil
	})

	view, ok := store.SheetFor("chan", "alice")
	if !ok {
		t.Fatal("expected view for linked user")
	}
	if changed := view.Set("SAN", 52); !changed {
		t.Fatal("expected change to be reported")
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(events))
	}
	ev := events[0]
	if ev.SheetName != "hero" || ev.SheetType != SheetTypeCOC || ev.Key != "SAN" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !valuesEqual(ev.OldValue, 60) || !valuesEqual(ev.NewValue, 52) {
		t.Fatalf("unexpected event values: %+v", ev)
	}
	if ev.ChannelID != "chan" || ev.UserID != "alice" {
		t.Fatalf("event missing actor identity: %+v", ev)
	}

	// Writing an equal value (even with a different numeric type) is a no-op.
	if changed := view.Set("SAN", 52.0); changed {
		t.Fatal("equal-value write must not report a change")
	}
	if len(events) != 1 {
		t.Fatalf("equal-value write emitted an event, total %d", len(events))
	}

	sheet, _ := store.Get("hero")
	if sheet.LastModified == 0 {
		t.Fatal("field write did not touch lastModified")
	}
}

func TestStoreViewCacheAndInvalidation(t *testing.T) {
	store := newTestStore(t, StoreOptions{})
	putSheet(t, store, "cached", SheetTypeCOC, map[string]any{"HP": 10})

	first, ok := store.View("cached")
	if !ok {
		t.Fatal("expected view")
	}
	second, _ := store.View("cached")
	if first != second {
		t.Fatal("expected the same cached view instance")
	}

	// Replacing the sheet invalidates the cached wrapper.
	putSheet(t, store, "cached", SheetTypeCOC, map[string]any{"HP": 12})
	third, _ := store.View("cached")
	if third == first {
		t.Fatal("replacement must drop the cached view")
	}
	if _, live := first.Sheet(); live {
		t.Fatal("superseded view must report not-live")
	}
	if changed := first.Set("HP", 1); changed {
		t.Fatal("superseded view must not write")
	}
	if sheet, _ := store.Get("cached"); !valuesEqual(sheet.Fields["HP"], 12) {
		t.Fatalf("stale write leaked: %v", sheet.Fields["HP"])
	}

	store.Delete("cached")
	if _, live := third.Sheet(); live {
		t.Fatal("view over a deleted sheet must report not-live")
	}
	if _, ok := store.View("cached"); ok {
		t.Fatal("no view for a deleted sheet")
	}
}

func TestStoreIdenticalPutIsNoOp(t *testing.T) {
	backend := NewInMemoryStateBackend()
	store := newTestStore(t, StoreOptions{Backend: backend})
	putSheet(t, store, "same", SheetTypeCOC, map[string]any{"HP": 10})

	view, _ := store.View("same")
	sheet, _ := store.Get("same")
	if err := store.Put(sheet); err != nil {
		t.Fatalf("identical put failed: %v", err)
	}
	again, _ := store.View("same")
	if again != view {
		t.Fatal("identical replacement must keep the cached view")
	}
}

func TestStoreSynchronousSavesWithDirBackend(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, StoreOptions{Dir: dir})
	putSheet(t, store, "durable", SheetTypeCOC, map[string]any{"SAN": 44})
	if err := store.Link("chan", "durable", "alice"); err != nil {
		t.Fatalf("link failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "durable.json"))
	if err != nil {
		t.Fatalf("sheet file missing: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("sheet file garbled: %v", err)
	}
	if doc["name"] != "durable" {
		t.Fatalf("unexpected persisted doc: %v", doc)
	}

	if _, err := os.Stat(filepath.Join(dir, LinksFileName)); err != nil {
		t.Fatalf("link table file missing: %v", err)
	}

	store.Delete("durable")
	if _, err := os.Stat(filepath.Join(dir, "durable.json")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("sheet file should be gone after delete, stat err=%v", err)
	}
}

func TestStoreReloadsPersistedState(t *testing.T) {
	dir := t.TempDir()
	first := NewStoreWithOptions(StoreOptions{Dir: dir, DisableWorkers: true})
	putSheet(t, first, "persisted", SheetTypeCOC, map[string]any{"SAN": 33})
	if err := first.Link("chan", "persisted", "alice"); err != nil {
		t.Fatalf("link failed: %v", err)
	}
	first.Close()

	second := newTestStore(t, StoreOptions{Dir: dir})
	sheet, ok := second.Get("persisted")
	if !ok {
		t.Fatal("sheet not reloaded")
	}
	if !valuesEqual(sheet.Fields["SAN"], 33) {
		t.Fatalf("reloaded sheet mismatch: %v", sheet.Fields["SAN"])
	}
	if name, ok := second.Resolve("chan", "alice"); !ok || name != "persisted" {
		t.Fatalf("link table not reloaded: %q ok=%v", name, ok)
	}
}

func TestStoreMigratesLegacyFilesOnLoad(t *testing.T) {
	dir := t.TempDir()
	legacy := map[string]any{
		"basic":  map[string]any{"name": "legacy", "san": 48.0},
		"skills": map[string]any{"克苏鲁": 7.0},
	}
	data, err := json.Marshal(legacy)
	if err != nil {
		t.Fatalf("marshal legacy doc: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "legacy.json"), data, 0o644); err != nil {
		t.Fatalf("write legacy doc: %v", err)
	}

	store := newTestStore(t, StoreOptions{Dir: dir})
	sheet, ok := store.Get("legacy")
	if !ok {
		t.Fatal("legacy sheet not loaded")
	}
	if sheet.SchemaVersion != CurrentSchemaVersion {
		t.Fatalf("legacy sheet not migrated: version %d", sheet.SchemaVersion)
	}
	if !valuesEqual(sheet.Fields["CM"], 7.0) {
		t.Fatalf("legacy skills not flattened: %v", sheet.Fields["CM"])
	}
	if sheet.Created == 0 || sheet.LastModified == 0 {
		t.Fatalf("file timestamps not backfilled: %+v", sheet)
	}
}

func TestStoreRecoversPendingSavesFromFileQueue(t *testing.T) {
	dir := t.TempDir()
	queuePath := filepath.Join(dir, "queue.json")

	// Simulate a crash: a queued upsert survived in the durable queue, but
	// the backend never saw the sheet.
	seed, err := NewFileSaveQueue(queuePath, 16)
	if err != nil {
		t.Fatalf("new file save queue: %v", err)
	}
	if !seed.TryEnqueue(SaveTask{Kind: SaveTaskSheetUpsert, Name: "recovered"}) {
		t.Fatal("seed enqueue failed")
	}

	backendDir := filepath.Join(dir, "sheets")
	if err := os.MkdirAll(backendDir, 0o755); err != nil {
		t.Fatalf("mkdir backend dir: %v", err)
	}
	doc := Sheet{Name: "recovered", Type: SheetTypeCOC, SchemaVersion: CurrentSchemaVersion, Fields: map[string]any{"HP": 9}}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(backendDir, "recovered.json"), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	reopened, err := NewFileSaveQueue(queuePath, 16)
	if err != nil {
		t.Fatalf("reopen file save queue: %v", err)
	}
	store := newTestStore(t, StoreOptions{Dir: backendDir, SaveQueue: reopened})

	if reopened.Depth() != 0 {
		t.Fatalf("expected recovered task to be drained, depth %d", reopened.Depth())
	}
	if _, ok := store.Get("recovered"); !ok {
		t.Fatal("expected sheet loaded from backend")
	}
}

func TestStoreDedupesQueuedSheetSaves(t *testing.T) {
	queue := NewInMemorySaveQueue(16)
	backend := NewInMemoryStateBackend()
	store := NewStoreWithOptions(StoreOptions{Backend: backend, SaveQueue: queue, SaveWorkers: 0, DisableWorkers: false})
	// Stop the worker before it can drain anything so queue depth is
	// observable.
	store.queueCancel()
	store.wg.Wait()
	t.Cleanup(store.Close)

	putSheet(t, store, "dup", SheetTypeCOC, map[string]any{"HP": 1})
	putSheet(t, store, "dup", SheetTypeCOC, map[string]any{"HP": 2})
	putSheet(t, store, "dup", SheetTypeCOC, map[string]any{"HP": 3})

	if depth := queue.Depth(); depth != 1 {
		t.Fatalf("expected one deduplicated upsert task, got depth %d", depth)
	}
}
