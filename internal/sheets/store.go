package sheets

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Query filters sheets with AND semantics; a zero predicate matches
// everything on that dimension. Name matching is a case-insensitive
// substring test.
type Query struct {
	Name       string
	Types      []SheetType
	IsTemplate *bool
}

type StoreOptions struct {
	// Backend persists sheets and links. Nil with an empty Dir means
	// in-memory only; Dir is shorthand for a directory backend.
	Backend        StateBackend
	Dir            string
	LegacyKey      LegacyKeyFunc
	SaveQueue      SaveQueue
	SaveQueueSize  int
	SaveWorkers    int
	DisableWorkers bool
}

// Store owns the name-to-sheet table, the per-channel link table, the view
// cache, and the change bus. All in-memory mutations are serialized by one
// mutex and take effect before the call returns; durable writes are
// scheduled on the save queue and their failures are logged, never surfaced
// to the mutating caller.
type Store struct {
	mu     sync.RWMutex
	sheets map[string]Sheet
	views  map[string]*SheetView
	links  *LinkTable
	bus    *ChangeBus

	backend        StateBackend
	saveQueue      SaveQueue
	queueMu        sync.Mutex
	queuedSaves    map[string]struct{}
	disableWorkers bool

	queueCtx    context.Context
	queueCancel context.CancelFunc
	closed      chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	backend := opts.Backend
	if backend == nil && strings.TrimSpace(opts.Dir) != "" {
		backend = NewDirBackend(opts.Dir)
	}
	queueSize := opts.SaveQueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	saveQueue := opts.SaveQueue
	if saveQueue == nil {
		saveQueue = NewInMemorySaveQueue(queueSize)
	}
	saveWorkers := opts.SaveWorkers
	if saveWorkers <= 0 {
		saveWorkers = 1
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())

	s := &Store{
		sheets:         map[string]Sheet{},
		views:          map[string]*SheetView{},
		links:          NewLinkTable(opts.LegacyKey),
		bus:            NewChangeBus(),
		backend:        backend,
		saveQueue:      saveQueue,
		queuedSaves:    map[string]struct{}{},
		disableWorkers: opts.DisableWorkers,
		queueCtx:       queueCtx,
		queueCancel:    queueCancel,
		closed:         make(chan struct{}),
	}
	s.seedQueuedSavesFromQueue()
	s.loadAll()
	if opts.DisableWorkers {
		s.drainPendingSaves()
	} else {
		s.wg.Add(saveWorkers)
		for i := 0; i < saveWorkers; i++ {
			go func() {
				defer s.wg.Done()
				s.saveWorker()
			}()
		}
	}
	return s
}

// loadAll pulls every persisted record through the migrator. A record that
// migrates to an empty name is unusable and skipped; the backend has already
// skipped records it could not parse.
func (s *Store) loadAll() {
	if s.backend == nil {
		return
	}
	records, err := s.backend.LoadSheets()
	if err != nil {
		log.Printf("[sheets] sheet load failed: %v", err)
	}
	s.mu.Lock()
	for _, record := range records {
		sheet := Migrate(record.Doc)
		if sheet.Name == "" {
			log.Printf("[sheets] skipping sheet record with no name")
			continue
		}
		if sheet.Created == 0 {
			sheet.Created = record.Created
		}
		if sheet.LastModified == 0 {
			sheet.LastModified = record.Modified
		}
		s.sheets[sheet.Name] = sheet
	}
	s.mu.Unlock()

	snapshot, err := s.backend.LoadLinks()
	if err != nil {
		log.Printf("[sheets] link table load failed: %v", err)
		return
	}
	if snapshot != nil {
		s.mu.Lock()
		s.links.seed(snapshot)
		s.mu.Unlock()
	}
}

func (s *Store) seedQueuedSavesFromQueue() {
	snapshotter, ok := s.saveQueue.(saveQueueSnapshotter)
	if !ok {
		return
	}
	for _, task := range snapshotter.SnapshotSaveTasks() {
		if task.dedupable() {
			s.queuedSaves[task.key()] = struct{}{}
		}
	}
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.queueCancel()
		_ = s.saveQueue.Close()
		s.wg.Wait()
		if closer, ok := s.backend.(stateBackendCloser); ok && closer != nil {
			_ = closer.Close()
		}
	})
}

// Bus exposes the change bus for subscribers such as the hook dispatcher.
func (s *Store) Bus() *ChangeBus {
	return s.bus
}

// Get returns a copy of the sheet.
func (s *Store) Get(name string) (Sheet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sheet, ok := s.sheets[name]
	if !ok {
		return Sheet{}, false
	}
	return sheet.Clone(), true
}

// Put upserts a sheet by name, drops any cached view for it, and schedules a
// durable write. Replacing a sheet with an identical value is a no-op, which
// also keeps the directory watcher from echoing the store's own writes back
// into it.
func (s *Store) Put(sheet Sheet) error {
	if err := validateName(sheet.Name); err != nil {
		return err
	}
	if sheet.Fields == nil {
		sheet.Fields = map[string]any{}
	}
	if sheet.SchemaVersion == 0 {
		sheet.SchemaVersion = CurrentSchemaVersion
	}
	s.mu.Lock()
	if existing, ok := s.sheets[sheet.Name]; ok && sheetsEqual(existing, sheet) {
		s.mu.Unlock()
		return nil
	}
	s.sheets[sheet.Name] = sheet.Clone()
	delete(s.views, sheet.Name)
	s.mu.Unlock()
	s.scheduleSave(SaveTask{Kind: SaveTaskSheetUpsert, Name: sheet.Name})
	return nil
}

// Import validates a raw sheet document, migrates it to the current schema,
// backfills missing timestamps, and upserts the result.
func (s *Store) Import(doc map[string]any) (Sheet, error) {
	if err := ValidateSheetDoc(doc); err != nil {
		return Sheet{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	sheet := Migrate(doc)
	now := time.Now().UnixMilli()
	if sheet.Created == 0 {
		sheet.Created = now
	}
	if sheet.LastModified == 0 {
		sheet.LastModified = now
	}
	if err := s.Put(sheet); err != nil {
		return Sheet{}, err
	}
	return sheet, nil
}

// Delete removes the sheet, its cached view, its backing file, and every
// link referencing it in any channel. Deleting an unknown name is a no-op.
func (s *Store) Delete(name string) {
	s.mu.Lock()
	_, existed := s.sheets[name]
	delete(s.sheets, name)
	delete(s.views, name)
	s.links.UnlinkSheetEverywhere(name)
	linkSnapshot := s.linkSnapshotIfDirtyLocked()
	s.mu.Unlock()
	if existed {
		s.scheduleSave(SaveTask{Kind: SaveTaskSheetDelete, Name: name})
	}
	s.scheduleLinkSave(linkSnapshot)
}

// Query returns copies of every sheet matching all provided predicates.
func (s *Store) Query(q Query) []Sheet {
	keyword := strings.ToLower(q.Name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Sheet
	for _, sheet := range s.sheets {
		if q.IsTemplate != nil && sheet.IsTemplate != *q.IsTemplate {
			continue
		}
		if len(q.Types) > 0 && !containsType(q.Types, sheet.Type) {
			continue
		}
		if keyword != "" && !strings.Contains(strings.ToLower(sheet.Name), keyword) {
			continue
		}
		out = append(out, sheet.Clone())
	}
	return out
}

// View returns the cached live wrapper for the named sheet, constructing one
// on first access.
func (s *Store) View(name string) (*SheetView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(name)
}

// SheetFor resolves the channel member's linked sheet and returns its view
// bound to that actor, so field writes through it carry channel and user
// identity on their change events.
func (s *Store) SheetFor(channelID, userID string) (*SheetView, bool) {
	s.mu.Lock()
	name, ok := s.links.Resolve(channelID, userID)
	var view *SheetView
	if ok {
		view, ok = s.viewLocked(name)
	}
	if view != nil {
		view.bindActor(channelID, userID)
	}
	linkSnapshot := s.linkSnapshotIfDirtyLocked()
	s.mu.Unlock()
	s.scheduleLinkSave(linkSnapshot)
	return view, ok
}

func (s *Store) viewLocked(name string) (*SheetView, bool) {
	if _, ok := s.sheets[name]; !ok {
		return nil, false
	}
	if view, ok := s.views[name]; ok {
		return view, true
	}
	view := &SheetView{store: s, name: name}
	s.views[name] = view
	return view, true
}

// Links returns a copy of the channel's user-to-sheet mapping, seeding it
// from the legacy key on first access.
func (s *Store) Links(channelID string) map[string]string {
	s.mu.Lock()
	entry := s.links.Links(channelID)
	linkSnapshot := s.linkSnapshotIfDirtyLocked()
	s.mu.Unlock()
	s.scheduleLinkSave(linkSnapshot)
	return entry
}

// Link binds the sheet to the user in the channel; an empty userID unlinks
// the sheet there. The sheet name is not validated against the store.
func (s *Store) Link(channelID, sheetName, userID string) error {
	if err := validateName(sheetName); err != nil {
		return err
	}
	if channelID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	s.links.Link(channelID, sheetName, userID)
	linkSnapshot := s.linkSnapshotIfDirtyLocked()
	s.mu.Unlock()
	s.scheduleLinkSave(linkSnapshot)
	return nil
}

// Resolve returns the sheet name linked to the user in the channel.
func (s *Store) Resolve(channelID, userID string) (string, bool) {
	s.mu.Lock()
	name, ok := s.links.Resolve(channelID, userID)
	linkSnapshot := s.linkSnapshotIfDirtyLocked()
	s.mu.Unlock()
	s.scheduleLinkSave(linkSnapshot)
	return name, ok
}

// applyFieldWrite installs a view-issued field mutation. The event is
// published after the in-memory state is visible and before the durable
// write is scheduled. A stale view (replaced or deleted underneath) writes
// nothing and emits nothing.
func (s *Store) applyFieldWrite(view *SheetView, key string, value any) bool {
	s.mu.Lock()
	sheet, ok := s.sheets[view.name]
	if !ok || s.views[view.name] != view {
		s.mu.Unlock()
		return false
	}
	oldValue, exists := sheet.Fields[key]
	if exists && valuesEqual(oldValue, value) {
		s.mu.Unlock()
		return false
	}
	updated := sheet.Clone()
	updated.Fields[key] = value
	updated.LastModified = time.Now().UnixMilli()
	s.sheets[view.name] = updated
	ev := ChangeEvent{
		SheetName: updated.Name,
		SheetType: updated.Type,
		Key:       key,
		OldValue:  oldValue,
		NewValue:  value,
		ChannelID: view.channelID,
		UserID:    view.userID,
	}
	s.mu.Unlock()

	s.bus.Publish(ev)
	s.scheduleSave(SaveTask{Kind: SaveTaskSheetUpsert, Name: ev.SheetName})
	return true
}

func (s *Store) linkSnapshotIfDirtyLocked() LinkSnapshot {
	if !s.links.consumeDirty() {
		return nil
	}
	return s.links.Snapshot()
}

func (s *Store) scheduleLinkSave(snapshot LinkSnapshot) {
	if snapshot == nil || s.backend == nil {
		return
	}
	s.scheduleSave(SaveTask{Kind: SaveTaskLinks, Links: snapshot})
}

// scheduleSave hands a durable write to the save worker without blocking the
// caller. Sheet tasks already queued are not queued again; the worker reads
// live state when it executes. Must not be called while holding s.mu.
func (s *Store) scheduleSave(task SaveTask) {
	if s.backend == nil {
		return
	}
	if s.disableWorkers {
		s.applySaveTask(task)
		return
	}
	if task.dedupable() {
		s.queueMu.Lock()
		if _, queued := s.queuedSaves[task.key()]; queued {
			s.queueMu.Unlock()
			return
		}
		s.queuedSaves[task.key()] = struct{}{}
		s.queueMu.Unlock()
	}
	if s.saveQueue.TryEnqueue(task) {
		return
	}
	go func() {
		if !s.saveQueue.Enqueue(s.queueCtx, task) && task.dedupable() {
			s.queueMu.Lock()
			delete(s.queuedSaves, task.key())
			s.queueMu.Unlock()
		}
	}()
}

func (s *Store) saveWorker() {
	for {
		task, ok := s.saveQueue.Dequeue(s.queueCtx)
		if !ok {
			return
		}
		if task.dedupable() {
			s.queueMu.Lock()
			delete(s.queuedSaves, task.key())
			s.queueMu.Unlock()
		}
		s.applySaveTask(task)
	}
}

// drainPendingSaves executes tasks recovered from a durable queue when the
// store runs without workers.
func (s *Store) drainPendingSaves() {
	if s.backend == nil {
		return
	}
	for s.saveQueue.Depth() > 0 {
		ctx, cancel := context.WithTimeout(s.queueCtx, 100*time.Millisecond)
		task, ok := s.saveQueue.Dequeue(ctx)
		cancel()
		if !ok {
			return
		}
		if task.dedupable() {
			s.queueMu.Lock()
			delete(s.queuedSaves, task.key())
			s.queueMu.Unlock()
		}
		s.applySaveTask(task)
	}
}

func (s *Store) applySaveTask(task SaveTask) {
	if s.backend == nil {
		return
	}
	switch task.Kind {
	case SaveTaskSheetUpsert:
		s.mu.RLock()
		sheet, ok := s.sheets[task.Name]
		if ok {
			sheet = sheet.Clone()
		}
		s.mu.RUnlock()
		if !ok {
			// Deleted after the save was scheduled.
			return
		}
		if err := s.backend.SaveSheet(sheet); err != nil {
			log.Printf("[sheets] sheet save failed for %s: %v", task.Name, err)
		}
	case SaveTaskSheetDelete:
		if err := s.backend.DeleteSheet(task.Name); err != nil {
			log.Printf("[sheets] sheet delete failed for %s: %v", task.Name, err)
		}
	case SaveTaskLinks:
		if err := s.backend.SaveLinks(task.Links); err != nil {
			log.Printf("[sheets] link table save failed: %v", err)
		}
	default:
		log.Printf("[sheets] unknown save task kind %q", task.Kind)
	}
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, "__") {
		return ErrInvalidInput
	}
	return nil
}

func sheetsEqual(a, b Sheet) bool {
	if a.Name != b.Name || a.Type != b.Type || a.SchemaVersion != b.SchemaVersion ||
		a.IsTemplate != b.IsTemplate || a.Created != b.Created || a.LastModified != b.LastModified {
		return false
	}
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	for k, v := range a.Fields {
		other, ok := b.Fields[k]
		if !ok || !valuesEqual(v, other) {
			return false
		}
	}
	return true
}

func containsType(types []SheetType, t SheetType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}
