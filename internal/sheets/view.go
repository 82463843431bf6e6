package sheets

// SheetView is the live wrapper over one sheet. At most one view exists per
// sheet name at a time: the store constructs it lazily and drops the cache
// entry whenever the underlying sheet is replaced or deleted, so a stale
// wrapper can never observe or mutate post-replacement data. Field writes
// that change a value emit exactly one change event on the bus before the
// durable write is scheduled.
//
// channelID and userID are the actor the view was last resolved for; the
// store rebinds them on every SheetFor lookup while holding its lock.
type SheetView struct {
	store     *Store
	name      string
	channelID string
	userID    string
}

func (v *SheetView) Name() string {
	return v.name
}

// Sheet returns a copy of the current underlying record. ok is false once
// the sheet has been deleted or the view superseded.
func (v *SheetView) Sheet() (Sheet, bool) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	if v.store.views[v.name] != v {
		return Sheet{}, false
	}
	sheet, ok := v.store.sheets[v.name]
	if !ok {
		return Sheet{}, false
	}
	return sheet.Clone(), true
}

// Get reads one field value.
func (v *SheetView) Get(key string) (any, bool) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	sheet, ok := v.store.sheets[v.name]
	if !ok {
		return nil, false
	}
	value, ok := sheet.Fields[key]
	return value, ok
}

// Set writes one field value. It reports true when the value actually
// changed, in which case subscribers have already been notified by the time
// it returns. Writing an equal value is a no-op.
func (v *SheetView) Set(key string, value any) bool {
	return v.store.applyFieldWrite(v, key, value)
}

func (v *SheetView) bindActor(channelID, userID string) {
	v.channelID = channelID
	v.userID = userID
}
