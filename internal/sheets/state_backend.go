package sheets

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LinksFileName is the aggregate link-table document inside a sheet
// directory. Everything else ending in .json is treated as a sheet record.
const LinksFileName = "__links.json"

// RawSheetFile is one persisted sheet record before migration, along with the
// file timestamps used to backfill created/lastModified (epoch millis, zero
// when the backend cannot tell).
type RawSheetFile struct {
	Doc      map[string]any
	Created  int64
	Modified int64
}

// StateBackend persists sheet records (one document each) plus the aggregate
// link table. Load methods are called once at startup; save methods run on
// the store's save worker and their failures are logged, never surfaced to
// the mutating caller.
type StateBackend interface {
	LoadSheets() ([]RawSheetFile, error)
	LoadLinks() (LinkSnapshot, error)
	SaveSheet(sheet Sheet) error
	DeleteSheet(name string) error
	SaveLinks(snapshot LinkSnapshot) error
}

type stateBackendCloser interface {
	Close() error
}

// DirBackend stores one <name>.json per sheet plus __links.json in a single
// directory, matching the layout hand-maintained sheet collections use.
type DirBackend struct {
	dir string
}

func NewDirBackend(dir string) *DirBackend {
	return &DirBackend{dir: dir}
}

// LoadSheets reads every sheet document in the directory. Unreadable or
// garbled files are logged and skipped; only enumerating the directory
// itself can fail the load.
func (b *DirBackend) LoadSheets() ([]RawSheetFile, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var records []RawSheetFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == LinksFileName || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(b.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[sheets] %s read failed: %v", path, err)
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			log.Printf("[sheets] %s parse failed: %v", path, err)
			continue
		}
		record := RawSheetFile{Doc: doc}
		if info, err := entry.Info(); err == nil {
			// Birth time is not portably available; modification time
			// stands in for both backfill sources.
			record.Created = info.ModTime().UnixMilli()
			record.Modified = info.ModTime().UnixMilli()
		}
		records = append(records, record)
	}
	return records, nil
}

func (b *DirBackend) LoadLinks() (LinkSnapshot, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, LinksFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot LinkSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (b *DirBackend) SaveSheet(sheet Sheet) error {
	data, err := json.Marshal(sheet)
	if err != nil {
		return err
	}
	return b.writeFile(sheet.Name+".json", data)
}

func (b *DirBackend) DeleteSheet(name string) error {
	err := os.Remove(filepath.Join(b.dir, name+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (b *DirBackend) SaveLinks(snapshot LinkSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return b.writeFile(LinksFileName, data)
}

func (b *DirBackend) writeFile(name string, data []byte) error {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(b.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// InMemoryStateBackend keeps documents in process memory. Used by tests and
// as the default when no DSN is configured.
type InMemoryStateBackend struct {
	mu     sync.Mutex
	sheets map[string]map[string]any
	links  LinkSnapshot
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{
		sheets: map[string]map[string]any{},
	}
}

func (b *InMemoryStateBackend) LoadSheets() ([]RawSheetFile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	records := make([]RawSheetFile, 0, len(b.sheets))
	for _, doc := range b.sheets {
		records = append(records, RawSheetFile{Doc: cloneDocValue(doc).(map[string]any)})
	}
	return records, nil
}

func (b *InMemoryStateBackend) LoadLinks() (LinkSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.links == nil {
		return nil, nil
	}
	clone := LinkSnapshot{}
	for channelID, entry := range b.links {
		links := map[string]string{}
		for userID, sheetName := range entry {
			links[userID] = sheetName
		}
		clone[channelID] = links
	}
	return clone, nil
}

func (b *InMemoryStateBackend) SaveSheet(sheet Sheet) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sheets[sheet.Name] = sheet.Doc()
	return nil
}

func (b *InMemoryStateBackend) DeleteSheet(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sheets, name)
	return nil
}

func (b *InMemoryStateBackend) SaveLinks(snapshot LinkSnapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.links = snapshot
	return nil
}
