package sheets

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DirWatcher mirrors external edits to a sheet directory into the store:
// dropped-in or edited .json files are migrated and upserted, removed files
// delete the matching sheet. The store's own writes land as identical
// documents and short-circuit in Put, so they do not echo.
type DirWatcher struct {
	store   *Store
	dir     string
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

func NewDirWatcher(store *Store, dir string) (*DirWatcher, error) {
	if store == nil || strings.TrimSpace(dir) == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	w := &DirWatcher{
		store:   store,
		dir:     dir,
		watcher: watcher,
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (w *DirWatcher) Close() {
	_ = w.watcher.Close()
	w.wg.Wait()
}

func (w *DirWatcher) run() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[sheets] directory watcher error: %v", err)
		}
	}
}

func (w *DirWatcher) handleEvent(ev fsnotify.Event) {
	base := filepath.Base(ev.Name)
	if !strings.HasSuffix(base, ".json") || base == LinksFileName {
		return
	}
	name := strings.TrimSuffix(base, ".json")
	switch {
	case ev.Op.Has(fsnotify.Remove):
		w.store.Delete(name)
	case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Rename):
		w.reload(ev.Name)
	}
}

func (w *DirWatcher) reload(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[sheets] %s reload read failed: %v", path, err)
		}
		return
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		// Likely a partial write from an external editor; a follow-up
		// write event will retry.
		log.Printf("[sheets] %s reload parse failed: %v", path, err)
		return
	}
	sheet := Migrate(doc)
	if sheet.Name == "" {
		log.Printf("[sheets] %s reload skipped: no sheet name", path)
		return
	}
	if err := w.store.Put(sheet); err != nil {
		log.Printf("[sheets] %s reload rejected: %v", path, err)
	}
}
