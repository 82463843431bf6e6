package sheets

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SaveTask is one pending durable write. Sheet tasks carry only the name and
// are resolved against live state when executed; link tasks carry the
// snapshot captured at mutation time so execution needs no store lock.
type SaveTask struct {
	Kind  SaveTaskKind `json:"kind"`
	Name  string       `json:"name,omitempty"`
	Links LinkSnapshot `json:"links,omitempty"`
}

type SaveTaskKind string

const (
	SaveTaskSheetUpsert SaveTaskKind = "sheet_upsert"
	SaveTaskSheetDelete SaveTaskKind = "sheet_delete"
	SaveTaskLinks       SaveTaskKind = "links"
)

func (t SaveTask) key() string {
	return string(t.Kind) + "|" + t.Name
}

// dedupable reports whether at most one instance of the task should sit in
// the queue. Link tasks carry distinct payloads and are never collapsed.
func (t SaveTask) dedupable() bool {
	return t.Kind != SaveTaskLinks
}

type SaveQueue interface {
	TryEnqueue(task SaveTask) bool
	Enqueue(ctx context.Context, task SaveTask) bool
	Dequeue(ctx context.Context) (SaveTask, bool)
	Depth() int
	Capacity() int
	Close() error
}

type saveQueueSnapshotter interface {
	SnapshotSaveTasks() []SaveTask
}

type inMemorySaveQueue struct {
	ch chan SaveTask
}

func NewInMemorySaveQueue(capacity int) SaveQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemorySaveQueue{
		ch: make(chan SaveTask, capacity),
	}
}

func (q *inMemorySaveQueue) TryEnqueue(task SaveTask) bool {
	if q == nil || task.Kind == "" {
		return false
	}
	select {
	case q.ch <- task:
		return true
	default:
		return false
	}
}

func (q *inMemorySaveQueue) Enqueue(ctx context.Context, task SaveTask) bool {
	if q == nil || task.Kind == "" {
		return false
	}
	select {
	case q.ch <- task:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemorySaveQueue) Dequeue(ctx context.Context) (SaveTask, bool) {
	if q == nil {
		return SaveTask{}, false
	}
	select {
	case task := <-q.ch:
		return task, true
	case <-ctx.Done():
		return SaveTask{}, false
	}
}

func (q *inMemorySaveQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemorySaveQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemorySaveQueue) Close() error {
	return nil
}

// fileSaveQueue keeps the pending tasks in a JSON file so scheduled writes
// survive a restart. Every mutation rewrites the file via a temp file and
// rename.
type fileSaveQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []SaveTask
}

type fileSaveQueueState struct {
	Items []SaveTask `json:"items"`
}

func NewFileSaveQueue(path string, capacity int) (SaveQueue, error) {
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileSaveQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []SaveTask{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileSaveQueue) TryEnqueue(task SaveTask) bool {
	if task.Kind == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, task)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileSaveQueue) Enqueue(ctx context.Context, task SaveTask) bool {
	for {
		if q.TryEnqueue(task) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileSaveQueue) Dequeue(ctx context.Context) (SaveTask, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]SaveTask{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return SaveTask{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return SaveTask{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileSaveQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileSaveQueue) Capacity() int {
	return q.capacity
}

func (q *fileSaveQueue) SnapshotSaveTasks() []SaveTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]SaveTask(nil), q.items...)
}

func (q *fileSaveQueue) Close() error {
	return nil
}

func (q *fileSaveQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileSaveQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]SaveTask(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]SaveTask(nil), snapshot.Items...)
	return nil
}

func (q *fileSaveQueue) saveLocked() error {
	snapshot := fileSaveQueueState{
		Items: append([]SaveTask(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
