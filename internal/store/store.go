// Package store provides task record persistence and retrieval.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/aluengo/zagal/pkg/models"
)

// Store defines the interface for task record storage. Records are copied
// on the way in and out, so callers never share memory with the store or
// with each other: a record mutated after Save (or obtained from Get/List)
// is private to its owner.
type Store interface {
	Save(rec *models.TaskRecord) error
	Get(id string) (*models.TaskRecord, error)
	List(filter ListFilter) ([]*models.TaskRecord, error)
	Delete(id string) error
	UpdateState(id string, state models.TaskState) error
	Close() error
}

// ListFilter defines criteria for listing task records.
type ListFilter struct {
	States []models.TaskState
	Limit  int
	Offset int
}

// FileStore implements Store using a JSON file for persistence.
type FileStore struct {
	path    string
	records map[string]*models.TaskRecord
	mu      sync.RWMutex
	dirty   bool
	closeCh chan struct{}
}

// NewFileStore creates a new file-based store.
func NewFileStore(path string) (*FileStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	fs := &FileStore{
		path:    path,
		records: make(map[string]*models.TaskRecord),
		closeCh: make(chan struct{}),
	}

	if err := fs.load(); err != nil {
		return nil, err
	}

	// Start background saver
	go fs.backgroundSaver()

	return fs, nil
}

func (fs *FileStore) load() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read store file: %w", err)
	}

	if len(data) == 0 {
		return nil
	}

	var records map[string]*models.TaskRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("failed to parse store file: %w", err)
	}

	fs.records = records
	return nil
}

func (fs *FileStore) save() error {
	fs.mu.RLock()
	data, err := json.MarshalIndent(fs.records, "", "  ")
	fs.mu.RUnlock()

	if err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}

	tmpPath := fs.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, fs.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func (fs *FileStore) backgroundSaver() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fs.mu.RLock()
			dirty := fs.dirty
			fs.mu.RUnlock()

			if dirty {
				if err := fs.save(); err == nil {
					fs.mu.Lock()
					fs.dirty = false
					fs.mu.Unlock()
				}
			}
		case <-fs.closeCh:
			fs.save()
			return
		}
	}
}

// Save stores a copy of the task record.
func (fs *FileStore) Save(rec *models.TaskRecord) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.records[rec.Descriptor.ID] = cloneRecord(rec)
	fs.dirty = true

	return nil
}

// Get retrieves a copy of a task record by ID.
func (fs *FileStore) Get(id string) (*models.TaskRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	rec, exists := fs.records[id]
	if !exists {
		return nil, fmt.Errorf("task not found: %s", id)
	}

	return cloneRecord(rec), nil
}

// List retrieves copies of the task records matching the filter, newest
// first.
func (fs *FileStore) List(filter ListFilter) ([]*models.TaskRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var result []*models.TaskRecord

	for _, rec := range fs.records {
		if fs.matchesFilter(rec, filter) {
			result = append(result, cloneRecord(rec))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*models.TaskRecord{}, nil
		}
		result = result[filter.Offset:]
	}

	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}

	return result, nil
}

func (fs *FileStore) matchesFilter(rec *models.TaskRecord, filter ListFilter) bool {
	if len(filter.States) > 0 {
		matched := false
		for _, s := range filter.States {
			if rec.State == s {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Delete removes a task record by ID.
func (fs *FileStore) Delete(id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, exists := fs.records[id]; !exists {
		return fmt.Errorf("task not found: %s", id)
	}

	delete(fs.records, id)
	fs.dirty = true

	return nil
}

// UpdateState updates only the lifecycle state of a task record.
func (fs *FileStore) UpdateState(id string, state models.TaskState) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec, exists := fs.records[id]
	if !exists {
		return fmt.Errorf("task not found: %s", id)
	}

	rec.State = state
	fs.dirty = true

	return nil
}

// cloneRecord deep-copies a task record so stored records and the records
// handed to callers never alias each other.
func cloneRecord(rec *models.TaskRecord) *models.TaskRecord {
	if rec == nil {
		return nil
	}
	c := *rec
	c.StartedAt = cloneTime(rec.StartedAt)
	c.CompletedAt = cloneTime(rec.CompletedAt)
	if rec.Result != nil {
		r := *rec.Result
		r.Events = append([]models.AgentEvent(nil), rec.Result.Events...)
		r.Artifacts = append([]string(nil), rec.Result.Artifacts...)
		r.Summary.ToolsUsed = append([]string(nil), rec.Result.Summary.ToolsUsed...)
		r.Summary.FilesChanged = append([]string(nil), rec.Result.Summary.FilesChanged...)
		r.Summary.Errors = append([]string(nil), rec.Result.Summary.Errors...)
		if rec.Result.ExitCode != nil {
			code := *rec.Result.ExitCode
			r.ExitCode = &code
		}
		r.StartedAt = cloneTime(rec.Result.StartedAt)
		r.CompletedAt = cloneTime(rec.Result.CompletedAt)
		c.Result = &r
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Close stops the background saver and performs a final save.
func (fs *FileStore) Close() error {
	close(fs.closeCh)
	return nil
}

// ForceSave immediately persists all records to disk.
func (fs *FileStore) ForceSave() error {
	fs.mu.Lock()
	fs.dirty = false
	fs.mu.Unlock()
	return fs.save()
}
