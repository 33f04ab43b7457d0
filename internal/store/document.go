package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/taskwright/taskwright/internal/task"
)

// DocumentStore persists the task graph as a single JSON document.
//
// Every mutation is a read-modify-write with a temp-file swap: the new
// document is written to a sibling temp file, fsynced, then renamed over
// the original. The rename is atomic, so a crash mid-write never leaves a
// truncated store -- at worst one status update is lost.
type DocumentStore struct {
	mu   sync.Mutex
	path string
	doc  *task.Document
}

// OpenDocument loads the document at path. A malformed document is a hard
// error; the caller should exit non-zero without writing partial state.
func OpenDocument(path string) (*DocumentStore, error) {
	s := &DocumentStore{path: path}
	if err := s.Reload(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// CreateDocument writes a fresh document to path, replacing any existing
// one, and returns a store over it.
func CreateDocument(path string, doc *task.Document) (*DocumentStore, error) {
	s := &DocumentStore{path: path, doc: doc}
	if err := s.flushLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the document from disk.
func (s *DocumentStore) Reload(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading task document: %w", err)
	}
	var doc task.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("malformed task document %s: %w", s.path, err)
	}
	for _, t := range doc.Tasks {
		if _, err := task.ParseStatus(string(t.Status)); err != nil {
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
	}
	s.doc = &doc
	return nil
}

// Path returns the backing file path.
func (s *DocumentStore) Path() string { return s.path }

// Document returns a snapshot of the current document.
func (s *DocumentStore) Document() *task.Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := &task.Document{Meta: s.doc.Meta}
	for _, t := range s.doc.Tasks {
		cp.Tasks = append(cp.Tasks, t.Clone())
	}
	return cp
}

// NextEligible scans in document order.
func (s *DocumentStore) NextEligible(_ context.Context) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := make(map[string]*task.Task, len(s.doc.Tasks))
	for _, t := range s.doc.Tasks {
		byID[t.ID] = t
	}

	for _, t := range s.doc.Tasks {
		if t.Status != task.StatusPending {
			continue
		}
		ready := true
		for _, dep := range t.BlockedBy {
			depTask, ok := byID[dep]
			if !ok || depTask.Status != task.StatusCompleted {
				ready = false
				break
			}
		}
		if ready {
			return t.Clone(), nil
		}
	}
	return nil, nil
}

func (s *DocumentStore) Get(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.doc.Tasks {
		if t.ID == id {
			return t.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *DocumentStore) SetStatus(_ context.Context, id string, status task.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.doc.Tasks {
		if t.ID == id {
			t.Status = status
			return s.flushLocked()
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *DocumentStore) IncrementHeal(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.doc.Tasks {
		if t.ID == id {
			t.HealAttempt++
			return t.HealAttempt, s.flushLocked()
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// AppendTasks adds new tasks to the end of the document. Tasks whose ID
// already exists are skipped so a re-run review pass does not duplicate
// its findings.
func (s *DocumentStore) AppendTasks(_ context.Context, tasks []*task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]bool, len(s.doc.Tasks))
	for _, t := range s.doc.Tasks {
		existing[t.ID] = true
	}

	added := false
	for _, t := range tasks {
		if existing[t.ID] {
			continue
		}
		s.doc.Tasks = append(s.doc.Tasks, t.Clone())
		existing[t.ID] = true
		added = true
	}
	if !added {
		return nil
	}
	return s.flushLocked()
}

func (s *DocumentStore) CountByStatus(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.CountByStatus(), nil
}

// flushLocked rewrites the document atomically. Callers hold s.mu.
func (s *DocumentStore) flushLocked() error {
	s.doc.Meta.Counts = s.doc.CountByStatus()
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding task document: %w", err)
	}
	return atomicWrite(s.path, data)
}

// atomicWrite writes data to a temp file in the target's directory, syncs
// it, then renames it over path.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// NewDocument builds a document from compiled tasks with a fresh meta
// header.
func NewDocument(tasks []*task.Task, inputs map[string]string, warnings []string) *task.Document {
	doc := &task.Document{
		Meta: task.Meta{
			GeneratedAt: time.Now().UTC(),
			Inputs:      inputs,
			Warnings:    warnings,
		},
		Tasks: tasks,
	}
	doc.Meta.Counts = doc.CountByStatus()
	return doc
}
