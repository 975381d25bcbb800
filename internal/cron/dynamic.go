package cron

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// TaskType distinguishes a DynamicTask's firing pattern (spec §10's
// supplemented feature, from openpaw/domain/cron.py's DynamicCronTask).
type TaskType string

const (
	TaskOnce     TaskType = "once"
	TaskInterval TaskType = "interval"
)

// DynamicTask is an agent-spawned timer distinct from a file-defined
// Definition: a one-off firing at RunAt, or a repeating firing every
// IntervalSeconds, routed to Channel/ChatID like a Definition's OutputRoute.
type DynamicTask struct {
	ID              string    `yaml:"id"`
	Type            TaskType  `yaml:"task_type"`
	Prompt          string    `yaml:"prompt"`
	CreatedAt       time.Time `yaml:"created_at"`
	RunAt           time.Time `yaml:"run_at,omitempty"`
	IntervalSeconds int       `yaml:"interval_seconds,omitempty"`
	NextRun         time.Time `yaml:"next_run,omitempty"`
	Channel         string    `yaml:"channel,omitempty"`
	ChatID          int64     `yaml:"chat_id,omitempty"`
}

type dynamicDocument struct {
	Tasks []DynamicTask `yaml:"tasks"`
}

// dynamicStore persists DynamicTasks with the same atomic temp-then-rename
// discipline as internal/substore, so an agent-scheduled timer survives a
// restart and is swept of already-missed one-shots when reloaded.
type dynamicStore struct {
	mu   sync.Mutex
	path string
}

func newDynamicStore(path string) *dynamicStore {
	if path != "" {
		os.MkdirAll(filepath.Dir(path), 0755)
	}
	return &dynamicStore{path: path}
}

func (s *dynamicStore) load() dynamicDocument {
	if s.path == "" {
		return dynamicDocument{}
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return dynamicDocument{}
	}
	var doc dynamicDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return dynamicDocument{}
	}
	return doc
}

func (s *dynamicStore) save(doc dynamicDocument) error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".cron-dynamic-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()
	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (s *dynamicStore) list() []DynamicTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load().Tasks
}

func (s *dynamicStore) add(task DynamicTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.load()
	doc.Tasks = append(doc.Tasks, task)
	return s.save(doc)
}

func (s *dynamicStore) remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.load()
	kept := doc.Tasks[:0]
	removed := false
	for _, t := range doc.Tasks {
		if t.ID == id {
			removed = true
			continue
		}
		kept = append(kept, t)
	}
	doc.Tasks = kept
	if removed {
		s.save(doc)
	}
	return removed
}

func (s *dynamicStore) update(id string, mutate func(*DynamicTask)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.load()
	for i := range doc.Tasks {
		if doc.Tasks[i].ID == id {
			mutate(&doc.Tasks[i])
			s.save(doc)
			return true
		}
	}
	return false
}

func newDynamicTaskID() string { return uuid.NewString() }
