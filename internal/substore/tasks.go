package substore

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// TaskStatus mirrors the status vocabulary CommandRouter's /status handler
// reports on (spec §4.7's "task counts (pending / in-progress / completed)").
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

// Task is one record in the Task store (spec §6.2's "Task store file").
type Task struct {
	ID        string     `yaml:"id"`
	SessionKey string    `yaml:"session_key"`
	Title     string     `yaml:"title"`
	Status    TaskStatus `yaml:"status"`
	CreatedAt time.Time  `yaml:"created_at"`
	UpdatedAt time.Time  `yaml:"updated_at"`
}

type taskDocument struct {
	Version     int       `yaml:"version"`
	LastUpdated time.Time `yaml:"last_updated"`
	Tasks       []Task    `yaml:"tasks"`
}

// TaskStore is the structural sibling of Store, analogous per spec §6.2
// ("Task store file... analogous, with tasks: [...]").
type TaskStore struct {
	mu   sync.Mutex
	path string
}

// NewTaskStore constructs a TaskStore backed by path.
func NewTaskStore(path string) *TaskStore {
	if path != "" {
		os.MkdirAll(filepath.Dir(path), 0755)
	}
	return &TaskStore{path: path}
}

func (t *TaskStore) load() taskDocument {
	if t.path == "" {
		return taskDocument{Version: storageVersion, LastUpdated: time.Now().UTC()}
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		return taskDocument{Version: storageVersion, LastUpdated: time.Now().UTC()}
	}
	var doc taskDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		slog.Error("substore: corrupt task store file, starting from an empty document", "path", t.path, "error", err)
		return taskDocument{Version: storageVersion, LastUpdated: time.Now().UTC()}
	}
	return doc
}

func (t *TaskStore) save(doc taskDocument) error {
	if t.path == "" {
		return nil
	}
	doc.LastUpdated = time.Now().UTC()
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(t.path), ".taskstore-*.tmp")
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
	if err := os.Rename(tmpPath, t.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// Upsert creates or updates a task.
func (t *TaskStore) Upsert(task Task) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc := t.load()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.UpdatedAt = time.Now().UTC()
	for i := range doc.Tasks {
		if doc.Tasks[i].ID == task.ID {
			doc.Tasks[i] = task
			return t.save(doc)
		}
	}
	doc.Tasks = append(doc.Tasks, task)
	return t.save(doc)
}

// Counts returns the number of tasks in each status bucket for a session,
// used by CommandRouter's /status handler (spec §4.7).
func (t *TaskStore) Counts(sessionKey string) (pending, inProgress, completed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc := t.load()
	for _, task := range doc.Tasks {
		if sessionKey != "" && task.SessionKey != sessionKey {
			continue
		}
		switch task.Status {
		case TaskPending:
			pending++
		case TaskInProgress:
			inProgress++
		case TaskCompleted:
			completed++
		}
	}
	return
}

// List returns all tasks for a session (empty sessionKey = all).
func (t *TaskStore) List(sessionKey string) []Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc := t.load()
	var out []Task
	for _, task := range doc.Tasks {
		if sessionKey == "" || task.SessionKey == sessionKey {
			out = append(out, task)
		}
	}
	return out
}
