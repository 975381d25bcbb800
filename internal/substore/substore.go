// Package substore implements the TaskStore / SubAgentStore (spec §3, C3):
// persistent YAML-backed records with atomic write and a per-store mutex
// for sub-agent and task metadata.
//
// Grounded directly on _examples/original_source/openpaw/subagent/store.py:
// same document shape (version/last_updated/requests/results), same
// MAX_RESULT_SIZE truncation, same atomic temp-file-then-rename write, same
// defensive fall-back-to-empty-on-parse-failure load path. Uses
// gopkg.in/yaml.v3 (an existing indirect dependency, promoted to direct
// here) to keep the on-disk format YAML, matching the Python reference.
package substore

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Status is a sub-agent lifecycle state (spec §3's SubAgentRequest.status).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// MaxResultSize is the output truncation threshold (spec §3, §4.5, §8
// invariant 11): 50,000 characters, truncated with the marker below.
const MaxResultSize = 50_000

// TruncationMarker is appended after truncating an over-sized result.
const TruncationMarker = "\n\n[Output truncated]"

const storageVersion = 1

// Request is the SubAgentRequest entity (spec §3).
type Request struct {
	ID           string     `yaml:"id"`
	Task         string     `yaml:"task"`
	Label        string     `yaml:"label"`
	Status       Status     `yaml:"status"`
	SessionKey   string     `yaml:"session_key"`
	CreatedAt    time.Time  `yaml:"created_at"`
	StartedAt    *time.Time `yaml:"started_at,omitempty"`
	CompletedAt  *time.Time `yaml:"completed_at,omitempty"`
	TimeoutMin   int        `yaml:"timeout_minutes"`
	Notify       bool       `yaml:"notify"`
	AllowedTools []string   `yaml:"allowed_tools,omitempty"`
	DeniedTools  []string   `yaml:"denied_tools,omitempty"`
}

// Result is the SubAgentResult entity (spec §3).
type Result struct {
	RequestID  string  `yaml:"request_id"`
	Output     string  `yaml:"output"`
	TokenCount int     `yaml:"token_count"`
	DurationMS float64 `yaml:"duration_ms"`
	Error      string  `yaml:"error,omitempty"`
}

type document struct {
	Version     int       `yaml:"version"`
	LastUpdated time.Time `yaml:"last_updated"`
	Requests    []Request `yaml:"requests"`
	Results     []Result  `yaml:"results"`
}

func emptyDocument() document {
	return document{Version: storageVersion, LastUpdated: time.Now().UTC()}
}

// Store is the SubAgentStore (spec §3, §6.2): one YAML file per workspace,
// single-writer via mutex, atomic replace.
type Store struct {
	mu          sync.Mutex
	path        string
	maxAgeHours int
}

// New constructs a Store backed by path (spec §6.2: "SubAgent store file").
// maxAgeHours defaults to 24 if zero or negative (spec §4.5's cleanup pass).
func New(path string, maxAgeHours int) *Store {
	if maxAgeHours <= 0 {
		maxAgeHours = 24
	}
	if path != "" {
		os.MkdirAll(filepath.Dir(path), 0755)
	}
	return &Store{path: path, maxAgeHours: maxAgeHours}
}

// NewRequestID generates a fresh request id.
func NewRequestID() string { return uuid.NewString() }

func (s *Store) load() document {
	if s.path == "" {
		return emptyDocument()
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return emptyDocument()
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		// StoreCorruption (spec §7): reset in memory, leave the file on disk
		// untouched until the next successful save.
		slog.Error("substore: corrupt store file, starting from an empty document", "path", s.path, "error", err)
		return emptyDocument()
	}
	if doc.Version == 0 {
		doc.Version = storageVersion
	}
	return doc
}

func (s *Store) save(doc document) error {
	if s.path == "" {
		return nil
	}
	doc.LastUpdated = time.Now().UTC()

	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".substore-*.tmp")
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

// Create persists a new request. Returns an error if the id already exists.
func (s *Store) Create(req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	for _, r := range doc.Requests {
		if r.ID == req.ID {
			return os.ErrExist
		}
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	doc.Requests = append(doc.Requests, req)
	return s.save(doc)
}

// UpdateStatus transitions a request's status and applies the given field
// mutator (e.g. to set started_at/completed_at). Returns false if not found.
func (s *Store) UpdateStatus(id string, status Status, mutate func(*Request)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	for i := range doc.Requests {
		if doc.Requests[i].ID == id {
			doc.Requests[i].Status = status
			if mutate != nil {
				mutate(&doc.Requests[i])
			}
			s.save(doc)
			return true
		}
	}
	return false
}

// SaveResult persists a result, truncating output over MaxResultSize.
// Returns false if no request with the same id exists (referential
// integrity, spec §3's invariant).
func (s *Store) SaveResult(res Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	found := false
	for _, r := range doc.Requests {
		if r.ID == res.RequestID {
			found = true
			break
		}
	}
	if !found {
		return false
	}

	if runes := []rune(res.Output); len(runes) > MaxResultSize {
		res.Output = string(runes[:MaxResultSize]) + TruncationMarker
	}

	kept := doc.Results[:0]
	for _, r := range doc.Results {
		if r.RequestID != res.RequestID {
			kept = append(kept, r)
		}
	}
	doc.Results = append(kept, res)
	s.save(doc)
	return true
}

// Get retrieves a single request by id.
func (s *Store) Get(id string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.load()
	for _, r := range doc.Requests {
		if r.ID == id {
			return r, true
		}
	}
	return Request{}, false
}

// GetResult retrieves a result by request id.
func (s *Store) GetResult(id string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.load()
	for _, r := range doc.Results {
		if r.RequestID == id {
			return r, true
		}
	}
	return Result{}, false
}

// ListActive returns all pending/running requests.
func (s *Store) ListActive() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.load()
	var out []Request
	for _, r := range doc.Requests {
		if r.Status == StatusPending || r.Status == StatusRunning {
			out = append(out, r)
		}
	}
	return out
}

// ListRecent returns up to limit requests, most recently created first.
func (s *Store) ListRecent(limit int) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.load()
	out := make([]Request, len(doc.Requests))
	copy(out, doc.Requests)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CleanupStale transitions pending/running requests older than their own
// timeout_minutes to timed_out, then prunes terminal records older than
// max_age_hours, then drops orphaned results (spec §4.5, §8 invariant 8:
// idempotent — running it twice in a row is a no-op the second time).
// Returns the number of requests removed.
func (s *Store) CleanupStale() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	now := time.Now().UTC()
	cutoff := now.Add(-time.Duration(s.maxAgeHours) * time.Hour)

	markedStale := 0
	for i := range doc.Requests {
		r := &doc.Requests[i]
		if r.Status != StatusPending && r.Status != StatusRunning {
			continue
		}
		if now.Sub(r.CreatedAt) > time.Duration(r.TimeoutMin)*time.Minute {
			r.Status = StatusTimedOut
			completed := now
			r.CompletedAt = &completed
			markedStale++
		}
	}

	initial := len(doc.Requests)
	kept := doc.Requests[:0]
	for _, r := range doc.Requests {
		terminal := r.Status == StatusCompleted || r.Status == StatusFailed ||
			r.Status == StatusCancelled || r.Status == StatusTimedOut
		if !terminal || r.CompletedAt == nil || !r.CompletedAt.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	doc.Requests = kept
	removed := initial - len(doc.Requests)

	ids := make(map[string]bool, len(doc.Requests))
	for _, r := range doc.Requests {
		ids[r.ID] = true
	}
	keptResults := doc.Results[:0]
	for _, r := range doc.Results {
		if ids[r.RequestID] {
			keptResults = append(keptResults, r)
		}
	}
	doc.Results = keptResults

	if markedStale > 0 || removed > 0 {
		s.save(doc)
	}
	return removed
}
