package file

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// FileSessionStore is a JSON-on-disk, atomic-rename SessionStore. Keys are
// thread ids (as produced by sessions.Manager.GetThreadID), not session
// keys: one conversation rotation produces one file, and an archived
// (rotated-away) thread's transcript stays on disk under its own thread id.
type FileSessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*store.SessionData
	storage  string
}

// NewFileSessionStore constructs a FileSessionStore rooted at storage. If
// storage is empty, the store is in-memory only.
func NewFileSessionStore(storage string) *FileSessionStore {
	f := &FileSessionStore{
		sessions: make(map[string]*store.SessionData),
		storage:  storage,
	}
	if storage != "" {
		os.MkdirAll(storage, 0755)
		f.loadAll()
	}
	return f
}

func (f *FileSessionStore) GetOrCreate(key string) *store.SessionData {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[key]; ok {
		return s
	}
	s := &store.SessionData{
		Key:      key,
		Messages: []providers.Message{},
		Created:  time.Now(),
		Updated:  time.Now(),
	}
	f.sessions[key] = s
	return s
}

func (f *FileSessionStore) AddMessage(key string, msg providers.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[key]
	if !ok {
		s = &store.SessionData{Key: key, Messages: []providers.Message{}, Created: time.Now()}
		f.sessions[key] = s
	}
	s.Messages = append(s.Messages, msg)
	s.Updated = time.Now()
}

func (f *FileSessionStore) GetHistory(key string) []providers.Message {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.sessions[key]
	if !ok {
		return nil
	}
	out := make([]providers.Message, len(s.Messages))
	copy(out, s.Messages)
	return out
}

func (f *FileSessionStore) GetSummary(key string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if s, ok := f.sessions[key]; ok {
		return s.Summary
	}
	return ""
}

func (f *FileSessionStore) SetSummary(key, summary string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[key]; ok {
		s.Summary = summary
		s.Updated = time.Now()
	}
}

func (f *FileSessionStore) SetLabel(key, label string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[key]; ok {
		s.Label = label
		s.Updated = time.Now()
	}
}

func (f *FileSessionStore) SetAgentInfo(key string, agentUUID uuid.UUID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[key]; ok {
		s.AgentUUID = agentUUID
		s.UserID = userID
	}
}

func (f *FileSessionStore) UpdateMetadata(key, model, provider, channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[key]; ok {
		if model != "" {
			s.Model = model
		}
		if provider != "" {
			s.Provider = provider
		}
		if channel != "" {
			s.Channel = channel
		}
	}
}

func (f *FileSessionStore) AccumulateTokens(key string, input, output int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[key]; ok {
		s.InputTokens += input
		s.OutputTokens += output
	}
}

func (f *FileSessionStore) IncrementCompaction(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[key]; ok {
		s.CompactionCount++
	}
}

func (f *FileSessionStore) GetCompactionCount(key string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if s, ok := f.sessions[key]; ok {
		return s.CompactionCount
	}
	return 0
}

func (f *FileSessionStore) GetMemoryFlushCompactionCount(key string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if s, ok := f.sessions[key]; ok {
		return s.MemoryFlushCompactionCount
	}
	return -1
}

func (f *FileSessionStore) SetMemoryFlushDone(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[key]; ok {
		s.MemoryFlushCompactionCount = s.CompactionCount
		s.MemoryFlushAt = time.Now().UnixMilli()
	}
}

func (f *FileSessionStore) SetSpawnInfo(key, spawnedBy string, depth int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[key]; ok {
		s.SpawnedBy = spawnedBy
		s.SpawnDepth = depth
	}
}

func (f *FileSessionStore) SetContextWindow(key string, cw int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[key]; ok {
		s.ContextWindow = cw
	}
}

func (f *FileSessionStore) GetContextWindow(key string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if s, ok := f.sessions[key]; ok {
		return s.ContextWindow
	}
	return 0
}

func (f *FileSessionStore) SetLastPromptTokens(key string, tokens, msgCount int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[key]; ok {
		s.LastPromptTokens = tokens
		s.LastMessageCount = msgCount
	}
}

func (f *FileSessionStore) GetLastPromptTokens(key string) (int, int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if s, ok := f.sessions[key]; ok {
		return s.LastPromptTokens, s.LastMessageCount
	}
	return 0, 0
}

func (f *FileSessionStore) TruncateHistory(key string, keepLast int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[key]
	if !ok {
		return
	}
	if keepLast <= 0 {
		s.Messages = []providers.Message{}
	} else if len(s.Messages) > keepLast {
		s.Messages = s.Messages[len(s.Messages)-keepLast:]
	}
	s.Updated = time.Now()
}

func (f *FileSessionStore) Reset(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[key]; ok {
		s.Messages = []providers.Message{}
		s.Summary = ""
		s.Updated = time.Now()
	}
}

func (f *FileSessionStore) Delete(key string) error {
	f.mu.Lock()
	delete(f.sessions, key)
	f.mu.Unlock()

	if f.storage == "" {
		return nil
	}
	path := filepath.Join(f.storage, sanitizeFilename(key)+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *FileSessionStore) List(agentID string) []store.SessionInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []store.SessionInfo
	for key, s := range f.sessions {
		if agentID != "" && !strings.HasPrefix(key, agentID+":") {
			continue
		}
		out = append(out, store.SessionInfo{
			Key:          key,
			MessageCount: len(s.Messages),
			Created:      s.Created,
			Updated:      s.Updated,
		})
	}
	return out
}

func (f *FileSessionStore) ListPaged(opts store.SessionListOpts) store.SessionListResult {
	all := f.List(opts.AgentID)
	total := len(all)

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return store.SessionListResult{Sessions: all[start:end], Total: total}
}

// Save persists one session atomically (temp file, fsync, rename).
func (f *FileSessionStore) Save(key string) error {
	if f.storage == "" {
		return nil
	}

	f.mu.RLock()
	s, ok := f.sessions[key]
	if !ok {
		f.mu.RUnlock()
		return nil
	}
	snapshot := *s
	f.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	filename := sanitizeFilename(key)
	if filename == "." || !filepath.IsLocal(filename) || strings.ContainsAny(filename, `/\`) {
		return os.ErrInvalid
	}
	path := filepath.Join(f.storage, filename+".json")

	tmp, err := os.CreateTemp(f.storage, "session-*.tmp")
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
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (f *FileSessionStore) LastUsedChannel(agentID string) (channel, chatID string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var bestKey string
	var bestUpdated time.Time
	for key, s := range f.sessions {
		if agentID != "" && !strings.HasPrefix(key, agentID+":") {
			continue
		}
		if s.Updated.After(bestUpdated) {
			bestUpdated = s.Updated
			bestKey = key
		}
	}
	if bestKey == "" {
		return "", ""
	}
	parts := strings.SplitN(bestKey, ":", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", ""
}

func (f *FileSessionStore) loadAll() {
	files, err := os.ReadDir(f.storage)
	if err != nil {
		return
	}
	for _, entry := range files {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.storage, entry.Name()))
		if err != nil {
			continue
		}
		var s store.SessionData
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		f.sessions[s.Key] = &s
	}
}

func sanitizeFilename(key string) string {
	return strings.NewReplacer(":", "_", "/", "_").Replace(key)
}
