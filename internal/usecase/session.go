package usecase

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"maestro/internal/domain"
)

// Session is the conversation history owned by exactly one agent.
type Session struct {
	mu        sync.RWMutex
	ID        string           `json:"id"` // ULID
	AgentID   string           `json:"agent_id"`
	Msgs      []domain.Message `json:"messages"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// NewSession creates a new empty session with a generated ULID.
func NewSession(agentID string) *Session {
	now := time.Now()
	return &Session{
		ID:        generateULID(now),
		AgentID:   agentID,
		Msgs:      make([]domain.Message, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// AddMessage appends a message and updates the timestamp (thread-safe).
func (s *Session) AddMessage(msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.Msgs = append(s.Msgs, msg)
	s.UpdatedAt = time.Now()
}

// Messages returns a copy of the message history (thread-safe).
func (s *Session) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]domain.Message, len(s.Msgs))
	copy(cp, s.Msgs)
	return cp
}

// Len returns the number of messages in the history.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Msgs)
}

// Clear empties the message history. The session id is kept.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Msgs = s.Msgs[:0]
	s.UpdatedAt = time.Now()
}

// Truncate keeps only the last N messages.
func (s *Session) Truncate(maxMessages int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Msgs) <= maxMessages {
		return
	}
	s.Msgs = s.Msgs[len(s.Msgs)-maxMessages:]
}

// SessionManager manages sessions keyed by agent id, with JSON persistence.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	dataDir  string
}

// NewSessionManager creates a session manager with a data directory for persistence.
func NewSessionManager(dataDir string) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		dataDir:  dataDir,
	}
}

// validateKey checks that a session key is safe for filesystem use.
func (sm *SessionManager) validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("session key contains path separators: %q", key)
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("session key contains parent directory reference: %q", key)
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("session key contains null byte: %q", key)
	}
	if clean := filepath.Clean(key); clean != key {
		return fmt.Errorf("session key not clean path: %q vs %q", key, clean)
	}
	return nil
}

// GetOrCreate returns the session for an agent, loading it from disk or
// creating a fresh one as needed.
func (sm *SessionManager) GetOrCreate(agentID string) *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if s, ok := sm.sessions[agentID]; ok {
		return s
	}

	s := NewSession(agentID)
	if loaded, err := sm.loadFromDisk(agentID); err == nil {
		s = loaded
	}
	sm.sessions[agentID] = s
	return s
}

// Get returns an existing session or ErrSessionNotFound.
func (sm *SessionManager) Get(agentID string) (*Session, error) {
	sm.mu.RLock()
	s, ok := sm.sessions[agentID]
	sm.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError("SessionManager.Get", domain.ErrSessionNotFound, agentID)
	}
	return s, nil
}

// Save persists a session to disk as JSON.
func (sm *SessionManager) Save(agentID string) error {
	if err := sm.validateKey(agentID); err != nil {
		return domain.NewDomainError("SessionManager.Save", err, agentID)
	}

	sm.mu.RLock()
	s, ok := sm.sessions[agentID]
	sm.mu.RUnlock()
	if !ok {
		return domain.NewDomainError("SessionManager.Save", domain.ErrSessionNotFound, agentID)
	}

	if err := os.MkdirAll(sm.dataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	s.mu.RLock()
	data, err := json.MarshalIndent(s, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	path := filepath.Join(sm.dataDir, agentID+".json")
	return os.WriteFile(path, data, 0600)
}

func (sm *SessionManager) loadFromDisk(agentID string) (*Session, error) {
	if err := sm.validateKey(agentID); err != nil {
		return nil, err
	}
	path := filepath.Join(sm.dataDir, agentID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

// Delete removes a session from memory and disk.
func (sm *SessionManager) Delete(agentID string) error {
	if err := sm.validateKey(agentID); err != nil {
		return domain.NewDomainError("SessionManager.Delete", err, agentID)
	}

	sm.mu.Lock()
	_, ok := sm.sessions[agentID]
	delete(sm.sessions, agentID)
	sm.mu.Unlock()

	if !ok {
		return domain.NewDomainError("SessionManager.Delete", domain.ErrSessionNotFound, agentID)
	}

	path := filepath.Join(sm.dataDir, agentID+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

// List returns the agent ids with an active session.
func (sm *SessionManager) List() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	ids := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		ids = append(ids, id)
	}
	return ids
}
