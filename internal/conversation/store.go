// Package conversation keeps bounded per-conversation chat history in memory.
package conversation

import (
	"container/list"
	"sync"
	"time"

	"github.com/ashureev/zapbridge/internal/domain"
)

const (
	// DefaultHistoryCap is the number of turns retained per conversation.
	DefaultHistoryCap = 20
	// DefaultWindowSize is the number of stored turns handed to the AI provider.
	DefaultWindowSize = 10
	// DefaultMaxKeys bounds the number of conversations kept in memory.
	DefaultMaxKeys = 10000
)

// Config holds the store limits.
type Config struct {
	HistoryCap int
	WindowSize int
	MaxKeys    int
}

// DefaultConfig returns the default store limits.
func DefaultConfig() Config {
	return Config{
		HistoryCap: DefaultHistoryCap,
		WindowSize: DefaultWindowSize,
		MaxKeys:    DefaultMaxKeys,
	}
}

// history is the state of a single conversation.
// mu guards turns; exchange serializes whole user/assistant round trips.
type history struct {
	key      string
	mu       sync.RWMutex
	turns    []domain.Turn
	exchange sync.Mutex
}

// Store is a process-local conversation history cache.
// Each conversation keeps at most HistoryCap turns (oldest dropped first) and
// at most MaxKeys conversations are kept (least recently used dropped first).
type Store struct {
	mu      sync.Mutex
	entries map[string]*list.Element // key -> element holding *history
	lru     *list.List               // front = most recently used

	cfg Config
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to stamp turns.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty store. Non-positive limits fall back to defaults.
func NewStore(cfg Config, opts ...Option) *Store {
	def := DefaultConfig()
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = def.HistoryCap
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = def.MaxKeys
	}
	s := &Store{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lookup returns the history for key, creating it when create is set.
// It marks the conversation as recently used and evicts the least recently
// used conversations beyond MaxKeys.
func (s *Store) lookup(key string, create bool) *history {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		s.lru.MoveToFront(el)
		return el.Value.(*history)
	}
	if !create {
		return nil
	}

	h := &history{key: key}
	s.entries[key] = s.lru.PushFront(h)
	for s.lru.Len() > s.cfg.MaxKeys {
		oldest := s.lru.Back()
		s.lru.Remove(oldest)
		delete(s.entries, oldest.Value.(*history).key)
	}
	return h
}

// AppendUserTurn records a user message for key.
func (s *Store) AppendUserTurn(key, text string) {
	s.append(key, domain.TurnRoleUser, text)
}

// AppendAssistantTurn records an assistant reply for key.
// Call it after the matching user turn and provider call.
func (s *Store) AppendAssistantTurn(key, text string) {
	s.append(key, domain.TurnRoleAssistant, text)
}

func (s *Store) append(key string, role domain.TurnRole, text string) {
	h := s.lookup(key, true)

	h.mu.Lock()
	defer h.mu.Unlock()

	createdAt := s.now().Truncate(time.Millisecond)
	if n := len(h.turns); n > 0 && createdAt.Before(h.turns[n-1].CreatedAt) {
		// Never store a turn older than its predecessor.
		createdAt = h.turns[n-1].CreatedAt
	}
	h.turns = append(h.turns, domain.Turn{
		Role:      role,
		Content:   text,
		CreatedAt: createdAt,
	})
	if over := len(h.turns) - s.cfg.HistoryCap; over > 0 {
		// Copy the tail so the dropped prefix can be collected.
		h.turns = append([]domain.Turn(nil), h.turns[over:]...)
	}
}

// ContextWindow returns a fresh system turn built from systemPrompt followed
// by the trailing WindowSize turns of key's history.
func (s *Store) ContextWindow(key, systemPrompt string) []domain.Turn {
	window := make([]domain.Turn, 0, s.cfg.WindowSize+1)
	window = append(window, domain.Turn{
		Role:      domain.TurnRoleSystem,
		Content:   systemPrompt,
		CreatedAt: s.now().Truncate(time.Millisecond),
	})

	h := s.lookup(key, false)
	if h == nil {
		return window
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	start := len(h.turns) - s.cfg.WindowSize
	if start < 0 {
		start = 0
	}
	return append(window, h.turns[start:]...)
}

// History returns a copy of key's stored turns, oldest first.
// Unknown keys yield an empty slice.
func (s *Store) History(key string) []domain.Turn {
	h := s.lookup(key, false)
	if h == nil {
		return []domain.Turn{}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]domain.Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of stored turns for key.
func (s *Store) Len(key string) int {
	h := s.lookup(key, false)
	if h == nil {
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// Keys returns the number of conversations currently held.
func (s *Store) Keys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// BeginExchange serializes user/assistant round trips on key. The returned
// function must be called once the assistant turn has been appended.
func (s *Store) BeginExchange(key string) (release func()) {
	h := s.lookup(key, true)
	h.exchange.Lock()
	return h.exchange.Unlock
}
