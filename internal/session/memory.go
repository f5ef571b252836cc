package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	DefaultLanguage    = "python"
	DefaultIdleTimeout = 10 * time.Minute

	sweepInterval = 30 * time.Second
)

var memoryNow = func() time.Time { return time.Now().UTC() }

// MemoryStore keeps active sessions in process memory. It is the default
// Store; state does not survive a restart.
type MemoryStore struct {
	defaultLanguage string
	idleTimeout     time.Duration
	logger          *log.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionState

	stopOnce sync.Once
	stop     chan struct{}
}

// sessionState.mu serializes every mutation of one session. The store-level
// mu only guards the map itself.
type sessionState struct {
	mu sync.Mutex

	id             string
	code           string
	language       string
	revision       uint64
	participants   map[string]Participant
	createdAt      time.Time
	lastActivityAt time.Time
	emptySince     time.Time
	closed         bool
}

type MemoryConfig struct {
	DefaultLanguage string
	IdleTimeout     time.Duration
	Logger          *log.Logger
}

func NewMemory(cfg MemoryConfig) *MemoryStore {
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = DefaultLanguage
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	s := &MemoryStore{
		defaultLanguage: cfg.DefaultLanguage,
		idleTimeout:     cfg.IdleTimeout,
		logger:          cfg.Logger.With("component", "session-store"),
		sessions:        map[string]*sessionState{},
		stop:            make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Stop ends the idle sweeper. Sessions themselves remain usable.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *MemoryStore) GetOrCreate(_ context.Context, sessionID string) (Snapshot, error) {
	state := s.getOrCreateState(sessionID)

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.closed {
		return Snapshot{}, ErrSessionNotFound
	}
	return snapshotLocked(state), nil
}

func (s *MemoryStore) Snapshot(_ context.Context, sessionID string) (Snapshot, error) {
	state, ok := s.lookup(sessionID)
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.closed {
		return Snapshot{}, ErrSessionNotFound
	}
	return snapshotLocked(state), nil
}

func (s *MemoryStore) Apply(_ context.Context, sessionID string, m Mutation) (uint64, error) {
	state, ok := s.lookup(sessionID)
	if !ok {
		return 0, ErrSessionNotFound
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.closed {
		return 0, ErrSessionNotFound
	}

	switch m.kind {
	case mutationSetCode:
		state.code = m.code
	case mutationSetLanguage:
		state.language = m.language
	}
	state.revision++
	state.lastActivityAt = memoryNow()
	return state.revision, nil
}

func (s *MemoryStore) AddParticipant(_ context.Context, sessionID, participantID string, role Role) error {
	state := s.getOrCreateState(sessionID)

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.closed {
		return ErrSessionNotFound
	}

	now := memoryNow()
	state.participants[participantID] = Participant{ID: participantID, Role: role, LastSeenAt: now}
	state.emptySince = time.Time{}
	state.lastActivityAt = now
	return nil
}

func (s *MemoryStore) RemoveParticipant(_ context.Context, sessionID, participantID string) error {
	state, ok := s.lookup(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.closed {
		return ErrSessionNotFound
	}

	delete(state.participants, participantID)
	now := memoryNow()
	state.lastActivityAt = now
	if len(state.participants) == 0 {
		state.emptySince = now
	}
	return nil
}

func (s *MemoryStore) Close(_ context.Context, sessionID string) error {
	s.mu.Lock()
	state, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	state.mu.Lock()
	state.closed = true
	state.mu.Unlock()
	return nil
}

func (s *MemoryStore) lookup(sessionID string) (*sessionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.sessions[sessionID]
	return state, ok
}

func (s *MemoryStore) getOrCreateState(sessionID string) *sessionState {
	s.mu.RLock()
	state, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return state
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.sessions[sessionID]; ok {
		return state
	}

	now := memoryNow()
	state = &sessionState{
		id:             sessionID,
		language:       s.defaultLanguage,
		participants:   map[string]Participant{},
		createdAt:      now,
		lastActivityAt: now,
		emptySince:     now,
	}
	s.sessions[sessionID] = state
	s.logger.Debug("session created", "session_id", sessionID)
	return state
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepIdle(memoryNow())
		}
	}
}

// sweepIdle tears down sessions that have had zero participants for longer
// than the idle timeout.
func (s *MemoryStore) sweepIdle(now time.Time) {
	s.mu.Lock()
	var expired []*sessionState
	for id, state := range s.sessions {
		state.mu.Lock()
		idle := len(state.participants) == 0 &&
			!state.emptySince.IsZero() &&
			now.Sub(state.emptySince) >= s.idleTimeout
		if idle {
			state.closed = true
			expired = append(expired, state)
			delete(s.sessions, id)
		}
		state.mu.Unlock()
	}
	s.mu.Unlock()

	for _, state := range expired {
		s.logger.Info("idle session torn down", "session_id", state.id)
	}
}

func snapshotLocked(state *sessionState) Snapshot {
	participants := make([]Participant, 0, len(state.participants))
	for _, p := range state.participants {
		participants = append(participants, p)
	}
	sort.Slice(participants, func(i, j int) bool { return participants[i].ID < participants[j].ID })

	return Snapshot{
		ID:             state.id,
		Code:           state.code,
		Language:       state.language,
		Revision:       state.revision,
		Participants:   participants,
		CreatedAt:      state.createdAt,
		LastActivityAt: state.lastActivityAt,
	}
}
