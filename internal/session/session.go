// Package session implements session lifecycle, monotonic work-order ID
// generation, and per-turn persistence (spec.md §4.6). The in-memory
// store shape (clone-on-write state, per-session mutex-free map access
// guarded by a single lock) is adapted from the teacher's
// internal/sessions.MemoryStore.
package session

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kitchener-systems/kitchener/internal/ledger"
)

// Turn is one recorded user/response exchange.
type Turn struct {
	Number      int       `json:"turn_number"`
	UserMessage string    `json:"user_message"`
	Response    string    `json:"response"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Session is one live conversation's state.
type Session struct {
	ID         string
	StartedAt  time.Time
	Turns      []Turn
	woCounter  int
	TotalCost  int
}

// Manager owns session lifecycle and work-order ID sequencing.
// Adapted from MemoryStore's mutex-guarded map-of-sessions pattern.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	events   *ledger.Stream // the "ho2" tier stream
}

// New creates a session Manager. events is the ho2-tier ledger stream.
func New(events *ledger.Stream) *Manager {
	return &Manager{sessions: make(map[string]*Session), events: events}
}

// StartSession implements §4.6 start_session(): generates SES-<8 hex>
// and writes SESSION_START.
func (m *Manager) StartSession() (string, error) {
	id := "SES-" + shortID()

	m.mu.Lock()
	m.sessions[id] = &Session{ID: id, StartedAt: time.Now()}
	m.mu.Unlock()

	if m.events != nil {
		if _, err := m.events.Write(ledger.Entry{
			EventType:    "SESSION_START",
			SubmissionID: id,
			Decision:     "started",
		}); err != nil {
			return "", fmt.Errorf("session: write SESSION_START: %w", err)
		}
	}
	return id, nil
}

// EndSession implements §4.6 end_session(): writes SESSION_END with turn
// count and cost summary.
func (m *Manager) EndSession(sessionID, summary string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session: unknown session %q", sessionID)
	}

	if m.events == nil {
		return nil
	}
	_, err := m.events.Write(ledger.Entry{
		EventType:    "SESSION_END",
		SubmissionID: sessionID,
		Decision:     "ended",
		Reason:       summary,
		Metadata: map[string]any{
			"turn_count": len(s.Turns),
			"total_cost": s.TotalCost,
		},
	})
	return err
}

// AddTurn implements §4.6 add_turn(): appends to in-memory history,
// increments turn count, writes TURN_RECORDED. Per §4.6's invariant,
// every user turn produces exactly one TURN_RECORDED event, including on
// degraded or escalated responses — callers must invoke this on every
// terminal path of handle_turn, never only the happy path.
func (m *Manager) AddTurn(sessionID, userMessage, response string, agentClass string) (int, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("session: unknown session %q", sessionID)
	}
	turnNumber := len(s.Turns) + 1
	s.Turns = append(s.Turns, Turn{
		Number:      turnNumber,
		UserMessage: userMessage,
		Response:    response,
		RecordedAt:  time.Now(),
	})
	m.mu.Unlock()

	if m.events == nil {
		return turnNumber, nil
	}
	_, err := m.events.Write(ledger.Entry{
		EventType:    "TURN_RECORDED",
		SubmissionID: sessionID,
		Decision:     "recorded",
		Metadata: map[string]any{
			"user_message": userMessage,
			"response":     response,
			"turn_number":  turnNumber,
			"session_id":   sessionID,
			"agent_class":  agentClass,
		},
	})
	return turnNumber, err
}

// NextWOID implements §4.6 next_wo_id(): WO-<session>-<NNN>, monotonic
// within the session.
func (m *Manager) NextWOID(sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("session: unknown session %q", sessionID)
	}
	s.woCounter++
	return fmt.Sprintf("WO-%s-%03d", sessionID, s.woCounter), nil
}

// Get returns a snapshot of session state, or false if the session is
// unknown.
func (m *Manager) Get(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	turns := make([]Turn, len(s.Turns))
	copy(turns, s.Turns)
	return Session{ID: s.ID, StartedAt: s.StartedAt, Turns: turns, TotalCost: s.TotalCost}, true
}

// AddCost accumulates a work order's token cost onto its session's
// running total, used for end_session's cost summary.
func (m *Manager) AddCost(sessionID string, tokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.TotalCost += tokens
	}
}

func shortID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:4])
}
