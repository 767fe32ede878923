package media

import (
	"context"
	"encoding/json"
	"log"
	"sync"
)

// Manager owns at most one Session per conversation and routes inbound
// signaling to it. The engine's conversation hooks drive StartCall/EndCall;
// the p2p node's signal handler feeds HandleSignal.
type Manager struct {
	selfID int64
	sig    Signaler
	sink   AudioSink

	mu       sync.Mutex
	sessions map[string]*Session // conversation id → session
}

func NewManager(selfID int64, sig Signaler, sink AudioSink) *Manager {
	return &Manager{
		selfID:   selfID,
		sig:      sig,
		sink:     sink,
		sessions: map[string]*Session{},
	}
}

// StartCall sets up the audio session for a conversation. Safe to call
// twice for the same conversation; the second call is a no-op.
func (m *Manager) StartCall(ctx context.Context, convID string, partner int64) {
	m.mu.Lock()
	if _, exists := m.sessions[convID]; exists {
		m.mu.Unlock()
		return
	}
	s, err := newSession(convID, m.selfID, partner, m.sig, m.sink)
	if err != nil {
		m.mu.Unlock()
		log.Printf("CALL [%s]: session setup failed: %v", convID, err)
		return
	}
	m.sessions[convID] = s
	m.mu.Unlock()

	if err := s.start(ctx); err != nil {
		log.Printf("CALL [%s]: offer failed: %v", convID, err)
	}
}

// EndCall tears down the conversation's session, notifying the peer.
func (m *Manager) EndCall(convID string) {
	m.mu.Lock()
	s, ok := m.sessions[convID]
	delete(m.sessions, convID)
	m.mu.Unlock()
	if ok {
		s.close(true)
	}
}

// HandleSignal decodes one signaling payload and routes it to the session
// for its conversation. Offers for unknown conversations create the session
// on demand, covering the race where the remote's offer beats the local
// conversation_start envelope.
func (m *Manager) HandleSignal(from int64, data []byte) {
	var msg SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.ConversationID == "" {
		return
	}

	m.mu.Lock()
	s, ok := m.sessions[msg.ConversationID]
	if !ok && msg.Type == sigOffer {
		var err error
		s, err = newSession(msg.ConversationID, m.selfID, from, m.sig, m.sink)
		if err != nil {
			m.mu.Unlock()
			log.Printf("CALL [%s]: session setup on offer failed: %v", msg.ConversationID, err)
			return
		}
		m.sessions[msg.ConversationID] = s
		ok = true
	}
	m.mu.Unlock()

	if ok {
		s.handleSignal(msg)
	}
}

// CloseAll tears down every session without peer notification, for shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = map[string]*Session{}
	m.mu.Unlock()
	for _, s := range sessions {
		s.close(false)
	}
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
