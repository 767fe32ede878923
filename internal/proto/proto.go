package proto

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
)

const (
	// ChannelTopicPrefix is the gossipsub topic prefix for a pairing channel.
	// The configured channel name is appended: "pairwave.channel.v1.<name>".
	ChannelTopicPrefix = "pairwave.channel.v1."

	MdnsTag = "pairwave-mdns"

	// libp2p stream protocol ID for call signaling between two paired peers.
	SignalProtoID = "/pairwave/signal/1.0.0"
)

// Envelope kinds. Every state change crosses a transport boundary as exactly
// one of these.
const (
	KindPresence          = "presence"
	KindConversationStart = "conversation_start"
	KindConversationEnd   = "conversation_end"
)

// Participant statuses.
const (
	StatusAvailable      = "available"
	StatusWaiting        = "waiting"
	StatusInConversation = "in_conversation"
)

// Conversation statuses.
const (
	ConvActive = "active"
	ConvEnded  = "ended"
)

// BroadcastTarget addresses an envelope to every participant on the relay.
const BroadcastTarget int64 = 0

// Envelope is the unit exchanged on every transport. The sender generates
// MessageID so the same logical event carries the same id on all adapters;
// receivers dedup on it.
type Envelope struct {
	Kind      string `json:"kind"`
	MessageID string `json:"messageId"`
	SenderID  int64  `json:"senderId"`
	TargetID  int64  `json:"targetId,omitempty"` // 0 = broadcast
	TS        int64  `json:"ts"`

	Presence     *PresencePayload     `json:"presence,omitempty"`
	Conversation *ConversationPayload `json:"conversation,omitempty"`
}

// PresencePayload carries one participant's status snapshot.
type PresencePayload struct {
	ParticipantID int64  `json:"participantId"`
	Status        string `json:"status"`
	Partner       int64  `json:"partner,omitempty"` // 0 = none
	JoinedAt      int64  `json:"joinedAt"`
	Departed      bool   `json:"departed,omitempty"` // explicit leave; receivers remove the record
}

// ConversationPayload carries the canonical conversation record. Low < High
// always; both sides compute the identical pair without coordination.
type ConversationPayload struct {
	ConversationID string `json:"conversationId"`
	Low            int64  `json:"low"`
	High           int64  `json:"high"`
	Status         string `json:"status"`
	StartedAt      int64  `json:"startedAt"`
}

// Valid reports whether the envelope is structurally complete enough to feed
// the reconciliation rules. Malformed envelopes are dropped at the adapter
// boundary.
func (e *Envelope) Valid() bool {
	if e.MessageID == "" || e.SenderID == 0 {
		return false
	}
	switch e.Kind {
	case KindPresence:
		return e.Presence != nil && e.Presence.ParticipantID != 0
	case KindConversationStart, KindConversationEnd:
		c := e.Conversation
		return c != nil && c.ConversationID != "" && c.Low != 0 && c.High != 0 && c.Low < c.High
	}
	return false
}

func NowMillis() int64 { return time.Now().UnixMilli() }

// NewMessageID returns a collision-resistant envelope id.
func NewMessageID() string { return uuid.NewString() }

// NewConversationID returns a fresh conversation id.
func NewConversationID() string { return "conv-" + uuid.NewString() }

// NewParticipantID generates a session-stable participant id from wall-clock
// millis plus a random suffix. Collisions within one channel are as unlikely
// as in the uid scheme this mirrors.
func NewParticipantID() int64 {
	return NowMillis()*10000 + rand.Int63n(10000)
}

// PairKey returns the canonical (low, high) ordering of two participant ids.
func PairKey(a, b int64) (int64, int64) {
	if a < b {
		return a, b
	}
	return b, a
}
