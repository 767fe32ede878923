package media

import (
	"context"
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Signaler carries SDP and ICE payloads to a specific participant. The p2p
// node implements this over a direct libp2p stream; the transport adapters
// are never used for signaling.
type Signaler interface {
	SendSignal(ctx context.Context, participant int64, data []byte) error
}

// Signal message types.
const (
	sigOffer  = "offer"
	sigAnswer = "answer"
	sigICE    = "ice-candidate"
	sigHangup = "call-hangup"
)

// SignalMessage is one signaling payload exchanged between the two members
// of a conversation.
type SignalMessage struct {
	Type           string                     `json:"type"`
	ConversationID string                     `json:"conversationId"`
	SDP            string                     `json:"sdp,omitempty"`
	Candidate      *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

func (m SignalMessage) encode() []byte {
	b, _ := json.Marshal(m)
	return b
}
