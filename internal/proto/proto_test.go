package proto

import "testing"

func TestEnvelopeValid(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
		want bool
	}{
		{"presence ok", Envelope{Kind: KindPresence, MessageID: "m1", SenderID: 1,
			Presence: &PresencePayload{ParticipantID: 1, Status: StatusAvailable}}, true},
		{"presence missing payload", Envelope{Kind: KindPresence, MessageID: "m1", SenderID: 1}, false},
		{"missing message id", Envelope{Kind: KindPresence, SenderID: 1,
			Presence: &PresencePayload{ParticipantID: 1}}, false},
		{"start ok", Envelope{Kind: KindConversationStart, MessageID: "m2", SenderID: 1,
			Conversation: &ConversationPayload{ConversationID: "c1", Low: 1, High: 2, Status: ConvActive}}, true},
		{"start inverted pair", Envelope{Kind: KindConversationStart, MessageID: "m2", SenderID: 1,
			Conversation: &ConversationPayload{ConversationID: "c1", Low: 2, High: 1, Status: ConvActive}}, false},
		{"end missing conversation", Envelope{Kind: KindConversationEnd, MessageID: "m3", SenderID: 1}, false},
		{"unknown kind", Envelope{Kind: "chat", MessageID: "m4", SenderID: 1}, false},
	}
	for _, tc := range cases {
		if got := tc.env.Valid(); got != tc.want {
			t.Errorf("%s: Valid() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestPairKey(t *testing.T) {
	if lo, hi := PairKey(7, 3); lo != 3 || hi != 7 {
		t.Fatalf("PairKey(7,3) = (%d,%d)", lo, hi)
	}
	if lo, hi := PairKey(3, 7); lo != 3 || hi != 7 {
		t.Fatalf("PairKey(3,7) = (%d,%d)", lo, hi)
	}
}
