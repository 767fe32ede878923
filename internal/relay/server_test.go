package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pairwave/pairwave/internal/proto"
)

func newTestRelay(t *testing.T, store Store) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer("", store, time.Minute).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func submit(t *testing.T, base string, env *proto.Envelope) string {
	t.Helper()
	b, _ := json.Marshal(env)
	resp, err := http.Post(base+"/api/messages", "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	var ack struct {
		OK        bool   `json:"ok"`
		MessageID string `json:"messageId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatal(err)
	}
	if !ack.OK {
		t.Fatal("submit not acknowledged")
	}
	return ack.MessageID
}

func poll(t *testing.T, base string, participant, since int64) []*proto.Envelope {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("%s/api/messages?participant=%d&since=%d", base, participant, since))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll status = %d", resp.StatusCode)
	}
	var body struct {
		Messages []*proto.Envelope `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return body.Messages
}

func envAt(sender, target int64, msgID string, ts int64) *proto.Envelope {
	return &proto.Envelope{
		Kind:      proto.KindPresence,
		MessageID: msgID,
		SenderID:  sender,
		TargetID:  target,
		TS:        ts,
		Presence:  &proto.PresencePayload{ParticipantID: sender, Status: proto.StatusAvailable, JoinedAt: ts},
	}
}

func TestSubmitEchoesSenderMessageID(t *testing.T) {
	srv := newTestRelay(t, nil)
	if got := submit(t, srv.URL, envAt(1, 0, "m1", 100)); got != "m1" {
		t.Fatalf("ack messageId = %q, want the sender's m1", got)
	}
}

func TestSubmitMintsMissingMessageID(t *testing.T) {
	srv := newTestRelay(t, nil)
	if got := submit(t, srv.URL, envAt(1, 0, "", 100)); got == "" {
		t.Fatal("relay did not mint a messageId")
	}
}

func TestPollExcludesOwnSends(t *testing.T) {
	srv := newTestRelay(t, nil)
	submit(t, srv.URL, envAt(1, 0, "m1", 100))
	submit(t, srv.URL, envAt(2, 0, "m2", 110))

	got := poll(t, srv.URL, 1, 0)
	if len(got) != 1 || got[0].MessageID != "m2" {
		t.Fatalf("participant 1 polled %+v, want only m2", got)
	}
}

func TestPollMergesDirectAndBroadcast(t *testing.T) {
	srv := newTestRelay(t, nil)
	submit(t, srv.URL, envAt(2, 1, "direct", 100))    // addressed to 1
	submit(t, srv.URL, envAt(3, 0, "broadcast", 110)) // everyone
	submit(t, srv.URL, envAt(2, 9, "other", 120))     // addressed elsewhere

	got := poll(t, srv.URL, 1, 0)
	if len(got) != 2 {
		t.Fatalf("polled %d messages, want direct + broadcast", len(got))
	}
	if got[0].MessageID != "direct" || got[1].MessageID != "broadcast" {
		t.Fatalf("polled %q then %q, want direct then broadcast (ts order)", got[0].MessageID, got[1].MessageID)
	}
}

func TestPollSinceIsStrict(t *testing.T) {
	srv := newTestRelay(t, nil)
	submit(t, srv.URL, envAt(2, 0, "m1", 100))
	submit(t, srv.URL, envAt(2, 0, "m2", 200))

	got := poll(t, srv.URL, 1, 100)
	if len(got) != 1 || got[0].MessageID != "m2" {
		t.Fatalf("since=100 returned %+v, want only m2", got)
	}
}

func TestDuplicateSubmitStoredOnce(t *testing.T) {
	srv := newTestRelay(t, nil)
	env := envAt(2, 0, "m1", 100)
	submit(t, srv.URL, env)
	submit(t, srv.URL, env)

	if got := poll(t, srv.URL, 1, 0); len(got) != 1 {
		t.Fatalf("polled %d copies of m1, want 1", len(got))
	}
}

func TestStoreCapsPerTarget(t *testing.T) {
	srv := newTestRelay(t, NewMemStore(3))
	for i := 1; i <= 5; i++ {
		submit(t, srv.URL, envAt(2, 0, fmt.Sprintf("m%d", i), int64(i*100)))
	}

	got := poll(t, srv.URL, 1, 0)
	if len(got) != 3 {
		t.Fatalf("polled %d messages, want the 3 most recent", len(got))
	}
	if got[0].MessageID != "m3" || got[2].MessageID != "m5" {
		t.Fatalf("kept %q..%q, want m3..m5", got[0].MessageID, got[2].MessageID)
	}
}

func TestBadSubmitRejected(t *testing.T) {
	srv := newTestRelay(t, nil)

	resp, err := http.Post(srv.URL+"/api/messages", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad json status = %d, want 400", resp.StatusCode)
	}

	// Structurally valid JSON but an invalid envelope (no sender).
	b, _ := json.Marshal(&proto.Envelope{Kind: proto.KindPresence, MessageID: "m1", TS: 1})
	resp, err = http.Post(srv.URL+"/api/messages", "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid envelope status = %d, want 400", resp.StatusCode)
	}
}

func TestPollRequiresParticipant(t *testing.T) {
	srv := newTestRelay(t, nil)
	resp, err := http.Get(srv.URL + "/api/messages")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestRelay(t, nil)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "relay.db"), 3)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	for i := 1; i <= 5; i++ {
		if err := store.Insert(envAt(2, 0, fmt.Sprintf("m%d", i), int64(i*100))); err != nil {
			t.Fatal(err)
		}
	}
	// Duplicate id is a no-op.
	if err := store.Insert(envAt(2, 0, "m5", 999)); err != nil {
		t.Fatal(err)
	}

	got, err := store.Fetch(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("fetched %d messages, want capped 3", len(got))
	}
	if got[0].MessageID != "m3" || got[2].MessageID != "m5" {
		t.Fatalf("kept %q..%q, want m3..m5", got[0].MessageID, got[2].MessageID)
	}
	if got[2].TS != 500 {
		t.Fatalf("duplicate insert overwrote ts: got %d, want 500", got[2].TS)
	}

	if err := store.Prune(400); err != nil {
		t.Fatal(err)
	}
	got, err = store.Fetch(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("after prune fetched %d, want 2", len(got))
	}
}
