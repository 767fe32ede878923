package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pairwave/pairwave/internal/proto"
)

func TestRelayRunDeliversQueuedSends(t *testing.T) {
	var received atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode(map[string]any{"messages": []*proto.Envelope{}})
			return
		}
		if r.URL.Path != "/api/messages" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var env proto.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			t.Errorf("decode submit body: %v", err)
		}
		if env.MessageID != "m1" {
			t.Errorf("messageId = %q, want m1", env.MessageID)
		}
		received.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "messageId": env.MessageID})
	}))
	defer srv.Close()

	r := NewRelay(srv.URL, 1, RelayOptions{PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	if out := r.Send(context.Background(), presenceEnv(1, "m1")); out != Delivered {
		t.Fatalf("Send = %v, want Delivered", out)
	}
	deadline := time.Now().Add(2 * time.Second)
	for received.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("server saw %d submits, want 1", received.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// An unreachable relay must cost the caller nothing: the handoff returns
// immediately and the backoff runs on the sender goroutine.
func TestRelaySendDoesNotBlockCaller(t *testing.T) {
	r := NewRelay("http://127.0.0.1:1", 1, RelayOptions{MaxAttempts: 3, RetryBase: 500 * time.Millisecond})

	start := time.Now()
	if out := r.Send(context.Background(), presenceEnv(1, "m1")); out != Delivered {
		t.Fatalf("Send = %v, want Delivered (queued)", out)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Send took %s, want immediate handoff", elapsed)
	}
}

func TestRelaySubmitRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "messageId": "m1"})
	}))
	defer srv.Close()

	r := NewRelay(srv.URL, 1, RelayOptions{MaxAttempts: 3, RetryBase: 5 * time.Millisecond})
	if err := r.submit(context.Background(), presenceEnv(1, "m1")); err != nil {
		t.Fatalf("submit = %v, want success after retries", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("server saw %d attempts, want 3", calls.Load())
	}
}

func TestRelaySubmitAbandonsAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewRelay(srv.URL, 1, RelayOptions{MaxAttempts: 2, RetryBase: 100 * time.Millisecond})
	start := time.Now()
	if err := r.submit(context.Background(), presenceEnv(1, "m1")); err == nil {
		t.Fatal("submit = nil, want error after bounded attempts")
	}
	if calls.Load() != 2 {
		t.Fatalf("server saw %d attempts, want bounded 2", calls.Load())
	}
	// One backoff between the two attempts, none after the last.
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Fatalf("submit took %s, want no trailing backoff sleep", elapsed)
	}
}

func TestRelayPollDispatchesAndAdvancesCursor(t *testing.T) {
	var sinceSeen atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		since := r.URL.Query().Get("since")
		if since == "0" {
			json.NewEncoder(w).Encode(map[string]any{"messages": []*proto.Envelope{
				presenceEnvAt(2, "m1", 100),
				presenceEnvAt(1, "own", 150), // own send, must be skipped
				presenceEnvAt(3, "m2", 200),
			}})
			return
		}
		sinceSeen.Store(1)
		if since != "200" {
			t.Errorf("since = %s, want 200", since)
		}
		json.NewEncoder(w).Encode(map[string]any{"messages": []*proto.Envelope{}})
	}))
	defer srv.Close()

	r := NewRelay(srv.URL, 1, RelayOptions{})
	var got []string
	r.OnReceive(func(env *proto.Envelope) { got = append(got, env.MessageID) })

	if err := r.pollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "m1" || got[1] != "m2" {
		t.Fatalf("dispatched %v, want [m1 m2]", got)
	}

	if err := r.pollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sinceSeen.Load() != 1 {
		t.Fatal("second poll did not carry the advanced cursor")
	}
}

func presenceEnvAt(sender int64, msgID string, ts int64) *proto.Envelope {
	env := presenceEnv(sender, msgID)
	env.TS = ts
	return env
}
