package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/pairwave/pairwave/internal/proto"
	"github.com/pairwave/pairwave/internal/util"
)

// RelayOptions parameterizes the bounded-retry-with-backoff policy and the
// poll loop. Zero values fall back to the defaults below.
type RelayOptions struct {
	PollInterval time.Duration
	MaxAttempts  int
	RetryBase    time.Duration
}

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxAttempts  = 3
	defaultRetryBase    = 250 * time.Millisecond
)

// Relay is the out-of-band HTTP adapter: durable and queryable across fully
// disjoint devices, at the cost of poll latency. Submits run on the adapter's
// own sender goroutine with bounded retry and backoff; an envelope counts as
// sent locally once handed off, since the relay being down must never stall
// the caller and redundant transports may succeed anyway.
type Relay struct {
	baseURL string
	selfID  int64
	opts    RelayOptions
	http    *http.Client

	// sendQ feeds the sender goroutine started by Run. Buffered so Send is
	// a non-blocking handoff.
	sendQ chan *proto.Envelope

	handlerMu sync.RWMutex
	handlers  []Handler

	// since is the poll cursor: highest envelope timestamp seen so far.
	// Only touched by the poll loop goroutine.
	since int64
}

func NewRelay(baseURL string, selfID int64, opts RelayOptions) *Relay {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	return &Relay{
		baseURL: util.NormalizeURL(baseURL),
		selfID:  selfID,
		opts:    opts,
		http:    &http.Client{Timeout: util.DefaultFetchTimeout},
		sendQ:   make(chan *proto.Envelope, 64),
	}
}

func (r *Relay) Name() string { return "relay" }

// submitAck mirrors the relay server's submit response.
type submitAck struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"messageId"`
}

// pollResponse mirrors the relay server's poll response.
type pollResponse struct {
	Messages []*proto.Envelope `json:"messages"`
}

// Send hands the envelope to the sender goroutine. Never blocks: a full
// queue (the relay has been unreachable long enough to back 64 sends up)
// reports Unavailable and the envelope is dropped here.
func (r *Relay) Send(_ context.Context, env *proto.Envelope) Outcome {
	if r.baseURL == "" {
		return Unavailable
	}
	select {
	case r.sendQ <- env:
		return Delivered
	default:
		return Unavailable
	}
}

// submit POSTs one envelope, retrying with exponential backoff. The
// outstanding send is abandoned (not retried indefinitely) once attempts are
// exhausted.
func (r *Relay) submit(ctx context.Context, env *proto.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	delay := r.opts.RetryBase
	for attempt := 1; ; attempt++ {
		err = r.submitOnce(ctx, body)
		if err == nil {
			return nil
		}
		if attempt == r.opts.MaxAttempts {
			log.Printf("RELAY: submit abandoned after %d attempts: %v", attempt, err)
			return err
		}
		log.Printf("RELAY: submit attempt %d/%d failed: %v (retrying in %s)",
			attempt, r.opts.MaxAttempts, err, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// sendLoop drains the submit queue. Runs beside the poll loop so a slow or
// unreachable relay stalls only this goroutine, never the caller.
func (r *Relay) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return
		case env := <-r.sendQ:
			_ = r.submit(ctx, env)
		}
	}
}

// flush gives envelopes still queued at shutdown (typically the departure
// notice) one attempt each within a short grace period.
func (r *Relay) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	for {
		select {
		case env := <-r.sendQ:
			body, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := r.submitOnce(ctx, body); err != nil {
				log.Printf("RELAY: shutdown flush failed: %v", err)
				return
			}
		default:
			return
		}
	}
}

func (r *Relay) submitOnce(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("submit status %s", resp.Status)
	}
	var ack submitAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		// 2xx with an unreadable body still means the relay stored it.
		return nil
	}
	if !ack.OK {
		return fmt.Errorf("relay rejected submit")
	}
	return nil
}

func (r *Relay) OnReceive(h Handler) {
	r.handlerMu.Lock()
	r.handlers = append(r.handlers, h)
	r.handlerMu.Unlock()
}

// Run starts the sender goroutine and polls the relay on the configured
// interval until ctx is cancelled. Poll failures are logged and skipped; the
// next tick tries again.
func (r *Relay) Run(ctx context.Context) {
	if r.baseURL == "" {
		return
	}
	go r.sendLoop(ctx)

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.pollOnce(ctx); err != nil {
				log.Printf("RELAY: poll failed: %v", err)
			}
		}
	}
}

func (r *Relay) pollOnce(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/messages?participant=%d&since=%d", r.baseURL, r.selfID, r.since)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("poll status %s", resp.Status)
	}
	var out pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}

	for _, env := range out.Messages {
		if env == nil || !env.Valid() {
			continue
		}
		if env.TS > r.since {
			r.since = env.TS
		}
		if env.SenderID == r.selfID {
			continue
		}
		r.dispatch(env)
	}
	return nil
}

func (r *Relay) dispatch(env *proto.Envelope) {
	r.handlerMu.RLock()
	handlers := make([]Handler, len(r.handlers))
	copy(handlers, r.handlers)
	r.handlerMu.RUnlock()
	for _, h := range handlers {
		h(env)
	}
}
