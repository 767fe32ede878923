package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pairwave/pairwave/internal/proto"
	"github.com/pairwave/pairwave/internal/util"
)

const (
	// DefaultMaxPerTarget caps how many envelopes the store keeps per target.
	DefaultMaxPerTarget = 50
	// DefaultRetention is the age after which stored envelopes are pruned.
	DefaultRetention = 5 * time.Minute
)

// rateBucket is a fixed-size ring buffer of timestamps for rate limiting.
// Avoids per-request slice allocations.
const rateBucketCap = 120

type rateBucket struct {
	times [rateBucketCap]time.Time
	head  int
	count int
}

// Server is the HTTP relay: clients submit envelopes with POST and poll
// with GET against /api/messages. The relay stores and forwards; it never
// interprets envelope contents.
type Server struct {
	addr      string
	store     Store
	retention time.Duration
	srv       *http.Server

	// per-IP rate limiter for submits
	rateMu     sync.Mutex
	rateWindow map[string]*rateBucket
}

func NewServer(addr string, store Store, retention time.Duration) *Server {
	if store == nil {
		store = NewMemStore(DefaultMaxPerTarget)
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Server{
		addr:       addr,
		store:      store,
		retention:  retention,
		rateWindow: map[string]*rateBucket{},
	}
}

// Handler returns the relay's HTTP handler. Exposed so tests can drive it
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/messages", s.handleMessages)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Start binds the listener and serves until ctx is cancelled. A background
// goroutine prunes stored envelopes past the retention window.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.pruneLoop(ctx)

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
		_ = s.store.Close()
	}()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("RELAY: server error: %v", err)
		}
	}()

	log.Printf("RELAY: listening on %s", s.addr)
	return nil
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handlePoll(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ip := extractIP(r.RemoteAddr)
	if !s.allowSubmit(ip) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var env proto.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	// Senders generate the message id so the same logical event carries one
	// id across every transport; mint only for clients that omit it.
	if env.MessageID == "" {
		env.MessageID = proto.NewMessageID()
	}
	if env.TS == 0 {
		env.TS = proto.NowMillis()
	}

	if !env.Valid() {
		http.Error(w, "bad envelope", http.StatusBadRequest)
		return
	}

	if err := s.store.Insert(&env); err != nil {
		log.Printf("RELAY: insert error: %v", err)
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("content-type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":        true,
		"messageId": env.MessageID,
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	participant, err := strconv.ParseInt(q.Get("participant"), 10, 64)
	if err != nil || participant == 0 {
		http.Error(w, "participant is required", http.StatusBadRequest)
		return
	}
	var since int64
	if raw := q.Get("since"); raw != "" {
		since, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "bad since", http.StatusBadRequest)
			return
		}
	}

	msgs, err := s.store.Fetch(participant, since)
	if err != nil {
		log.Printf("RELAY: fetch error: %v", err)
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []*proto.Envelope{}
	}

	w.Header().Set("content-type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{"messages": msgs})
}

func (s *Server) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := proto.NowMillis() - s.retention.Milliseconds()
			if err := s.store.Prune(cutoff); err != nil {
				log.Printf("RELAY: prune error: %v", err)
			}
			s.cleanupRateLimiter()
		}
	}
}

// allowSubmit checks the per-IP sliding window rate limit.
func (s *Server) allowSubmit(ip string) bool {
	now := time.Now()
	cutoff := now.Add(-time.Minute)

	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	bucket, ok := s.rateWindow[ip]
	if !ok {
		bucket = &rateBucket{}
		s.rateWindow[ip] = bucket
	}

	for bucket.count > 0 {
		oldest := bucket.times[bucket.head]
		if oldest.After(cutoff) {
			break
		}
		bucket.head = (bucket.head + 1) % rateBucketCap
		bucket.count--
	}

	if bucket.count >= rateBucketCap {
		return false
	}

	idx := (bucket.head + bucket.count) % rateBucketCap
	bucket.times[idx] = now
	bucket.count++
	return true
}

func (s *Server) cleanupRateLimiter() {
	cutoff := time.Now().Add(-time.Minute)

	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	for ip, bucket := range s.rateWindow {
		for bucket.count > 0 {
			oldest := bucket.times[bucket.head]
			if oldest.After(cutoff) {
				break
			}
			bucket.head = (bucket.head + 1) % rateBucketCap
			bucket.count--
		}
		if bucket.count == 0 {
			delete(s.rateWindow, ip)
		}
	}
}

// extractIP returns the IP portion of a host:port address.
func extractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// URL returns the base URL clients should use for this relay.
func (s *Server) URL() string {
	if strings.HasPrefix(s.addr, ":") {
		return fmt.Sprintf("http://127.0.0.1%s", s.addr)
	}
	return "http://" + s.addr
}
