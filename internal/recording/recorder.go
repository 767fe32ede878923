// Package recording writes per-conversation audio recordings as audio-only
// WebM (Opus) files. Commands are fire-and-forget: the engine issues start
// and stop, retries are handled here, and a failure never blocks or rolls
// back a presence transition.
package recording

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	startAttempts = 3
	startBackoff  = 200 * time.Millisecond

	// clusterSpan is the target duration of one WebM cluster.
	clusterSpan = 1000 // millis
)

type recording struct {
	f         *os.File
	path      string
	startedAt time.Time

	// Timestamp normalization: the first frame becomes t=0. The Opus RTP
	// clock starts at a random value, so raw timecodes would be huge.
	baseMs  int64
	baseSet bool

	clusterStart int64
	blocks       bytes.Buffer
	clusterOpen  bool
	frames       int
}

// Manager owns the recording files, one per conversation id.
type Manager struct {
	dir string

	mu   sync.Mutex
	recs map[string]*recording
}

func NewManager(dir string) *Manager {
	return &Manager{dir: dir, recs: map[string]*recording{}}
}

// StartRecording opens the recording file for a conversation. Runs in the
// background with bounded retry; duplicate starts are no-ops.
func (m *Manager) StartRecording(conversationID string) {
	go func() {
		var lastErr error
		for attempt := 1; attempt <= startAttempts; attempt++ {
			if err := m.startOnce(conversationID); err != nil {
				lastErr = err
				time.Sleep(startBackoff * time.Duration(attempt))
				continue
			}
			return
		}
		log.Printf("RECORD [%s]: start abandoned after %d attempts: %v",
			conversationID, startAttempts, lastErr)
	}()
}

func (m *Manager) startOnce(conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.recs[conversationID]; exists {
		return nil
	}

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return err
	}
	path := filepath.Join(m.dir, fmt.Sprintf("%s-%s.webm",
		conversationID, time.Now().Format("20060102-150405")))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(webmAudioInitSegment()); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}

	m.recs[conversationID] = &recording{f: f, path: path, startedAt: time.Now()}
	log.Printf("RECORD [%s]: recording to %s", conversationID, path)
	return nil
}

// StopRecording flushes and closes the conversation's file. Stopping an
// unknown or already-stopped recording is a no-op.
func (m *Manager) StopRecording(conversationID string) {
	m.mu.Lock()
	rec, ok := m.recs[conversationID]
	delete(m.recs, conversationID)
	m.mu.Unlock()
	if !ok {
		return
	}

	rec.flushCluster()
	if err := rec.f.Close(); err != nil {
		log.Printf("RECORD [%s]: close error: %v", conversationID, err)
		return
	}
	log.Printf("RECORD [%s]: stopped after %s (%d frames, %s)",
		conversationID, time.Since(rec.startedAt).Truncate(time.Second), rec.frames, rec.path)
}

// WriteOpus appends one Opus frame to the conversation's recording. Frames
// for conversations without an open recording are dropped silently — the
// start command may still be retrying.
func (m *Manager) WriteOpus(conversationID string, timecodeMs int64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[conversationID]
	if !ok {
		return
	}

	if !rec.baseSet {
		rec.baseMs = timecodeMs
		rec.baseSet = true
	}
	tsMs := timecodeMs - rec.baseMs

	if rec.clusterOpen && tsMs-rec.clusterStart >= clusterSpan {
		rec.flushCluster()
	}
	if !rec.clusterOpen {
		rec.clusterStart = tsMs
		rec.clusterOpen = true
		rec.blocks.Reset()
	}

	rel := tsMs - rec.clusterStart
	if rel < -30000 || rel > 30000 {
		return // out-of-range for a SimpleBlock's int16 timecode
	}
	rec.blocks.Write(webmSimpleBlock(1, int16(rel), data))
	rec.frames++
}

// Active returns the number of open recordings.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

func (r *recording) flushCluster() {
	if !r.clusterOpen || r.blocks.Len() == 0 {
		r.clusterOpen = false
		return
	}
	if _, err := r.f.Write(webmCluster(r.clusterStart, r.blocks.Bytes())); err != nil {
		log.Printf("RECORD: cluster write error: %v", err)
	}
	r.clusterOpen = false
	r.blocks.Reset()
}
