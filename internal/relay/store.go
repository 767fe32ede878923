package relay

import (
	"sort"
	"sync"

	"github.com/pairwave/pairwave/internal/proto"
)

// Store persists relayed envelopes between submit and poll. Inserts are
// idempotent on message id, and each target keeps only its most recent
// maxPerTarget envelopes so the relay never grows without bound.
type Store interface {
	// Insert stores env. Re-inserting a message id is a no-op.
	Insert(env *proto.Envelope) error
	// Fetch returns envelopes addressed to participant (directly or via the
	// broadcast target), excluding the participant's own sends, with
	// timestamps strictly greater than since, oldest first.
	Fetch(participant, since int64) ([]*proto.Envelope, error)
	// Prune removes envelopes with timestamps older than cutoff.
	Prune(cutoff int64) error
	Close() error
}

// memStore is the default in-memory Store, used when no database path is
// configured and by tests.
type memStore struct {
	mu           sync.Mutex
	byTarget     map[int64][]*proto.Envelope // sorted by TS ascending
	ids          map[string]struct{}
	maxPerTarget int
}

func NewMemStore(maxPerTarget int) Store {
	if maxPerTarget <= 0 {
		maxPerTarget = DefaultMaxPerTarget
	}
	return &memStore{
		byTarget:     map[int64][]*proto.Envelope{},
		ids:          map[string]struct{}{},
		maxPerTarget: maxPerTarget,
	}
}

func (s *memStore) Insert(env *proto.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.ids[env.MessageID]; dup {
		return nil
	}
	s.ids[env.MessageID] = struct{}{}

	list := append(s.byTarget[env.TargetID], env)
	sort.SliceStable(list, func(i, j int) bool { return list[i].TS < list[j].TS })
	if over := len(list) - s.maxPerTarget; over > 0 {
		for _, old := range list[:over] {
			delete(s.ids, old.MessageID)
		}
		list = list[over:]
	}
	s.byTarget[env.TargetID] = list
	return nil
}

func (s *memStore) Fetch(participant, since int64) ([]*proto.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*proto.Envelope
	for _, target := range [2]int64{participant, proto.BroadcastTarget} {
		for _, env := range s.byTarget[target] {
			if env.TS > since && env.SenderID != participant {
				out = append(out, env)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS < out[j].TS })
	return out, nil
}

func (s *memStore) Prune(cutoff int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for target, list := range s.byTarget {
		kept := list[:0]
		for _, env := range list {
			if env.TS >= cutoff {
				kept = append(kept, env)
			} else {
				delete(s.ids, env.MessageID)
			}
		}
		if len(kept) == 0 {
			delete(s.byTarget, target)
		} else {
			s.byTarget[target] = kept
		}
	}
	return nil
}

func (s *memStore) Close() error { return nil }
