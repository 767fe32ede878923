package relay

import (
	"database/sql"
	"encoding/json"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/pairwave/pairwave/internal/proto"
)

// sqliteStore persists relayed envelopes to SQLite so multiple relay
// instances sharing one database file present a consistent message view,
// and a restart does not drop in-flight messages.
type sqliteStore struct {
	db           *sql.DB
	mu           sync.Mutex
	maxPerTarget int
}

// OpenSQLiteStore opens (or creates) the relay message database.
func OpenSQLiteStore(path string, maxPerTarget int) (Store, error) {
	if maxPerTarget <= 0 {
		maxPerTarget = DefaultMaxPerTarget
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL mode for concurrent access from multiple processes sharing the file.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		sender     INTEGER NOT NULL,
		target     INTEGER NOT NULL DEFAULT 0,
		ts         INTEGER NOT NULL,
		envelope   TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_target_ts ON messages (target, ts)`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &sqliteStore{db: db, maxPerTarget: maxPerTarget}, nil
}

func (s *sqliteStore) Insert(env *proto.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`INSERT INTO messages (message_id, sender, target, ts, envelope)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		env.MessageID, env.SenderID, env.TargetID, env.TS, string(b))
	if err != nil {
		return err
	}

	// Keep only the most recent rows per target.
	_, err = s.db.Exec(`DELETE FROM messages WHERE target = ? AND message_id NOT IN (
		SELECT message_id FROM messages WHERE target = ? ORDER BY ts DESC, message_id DESC LIMIT ?
	)`, env.TargetID, env.TargetID, s.maxPerTarget)
	return err
}

func (s *sqliteStore) Fetch(participant, since int64) ([]*proto.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT envelope FROM messages
		WHERE target IN (?, ?) AND sender != ? AND ts > ?
		ORDER BY ts ASC, message_id ASC`,
		participant, proto.BroadcastTarget, participant, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*proto.Envelope
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var env proto.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue // skip rows written by an incompatible version
		}
		out = append(out, &env)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Prune(cutoff int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM messages WHERE ts < ?`, cutoff)
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }
