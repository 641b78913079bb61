// Package logstream retains robot log lines for a limited time and fans them
// out to live subscribers.
package logstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
)

type record struct {
	Entry     domain.LogEntry `json:"entry"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Store keeps log entries in LevelDB keyed robotID/timestamp/seq. Entries
// expire after the TTL.
type Store struct {
	db  *leveldb.DB
	ttl time.Duration

	mu  sync.Mutex
	seq uint64
	now func() time.Time
}

// Open opens the store at path. An empty path keeps everything in memory.
func Open(path string, ttl time.Duration) (*Store, error) {
	opts := &opt.Options{
		CompactionTableSize: 2 * 1024 * 1024, // 2MB
		WriteBuffer:         1 * 1024 * 1024, // 1MB
	}

	var db *leveldb.DB
	var err error
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), opts)
	} else {
		db, err = leveldb.OpenFile(path, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("open log store: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{db: db, ttl: ttl, now: time.Now}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Append writes entries in one batch
func (s *Store) Append(entries ...domain.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	now := s.now()
	batch := new(leveldb.Batch)

	s.mu.Lock()
	for _, e := range entries {
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		data, err := json.Marshal(record{Entry: e, ExpiresAt: now.Add(s.ttl)})
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("marshal log entry: %w", err)
		}
		s.seq++
		batch.Put(key(e.RobotID, e.Timestamp, s.seq), data)
	}
	s.mu.Unlock()

	return s.db.Write(batch, nil)
}

// Recent returns up to limit unexpired entries matching f, oldest first
func (s *Store) Recent(f Filter, limit int) ([]domain.LogEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.now()

	var rng *util.Range
	if f.RobotID != "" {
		rng = util.BytesPrefix([]byte(f.RobotID + "/"))
	}
	iter := s.db.NewIterator(rng, nil)
	defer iter.Release()

	var out []domain.LogEntry
	if f.RobotID != "" {
		// keys of one robot are time ordered, walk back from the newest
		for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
			if e, live := decode(iter.Value(), now); live && f.Match(e) {
				out = append(out, e)
			}
		}
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
		return out, iter.Error()
	}

	for iter.Next() {
		if e, live := decode(iter.Value(), now); live && f.Match(e) {
			out = append(out, e)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Cleanup deletes expired entries and returns how many were removed
func (s *Store) Cleanup() (int, error) {
	now := s.now()
	iter := s.db.NewIterator(nil, nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		var r record
		if err := json.Unmarshal(iter.Value(), &r); err != nil || now.After(r.ExpiresAt) {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	return batch.Len(), s.db.Write(batch, nil)
}

// Run removes expired entries every interval until ctx is done
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Cleanup(); err != nil {
				return fmt.Errorf("log store cleanup: %w", err)
			}
		}
	}
}

func key(robotID string, ts time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s/%020d/%010d", robotID, ts.UnixNano(), seq))
}

func decode(data []byte, now time.Time) (domain.LogEntry, bool) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return domain.LogEntry{}, false
	}
	if now.After(r.ExpiresAt) {
		return domain.LogEntry{}, false
	}
	return r.Entry, true
}
