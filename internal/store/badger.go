package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v3"
)

const (
	recordPrefix = "session/"
	audioPrefix  = "audio/"
)

// BadgerStore keeps records and audio in an embedded Badger database.
// Audio chunks are keyed so that a prefix scan yields them in sequence order.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (*BadgerStore, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	opts := badger.DefaultOptions(filepath.Join(path, "badger")).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func recordKey(id string) []byte { return []byte(recordPrefix + id) }

func audioSessionPrefix(id string) []byte { return []byte(audioPrefix + id + "/") }

func audioKey(id string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", audioPrefix, id, seq))
}

func getRecord(txn *badger.Txn, id string) (Record, error) {
	var rec Record
	item, err := txn.Get(recordKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

func setRecord(txn *badger.Txn, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return txn.Set(recordKey(rec.SessionID), data)
}

func (s *BadgerStore) Create(_ context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := getRecord(txn, rec.SessionID); err == nil {
			return ErrExists
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		return setRecord(txn, rec)
	})
}

func (s *BadgerStore) Get(_ context.Context, sessionID string) (Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, sessionID)
		return err
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	return rec, err
}

func (s *BadgerStore) Update(_ context.Context, rec Record) error {
	rec.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(txn *badger.Txn) error {
		stored, err := getRecord(txn, rec.SessionID)
		if err != nil {
			return err
		}
		return setRecord(txn, keepPurged(stored, rec))
	})
}

func (s *BadgerStore) Delete(_ context.Context, sessionID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := getRecord(txn, sessionID); err != nil {
			return err
		}
		return txn.Delete(recordKey(sessionID))
	})
	if err != nil {
		return err
	}
	return s.db.DropPrefix(audioSessionPrefix(sessionID))
}

func (s *BadgerStore) List(_ context.Context) ([]Record, error) {
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(recordPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) AppendAudio(_ context.Context, sessionID string, seq int64, pcm []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, sessionID)
		if err != nil {
			return err
		}
		if rec.AudioDataDeleted {
			return ErrRetentionViolation
		}
		return txn.Set(audioKey(sessionID, seq), append([]byte(nil), pcm...))
	})
}

func (s *BadgerStore) Audio(_ context.Context, sessionID string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, sessionID)
		if err != nil {
			return err
		}
		if rec.AudioDataDeleted {
			return ErrRetentionViolation
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = audioSessionPrefix(sessionID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(func(val []byte) error {
				out = append(out, val...)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) PurgeAudio(_ context.Context, sessionID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, sessionID)
		if err != nil {
			return err
		}
		if rec.AudioDataDeleted {
			return nil
		}
		rec.AudioDataDeleted = true
		rec.UpdatedAt = time.Now().UTC()
		return setRecord(txn, rec)
	})
	if err != nil {
		return err
	}
	// Flagging first means a crash between the two steps leaves no readable
	// audio; a rerun drops whatever is left.
	return s.db.DropPrefix(audioSessionPrefix(sessionID))
}

func (s *BadgerStore) PurgeTranscript(_ context.Context, sessionID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, sessionID)
		if err != nil {
			return err
		}
		if rec.TranscriptDataDeleted {
			return nil
		}
		rec.Transcript = nil
		rec.TranscriptDataDeleted = true
		rec.UpdatedAt = time.Now().UTC()
		return setRecord(txn, rec)
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
