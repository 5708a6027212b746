package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v3"
)

type badgerSessionStore struct {
	db  *badger.DB
	ttl time.Duration
}

// NewBadgerSessionStore opens a badger-backed session store. Flags expire
// ttl after they were last written, which bounds them to the browsing
// session rather than persisting them indefinitely.
func NewBadgerSessionStore(path string, ttl time.Duration) (SessionStore, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(path, "sessions"))
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	return &badgerSessionStore{db: db, ttl: ttl}, nil
}

func (s *badgerSessionStore) GetFlag(sessionID, key string) (bool, error) {
	var value bool

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(flagKey(sessionID, key)))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			value = len(val) == 1 && val[0] == 1
			return nil
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to read session flag: %w", err)
	}

	return value, nil
}

func (s *badgerSessionStore) SetFlag(sessionID, key string, value bool) error {
	val := []byte{0}
	if value {
		val[0] = 1
	}

	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(flagKey(sessionID, key)), val)
		if s.ttl > 0 {
			entry = entry.WithTTL(s.ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (s *badgerSessionStore) Close() error {
	return s.db.Close()
}

var ErrJobNotFound = errors.New("job not found")
