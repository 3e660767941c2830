// Package store persists message, log and connection records for
// one node in an embedded ordered key-value store with secondary
// indexes and a sibling full-text index over log messages.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"tezrec/types"
)

// ErrNotFound is returned when a primary row does not exist.
var ErrNotFound = errors.New("record not found")

const (
	// DefaultLimit applies when a query names no limit.
	DefaultLimit = 100
	// MaxLimit caps any single query.
	MaxLimit = 10000

	retentionCheckEvery = 1024
	retentionLowWater   = 0.9

	writeRetries   = 3
	writeBackoff   = 10 * time.Millisecond
	evictBatchSize = 256
)

// Options configures one node's store.
type Options struct {
	Dir      string
	NodeName string
	MaxBytes uint64 // 0 disables retention
	Logger   *logrus.Logger
}

// Store is one node's record database. Writes must come from a
// single goroutine per table family; reads are concurrent.
type Store struct {
	db   *badger.DB
	ft   *Fulltext
	log  *logrus.Entry
	name string

	maxBytes uint64

	msgID  atomic.Uint64
	logID  atomic.Uint64
	connID atomic.Uint64

	inserts atomic.Uint64

	retentionMu sync.Mutex
}

// Open opens (or creates) the store under dir. The key-value engine
// lives in dir/badger, the full-text index in dir/fulltext. Monotonic
// id counters resume from the highest existing keys.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	bopts := badger.DefaultOptions(filepath.Join(opts.Dir, "badger"))
	bopts.Logger = nil
	bopts.ValueLogFileSize = 64 << 20
	bopts.SyncWrites = false

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", opts.Dir, err)
	}

	s := &Store{
		db:       db,
		log:      opts.Logger.WithField("component", "store").WithField("node", opts.NodeName),
		name:     opts.NodeName,
		maxBytes: opts.MaxBytes,
	}

	s.msgID.Store(maxID(db, prefixP2P))
	s.logID.Store(maxID(db, prefixLog))
	s.connID.Store(maxID(db, prefixConn))

	ft, err := OpenFulltext(filepath.Join(opts.Dir, "fulltext"), s)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ft = ft
	return s, nil
}

// Close flushes and closes the engine and the full-text index.
func (s *Store) Close() error {
	var first error
	if err := s.ft.Close(); err != nil {
		first = err
	}
	if err := s.db.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// Name reports the owning node's name.
func (s *Store) Name() string { return s.name }

// maxID finds the highest primary id under prefix, or 0.
func maxID(db *badger.DB, prefix string) uint64 {
	var max uint64
	db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Reverse: true,
			Prefix:  []byte(prefix),
		})
		defer it.Close()
		it.Seek(append([]byte(prefix), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff))
		if it.Valid() {
			if id, err := idFromKey(it.Item().Key()); err == nil {
				max = id
			}
		}
		return nil
	})
	return max
}

// PutMessage appends a message record and its index entries,
// assigning the next id. The input record's ID field is set.
func (s *Store) PutMessage(rec *types.MessageRecord) error {
	rec.ID = s.msgID.Add(1)
	rec.NodeName = s.name
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	err = s.withRetry(func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			if err := txn.Set(primaryKey(prefixP2P, rec.ID), val); err != nil {
				return err
			}
			for _, k := range messageIndexKeys(rec) {
				if err := txn.Set(k, nil); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		storeDrops.WithLabelValues(s.name).Inc()
		return err
	}
	s.maybeEvict()
	return nil
}

// PutLog appends a log record, its index entries and its full-text
// document, assigning the next id.
func (s *Store) PutLog(rec *types.LogRecord) error {
	rec.ID = s.logID.Add(1)
	rec.NodeName = s.name
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal log: %w", err)
	}
	err = s.withRetry(func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			if err := txn.Set(primaryKey(prefixLog, rec.ID), val); err != nil {
				return err
			}
			for _, k := range logIndexKeys(rec) {
				if err := txn.Set(k, nil); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		storeDrops.WithLabelValues(s.name).Inc()
		return err
	}
	if err := s.ft.Index(rec); err != nil {
		s.log.WithError(err).Warn("full-text index write failed")
	}
	s.maybeEvict()
	return nil
}

// PutConnection appends a connection record, assigning the next id.
func (s *Store) PutConnection(rec *types.ConnectionRecord) error {
	rec.ID = s.connID.Add(1)
	rec.NodeName = s.name
	return s.setConnection(rec)
}

// UpdateConnection rewrites an existing connection row, typically
// to stamp closed_at and final counters.
func (s *Store) UpdateConnection(rec *types.ConnectionRecord) error {
	if rec.ID == 0 {
		return fmt.Errorf("update connection: record has no id")
	}
	return s.setConnection(rec)
}

func (s *Store) setConnection(rec *types.ConnectionRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal connection: %w", err)
	}
	err = s.withRetry(func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(primaryKey(prefixConn, rec.ID), val)
		})
	})
	if err != nil {
		storeDrops.WithLabelValues(s.name).Inc()
	}
	return err
}

// GetMessage loads one full message record.
func (s *Store) GetMessage(id uint64) (*types.MessageRecord, error) {
	var rec types.MessageRecord
	err := s.get(primaryKey(prefixP2P, id), &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetLog loads one log record.
func (s *Store) GetLog(id uint64) (*types.LogRecord, error) {
	var rec types.LogRecord
	err := s.get(primaryKey(prefixLog, id), &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) get(key []byte, out interface{}) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
}

func (s *Store) withRetry(fn func() error) error {
	var err error
	backoff := writeBackoff
	for attempt := 0; attempt <= writeRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < writeRetries {
			s.log.WithError(err).Warn("store write failed, retrying")
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return err
}
