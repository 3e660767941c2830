package store

import (
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v4"

	"tezrec/types"
)

// maybeEvict runs the retention check every retentionCheckEvery
// insertions. Retention is the only delete path in the store.
func (s *Store) maybeEvict() {
	if s.maxBytes == 0 {
		return
	}
	if s.inserts.Add(1)%retentionCheckEvery != 0 {
		return
	}
	s.retentionMu.Lock()
	defer s.retentionMu.Unlock()

	if s.onDiskSize() <= s.maxBytes {
		return
	}
	target := uint64(float64(s.maxBytes) * retentionLowWater)
	for s.onDiskSize() > target {
		deleted, err := s.evictBatch()
		if err != nil {
			s.log.WithError(err).Warn("retention eviction failed")
			return
		}
		if deleted == 0 {
			return
		}
		retentionEvictions.WithLabelValues(s.name).Add(float64(deleted))
	}
}

func (s *Store) onDiskSize() uint64 {
	lsm, vlog := s.db.Size()
	return uint64(lsm + vlog)
}

// evictBatch deletes the lowest-id message and log rows together
// with their index entries and full-text documents.
func (s *Store) evictBatch() (int, error) {
	deleted := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		n, err := evictOldest(txn, prefixP2P, evictBatchSize, func(val []byte) ([][]byte, error) {
			var rec types.MessageRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return nil, err
			}
			return messageIndexKeys(&rec), nil
		})
		if err != nil {
			return err
		}
		deleted += n

		n, err = evictOldest(txn, prefixLog, evictBatchSize, func(val []byte) ([][]byte, error) {
			var rec types.LogRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return nil, err
			}
			if err := s.ft.Delete(rec.ID); err != nil {
				s.log.WithError(err).Warn("full-text delete failed")
			}
			return logIndexKeys(&rec), nil
		})
		if err != nil {
			return err
		}
		deleted += n
		return nil
	})
	return deleted, err
}

func evictOldest(txn *badger.Txn, prefix string, limit int,
	indexKeys func(val []byte) ([][]byte, error)) (int, error) {

	it := txn.NewIterator(badger.IteratorOptions{
		Prefix:         []byte(prefix),
		PrefetchValues: true,
	})
	defer it.Close()

	deleted := 0
	for it.Seek([]byte(prefix)); it.Valid() && deleted < limit; it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		var idx [][]byte
		err := item.Value(func(val []byte) error {
			var e error
			idx, e = indexKeys(val)
			return e
		})
		if err != nil {
			return deleted, err
		}
		if err := txn.Delete(key); err != nil {
			if errors.Is(err, badger.ErrTxnTooBig) {
				return deleted, nil
			}
			return deleted, err
		}
		for _, k := range idx {
			if err := txn.Delete(k); err != nil && !errors.Is(err, badger.ErrTxnTooBig) {
				return deleted, err
			}
		}
		deleted++
	}
	return deleted, nil
}
