package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"tezrec/types"
)

// MessageQuery selects message briefs, newest first.
type MessageQuery struct {
	Cursor     uint64 // 0 starts at the newest record
	Limit      int
	RemoteAddr string
	Source     types.Sender
	Incoming   *bool
	Kinds      []types.MessageKind
	From, To   time.Time
}

// LogQuery selects log records, newest first.
type LogQuery struct {
	Cursor   uint64
	Limit    int
	Levels   types.LogLevel // bitmask, 0 selects all
	From, To time.Time
	Query    string // full-text over message
}

// ConnQuery selects connection records, newest first.
type ConnQuery struct {
	Cursor uint64
	Limit  int
}

func clampLimit(l int) int {
	if l <= 0 {
		return DefaultLimit
	}
	if l > MaxLimit {
		return MaxLimit
	}
	return l
}

const scanBatch = 128

// idIter yields primary ids in decreasing order. ok=false ends the
// stream; err is sticky.
type idIter struct {
	next func() (uint64, bool)
	err  *error
}

// scanIndexDesc collects up to max ids from an index prefix, walking
// reverse-lexicographically starting at beforeID (inclusive).
func (s *Store) scanIndexDesc(prefix []byte, beforeID uint64, max int) ([]uint64, error) {
	out := make([]uint64, 0, max)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Reverse: true,
			Prefix:  prefix,
		})
		defer it.Close()
		seek := append(append([]byte(nil), prefix...), be64(beforeID)...)
		for it.Seek(seek); it.Valid() && len(out) < max; it.Next() {
			id, err := idFromKey(it.Item().Key())
			if err != nil {
				return err
			}
			out = append(out, id)
		}
		return nil
	})
	return out, err
}

// indexIter pulls ids from one index prefix in batches.
func (s *Store) indexIter(prefix []byte, cursor uint64, errOut *error) *idIter {
	buf := []uint64{}
	nextCursor := cursor
	done := false
	return &idIter{
		err: errOut,
		next: func() (uint64, bool) {
			for {
				if len(buf) > 0 {
					id := buf[0]
					buf = buf[1:]
					return id, true
				}
				if done {
					return 0, false
				}
				batch, err := s.scanIndexDesc(prefix, nextCursor, scanBatch)
				if err != nil {
					*errOut = err
					return 0, false
				}
				if len(batch) < scanBatch {
					done = true
				}
				if len(batch) == 0 {
					return 0, false
				}
				last := batch[len(batch)-1]
				if last == 0 {
					done = true
				} else {
					nextCursor = last - 1
				}
				buf = batch
			}
		},
	}
}

// mergeIters merges several decreasing id streams into one.
func mergeIters(iters []*idIter, errOut *error) *idIter {
	heads := make([]uint64, len(iters))
	live := make([]bool, len(iters))
	primed := false
	return &idIter{
		err: errOut,
		next: func() (uint64, bool) {
			if !primed {
				for i, it := range iters {
					heads[i], live[i] = it.next()
				}
				primed = true
			}
			best := -1
			for i := range iters {
				if live[i] && (best < 0 || heads[i] > heads[best]) {
					best = i
				}
			}
			if best < 0 {
				return 0, false
			}
			id := heads[best]
			heads[best], live[best] = iters[best].next()
			return id, true
		},
	}
}

// sliceIter yields a precomputed id list.
func sliceIter(ids []uint64, errOut *error) *idIter {
	i := 0
	return &idIter{
		err: errOut,
		next: func() (uint64, bool) {
			if i >= len(ids) {
				return 0, false
			}
			id := ids[i]
			i++
			return id, true
		},
	}
}

func startCursor(cursor uint64) uint64 {
	if cursor == 0 {
		return ^uint64(0)
	}
	return cursor
}

// Messages runs a cursor query over the message table.
func (s *Store) Messages(q MessageQuery) ([]types.BriefMessage, error) {
	limit := clampLimit(q.Limit)
	cursor := startCursor(q.Cursor)

	var err error
	var iter *idIter
	switch {
	case len(q.Kinds) > 0:
		iters := make([]*idIter, 0, len(q.Kinds))
		for _, k := range q.Kinds {
			iters = append(iters, s.indexIter([]byte(idxKind+string(k)+"/"), cursor, &err))
		}
		iter = mergeIters(iters, &err)
	case q.RemoteAddr != "":
		iter = s.indexIter([]byte(idxPeer+q.RemoteAddr+"/"), cursor, &err)
	case q.Source != "":
		iter = s.indexIter([]byte(idxSource+string(q.Source)+"/"), cursor, &err)
	case q.Incoming != nil:
		iter = s.indexIter([]byte(idxIncoming+boolTerm(*q.Incoming)+"/"), cursor, &err)
	default:
		iter = s.indexIter([]byte(prefixP2P), cursor, &err)
	}

	out := make([]types.BriefMessage, 0, limit)
	for len(out) < limit {
		id, ok := iter.next()
		if !ok {
			break
		}
		rec, gerr := s.GetMessage(id)
		if errors.Is(gerr, ErrNotFound) {
			continue // evicted between index scan and load
		}
		if gerr != nil {
			return nil, gerr
		}
		if !matchMessage(rec, &q) {
			continue
		}
		out = append(out, rec.Brief())
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func matchMessage(rec *types.MessageRecord, q *MessageQuery) bool {
	if q.RemoteAddr != "" && rec.RemoteAddr != q.RemoteAddr {
		return false
	}
	if q.Source != "" && rec.Sender != q.Source {
		return false
	}
	if q.Incoming != nil && rec.Incoming != *q.Incoming {
		return false
	}
	if len(q.Kinds) > 0 {
		found := false
		for _, k := range q.Kinds {
			if rec.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !q.From.IsZero() && rec.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && rec.Timestamp.After(q.To) {
		return false
	}
	return true
}

// Logs runs a cursor query over the log table, optionally through
// the full-text index.
func (s *Store) Logs(q LogQuery) ([]types.LogRecord, error) {
	limit := clampLimit(q.Limit)
	cursor := startCursor(q.Cursor)

	var err error
	var iter *idIter
	switch {
	case q.Query != "":
		ids, serr := s.ft.Search(q.Query, q.Cursor, limit*4)
		if serr != nil {
			return nil, serr
		}
		iter = sliceIter(ids, &err)
	case q.Levels != 0:
		var iters []*idIter
		for _, lv := range []types.LogLevel{
			types.LevelTrace, types.LevelDebug, types.LevelInfo, types.LevelNotice,
			types.LevelWarning, types.LevelError, types.LevelFatal,
		} {
			if q.Levels&lv != 0 {
				iters = append(iters, s.indexIter([]byte(idxLevel+lv.String()+"/"), cursor, &err))
			}
		}
		iter = mergeIters(iters, &err)
	default:
		iter = s.indexIter([]byte(prefixLog), cursor, &err)
	}

	out := make([]types.LogRecord, 0, limit)
	for len(out) < limit {
		id, ok := iter.next()
		if !ok {
			break
		}
		rec, gerr := s.GetLog(id)
		if errors.Is(gerr, ErrNotFound) {
			continue
		}
		if gerr != nil {
			return nil, gerr
		}
		if !matchLog(rec, &q) {
			continue
		}
		out = append(out, *rec)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func matchLog(rec *types.LogRecord, q *LogQuery) bool {
	if q.Levels != 0 && q.Levels&rec.Level == 0 {
		return false
	}
	if !q.From.IsZero() && rec.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && rec.Timestamp.After(q.To) {
		return false
	}
	return true
}

// Connections lists connection records, newest first.
func (s *Store) Connections(q ConnQuery) ([]types.ConnectionRecord, error) {
	limit := clampLimit(q.Limit)
	cursor := startCursor(q.Cursor)

	out := make([]types.ConnectionRecord, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Reverse:        true,
			Prefix:         []byte(prefixConn),
			PrefetchValues: true,
		})
		defer it.Close()
		seek := append([]byte(prefixConn), be64(cursor)...)
		for it.Seek(seek); it.Valid() && len(out) < limit; it.Next() {
			var rec types.ConnectionRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
