package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/dgraph-io/badger/v4"

	"tezrec/types"
)

// logDoc is the indexed projection of a log record. The numeric id
// field makes cursor ranges expressible as a range query.
type logDoc struct {
	ID      float64 `json:"id"`
	Message string  `json:"message"`
	Section string  `json:"section"`
	Level   string  `json:"level"`
}

// Fulltext is the inverted index over log messages. Search returns
// matches ordered by id, newest first, not by relevance score.
type Fulltext struct {
	idx bleve.Index
}

func fulltextMapping() *mapping.IndexMappingImpl {
	m := bleve.NewIndexMapping()

	doc := bleve.NewDocumentMapping()
	msg := bleve.NewTextFieldMapping()
	msg.Analyzer = en.AnalyzerName
	doc.AddFieldMappingsAt("message", msg)
	section := bleve.NewKeywordFieldMapping()
	doc.AddFieldMappingsAt("section", section)
	level := bleve.NewKeywordFieldMapping()
	doc.AddFieldMappingsAt("level", level)
	id := bleve.NewNumericFieldMapping()
	doc.AddFieldMappingsAt("id", id)
	m.DefaultMapping = doc
	return m
}

// OpenFulltext opens the index at path, creating and rebuilding it
// from the primary log table when missing.
func OpenFulltext(path string, s *Store) (*Fulltext, error) {
	idx, err := bleve.Open(path)
	if err == nil {
		return &Fulltext{idx: idx}, nil
	}
	if !errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		return nil, fmt.Errorf("open fulltext index: %w", err)
	}
	idx, err = bleve.New(path, fulltextMapping())
	if err != nil {
		return nil, fmt.Errorf("create fulltext index: %w", err)
	}
	ft := &Fulltext{idx: idx}
	if err := ft.rebuild(s); err != nil {
		idx.Close()
		return nil, fmt.Errorf("rebuild fulltext index: %w", err)
	}
	return ft, nil
}

func docID(id uint64) string { return fmt.Sprintf("%016x", id) }

// Index adds one log record to the inverted index.
func (ft *Fulltext) Index(rec *types.LogRecord) error {
	return ft.idx.Index(docID(rec.ID), logDoc{
		ID:      float64(rec.ID),
		Message: rec.Message,
		Section: rec.Section,
		Level:   rec.Level.String(),
	})
}

// Delete removes one log record's document.
func (ft *Fulltext) Delete(id uint64) error {
	return ft.idx.Delete(docID(id))
}

// Search returns ids of log records whose message matches the query,
// newest first, starting at cursor when non-zero.
func (ft *Fulltext) Search(query string, cursor uint64, limit int) ([]uint64, error) {
	match := bleve.NewMatchQuery(query)
	match.SetField("message")

	var q = bleve.NewConjunctionQuery(match)
	if cursor > 0 {
		max := float64(cursor)
		inclusive := true
		rangeQ := bleve.NewNumericRangeInclusiveQuery(nil, &max, nil, &inclusive)
		rangeQ.SetField("id")
		q = bleve.NewConjunctionQuery(match, rangeQ)
	}

	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.SortBy([]string{"-id"})
	res, err := ft.idx.Search(req)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(res.Hits))
	for _, hit := range res.Hits {
		var id uint64
		if _, err := fmt.Sscanf(hit.ID, "%016x", &id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Close closes the underlying index.
func (ft *Fulltext) Close() error { return ft.idx.Close() }

// rebuild reindexes every primary log row in batches.
func (ft *Fulltext) rebuild(s *Store) error {
	batch := ft.idx.NewBatch()
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         []byte(prefixLog),
			PrefetchValues: true,
		})
		defer it.Close()
		for it.Seek([]byte(prefixLog)); it.Valid(); it.Next() {
			var rec types.LogRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			err = batch.Index(docID(rec.ID), logDoc{
				ID:      float64(rec.ID),
				Message: rec.Message,
				Section: rec.Section,
				Level:   rec.Level.String(),
			})
			if err != nil {
				return err
			}
			if n++; n%1000 == 0 {
				if err := ft.idx.Batch(batch); err != nil {
					return err
				}
				batch = ft.idx.NewBatch()
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if batch.Size() > 0 {
		return ft.idx.Batch(batch)
	}
	return nil
}
