package server

import (
	"fmt"

	"github.com/dgraph-io/ristretto"

	"tezrec/types"
)

// RecordCache caches full message records for the detail endpoint.
// Records are immutable once stored, so entries never go stale.
type RecordCache struct {
	cache *ristretto.Cache
}

// NewRecordCache creates a cache bounded to maxBytes of record data.
func NewRecordCache(maxBytes int64) (*RecordCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 16,
		MaxCost:     maxBytes,
		BufferItems: 64,
		Cost: func(value interface{}) int64 {
			if rec, ok := value.(*types.MessageRecord); ok {
				return int64(64 + len(rec.Preview) + len(rec.RemoteAddr) +
					len(rec.Ciphertext) + len(rec.Plaintext) + len(rec.Error))
			}
			return 1
		},
	})
	if err != nil {
		return nil, err
	}
	return &RecordCache{cache: cache}, nil
}

func cacheKey(node string, id uint64) string {
	return fmt.Sprintf("%s/%d", node, id)
}

// Get retrieves a cached record.
func (rc *RecordCache) Get(node string, id uint64) (*types.MessageRecord, bool) {
	value, found := rc.cache.Get(cacheKey(node, id))
	if !found {
		return nil, false
	}
	return value.(*types.MessageRecord), true
}

// Set stores a record.
func (rc *RecordCache) Set(node string, id uint64, rec *types.MessageRecord) {
	rc.cache.Set(cacheKey(node, id), rec, 0)
}

// Close releases the cache.
func (rc *RecordCache) Close() {
	rc.cache.Close()
}
