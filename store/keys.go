package store

import (
	"encoding/binary"
	"fmt"

	"tezrec/types"
)

// Key layout. Primary rows live under their table prefix with a
// big-endian id so lexicographic order is insertion order. Index
// keys carry the secondary term and end with the primary id; their
// values are empty.
const (
	prefixP2P  = "p2p/"
	prefixLog  = "log/"
	prefixConn = "connection/"

	idxPeer     = "idx/p2p/peer/"
	idxKind     = "idx/p2p/kind/"
	idxIncoming = "idx/p2p/incoming/"
	idxSource   = "idx/p2p/source/"
	idxMsgTS    = "idx/p2p/ts/"

	idxLevel = "idx/log/level/"
	idxLogTS = "idx/log/ts/"
)

func be64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func primaryKey(prefix string, id uint64) []byte {
	return append([]byte(prefix), be64(id)...)
}

func termKey(prefix, term string, id uint64) []byte {
	k := make([]byte, 0, len(prefix)+len(term)+1+8)
	k = append(k, prefix...)
	k = append(k, term...)
	k = append(k, '/')
	k = append(k, be64(id)...)
	return k
}

func tsKey(prefix string, ts uint64, id uint64) []byte {
	k := make([]byte, 0, len(prefix)+16)
	k = append(k, prefix...)
	k = append(k, be64(ts)...)
	k = append(k, be64(id)...)
	return k
}

// idFromKey extracts the trailing big-endian primary id.
func idFromKey(key []byte) (uint64, error) {
	if len(key) < 8 {
		return 0, fmt.Errorf("key too short: %q", key)
	}
	return binary.BigEndian.Uint64(key[len(key)-8:]), nil
}

func boolTerm(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// messageIndexKeys renders every index entry for one message row.
func messageIndexKeys(rec *types.MessageRecord) [][]byte {
	ts := uint64(rec.Timestamp.UnixNano())
	return [][]byte{
		termKey(idxPeer, rec.RemoteAddr, rec.ID),
		termKey(idxKind, string(rec.Kind), rec.ID),
		termKey(idxIncoming, boolTerm(rec.Incoming), rec.ID),
		termKey(idxSource, string(rec.Sender), rec.ID),
		tsKey(idxMsgTS, ts, rec.ID),
	}
}

// logIndexKeys renders every index entry for one log row.
func logIndexKeys(rec *types.LogRecord) [][]byte {
	ts := uint64(rec.Timestamp.UnixNano())
	return [][]byte{
		termKey(idxLevel, rec.Level.String(), rec.ID),
		tsKey(idxLogTS, ts, rec.ID),
	}
}
