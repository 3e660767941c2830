package wire

import "encoding/binary"

// FramedMessage is one length-delimited plaintext message, with the
// ciphertext chunks it was carried in.
type FramedMessage struct {
	Body       []byte
	Ciphertext []byte
	ChunkFirst uint64
	ChunkLast  uint64
}

type chunkSpan struct {
	index  uint64
	cipher []byte
	start  uint64 // absolute plaintext offset of this chunk's first byte
	length uint64
}

// Framer reassembles u32 big-endian length-delimited messages from
// the plaintext of successive chunks. Messages may span chunks and
// one chunk may carry several messages.
type Framer struct {
	buf      []byte
	consumed uint64 // absolute offset of buf[0]
	spans    []chunkSpan
	offset   uint64 // absolute offset of the next appended byte
}

// Push appends the plaintext of one chunk along with its ciphertext.
func (f *Framer) Push(index uint64, plaintext, ciphertext []byte) {
	if len(plaintext) > 0 {
		f.spans = append(f.spans, chunkSpan{
			index:  index,
			cipher: ciphertext,
			start:  f.offset,
			length: uint64(len(plaintext)),
		})
	}
	f.buf = append(f.buf, plaintext...)
	f.offset += uint64(len(plaintext))
}

// Next extracts the next complete message, if any.
func (f *Framer) Next() (FramedMessage, bool) {
	if len(f.buf) < 4 {
		return FramedMessage{}, false
	}
	l := int(binary.BigEndian.Uint32(f.buf))
	if len(f.buf) < 4+l {
		return FramedMessage{}, false
	}
	body := make([]byte, l)
	copy(body, f.buf[4:4+l])

	start := f.consumed
	end := f.consumed + uint64(4+l)
	msg := FramedMessage{Body: body}
	first := true
	kept := f.spans[:0]
	for _, s := range f.spans {
		overlaps := s.start < end && s.start+s.length > start
		if overlaps {
			if first {
				msg.ChunkFirst = s.index
				first = false
			}
			msg.ChunkLast = s.index
			msg.Ciphertext = append(msg.Ciphertext, s.cipher...)
		}
		if s.start+s.length > end {
			kept = append(kept, s)
		}
	}
	f.spans = kept

	f.buf = f.buf[4+l:]
	f.consumed = end
	return msg, true
}

// Pending reports how many plaintext bytes await a complete message.
func (f *Framer) Pending() int { return len(f.buf) }

// Residue returns buffered plaintext that never completed a message.
func (f *Framer) Residue() []byte {
	r := f.buf
	f.buf = nil
	f.spans = nil
	return r
}
