package wire

import (
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"tezrec/types"
)

// State tracks handshake progress on one connection.
type State int

const (
	StateAwaitingLocalConn State = iota
	StateAwaitingRemoteConn
	StateEstablished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingLocalConn:
		return "awaiting_local_conn"
	case StateAwaitingRemoteConn:
		return "awaiting_remote_conn"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	}
	return "invalid"
}

// Message schedule positions within one direction.
const (
	posConnectionMessage = 0
	posMetadata          = 1
	posAck               = 2
)

type stream struct {
	sender  types.Sender
	buf     ChunkBuffer
	framer  Framer
	cm      *ConnectionMessage
	nonce   Nonce
	counter uint64
	pending []Chunk
	pos     uint64
	failed  bool
	ts      time.Time
}

// Conn reassembles and decrypts one observed TCP connection. All
// methods must be called from a single goroutine.
type Conn struct {
	ID       uint64
	PeerAddr string
	Incoming bool
	OpenedAt time.Time

	secret  *[32]byte
	key     *[32]byte
	state   State
	errText string
	closed  bool

	in, out  stream
	messages uint64
	emit     func(*types.MessageRecord)
}

// NewConn creates the reassembly state for one connection. The emit
// callback receives every completed message record; id and node name
// are assigned downstream.
func NewConn(id uint64, peerAddr string, incoming bool, openedAt time.Time,
	secret *[32]byte, emit func(*types.MessageRecord)) *Conn {
	c := &Conn{
		ID:       id,
		PeerAddr: peerAddr,
		Incoming: incoming,
		OpenedAt: openedAt,
		secret:   secret,
		state:    StateAwaitingLocalConn,
		emit:     emit,
	}
	c.in.sender = types.SenderRemote
	c.out.sender = types.SenderLocal
	return c
}

// State reports the current handshake state.
func (c *Conn) State() State { return c.state }

// Err reports the sticky connection error, if any.
func (c *Conn) Err() string { return c.errText }

// Record renders the connection's stored metadata.
func (c *Conn) Record(closedAt *time.Time) types.ConnectionRecord {
	return types.ConnectionRecord{
		PeerAddr:    c.PeerAddr,
		Incoming:    c.Incoming,
		OpenedAt:    c.OpenedAt,
		ClosedAt:    closedAt,
		Error:       c.errText,
		ChunksIn:    c.in.buf.Count(),
		ChunksOut:   c.out.buf.Count(),
		Messages:    c.messages,
		Decryptable: c.state == StateEstablished && !c.in.failed && !c.out.failed,
	}
}

// Data feeds captured stream bytes for one direction.
func (c *Conn) Data(direction uint8, ts time.Time, p []byte) {
	if c.closed || len(p) == 0 {
		return
	}
	s := c.stream(direction)
	if s.buf.Buffered() == 0 {
		s.ts = ts
	}
	s.buf.Write(p)
	for {
		chunk, ok := s.buf.Next()
		if !ok {
			break
		}
		c.handleChunk(s, chunk)
	}
}

// Truncated marks the connection as having lost captured bytes.
// Decryption cannot recover from a gap, so both directions fall
// back to recording raw ciphertext.
func (c *Conn) Truncated() {
	if c.errText == "" {
		c.errText = "truncated"
	}
	c.in.failed = true
	c.out.failed = true
	if c.state != StateEstablished {
		c.state = StateFailed
	}
}

// Close flushes residual bytes and clears key material.
func (c *Conn) Close(ts time.Time) {
	if c.closed {
		return
	}
	c.closed = true
	c.flushResidue(&c.in, ts)
	c.flushResidue(&c.out, ts)
	ZeroKey(c.key)
	c.key = nil
}

func (c *Conn) stream(direction uint8) *stream {
	if direction == types.DIR_INCOMING {
		return &c.in
	}
	return &c.out
}

func (c *Conn) handleChunk(s *stream, chunk Chunk) {
	if chunk.Index == 0 {
		c.handleConnectionMessage(s, chunk)
		return
	}
	switch c.state {
	case StateEstablished:
		c.processEncrypted(s, chunk)
	case StateFailed:
		c.emitOpaque(s, chunk.Index, chunk.Payload)
	default:
		// Hold until the complementary connection message arrives.
		s.pending = append(s.pending, chunk)
	}
}

func (c *Conn) handleConnectionMessage(s *stream, chunk Chunk) {
	raw := chunk.Raw()
	cm, err := ParseConnectionMessage(raw)
	if err != nil {
		s.failed = true
		c.state = StateFailed
		if c.errText == "" {
			c.errText = err.Error()
		}
		c.send(s, &types.MessageRecord{
			Kind:       types.KindMalformed,
			Preview:    "malformed connection message",
			Plaintext:  raw,
			ChunkFirst: chunk.Index,
			ChunkLast:  chunk.Index,
			Error:      err.Error(),
		})
		return
	}
	s.cm = cm
	s.pos = posMetadata
	c.send(s, &types.MessageRecord{
		Kind:       types.KindConnectionMessage,
		Preview:    PreviewConnectionMessage(cm),
		Plaintext:  raw,
		ChunkFirst: chunk.Index,
		ChunkLast:  chunk.Index,
	})
	c.maybeEstablish()
}

func (c *Conn) maybeEstablish() {
	if c.state == StateFailed {
		return
	}
	switch {
	case c.in.cm != nil && c.out.cm != nil:
	case c.out.cm != nil:
		c.state = StateAwaitingRemoteConn
		return
	default:
		c.state = StateAwaitingLocalConn
		return
	}
	// The inbound connection message is the peer's; its key pairs
	// with the local identity secret.
	c.key = PrecomputeKey(&c.in.cm.PublicKey, c.secret)
	c.in.nonce = c.in.cm.NonceSeed
	c.out.nonce = c.out.cm.NonceSeed
	c.state = StateEstablished

	for _, chunk := range c.in.pending {
		c.processEncrypted(&c.in, chunk)
	}
	c.in.pending = nil
	for _, chunk := range c.out.pending {
		c.processEncrypted(&c.out, chunk)
	}
	c.out.pending = nil
}

func (c *Conn) processEncrypted(s *stream, chunk Chunk) {
	nonce := s.nonce
	s.nonce.Increment()
	s.counter++

	if len(chunk.Payload) == 0 {
		return
	}
	if s.failed {
		c.emitOpaque(s, chunk.Index, chunk.Payload)
		return
	}
	if len(chunk.Payload) < secretbox.Overhead {
		s.failed = true
		c.send(s, &types.MessageRecord{
			Kind:       types.KindDecryptFailed,
			Preview:    "chunk shorter than MAC",
			Ciphertext: chunk.Payload,
			ChunkFirst: chunk.Index,
			ChunkLast:  chunk.Index,
			Error:      "chunk shorter than MAC",
		})
		return
	}

	plaintext, ok := secretbox.Open(nil, chunk.Payload, (*[NonceSize]byte)(&nonce), c.key)
	if !ok {
		s.failed = true
		c.send(s, &types.MessageRecord{
			Kind:       types.KindDecryptFailed,
			Preview:    "decrypt failed",
			Ciphertext: chunk.Payload,
			ChunkFirst: chunk.Index,
			ChunkLast:  chunk.Index,
			Error:      "MAC check failed",
		})
		return
	}

	switch s.pos {
	case posMetadata:
		s.pos = posAck
		c.send(s, &types.MessageRecord{
			Kind:       types.KindMetadata,
			Preview:    "metadata",
			Plaintext:  plaintext,
			Ciphertext: chunk.Payload,
			ChunkFirst: chunk.Index,
			ChunkLast:  chunk.Index,
		})
	case posAck:
		s.pos = posAck + 1
		c.send(s, &types.MessageRecord{
			Kind:       types.KindAck,
			Preview:    "ack",
			Plaintext:  plaintext,
			Ciphertext: chunk.Payload,
			ChunkFirst: chunk.Index,
			ChunkLast:  chunk.Index,
		})
	default:
		s.framer.Push(chunk.Index, plaintext, chunk.Payload)
		for {
			m, ok := s.framer.Next()
			if !ok {
				break
			}
			d := DecodeBody(m.Body)
			c.send(s, &types.MessageRecord{
				Kind:       d.Kind,
				Preview:    d.Preview,
				Plaintext:  m.Body,
				Ciphertext: m.Ciphertext,
				ChunkFirst: m.ChunkFirst,
				ChunkLast:  m.ChunkLast,
				Error:      d.Err,
			})
		}
	}
}

func (c *Conn) emitOpaque(s *stream, index uint64, payload []byte) {
	errText := c.errText
	if errText == "" {
		errText = "cannot decrypt"
	}
	c.send(s, &types.MessageRecord{
		Kind:       types.KindDecryptFailed,
		Preview:    "undecryptable chunk",
		Ciphertext: payload,
		ChunkFirst: index,
		ChunkLast:  index,
		Error:      errText,
	})
}

func (c *Conn) flushResidue(s *stream, ts time.Time) {
	if residue := s.buf.Residue(); len(residue) > 0 {
		s.ts = ts
		idx := s.buf.Count()
		c.send(s, &types.MessageRecord{
			Kind:       types.KindMalformed,
			Preview:    "incomplete chunk at close",
			Ciphertext: residue,
			ChunkFirst: idx,
			ChunkLast:  idx,
			Error:      "incomplete chunk at close",
		})
	}
	if residue := s.framer.Residue(); len(residue) > 0 {
		s.ts = ts
		c.send(s, &types.MessageRecord{
			Kind:      types.KindMalformed,
			Preview:   "incomplete message at close",
			Plaintext: residue,
			Error:     "incomplete message at close",
		})
	}
}

func (c *Conn) send(s *stream, rec *types.MessageRecord) {
	rec.ConnectionID = c.ID
	rec.RemoteAddr = c.PeerAddr
	rec.Incoming = c.Incoming
	rec.Sender = s.sender
	rec.Category = rec.Kind.Category()
	rec.Timestamp = s.ts
	if rec.Error == "" && c.errText != "" {
		rec.Error = c.errText
	}
	c.messages++
	c.emit(rec)
}
