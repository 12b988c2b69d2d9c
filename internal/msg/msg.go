// Package msg implements the framed command blocks carried inside the
// node's CAN byte stream. A block is:
//
//	[len, seq|dest, payload..., crc16-hi, crc16-lo, sync]
//
// len covers the whole block (5..64), seq is a rolling 4-bit sequence
// with fixed destination bits, the CRC covers header+payload and the
// trailing sync byte (0x7e) allows resynchronization after garbage.
package msg

import (
	"bytes"
	"errors"

	"github.com/kstaniek/go-can-node/internal/metrics"
)

const (
	Sync    = 0x7e
	MinLen  = 5  // header(2) + crc(2) + sync(1)
	MaxLen  = 64 // largest block accepted on the wire
	SeqMask = 0x0f
	// DestBits are fixed marker bits in the sequence byte; a byte whose
	// upper nibble is not exactly DestBits cannot start a block.
	DestBits = 0x10

	headerLen  = 2
	trailerLen = 3
)

// MaxPayload is the largest payload a single block can carry.
const MaxPayload = MaxLen - MinLen

var (
	ErrPayloadTooLarge = errors.New("msg: payload exceeds block capacity")
	ErrShortBuffer     = errors.New("msg: destination buffer too small")
)

// EncodedSize returns the block size for a payload of n bytes. This is
// exact, so it also serves as the worst-case reservation for producers.
func EncodedSize(n int) int { return n + MinLen }

// Encoder frames payloads into blocks with a rolling sequence number.
// Not safe for concurrent use; the node owns one per transmit stream.
type Encoder struct {
	seq uint8
}

// Encode writes one framed block for payload into dst and returns the
// number of bytes written.
func (e *Encoder) Encode(dst, payload []byte) (int, error) {
	n := EncodedSize(len(payload))
	if n > MaxLen {
		return 0, ErrPayloadTooLarge
	}
	if len(dst) < n {
		return 0, ErrShortBuffer
	}
	dst[0] = byte(n)
	dst[1] = DestBits | (e.seq & SeqMask)
	copy(dst[headerLen:], payload)
	crc := Crc16CCITT(dst[:n-trailerLen])
	dst[n-3] = byte(crc >> 8)
	dst[n-2] = byte(crc)
	dst[n-1] = Sync
	e.seq = (e.seq + 1) & SeqMask
	return n, nil
}

// HandlerFunc receives the payload of one complete, CRC-valid block.
type HandlerFunc func(payload []byte)

// Dispatcher scans a byte buffer for complete blocks and hands their
// payloads to the registered handler.
type Dispatcher struct {
	handler HandlerFunc
	nextSeq uint8
}

func NewDispatcher(h HandlerFunc) *Dispatcher { return &Dispatcher{handler: h} }

// FindAndDispatch examines the start of buf for one complete block.
// It returns found=true after dispatching a block, with consumed set to
// the block length. On a framing or CRC error it returns found=false
// with consumed covering the garbage to discard (through the next sync
// byte, or the whole buffer when no sync is present). consumed=0 means
// more bytes are needed.
func (d *Dispatcher) FindAndDispatch(buf []byte) (found bool, consumed int) {
	if len(buf) < MinLen {
		return false, 0
	}
	n := int(buf[0])
	if n < MinLen || n > MaxLen || buf[1]&^byte(SeqMask) != DestBits {
		return false, resync(buf)
	}
	if len(buf) < n {
		return false, 0 // block not complete yet
	}
	if buf[n-1] != Sync {
		return false, resync(buf)
	}
	want := Crc16CCITT(buf[:n-trailerLen])
	got := uint16(buf[n-3])<<8 | uint16(buf[n-2])
	if want != got {
		return false, resync(buf)
	}
	d.nextSeq = (buf[1] + 1) & SeqMask
	if d.handler != nil {
		d.handler(buf[headerLen : n-trailerLen])
	}
	return true, n
}

// NextSeq returns the sequence value expected on the next block.
func (d *Dispatcher) NextSeq() uint8 { return d.nextSeq & SeqMask }

// resync drops input through the next sync byte so a later pass can
// realign on a block boundary.
func resync(buf []byte) int {
	metrics.IncMalformed()
	if i := bytes.IndexByte(buf, Sync); i >= 0 {
		return i + 1
	}
	return len(buf)
}
