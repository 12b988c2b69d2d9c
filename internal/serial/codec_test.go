package serial

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/kstaniek/go-can-node/internal/can"
)

func mkFrame(id uint32, n int) can.Frame {
	var f can.Frame
	f.CANID = id & can.CAN_EFF_MASK
	if n < 0 {
		n = 0
	}
	if n > 8 {
		n = 8
	}
	f.Len = uint8(n)
	rand.Read(f.Data[:n])
	return f
}

func sameFrame(a, b can.Frame) bool {
	return a.CANID == b.CANID && a.Len == b.Len && bytes.Equal(a.Data[:a.Len], b.Data[:b.Len])
}

func TestCodecRoundTrip(t *testing.T) {
	codec := Codec{}
	in := []can.Frame{
		mkFrame(0x3F0, 8),
		mkFrame(0x10A, 6),
		mkFrame(0x10B, 0),
	}

	var wire bytes.Buffer
	for _, f := range in {
		wire.Write(codec.Encode(f))
	}

	var out []can.Frame
	if err := codec.DecodeStream(&wire, func(f can.Frame) { out = append(out, f.CopyShallow()) }); err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("decoded %d frames, want %d", len(out), len(in))
	}
	for i := range in {
		if !sameFrame(out[i], in[i]) {
			t.Fatalf("frame %d mismatch: got %+v want %+v", i, out[i], in[i])
		}
	}
}

func TestCodecEncodeStripsFlags(t *testing.T) {
	codec := Codec{}
	f := mkFrame(0x10A, 4)
	f.CANID |= can.CAN_EFF_FLAG

	var wire bytes.Buffer
	wire.Write(codec.Encode(f))
	var out []can.Frame
	_ = codec.DecodeStream(&wire, func(g can.Frame) { out = append(out, g) })
	if len(out) != 1 {
		t.Fatalf("decoded %d frames, want 1", len(out))
	}
	if out[0].CANID != f.CANID&can.CAN_EFF_MASK {
		t.Fatalf("CANID = 0x%x, want flags stripped 0x%x", out[0].CANID, f.CANID&can.CAN_EFF_MASK)
	}
}

func TestCodecSkipsGarbagePrefix(t *testing.T) {
	codec := Codec{}
	f := mkFrame(0x3F1, 8)

	var wire bytes.Buffer
	wire.Write([]byte{0x00, 0xFF, 0x13, 0x37})
	wire.Write(codec.Encode(f))

	var out []can.Frame
	if err := codec.DecodeStream(&wire, func(g can.Frame) { out = append(out, g.CopyShallow()) }); err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if len(out) != 1 || !sameFrame(out[0], f) {
		t.Fatalf("decoded %v, want the frame after the garbage", out)
	}
}

func TestCodecResyncsOnChecksumError(t *testing.T) {
	codec := Codec{}
	good := can.Frame{CANID: 0x10B, Len: 4, Data: [8]byte{9, 9, 9, 9}}

	// Deterministic payload so the corrupt bytes cannot alias a preamble.
	corrupt := codec.Encode(can.Frame{CANID: 0x10A, Len: 8})
	corrupt[len(corrupt)-1] ^= 0xFF

	var wire bytes.Buffer
	wire.Write(corrupt)
	wire.Write(codec.Encode(good))

	var out []can.Frame
	if err := codec.DecodeStream(&wire, func(g can.Frame) { out = append(out, g.CopyShallow()) }); err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if len(out) != 1 || !sameFrame(out[0], good) {
		t.Fatalf("decoded %v, want only the intact frame", out)
	}
}

func TestCodecRejectsBadLength(t *testing.T) {
	codec := Codec{}
	good := mkFrame(0x10A, 2)

	var wire bytes.Buffer
	wire.Write([]byte{0x2D, 0xD4, 0xFF}) // length far above maxLn
	wire.Write(codec.Encode(good))

	var out []can.Frame
	if err := codec.DecodeStream(&wire, func(g can.Frame) { out = append(out, g.CopyShallow()) }); err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if len(out) != 1 || !sameFrame(out[0], good) {
		t.Fatalf("decoded %v, want resync past the bad length", out)
	}
}

func TestCodecPartialFrameWaits(t *testing.T) {
	codec := Codec{}
	f := mkFrame(0x10A, 8)
	enc := codec.Encode(f)

	var wire bytes.Buffer
	wire.Write(enc[:len(enc)-3])

	var out []can.Frame
	if err := codec.DecodeStream(&wire, func(g can.Frame) { out = append(out, g.CopyShallow()) }); err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("decoded %d frames from a partial envelope", len(out))
	}

	wire.Write(enc[len(enc)-3:])
	if err := codec.DecodeStream(&wire, func(g can.Frame) { out = append(out, g.CopyShallow()) }); err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if len(out) != 1 || !sameFrame(out[0], f) {
		t.Fatalf("decoded %v after completion, want the full frame", out)
	}
}

func TestCompactBuffer(t *testing.T) {
	var b bytes.Buffer
	b.Write(make([]byte, 100))
	if CompactBuffer(&b) {
		t.Fatal("compacted a small buffer")
	}
	// Grow then drain most of it so unread < 25% of capacity.
	b.Reset()
	b.Write(make([]byte, 64*1024))
	b.Next(63 * 1024)
	if !CompactBuffer(&b) {
		t.Fatal("large mostly-consumed buffer not compacted")
	}
	if b.Len() != 1024 {
		t.Fatalf("unread bytes changed: %d, want 1024", b.Len())
	}
}

func BenchmarkCodecDecodeStream(b *testing.B) {
	codec := Codec{}
	var one bytes.Buffer
	for i := 0; i < 64; i++ {
		one.Write(codec.Encode(mkFrame(uint32(0x100+i), 8)))
	}
	wire := one.Bytes()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf := bytes.NewBuffer(wire)
		_ = codec.DecodeStream(buf, func(can.Frame) {})
	}
}
