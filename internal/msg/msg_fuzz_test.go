package msg

import "testing"

// FuzzFindAndDispatch feeds arbitrary byte streams through the scanner
// and checks it always makes sane progress: consumed never exceeds the
// input and a dispatched payload is never larger than MaxPayload.
func FuzzFindAndDispatch(f *testing.F) {
	var e Encoder
	buf := make([]byte, MaxLen)
	n, _ := e.Encode(buf, []byte{0x01, 0x02, 0x03})
	f.Add(buf[:n])
	f.Add([]byte{Sync})
	f.Add([]byte{0x05, 0x10, 0x00, 0x00, Sync})
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		d := NewDispatcher(func(p []byte) {
			if len(p) > MaxPayload {
				t.Fatalf("dispatched %d byte payload, max %d", len(p), MaxPayload)
			}
		})
		rest := data
		for len(rest) > 0 {
			_, consumed := d.FindAndDispatch(rest)
			if consumed < 0 || consumed > len(rest) {
				t.Fatalf("consumed %d of %d", consumed, len(rest))
			}
			if consumed == 0 {
				break // needs more input
			}
			rest = rest[consumed:]
		}
	})
}
