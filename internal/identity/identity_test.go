package identity

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var id Identity
	for enc := 0; enc <= 126; enc++ {
		addr := DecodeID(byte(enc))
		id.Assign(addr)
		if got := id.EncodedID(); got != byte(enc) {
			t.Fatalf("encoded %d -> addr 0x%x -> re-encoded %d", enc, addr, got)
		}
	}
}

func TestDecodeIDBase(t *testing.T) {
	// encoded 5 maps to (5<<1)+0x100
	if got := DecodeID(5); got != 0x10A {
		t.Fatalf("DecodeID(5) = 0x%x, want 0x10a", got)
	}
	if got := DecodeID(0); got != 0x100 {
		t.Fatalf("DecodeID(0) = 0x%x, want 0x100", got)
	}
}

func TestEncodedIDUnassigned(t *testing.T) {
	var id Identity
	if got := id.EncodedID(); got != 0 {
		t.Fatalf("unassigned EncodedID = %d, want 0", got)
	}
	id.Assign(DecodeID(7))
	id.Clear()
	if got := id.EncodedID(); got != 0 {
		t.Fatalf("cleared EncodedID = %d, want 0", got)
	}
	if id.Assigned() != 0 {
		t.Fatalf("cleared Assigned = 0x%x, want 0", id.Assigned())
	}
}

func TestSetUUID(t *testing.T) {
	var id Identity
	if id.SetUUID([]byte{1, 2, 3}) {
		t.Fatal("SetUUID accepted short input")
	}
	u := []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x99} // extra byte ignored
	if !id.SetUUID(u) {
		t.Fatal("SetUUID rejected valid input")
	}
	got := id.UUID()
	for i := 0; i < UUIDLen; i++ {
		if got[i] != u[i] {
			t.Fatalf("UUID[%d] = 0x%x, want 0x%x", i, got[i], u[i])
		}
	}
}

func TestMatchUUID(t *testing.T) {
	var id Identity
	id.SetUUID([]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})
	cases := []struct {
		name string
		data []byte
		want bool
	}{
		{"match", []byte{0x02, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x05}, true},
		{"match_no_trailer", []byte{0x01, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, true},
		{"mismatch", []byte{0x02, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x00, 0x05}, false},
		{"short", []byte{0x02, 0xaa, 0xbb}, false},
		{"empty", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := id.MatchUUID(tc.data); got != tc.want {
				t.Fatalf("MatchUUID(% x) = %v, want %v", tc.data, got, tc.want)
			}
		})
	}
}
