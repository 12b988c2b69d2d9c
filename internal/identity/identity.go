// Package identity holds the node's bus identity: the factory-unique
// 6-byte UUID and the coordinator-assigned CAN address.
package identity

import "bytes"

// UUIDLen is the size of the hardware UUID carried in admin frames.
const UUIDLen = 6

// Assigned addresses map to a 1-byte wire identifier: every valid
// address satisfies id = (encoded << 1) + addrBase with encoded in
// [0,126], so decode is total over the byte domain and encode is its
// inverse. 0 encodes "unassigned".
const addrBase = 0x100

// Identity is the node's addressing state. The UUID is set exactly once
// at startup; the assigned address transitions 0 -> id on a matching
// SET_NODEID and id -> 0 when a collision vacates it. All mutation
// happens from the single cooperative task context.
type Identity struct {
	uuid     [UUIDLen]byte
	assigned uint32
}

// SetUUID stores the node UUID. Exactly the first UUIDLen bytes of u
// are used; it reports false if u is too short.
func (s *Identity) SetUUID(u []byte) bool {
	if len(u) < UUIDLen {
		return false
	}
	copy(s.uuid[:], u[:UUIDLen])
	return true
}

// UUID returns a copy of the stored UUID.
func (s *Identity) UUID() [UUIDLen]byte { return s.uuid }

// Assigned returns the current bus address, 0 if unassigned.
func (s *Identity) Assigned() uint32 { return s.assigned }

// Assign records a new bus address.
func (s *Identity) Assign(id uint32) { s.assigned = id }

// Clear vacates the assigned address.
func (s *Identity) Clear() { s.assigned = 0 }

// EncodedID returns the 1-byte wire encoding of the current address,
// 0 when unassigned.
func (s *Identity) EncodedID() byte {
	if s.assigned == 0 {
		return 0
	}
	return byte((s.assigned - addrBase) >> 1)
}

// DecodeID maps a 1-byte wire identifier back to a bus address.
func DecodeID(encoded byte) uint32 {
	return uint32(encoded)<<1 + addrBase
}

// MatchUUID reports whether an admin frame carries this node's UUID.
// Admin frames place the UUID at bytes 1..6; anything shorter than a
// command byte plus a full UUID never matches.
func (s *Identity) MatchUUID(data []byte) bool {
	return len(data) >= 1+UUIDLen && bytes.Equal(data[1:1+UUIDLen], s.uuid[:])
}
