package can

import "errors"

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// Frame is a classic CAN frame holder used across the node.
// CANID may contain EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is payload length (0..8); only the first Len bytes are valid.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [8]byte
}

// Payload returns the valid portion of the frame data.
func (f *Frame) Payload() []byte { return f.Data[:f.Len] }

func (f Frame) CopyShallow() Frame { // handy for tests
	var g Frame
	g.CANID, g.Len = f.CANID, f.Len
	copy(g.Data[:], f.Data[:])
	return g
}

// ErrBusy is returned by Bus.Send when the controller cannot accept the
// frame right now. Callers defer the frame to a later wake.
var ErrBusy = errors.New("can: bus busy")

// Bus is the physical CAN controller surface the node core consumes.
// Implemented by socketcan.Device and serial.Device in production and
// by fakes in tests.
//
// Send transmits one frame and returns ErrBusy when the controller
// cannot accept it yet. Read stores the next pending inbound frame and
// reports ok=false when none is pending; it never blocks. SetFilter
// installs the acceptance filter for the given node address (0 means
// "unassigned": only the reserved admin identifier is accepted).
type Bus interface {
	Send(Frame) error
	Read(*Frame) (ok bool, err error)
	SetFilter(id uint32) error
	Close() error
}
