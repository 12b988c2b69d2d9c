//go:build linux

package socketcan

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/logging"
	"github.com/kstaniek/go-can-node/internal/metrics"
)

// rxQueueLen bounds frames buffered between the kernel reader and the
// node's receive task.
const rxQueueLen = 64

// Device is a raw AF_CAN socket implementing can.Bus. A single reader
// goroutine (Start) pumps kernel frames into a bounded queue and fires
// the notify hook; the node's receive task drains the queue via Read.
type Device struct {
	fd      int
	adminID uint32
	rx      chan can.Frame
	notify  func()
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// Open binds a raw CAN socket to iface. adminID is the reserved bus
// identifier always admitted by the acceptance filter; the initial
// filter is "unassigned" (admin traffic only).
func Open(iface string, adminID uint32) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	d := &Device{fd: fd, adminID: adminID, rx: make(chan can.Frame, rxQueueLen)}
	if err := d.SetFilter(0); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return d, nil
}

// SetNotify registers the hook fired after each received frame is
// queued. Must be set before Start.
func (d *Device) SetNotify(fn func()) { d.notify = fn }

// Start launches the kernel reader goroutine.
func (d *Device) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			var fr can.Frame
			if err := d.readFrame(&fr); err != nil {
				if d.closed.Load() || ctx.Err() != nil {
					return
				}
				metrics.IncError(metrics.ErrBusRead)
				logging.L().Warn("socketcan_read_error", "error", err)
				continue
			}
			select {
			case d.rx <- fr:
			default:
				// Queue full: the node is not keeping up; drop.
				metrics.IncError(metrics.ErrBusRead)
			}
			if d.notify != nil {
				d.notify()
			}
		}
	}()
}

// Read pops the next queued inbound frame without blocking.
func (d *Device) Read(fr *can.Frame) (bool, error) {
	select {
	case f := <-d.rx:
		*fr = f
		return true, nil
	default:
		return false, nil
	}
}

// readFrame reads one classic CAN frame from the raw CAN socket.
func (d *Device) readFrame(fr *can.Frame) error {
	var buf [unix.CAN_MTU]byte // classic CAN MTU = 16 bytes
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return err
	}
	if n != unix.CAN_MTU {
		return fmt.Errorf("short read: %d", n)
	}

	// struct can_frame (linux/can.h):
	//   can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
	//   can_dlc u8    [4]
	//   pad     3B    [5:8]
	//   data    [8]   [8:16]
	//
	// The kernel provides fields in host byte order; on common Linux
	// archs (little-endian) this matches binary.LittleEndian.
	id := binary.LittleEndian.Uint32(buf[0:4])
	dlc := int(buf[4])
	if dlc > 8 {
		dlc = 8
	}

	fr.CANID = id
	fr.Len = uint8(dlc)
	copy(fr.Data[:], buf[8:8+dlc])
	return nil
}

// Send writes one classic CAN frame to the raw CAN socket. A full
// kernel transmit queue surfaces as can.ErrBusy so the node defers the
// frame to a later wake instead of blocking.
func (d *Device) Send(fr can.Frame) error {
	var buf [unix.CAN_MTU]byte
	binary.LittleEndian.PutUint32(buf[0:4], fr.CANID)
	buf[4] = fr.Len
	copy(buf[8:], fr.Data[:fr.Len])
	_, err := unix.Write(d.fd, buf[:])
	if err == unix.ENOBUFS || err == unix.EAGAIN {
		return can.ErrBusy
	}
	return err
}

// SetFilter installs the kernel acceptance filter: the reserved admin
// identifier plus, when id is non-zero, the node's assigned address.
func (d *Device) SetFilter(id uint32) error {
	filters := []unix.CanFilter{
		{Id: d.adminID, Mask: unix.CAN_SFF_MASK},
	}
	if id != 0 {
		filters = append(filters, unix.CanFilter{Id: id, Mask: unix.CAN_SFF_MASK})
	}
	if err := unix.SetsockoptCanRawFilter(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters); err != nil {
		return fmt.Errorf("set can filter: %w", err)
	}
	return nil
}

// Close shuts the socket; the reader goroutine exits on the resulting
// read error.
func (d *Device) Close() error {
	d.closed.Store(true)
	err := unix.Close(d.fd)
	d.wg.Wait()
	return err
}
