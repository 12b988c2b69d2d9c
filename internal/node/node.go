// Package node implements one addressable node on a shared CAN bus: a
// transmit multiplexer chunking framed command bytes into 8-byte
// frames, a receive demultiplexer reassembling inbound frames into
// complete command blocks, and the admin protocol that assigns the
// node its bus address from its hardware UUID.
package node

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/identity"
	"github.com/kstaniek/go-can-node/internal/logging"
	"github.com/kstaniek/go-can-node/internal/metrics"
	"github.com/kstaniek/go-can-node/internal/sched"
)

const (
	// transmitBufLen bounds the outgoing byte stream awaiting drain.
	transmitBufLen = 96
	// receiveBufLen bounds buffered-but-undispatched inbound bytes.
	receiveBufLen = 192
)

// frameDataMax is the classic CAN payload limit per frame.
const frameDataMax = 8

// sleepFn allows tests to intercept announce retry sleeps.
var sleepFn = time.Sleep

// Dispatcher scans a byte buffer for one complete command block and
// dispatches it. Implemented by msg.Dispatcher.
type Dispatcher interface {
	FindAndDispatch(buf []byte) (found bool, consumed int)
}

// Encoder frames one outgoing payload into dst. Implemented by
// msg.Encoder.
type Encoder interface {
	Encode(dst, payload []byte) (int, error)
}

// Config wires the node's collaborators.
type Config struct {
	Bus        can.Bus
	Dispatcher Dispatcher
	Encoder    Encoder
	// Reboot performs a hardware reboot and does not return. Invoked
	// when an admin REBOOT command carries this node's UUID.
	Reboot func()
	Logger *slog.Logger
}

// Node owns all mutable node state: identity, both bounded buffers and
// the wake flags. Every method that touches the buffers runs from the
// single cooperative scheduler context; NotifyTx/NotifyRx are the only
// entry points safe from other goroutines.
type Node struct {
	bus    can.Bus
	disp   Dispatcher
	enc    Encoder
	reboot func()
	log    *slog.Logger

	ident identity.Identity

	txWake sched.Wake
	rxWake sched.Wake

	txBuf        [transmitBufLen]byte
	txPos, txMax int

	rxBuf [receiveBufLen]byte
	rxPos int

	announcePending bool
}

func New(cfg Config) *Node {
	n := &Node{
		bus:    cfg.Bus,
		disp:   cfg.Dispatcher,
		enc:    cfg.Encoder,
		reboot: cfg.Reboot,
		log:    cfg.Logger,
	}
	if n.log == nil {
		n.log = logging.L()
	}
	if n.reboot == nil {
		n.reboot = func() { n.log.Warn("reboot_unsupported") }
	}
	return n
}

// TxWake exposes the transmit wake flag for scheduler registration.
func (n *Node) TxWake() *sched.Wake { return &n.txWake }

// RxWake exposes the receive wake flag for scheduler registration.
func (n *Node) RxWake() *sched.Wake { return &n.rxWake }

// NotifyTx marks transmit work pending. Safe from any goroutine.
func (n *Node) NotifyTx() { n.txWake.Set() }

// NotifyRx marks receive work pending. Safe from any goroutine.
func (n *Node) NotifyRx() { n.rxWake.Set() }

// AssignedID returns the current bus address, 0 if unassigned.
func (n *Node) AssignedID() uint32 { return n.ident.Assigned() }

// UUID returns the node's hardware UUID.
func (n *Node) UUID() [identity.UUIDLen]byte { return n.ident.UUID() }

// InitIdentity stores the node UUID, primes the receive task and
// broadcasts the initial identity response so a listening coordinator
// discovers the node without polling.
func (n *Node) InitIdentity(uuid []byte) error {
	if !n.ident.SetUUID(uuid) {
		return fmt.Errorf("node: uuid must be %d bytes, got %d", identity.UUIDLen, len(uuid))
	}
	metrics.SetAssignedID(0)
	n.NotifyRx()
	n.announce()
	return nil
}

// Shutdown wakes both tasks so buffered state is neutralized on the
// final scheduler passes before teardown.
func (n *Node) Shutdown() {
	n.NotifyTx()
	n.NotifyRx()
}

// setFilter reinstalls the hardware acceptance filter and mirrors the
// address into metrics.
func (n *Node) setFilter(id uint32) {
	metrics.SetAssignedID(id)
	if err := n.bus.SetFilter(id); err != nil {
		metrics.IncError(metrics.ErrBusFilter)
		n.log.Error("set_filter_error", "id", id, "error", err)
	}
}
