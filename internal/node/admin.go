package node

import (
	"errors"
	"time"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/identity"
	"github.com/kstaniek/go-can-node/internal/metrics"
)

// Reserved bus identifiers: admin commands arrive on AdminID and are
// heard by every node regardless of assigned address; identity
// responses travel on AdminRespID.
const (
	AdminID     = 0x3F0
	AdminRespID = 0x3F1
)

// Admin commands and responses (byte 0 of an 8-byte admin frame;
// bytes 1-6 carry the UUID, byte 7 the encoded address).
const (
	CmdQueryUnassigned = 0x00
	CmdQuery           = 0x01
	CmdSetID           = 0x02
	CmdReboot          = 0x03
	RespNeedID         = 0x20
	RespHaveID         = 0x21
)

// AdminFrameLen is the fixed length of admin command and response frames.
const AdminFrameLen = 8

// Announce retry budget: admin frames are tiny and expected to be
// accepted within a few attempts. After the budget is spent the
// announce is parked on the transmit task instead of spinning forever.
const (
	announceTries      = 8
	announceRetryDelay = 500 * time.Microsecond
)

// processAdmin handles one frame received on AdminID. Zero-length and
// short frames are ignored without a response. A returned error is
// fatal and propagates out of CollectTick.
func (n *Node) processAdmin(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case CmdQueryUnassigned:
		metrics.IncAdminCommand(metrics.CmdQueryUnassigned)
		// "anyone unassigned, speak up" - deliberately no UUID check.
		if n.ident.Assigned() == 0 {
			n.announce()
		}
	case CmdQuery:
		metrics.IncAdminCommand(metrics.CmdQuery)
		if n.ident.MatchUUID(data) {
			n.announce()
		}
	case CmdSetID:
		metrics.IncAdminCommand(metrics.CmdSetNodeID)
		return n.processSetID(data)
	case CmdReboot:
		metrics.IncAdminCommand(metrics.CmdReboot)
		if n.ident.MatchUUID(data) {
			n.log.Info("reboot_requested")
			n.reboot() // does not return
		}
	default:
		metrics.IncAdminCommand(metrics.CmdUnknown)
	}
	return nil
}

// processSetID assigns or vacates this node's bus address.
func (n *Node) processSetID(data []byte) error {
	if len(data) < AdminFrameLen {
		return nil
	}
	newID := identity.DecodeID(data[AdminFrameLen-1])
	switch {
	case n.ident.MatchUUID(data):
		if newID != n.ident.Assigned() {
			n.ident.Assign(newID)
			n.setFilter(newID)
			n.log.Info("address_assigned", "id", newID)
		}
		n.announce()
	case newID == n.ident.Assigned():
		// A different UUID is being handed the address this node holds.
		// Vacate the address and announce the unassigned state first so
		// the bus observes the change, then stop.
		n.ident.Clear()
		n.setFilter(0)
		n.announce()
		return &FatalError{Reason: "Another CAN node assigned this ID"}
	}
	return nil
}

// buildAnnounce constructs the identity response frame from the current
// addressing state.
func (n *Node) buildAnnounce() can.Frame {
	var fr can.Frame
	fr.CANID = AdminRespID
	fr.Len = AdminFrameLen
	if n.ident.Assigned() != 0 {
		fr.Data[0] = RespHaveID
	} else {
		fr.Data[0] = RespNeedID
	}
	u := n.ident.UUID()
	copy(fr.Data[1:1+identity.UUIDLen], u[:])
	fr.Data[AdminFrameLen-1] = n.ident.EncodedID()
	return fr
}

// announce broadcasts the identity response on AdminRespID, bypassing
// the transmit byte buffer (announces must go out even when the node
// has no address to drain data on). Busy sends are retried briefly;
// when the budget runs out the announce is deferred to the next
// transmit wake rather than starving the scheduler.
func (n *Node) announce() {
	fr := n.buildAnnounce()
	for i := 0; i < announceTries; i++ {
		err := n.bus.Send(fr)
		if err == nil {
			metrics.IncBusTx()
			return
		}
		if !errors.Is(err, can.ErrBusy) {
			metrics.IncError(metrics.ErrBusSend)
			n.log.Warn("announce_send_error", "error", err)
		}
		if i+1 < announceTries {
			sleepFn(announceRetryDelay)
		}
	}
	metrics.IncAnnounceRetry()
	n.announcePending = true
	n.NotifyTx()
}
