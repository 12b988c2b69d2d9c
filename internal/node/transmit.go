package node

import (
	"errors"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/metrics"
	"github.com/kstaniek/go-can-node/internal/msg"
)

// DrainTick is the transmit task body; the scheduler runs it when the
// transmit wake flag is set. It first flushes a deferred identity
// announce, then drains the transmit buffer onto the bus in frames of
// up to 8 bytes addressed to assigned+1 (the outbound data identifier).
// It never blocks: a busy bus defers the remaining bytes to the next
// wake. While the node is unassigned any buffered bytes are discarded
// so a partially built response cannot leak onto a future address.
func (n *Node) DrainTick() error {
	if n.announcePending {
		n.announcePending = false
		n.announce() // re-parks itself if the bus is still busy
	}
	id := n.ident.Assigned()
	if id == 0 {
		n.txPos, n.txMax = 0, 0
		return nil
	}
	for n.txPos < n.txMax {
		nb := n.txMax - n.txPos
		if nb > frameDataMax {
			nb = frameDataMax
		}
		var fr can.Frame
		fr.CANID = id + 1
		fr.Len = uint8(nb)
		copy(fr.Data[:nb], n.txBuf[n.txPos:n.txPos+nb])
		if err := n.bus.Send(fr); err != nil {
			if !errors.Is(err, can.ErrBusy) {
				metrics.IncError(metrics.ErrBusSend)
				n.log.Warn("bus_send_error", "error", err)
			}
			// Re-arm so the next scheduler pass resumes the drain.
			n.NotifyTx()
			return nil
		}
		metrics.IncBusTx()
		n.txPos += nb
	}
	return nil
}

// AppendMessage frames payload as one command block and queues it for
// transmission. Capacity is best-effort telemetry: when the block does
// not fit even after compacting the unsent tail to offset 0, the
// message is dropped and false returned.
func (n *Node) AppendMessage(payload []byte) bool {
	need := msg.EncodedSize(len(payload))
	tpos, tmax := n.txPos, n.txMax
	if tpos >= tmax {
		// Fully drained; reclaim the whole buffer.
		n.txPos, n.txMax = 0, 0
		tpos, tmax = 0, 0
	}
	if tmax+need > len(n.txBuf) {
		if tmax+need-tpos > len(n.txBuf) {
			metrics.IncTxDropped()
			return false
		}
		// Compact: shift the unsent tail to offset 0.
		copy(n.txBuf[:], n.txBuf[tpos:tmax])
		tmax -= tpos
		n.txPos = 0
		n.txMax = tmax
	}
	nn, err := n.enc.Encode(n.txBuf[tmax:], payload)
	if err != nil {
		metrics.IncTxDropped()
		return false
	}
	n.txMax = tmax + nn
	n.NotifyTx()
	return true
}
