package node

import (
	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/metrics"
)

// CollectTick is the receive task body; the scheduler runs it when the
// receive wake flag is set. It drains all pending bus frames - data
// frames addressed to this node are appended to the receive buffer,
// admin frames are handled immediately and never buffered - then makes
// exactly one block-extraction pass. If the pass consumed bytes and
// more remain buffered, the task re-notifies itself so a further
// complete block gets a fresh pass on the next wake.
func (n *Node) CollectTick() error {
	for {
		var fr can.Frame
		ok, err := n.bus.Read(&fr)
		if err != nil {
			metrics.IncError(metrics.ErrBusRead)
			n.log.Warn("bus_read_error", "error", err)
			break
		}
		if !ok {
			break
		}
		metrics.IncBusRx()
		// The assignment may change mid-loop (an admin frame in this
		// same batch), so the comparison rereads it every iteration.
		switch id := fr.CANID & can.CAN_EFF_MASK; {
		case id != 0 && id == n.ident.Assigned():
			n.bufferData(fr.Payload())
		case id == AdminID:
			if err := n.processAdmin(fr.Payload()); err != nil {
				return err
			}
		}
	}

	found, consumed := n.disp.FindAndDispatch(n.rxBuf[:n.rxPos])
	if found {
		metrics.IncDispatched()
	}
	if consumed > 0 {
		rest := n.rxPos - consumed
		copy(n.rxBuf[:rest], n.rxBuf[consumed:n.rxPos])
		n.rxPos = rest
		if rest > 0 {
			n.NotifyRx()
		}
	}
	return nil
}

// bufferData appends one frame's payload to the receive buffer,
// silently truncating what does not fit. Data loss on overflow is the
// chosen policy; previously buffered bytes stay intact.
func (n *Node) bufferData(data []byte) {
	room := len(n.rxBuf) - n.rxPos
	if len(data) > room {
		metrics.AddRxTruncated(len(data) - room)
		data = data[:room]
	}
	if len(data) == 0 {
		return
	}
	copy(n.rxBuf[n.rxPos:], data)
	n.rxPos += len(data)
	metrics.AddRxBuffered(len(data))
}
