package serial

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/logging"
	"github.com/kstaniek/go-can-node/internal/metrics"
	"github.com/kstaniek/go-can-node/internal/transport"
)

const (
	rxQueueLen  = 64
	txQueueLen  = 64
	readBufSize = 4096
	// reclaimThreshold is the capacity above which the RX accumulation
	// buffer is discarded and reallocated once empty, so bursts of line
	// noise do not permanently retain large backing arrays.
	reclaimThreshold = 16 * 1024
	rxBackoffMin     = 20 * time.Millisecond
	rxBackoffMax     = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Device is a UART-bridged CAN adapter implementing can.Bus. The bridge
// has no hardware acceptance filter, so SetFilter installs a software
// one applied in the RX loop. Writes funnel through a single goroutine;
// a full transmit queue surfaces as can.ErrBusy.
type Device struct {
	port    Port
	codec   Codec
	adminID uint32
	allowed atomic.Uint32 // assigned address admitted by the software filter, 0 = none
	tx      *transport.AsyncTx
	rx      chan can.Frame
	notify  func()
	wg      sync.WaitGroup
}

// NewDevice wraps an open port. adminID is the reserved bus identifier
// always admitted by the filter.
func NewDevice(ctx context.Context, port Port, adminID uint32) *Device {
	d := &Device{
		port:    port,
		adminID: adminID,
		rx:      make(chan can.Frame, rxQueueLen),
	}
	send := func(fr can.Frame) error {
		_, err := port.Write(d.codec.Encode(fr))
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialIO)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnDrop: func() error { return can.ErrBusy },
	}
	d.tx = transport.NewAsyncTx(ctx, txQueueLen, send, hooks)
	return d
}

// SetNotify registers the hook fired after each received frame is
// queued. Must be set before Start.
func (d *Device) SetNotify(fn func()) { d.notify = fn }

// Start launches the port reader goroutine.
func (d *Device) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		buf := make([]byte, readBufSize)
		acc := bytes.NewBuffer(nil)
		backoff := rxBackoffMin
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, err := d.port.Read(buf)
			if n > 0 {
				acc.Write(buf[:n])
				_ = d.codec.DecodeStream(acc, d.deliver)
				if acc.Len() == 0 && cap(acc.Bytes()) > reclaimThreshold {
					acc = bytes.NewBuffer(nil)
				}
				backoff = rxBackoffMin
			}
			if err != nil {
				if ctx.Err() != nil { // shutting down
					return
				}
				var perr *os.PathError
				if errors.As(err, &perr) {
					return // device removed or fatal
				}
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					continue // ignore transient EOF
				}
				metrics.IncError(metrics.ErrSerialIO)
				logging.L().Warn("serial_read_error", "error", err, "backoff", backoff)
				sleepFn(backoff)
				backoff *= 2
				if backoff > rxBackoffMax {
					backoff = rxBackoffMax
				}
			}
		}
	}()
}

// deliver applies the software acceptance filter and queues the frame.
func (d *Device) deliver(fr can.Frame) {
	id := fr.CANID & can.CAN_EFF_MASK
	if id != d.adminID {
		allowed := d.allowed.Load()
		if allowed == 0 || id != allowed {
			return
		}
	}
	select {
	case d.rx <- fr:
	default:
		metrics.IncError(metrics.ErrBusRead) // node not keeping up; drop
	}
	if d.notify != nil {
		d.notify()
	}
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

// Send queues a frame for the write goroutine; a full queue reports
// can.ErrBusy so the node retries on a later wake.
func (d *Device) Send(fr can.Frame) error { return d.tx.SendFrame(fr) }

// SetFilter updates the software acceptance filter.
func (d *Device) SetFilter(id uint32) error {
	d.allowed.Store(id)
	return nil
}

// Close stops the writer and closes the port; the reader goroutine
// exits on the resulting read error.
func (d *Device) Close() error {
	d.tx.Close()
	err := d.port.Close()
	return err
}
