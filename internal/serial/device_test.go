package serial

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-can-node/internal/can"
)

// pipePort feeds scripted bytes to Read and records Write calls.
type pipePort struct {
	mu  sync.Mutex
	in  bytes.Buffer
	out bytes.Buffer
}

func (p *pipePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.in.Len() == 0 {
		time.Sleep(time.Millisecond) // emulate the port read timeout
		return 0, io.EOF
	}
	return p.in.Read(b)
}

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Write(b)
}

func (p *pipePort) Close() error { return nil }

func (p *pipePort) feed(b []byte) {
	p.mu.Lock()
	p.in.Write(b)
	p.mu.Unlock()
}

// waitFrames polls Read until n frames arrived or the deadline passed.
func waitFrames(t *testing.T, d *Device, n int) []can.Frame {
	t.Helper()
	var got []can.Frame
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var fr can.Frame
		ok, err := d.Read(&fr)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if ok {
			got = append(got, fr.CopyShallow())
			if len(got) == n {
				return got
			}
			continue
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out with %d of %d frames", len(got), n)
	return nil
}

func TestDeviceSoftwareFilter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port := &pipePort{}
	d := NewDevice(ctx, port, 0x3F0)
	defer d.Close()

	notified := make(chan struct{}, 16)
	d.SetNotify(func() {
		select {
		case notified <- struct{}{}:
		default:
		}
	})
	d.Start(ctx)

	codec := Codec{}
	admin := can.Frame{CANID: 0x3F0, Len: 2, Data: [8]byte{1, 2}}
	data := can.Frame{CANID: 0x10A, Len: 1, Data: [8]byte{3}}

	// No filter installed: only the admin identifier passes.
	port.feed(codec.Encode(data))
	port.feed(codec.Encode(admin))
	got := waitFrames(t, d, 1)
	if got[0].CANID != 0x3F0 {
		t.Fatalf("filtered device delivered CANID 0x%x", got[0].CANID)
	}
	select {
	case <-notified:
	default:
		t.Fatal("notify hook not fired")
	}

	// After SetFilter the assigned address passes too.
	if err := d.SetFilter(0x10A); err != nil {
		t.Fatalf("SetFilter: %v", err)
	}
	port.feed(codec.Encode(data))
	got = waitFrames(t, d, 1)
	if got[0].CANID != 0x10A {
		t.Fatalf("assigned frame not delivered: CANID 0x%x", got[0].CANID)
	}
}

// blockingPort simulates a wedged bridge to force TX queue overflow.
type blockingPort struct{ block chan struct{} }

func (p *blockingPort) Read(b []byte) (int, error) {
	time.Sleep(5 * time.Millisecond)
	return 0, io.EOF
}
func (p *blockingPort) Write(b []byte) (int, error) { <-p.block; return len(b), nil }
func (p *blockingPort) Close() error                { close(p.block); return nil }

func TestDeviceSendBusyOnOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bp := &blockingPort{block: make(chan struct{})}
	d := NewDevice(ctx, bp, 0x3F0)
	defer d.Close()

	// One frame occupies the blocked writer, the rest fill the queue.
	var busyErr error
	for i := 0; i < txQueueLen+2; i++ {
		if err := d.Send(can.Frame{CANID: uint32(i)}); err != nil && busyErr == nil {
			busyErr = err
		}
	}
	if busyErr == nil {
		t.Fatal("expected at least one busy error")
	}
	if !errors.Is(busyErr, can.ErrBusy) {
		t.Fatalf("overflow error = %v, want can.ErrBusy", busyErr)
	}
}

// fakeErrPort always fails reads to drive the backoff path.
type fakeErrPort struct{}

func (f *fakeErrPort) Read(p []byte) (int, error)  { return 0, io.ErrNoProgress }
func (f *fakeErrPort) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeErrPort) Close() error                { return nil }

func TestDeviceReadBackoffProgression(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []time.Duration
	sleepFn = func(d time.Duration) {
		mu.Lock()
		if len(seen) < 6 {
			seen = append(seen, d)
			if len(seen) == 6 {
				cancel()
			}
		}
		mu.Unlock()
	}
	defer func() { sleepFn = time.Sleep }()

	d := NewDevice(ctx, &fakeErrPort{}, 0x3F0)
	d.Start(ctx)
	d.wg.Wait()
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 3 {
		t.Fatalf("expected at least 3 backoff samples, got %d", len(seen))
	}
	if seen[0] != rxBackoffMin {
		t.Fatalf("first backoff %v, want %v", seen[0], rxBackoffMin)
	}
	prev := time.Duration(0)
	for i, dur := range seen {
		if dur < prev {
			t.Fatalf("backoff decreased at %d: prev=%v cur=%v", i, prev, dur)
		}
		if dur > rxBackoffMax {
			t.Fatalf("backoff exceeded max at %d: %v > %v", i, dur, rxBackoffMax)
		}
		prev = dur
	}
}

func TestDeviceWritesEncodedFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port := &pipePort{}
	d := NewDevice(ctx, port, 0x3F0)

	fr := can.Frame{CANID: 0x10B, Len: 3, Data: [8]byte{7, 8, 9}}
	if err := d.Send(fr); err != nil {
		t.Fatalf("Send: %v", err)
	}

	codec := Codec{}
	want := codec.Encode(fr)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		port.mu.Lock()
		done := bytes.Equal(port.out.Bytes(), want)
		port.mu.Unlock()
		if done {
			d.Close()
			return
		}
		time.Sleep(time.Millisecond)
	}
	port.mu.Lock()
	got := append([]byte(nil), port.out.Bytes()...)
	port.mu.Unlock()
	t.Fatalf("written bytes = % x, want % x", got, want)
}
