package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-can-node/internal/can"
)

func TestAsyncTxSendsInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []uint32
	done := make(chan struct{}, 8)
	send := func(fr can.Frame) error {
		mu.Lock()
		got = append(got, fr.CANID)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}
	a := NewAsyncTx(context.Background(), 8, send, Hooks{})
	defer a.Close()

	for i := uint32(1); i <= 3; i++ {
		if err := a.SendFrame(can.Frame{CANID: i}); err != nil {
			t.Fatalf("SendFrame(%d): %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("send worker stalled")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for i, id := range []uint32{1, 2, 3} {
		if got[i] != id {
			t.Fatalf("order %v, want [1 2 3]", got)
		}
	}
}

func TestAsyncTxDropHook(t *testing.T) {
	busy := errors.New("busy")
	block := make(chan struct{})
	send := func(can.Frame) error { <-block; return nil }
	a := NewAsyncTx(context.Background(), 1, send, Hooks{OnDrop: func() error { return busy }})
	defer func() { close(block); a.Close() }()

	// First frame occupies the worker, second fills the buffer, third drops.
	_ = a.SendFrame(can.Frame{CANID: 1})
	var dropErr error
	for i := uint32(2); i <= 4; i++ {
		if err := a.SendFrame(can.Frame{CANID: i}); err != nil {
			dropErr = err
			break
		}
	}
	if !errors.Is(dropErr, busy) {
		t.Fatalf("drop error = %v, want busy", dropErr)
	}
}

func TestAsyncTxErrorHook(t *testing.T) {
	boom := errors.New("boom")
	errCh := make(chan error, 1)
	a := NewAsyncTx(context.Background(), 1,
		func(can.Frame) error { return boom },
		Hooks{OnError: func(err error) { errCh <- err }})
	defer a.Close()

	if err := a.SendFrame(can.Frame{}); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, boom) {
			t.Fatalf("OnError got %v, want boom", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnError not invoked")
	}
}

func TestAsyncTxAfterHook(t *testing.T) {
	after := make(chan struct{}, 1)
	a := NewAsyncTx(context.Background(), 1,
		func(can.Frame) error { return nil },
		Hooks{OnAfter: func() { after <- struct{}{} }})
	defer a.Close()

	if err := a.SendFrame(can.Frame{}); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	select {
	case <-after:
	case <-time.After(time.Second):
		t.Fatal("OnAfter not invoked")
	}
}

func TestAsyncTxClosed(t *testing.T) {
	a := NewAsyncTx(context.Background(), 1, func(can.Frame) error { return nil }, Hooks{})
	a.Close()
	a.Close() // idempotent
	if err := a.SendFrame(can.Frame{}); !errors.Is(err, ErrAsyncTxClosed) {
		t.Fatalf("SendFrame after Close = %v, want ErrAsyncTxClosed", err)
	}
}
