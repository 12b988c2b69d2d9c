package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := baseConfig()

	os.Setenv("CAN_NODE_BAUD", "230400")
	os.Setenv("CAN_NODE_MDNS_ENABLE", "true")
	os.Setenv("CAN_NODE_SERIAL_READ_TIMEOUT", "100ms")
	os.Setenv("CAN_NODE_SCHED_PERIOD", "5ms")
	os.Setenv("CAN_NODE_UUID", "01:02:03:04:05:06")
	t.Cleanup(func() {
		os.Unsetenv("CAN_NODE_BAUD")
		os.Unsetenv("CAN_NODE_MDNS_ENABLE")
		os.Unsetenv("CAN_NODE_SERIAL_READ_TIMEOUT")
		os.Unsetenv("CAN_NODE_SCHED_PERIOD")
		os.Unsetenv("CAN_NODE_UUID")
	})
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 230400 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.serialReadTO != 100*time.Millisecond {
		t.Fatalf("expected serialReadTO 100ms got %v", base.serialReadTO)
	}
	if base.schedPeriod != 5*time.Millisecond {
		t.Fatalf("expected schedPeriod 5ms got %v", base.schedPeriod)
	}
	if base.uuid != "01:02:03:04:05:06" {
		t.Fatalf("expected uuid override, got %q", base.uuid)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := &appConfig{baud: 115200}
	os.Setenv("CAN_NODE_BAUD", "230400")
	t.Cleanup(func() { os.Unsetenv("CAN_NODE_BAUD") })
	// Simulate user passed -baud flag (so env should be ignored)
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 115200 {
		t.Fatalf("expected baud unchanged 115200 got %d", base.baud)
	}
}

func TestApplyEnvOverrides_BadInt(t *testing.T) {
	base := &appConfig{baud: 115200}
	os.Setenv("CAN_NODE_BAUD", "notint")
	t.Cleanup(func() { os.Unsetenv("CAN_NODE_BAUD") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad integer")
	}
}

func TestApplyEnvOverrides_BadDuration(t *testing.T) {
	base := &appConfig{schedPeriod: time.Millisecond}
	os.Setenv("CAN_NODE_SCHED_PERIOD", "soon")
	t.Cleanup(func() { os.Unsetenv("CAN_NODE_SCHED_PERIOD") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}
