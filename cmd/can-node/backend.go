package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/node"
	"github.com/kstaniek/go-can-node/internal/serial"
	"github.com/kstaniek/go-can-node/internal/socketcan"
)

// busDevice is the backend surface main needs beyond can.Bus: a notify
// hook wiring frame arrival to the receive wake, and a Start for the
// reader goroutine.
type busDevice interface {
	can.Bus
	SetNotify(func())
	Start(context.Context)
}

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

// openBackend opens the selected bus device. The caller wires the
// notify hook and calls Start before running the scheduler.
func openBackend(ctx context.Context, cfg *appConfig, l *slog.Logger) (busDevice, error) {
	switch cfg.backend {
	case "socketcan":
		dev, err := socketcan.Open(cfg.canIf, node.AdminID)
		if err != nil {
			return nil, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
		}
		l.Info("socketcan_open", "if", cfg.canIf)
		return dev, nil
	case "serial":
		sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
		if err != nil {
			return nil, fmt.Errorf("open serial: %w", err)
		}
		l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
		return serial.NewDevice(ctx, sp, node.AdminID), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use socketcan|serial)", cfg.backend)
	}
}
