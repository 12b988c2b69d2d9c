//go:build !linux

package socketcan

import (
	"context"
	"errors"

	"github.com/kstaniek/go-can-node/internal/can"
)

// Stub so non-linux builds compile; SocketCAN is linux-only.

var errUnsupported = errors.New("socketcan: unsupported on this platform")

type Device struct{}

func Open(iface string, adminID uint32) (*Device, error) { return nil, errUnsupported }

func (d *Device) SetNotify(func())              {}
func (d *Device) Start(context.Context)         {}
func (d *Device) Read(*can.Frame) (bool, error) { return false, errUnsupported }
func (d *Device) Send(can.Frame) error          { return errUnsupported }
func (d *Device) SetFilter(uint32) error        { return errUnsupported }
func (d *Device) Close() error                  { return nil }
