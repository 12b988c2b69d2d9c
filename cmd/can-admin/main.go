// Command can-admin drives the node addressing protocol from the
// coordinator side: discover unassigned nodes, query a specific UUID,
// hand out bus addresses and request reboots.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-can-node/internal/can"
	"github.com/kstaniek/go-can-node/internal/identity"
	"github.com/kstaniek/go-can-node/internal/node"
	"github.com/kstaniek/go-can-node/internal/socketcan"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: can-admin [flags] <command> [args]

Commands:
  query-unassigned           list nodes that have no bus address
  query <uuid>               ask one node to announce its state
  assign <uuid> <id>         give a node the encoded address <id> (0-127)
  reboot <uuid>              request a node reboot

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	canIf := flag.String("can-if", "can0", "SocketCAN interface")
	wait := flag.Duration("wait", 500*time.Millisecond, "How long to collect responses")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cmd, uuid, encID, err := parseCommand(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "can-admin: %v\n", err)
		os.Exit(2)
	}

	// The coordinator listens on the response ID, not the command ID.
	dev, err := socketcan.Open(*canIf, node.AdminRespID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "can-admin: open %s: %v\n", *canIf, err)
		os.Exit(1)
	}
	defer dev.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	arrived := make(chan struct{}, 1)
	dev.SetNotify(func() {
		select {
		case arrived <- struct{}{}:
		default:
		}
	})
	dev.Start(ctx)

	if err := send(dev, cmd, uuid, encID); err != nil {
		fmt.Fprintf(os.Stderr, "can-admin: send: %v\n", err)
		os.Exit(1)
	}

	n := collect(dev, arrived, *wait)
	if n == 0 {
		fmt.Println("no responses")
	}
}

// parseCommand validates the subcommand and its arguments. uuid is nil
// for query-unassigned.
func parseCommand(args []string) (cmd byte, uuid []byte, encID byte, err error) {
	want := func(n int) error {
		if len(args)-1 != n {
			return fmt.Errorf("%s takes %d argument(s)", args[0], n)
		}
		return nil
	}
	switch args[0] {
	case "query-unassigned":
		return node.CmdQueryUnassigned, nil, 0, want(0)
	case "query":
		if err := want(1); err != nil {
			return 0, nil, 0, err
		}
		uuid, err = parseUUID(args[1])
		return node.CmdQuery, uuid, 0, err
	case "assign":
		if err := want(2); err != nil {
			return 0, nil, 0, err
		}
		uuid, err = parseUUID(args[1])
		if err != nil {
			return 0, nil, 0, err
		}
		id, err := strconv.ParseUint(args[2], 0, 8)
		if err != nil || id > 0x7f {
			return 0, nil, 0, fmt.Errorf("invalid id %q (want 0-127)", args[2])
		}
		return node.CmdSetID, uuid, byte(id), nil
	case "reboot":
		if err := want(1); err != nil {
			return 0, nil, 0, err
		}
		uuid, err = parseUUID(args[1])
		return node.CmdReboot, uuid, 0, err
	default:
		return 0, nil, 0, fmt.Errorf("unknown command %q", args[0])
	}
}

// send emits one admin command frame, retrying while the bus is busy.
func send(dev can.Bus, cmd byte, uuid []byte, encID byte) error {
	var fr can.Frame
	fr.CANID = node.AdminID
	fr.Len = node.AdminFrameLen
	fr.Data[0] = cmd
	copy(fr.Data[1:1+identity.UUIDLen], uuid)
	fr.Data[node.AdminFrameLen-1] = encID
	for {
		err := dev.Send(fr)
		if err == nil {
			return nil
		}
		if !errors.Is(err, can.ErrBusy) {
			return err
		}
		time.Sleep(time.Millisecond)
	}
}

// collect prints identity responses until the wait window closes and
// returns how many were seen.
func collect(dev can.Bus, arrived <-chan struct{}, wait time.Duration) int {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	seen := 0
	for {
		var fr can.Frame
		ok, err := dev.Read(&fr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "can-admin: read: %v\n", err)
			return seen
		}
		if ok {
			if printResponse(fr) {
				seen++
			}
			continue
		}
		select {
		case <-arrived:
		case <-deadline.C:
			return seen
		}
	}
}

// printResponse decodes one frame from the response ID. Unknown or
// short frames are ignored.
func printResponse(fr can.Frame) bool {
	if fr.CANID&can.CAN_EFF_MASK != node.AdminRespID || fr.Len < node.AdminFrameLen {
		return false
	}
	uuid := formatUUID(fr.Data[1 : 1+identity.UUIDLen])
	enc := fr.Data[node.AdminFrameLen-1]
	switch fr.Data[0] {
	case node.RespNeedID:
		fmt.Printf("%s  unassigned\n", uuid)
	case node.RespHaveID:
		fmt.Printf("%s  id=%d (rx 0x%03x)\n", uuid, enc, identity.DecodeID(enc))
	default:
		return false
	}
	return true
}

func parseUUID(s string) ([]byte, error) {
	clean := strings.NewReplacer(":", "", "-", "").Replace(s)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("uuid %q: %v", s, err)
	}
	if len(b) != identity.UUIDLen {
		return nil, fmt.Errorf("uuid %q: want %d bytes, got %d", s, identity.UUIDLen, len(b))
	}
	return b, nil
}

func formatUUID(u []byte) string {
	parts := make([]string, len(u))
	for i, b := range u {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}
