package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/kstaniek/go-can-node/internal/metrics"
	"github.com/kstaniek/go-can-node/internal/msg"
	"github.com/kstaniek/go-can-node/internal/node"
	"github.com/kstaniek/go-can-node/internal/sched"
)

// Process exit codes. A supervisor (systemd Restart=always) turns the
// reboot code into the restart an embedded node would get from its
// hardware reset.
const (
	exitFatal  = 1
	exitReboot = 2
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("can-node %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(exitFatal)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	uuid, err := resolveUUID(cfg.uuid)
	if err != nil {
		l.Error("uuid_error", "error", err)
		os.Exit(exitFatal)
	}
	l.Info("node_uuid", "uuid", formatUUID(uuid))

	dev, err := openBackend(ctx, cfg, l)
	if err != nil {
		l.Error("backend_open_error", "error", err)
		os.Exit(exitFatal)
	}
	defer func() { _ = dev.Close() }()

	// Dispatched command payloads are echoed back as responses; the
	// late-bound pointer breaks the node <-> dispatcher cycle.
	var nd *node.Node
	disp := msg.NewDispatcher(func(payload []byte) {
		l.Debug("command_received", "len", len(payload))
		if nd != nil {
			nd.AppendMessage(payload)
		}
	})

	nd = node.New(node.Config{
		Bus:        dev,
		Dispatcher: disp,
		Encoder:    &msg.Encoder{},
		Logger:     l,
		Reboot: func() {
			l.Info("rebooting")
			_ = dev.Close()
			os.Exit(exitReboot)
		},
	})

	sch := sched.New(sched.WithPeriod(cfg.schedPeriod), sched.WithLogger(l))
	sch.Register("can_tx", nd.TxWake(), nd.DrainTick)
	sch.Register("can_rx", nd.RxWake(), nd.CollectTick)
	dev.SetNotify(func() { nd.NotifyRx(); sch.Kick() })
	dev.Start(ctx)

	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)
	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()

		if cfg.mdnsEnable {
			if _, p, err := net.SplitHostPort(cfg.metricsAddr); err == nil {
				if portNum, perr := strconv.Atoi(p); perr == nil && portNum > 0 {
					cleanupMDNS, merr := startMDNS(ctx, cfg, portNum, formatUUID(uuid))
					if merr != nil {
						l.Warn("mdns_start_failed", "error", merr)
					} else {
						l.Info("mdns_started", "service", mdnsServiceType, "port", portNum)
						defer cleanupMDNS()
					}
				}
			}
		}
	}

	if err := nd.InitIdentity(uuid); err != nil {
		l.Error("identity_init_error", "error", err)
		os.Exit(exitFatal)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- sch.Run(ctx) }()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
		nd.Shutdown()
		_ = sch.RunPending() // final passes neutralize buffered state
		cancel()
		<-errCh
	case err := <-errCh:
		if fe, ok := node.AsFatal(err); ok {
			l.Error("fatal_shutdown", "reason", fe.Reason)
			cancel()
			wg.Wait()
			os.Exit(exitFatal)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			l.Error("scheduler_error", "error", err)
			cancel()
			wg.Wait()
			os.Exit(exitFatal)
		}
	}
	wg.Wait()
}
