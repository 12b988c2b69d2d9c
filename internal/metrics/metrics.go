package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-node/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus series
var (
	BusRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN frames read from the bus backend.",
	})
	BusTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total CAN frames written to the bus backend.",
	})
	RxBufferedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_buffered_bytes_total",
		Help: "Total payload bytes appended to the receive buffer.",
	})
	RxTruncatedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_truncated_bytes_total",
		Help: "Total inbound payload bytes dropped because the receive buffer was full.",
	})
	TxDroppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_dropped_messages_total",
		Help: "Total outgoing messages dropped because the transmit buffer could not fit them.",
	})
	MessagesDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_dispatched_total",
		Help: "Total complete command blocks extracted from the receive buffer.",
	})
	MalformedBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_blocks_total",
		Help: "Total discarded malformed command blocks (bad framing or CRC).",
	})
	AdminCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admin_commands_total",
		Help: "Admin commands processed by code.",
	}, []string{"cmd"})
	AnnounceRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "announce_retries_total",
		Help: "Identity announces deferred because the bus was busy.",
	})
	AssignedID = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "node_assigned_id",
		Help: "Currently assigned bus address (0 = unassigned).",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrBusSend   = "bus_send"
	ErrBusRead   = "bus_read"
	ErrBusFilter = "bus_filter"
	ErrSerialIO  = "serial_io"
)

// Admin command label values.
const (
	CmdQueryUnassigned = "query_unassigned"
	CmdQuery           = "query"
	CmdSetNodeID       = "set_nodeid"
	CmdReboot          = "reboot"
	CmdUnknown         = "unknown"
)

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localBusRx       uint64
	localBusTx       uint64
	localRxBuffered  uint64
	localRxTruncated uint64
	localTxDropped   uint64
	localDispatched  uint64
	localMalformed   uint64
	localAdmin       uint64
	localAnnounceRe  uint64
	localErrors      uint64
	localAssignedID  uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	BusRx       uint64
	BusTx       uint64
	RxBuffered  uint64
	RxTruncated uint64
	TxDropped   uint64
	Dispatched  uint64
	Malformed   uint64
	Admin       uint64
	AnnounceRe  uint64
	Errors      uint64 // sum across error labels
	AssignedID  uint64
}

func Snap() Snapshot {
	return Snapshot{
		BusRx:       atomic.LoadUint64(&localBusRx),
		BusTx:       atomic.LoadUint64(&localBusTx),
		RxBuffered:  atomic.LoadUint64(&localRxBuffered),
		RxTruncated: atomic.LoadUint64(&localRxTruncated),
		TxDropped:   atomic.LoadUint64(&localTxDropped),
		Dispatched:  atomic.LoadUint64(&localDispatched),
		Malformed:   atomic.LoadUint64(&localMalformed),
		Admin:       atomic.LoadUint64(&localAdmin),
		AnnounceRe:  atomic.LoadUint64(&localAnnounceRe),
		Errors:      atomic.LoadUint64(&localErrors),
		AssignedID:  atomic.LoadUint64(&localAssignedID),
	}
}

// Wrapper helpers to keep call sites simple.
func IncBusRx() {
	BusRxFrames.Inc()
	atomic.AddUint64(&localBusRx, 1)
}

func IncBusTx() {
	BusTxFrames.Inc()
	atomic.AddUint64(&localBusTx, 1)
}

func AddRxBuffered(n int) {
	RxBufferedBytes.Add(float64(n))
	atomic.AddUint64(&localRxBuffered, uint64(n))
}

func AddRxTruncated(n int) {
	RxTruncatedBytes.Add(float64(n))
	atomic.AddUint64(&localRxTruncated, uint64(n))
}

func IncTxDropped() {
	TxDroppedMessages.Inc()
	atomic.AddUint64(&localTxDropped, 1)
}

func IncDispatched() {
	MessagesDispatched.Inc()
	atomic.AddUint64(&localDispatched, 1)
}

func IncMalformed() {
	MalformedBlocks.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncAdminCommand(cmd string) {
	AdminCommands.WithLabelValues(cmd).Inc()
	atomic.AddUint64(&localAdmin, 1)
}

func IncAnnounceRetry() {
	AnnounceRetries.Inc()
	atomic.AddUint64(&localAnnounceRe, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// SetAssignedID records the current bus address.
func SetAssignedID(id uint32) {
	AssignedID.Set(float64(id))
	atomic.StoreUint64(&localAssignedID, uint64(id))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common label series so the first increment does not
	// pay registration latency.
	for _, lbl := range []string{ErrBusSend, ErrBusRead, ErrBusFilter, ErrSerialIO} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, lbl := range []string{
		CmdQueryUnassigned, CmdQuery, CmdSetNodeID, CmdReboot, CmdUnknown,
	} {
		AdminCommands.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
