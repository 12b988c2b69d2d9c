package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type appConfig struct {
	backend         string
	canIf           string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	uuid            string
	schedPeriod     time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

// fileConfig mirrors appConfig for the optional TOML file. Durations
// are Go duration strings ("50ms").
type fileConfig struct {
	Backend         string `toml:"backend"`
	CANIf           string `toml:"can_if"`
	SerialDev       string `toml:"serial"`
	Baud            int    `toml:"baud"`
	SerialReadTO    string `toml:"serial_read_timeout"`
	UUID            string `toml:"uuid"`
	SchedPeriod     string `toml:"sched_period"`
	LogFormat       string `toml:"log_format"`
	LogLevel        string `toml:"log_level"`
	MetricsAddr     string `toml:"metrics_addr"`
	LogMetricsEvery string `toml:"log_metrics_interval"`
	MDNSEnable      *bool  `toml:"mdns_enable"`
	MDNSName        string `toml:"mdns_name"`
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	backend := flag.String("backend", "socketcan", "CAN backend: socketcan|serial (default socketcan)")
	canIf := flag.String("can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path (when --backend=serial)")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	uuid := flag.String("uuid", "", "Node UUID, 6 bytes hex (e.g. aa:bb:cc:dd:ee:ff); empty derives one from the machine ID")
	schedPeriod := flag.Duration("sched-period", time.Millisecond, "Cooperative scheduler poll period")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement of the metrics endpoint")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default can-node-<hostname>)")
	configFile := flag.String("config", "", "Optional TOML config file (flags and env take precedence)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env/file.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.backend = *backend
	cfg.canIf = *canIf
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.uuid = *uuid
	cfg.schedPeriod = *schedPeriod
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if *configFile != "" {
		if err := applyFile(cfg, *configFile, setFlags); err != nil {
			fmt.Printf("config file error: %v\n", err)
			return nil, *showVersion
		}
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners - only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "serial", "socketcan":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.schedPeriod <= 0 {
		return fmt.Errorf("sched-period must be > 0")
	}
	if c.uuid != "" {
		if _, err := parseUUID(c.uuid); err != nil {
			return fmt.Errorf("invalid uuid: %w", err)
		}
	}
	return nil
}

// applyFile loads the TOML file and fills every field whose flag was
// not explicitly set. Env overrides are applied afterwards, so the
// effective precedence is flag > env > file > default.
func applyFile(c *appConfig, path string, set map[string]struct{}) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return err
	}
	dur := func(s, name string) (time.Duration, error) {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", name, err)
		}
		return d, nil
	}
	if _, ok := set["backend"]; !ok && fc.Backend != "" {
		c.backend = fc.Backend
	}
	if _, ok := set["can-if"]; !ok && fc.CANIf != "" {
		c.canIf = fc.CANIf
	}
	if _, ok := set["serial"]; !ok && fc.SerialDev != "" {
		c.serialDev = fc.SerialDev
	}
	if _, ok := set["baud"]; !ok && fc.Baud > 0 {
		c.baud = fc.Baud
	}
	if _, ok := set["serial-read-timeout"]; !ok && fc.SerialReadTO != "" {
		d, err := dur(fc.SerialReadTO, "serial_read_timeout")
		if err != nil {
			return err
		}
		c.serialReadTO = d
	}
	if _, ok := set["uuid"]; !ok && fc.UUID != "" {
		c.uuid = fc.UUID
	}
	if _, ok := set["sched-period"]; !ok && fc.SchedPeriod != "" {
		d, err := dur(fc.SchedPeriod, "sched_period")
		if err != nil {
			return err
		}
		c.schedPeriod = d
	}
	if _, ok := set["log-format"]; !ok && fc.LogFormat != "" {
		c.logFormat = fc.LogFormat
	}
	if _, ok := set["log-level"]; !ok && fc.LogLevel != "" {
		c.logLevel = fc.LogLevel
	}
	if _, ok := set["metrics-addr"]; !ok && fc.MetricsAddr != "" {
		c.metricsAddr = fc.MetricsAddr
	}
	if _, ok := set["log-metrics-interval"]; !ok && fc.LogMetricsEvery != "" {
		d, err := dur(fc.LogMetricsEvery, "log_metrics_interval")
		if err != nil {
			return err
		}
		c.logMetricsEvery = d
	}
	if _, ok := set["mdns-enable"]; !ok && fc.MDNSEnable != nil {
		c.mdnsEnable = *fc.MDNSEnable
	}
	if _, ok := set["mdns-name"]; !ok && fc.MDNSName != "" {
		c.mdnsName = fc.MDNSName
	}
	return nil
}

// applyEnvOverrides maps CAN_NODE_* environment variables to config fields
// unless a corresponding flag was explicitly set. Boolean & numeric parsing is lax:
// empty values ignored. Duration accepts Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["backend"]; !ok {
		if v, ok := get("CAN_NODE_BACKEND"); ok && v != "" {
			c.backend = v
		}
	}
	if _, ok := set["can-if"]; !ok {
		if v, ok := get("CAN_NODE_IF"); ok && v != "" {
			c.canIf = v
		}
	}
	if _, ok := set["serial"]; !ok {
		if v, ok := get("CAN_NODE_SERIAL"); ok && v != "" {
			c.serialDev = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("CAN_NODE_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_NODE_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["serial-read-timeout"]; !ok {
		if v, ok := get("CAN_NODE_SERIAL_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.serialReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_NODE_SERIAL_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["uuid"]; !ok {
		if v, ok := get("CAN_NODE_UUID"); ok && v != "" {
			c.uuid = v
		}
	}
	if _, ok := set["sched-period"]; !ok {
		if v, ok := get("CAN_NODE_SCHED_PERIOD"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.schedPeriod = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_NODE_SCHED_PERIOD: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CAN_NODE_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CAN_NODE_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CAN_NODE_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CAN_NODE_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_NODE_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CAN_NODE_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("CAN_NODE_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}
