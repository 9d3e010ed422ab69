package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	deviceName      string
	baud            int
	dbcPath         string
	mdfOutPath      string
	mdfProgramID    string
	busChannel      int
	messageTimeout  time.Duration
	listenAddr      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	device := flag.String("device", "can0", "CAN device name (socketcan interface, e.g. can0, or a serial path, e.g. /dev/ttyUSB0)")
	baud := flag.Int("baud", 115200, "Serial baud rate (SLCAN devices only)")
	dbcPath := flag.String("dbc", "", "Path to the DBC file describing messages and signals")
	mdfOut := flag.String("mdf-out", "", "Path of an MDF v4.11 CAN-bus log file to create (an existing file is truncated) and log received frames to; empty disables logging")
	mdfProgramID := flag.String("mdf-program-id", "cantoolkit", "Program identifier recorded in the MDF file header")
	busChannel := flag.Int("bus-channel", 0, "Bus channel number recorded in MDF records (0..3)")
	messageTimeout := flag.Duration("message-timeout", 2*time.Second, "Freshness window applied to decoded signals after each receive")
	listen := flag.String("listen", ":20000", "TCP listen address")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	hubBuf := flag.Int("hub-buffer", 512, "Per-client hub buffer (frames)")
	hubPolicy := flag.String("hub-policy", "drop", "Backpressure policy: drop|kick")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	maxClients := flag.Int("max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	handshakeTO := flag.Duration("handshake-timeout", 3*time.Second, "Client handshake timeout")
	clientReadTO := flag.Duration("client-read-timeout", 60*time.Second, "Per-connection read deadline")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default can-gatewayd-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.deviceName = *device
	cfg.baud = *baud
	cfg.dbcPath = *dbcPath
	cfg.mdfOutPath = *mdfOut
	cfg.mdfProgramID = *mdfProgramID
	cfg.busChannel = *busChannel
	cfg.messageTimeout = *messageTimeout
	cfg.listenAddr = *listen
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.hubBuffer = *hubBuf
	cfg.hubPolicy = *hubPolicy
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.maxClients = *maxClients
	cfg.handshakeTO = *handshakeTO
	cfg.clientReadTO = *clientReadTO
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

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
// It does not attempt to open devices or listeners – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.deviceName == "" {
		return errors.New("device must not be empty")
	}
	if c.dbcPath == "" {
		return errors.New("dbc path must not be empty")
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
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.busChannel < 0 || c.busChannel > 3 {
		return fmt.Errorf("bus-channel must be in 0..3 (got %d)", c.busChannel)
	}
	if c.messageTimeout <= 0 {
		return errors.New("message-timeout must be > 0")
	}
	if c.handshakeTO <= 0 {
		return errors.New("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return errors.New("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return errors.New("max-clients must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps CAN_GATEWAY_* environment variables to config
// fields unless a corresponding flag was explicitly set. Boolean & numeric
// parsing is lax: empty values ignored. Duration accepts Go
// time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	setErr := func(name string, err error) {
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if _, ok := set["device"]; !ok {
		if v, ok := get("CAN_GATEWAY_DEVICE"); ok && v != "" {
			c.deviceName = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("CAN_GATEWAY_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else {
				setErr("CAN_GATEWAY_BAUD", err)
			}
		}
	}
	if _, ok := set["dbc"]; !ok {
		if v, ok := get("CAN_GATEWAY_DBC"); ok && v != "" {
			c.dbcPath = v
		}
	}
	if _, ok := set["mdf-out"]; !ok {
		if v, ok := get("CAN_GATEWAY_MDF_OUT"); ok {
			c.mdfOutPath = v
		}
	}
	if _, ok := set["mdf-program-id"]; !ok {
		if v, ok := get("CAN_GATEWAY_MDF_PROGRAM_ID"); ok && v != "" {
			c.mdfProgramID = v
		}
	}
	if _, ok := set["bus-channel"]; !ok {
		if v, ok := get("CAN_GATEWAY_BUS_CHANNEL"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.busChannel = n
			} else {
				setErr("CAN_GATEWAY_BUS_CHANNEL", err)
			}
		}
	}
	if _, ok := set["message-timeout"]; !ok {
		if v, ok := get("CAN_GATEWAY_MESSAGE_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.messageTimeout = d
			} else {
				setErr("CAN_GATEWAY_MESSAGE_TIMEOUT", err)
			}
		}
	}
	if _, ok := set["listen"]; !ok {
		if v, ok := get("CAN_GATEWAY_LISTEN"); ok && v != "" {
			c.listenAddr = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CAN_GATEWAY_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CAN_GATEWAY_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CAN_GATEWAY_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["hub-buffer"]; !ok {
		if v, ok := get("CAN_GATEWAY_HUB_BUFFER"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.hubBuffer = n
			} else {
				setErr("CAN_GATEWAY_HUB_BUFFER", err)
			}
		}
	}
	if _, ok := set["hub-policy"]; !ok {
		if v, ok := get("CAN_GATEWAY_HUB_POLICY"); ok && v != "" {
			c.hubPolicy = v
		}
	}
	if _, ok := set["max-clients"]; !ok {
		if v, ok := get("CAN_GATEWAY_MAX_CLIENTS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.maxClients = n
			} else {
				setErr("CAN_GATEWAY_MAX_CLIENTS", err)
			}
		}
	}
	if _, ok := set["handshake-timeout"]; !ok {
		if v, ok := get("CAN_GATEWAY_HANDSHAKE_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.handshakeTO = d
			} else {
				setErr("CAN_GATEWAY_HANDSHAKE_TIMEOUT", err)
			}
		}
	}
	if _, ok := set["client-read-timeout"]; !ok {
		if v, ok := get("CAN_GATEWAY_CLIENT_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.clientReadTO = d
			} else {
				setErr("CAN_GATEWAY_CLIENT_READ_TIMEOUT", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CAN_GATEWAY_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("CAN_GATEWAY_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CAN_GATEWAY_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else {
				setErr("CAN_GATEWAY_LOG_METRICS_INTERVAL", err)
			}
		}
	}
	return firstErr
}
