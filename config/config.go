// Package config loads the settings of a ports daemon from .env files and
// PORTS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"

	"github.com/sarchlab/ports/naming"
	"github.com/sarchlab/ports/ports"
)

// Environment variables read by Load.
const (
	EnvNodeName          = "PORTS_NODE_NAME"
	EnvListenAddr        = "PORTS_LISTEN_ADDR"
	EnvPeers             = "PORTS_PEERS"
	EnvMonitorPort       = "PORTS_MONITOR_PORT"
	EnvTraceDB           = "PORTS_TRACE_DB"
	EnvLogLevel          = "PORTS_LOG_LEVEL"
	EnvCompressThreshold = "PORTS_COMPRESS_THRESHOLD"
)

// MonitorDisabled as the monitor port turns the monitor off.
const MonitorDisabled = -1

// Peer is a remote node and the address its transport listens on.
type Peer struct {
	Name ports.NodeName
	Addr string
}

func (p Peer) String() string {
	return p.Name.String() + "@" + p.Addr
}

// Config holds the settings of one node process.
type Config struct {
	NodeName   ports.NodeName
	ListenAddr string
	Peers      []Peer

	// MonitorPort of zero picks a free port.
	MonitorPort int

	// TraceDB is the path of the trace recording, without the .sqlite3
	// suffix. Empty disables tracing.
	TraceDB string

	LogLevel          string
	CompressThreshold int
}

// Default returns the settings used when nothing is configured. The node
// name is drawn at random.
func Default() Config {
	return Config{
		NodeName:          ports.MakeNodeName(naming.NewRandomGenerator().Generate()),
		ListenAddr:        "127.0.0.1:7400",
		MonitorPort:       MonitorDisabled,
		LogLevel:          "info",
		CompressThreshold: 4096,
	}
}

// Load reads the given .env files, or ./.env if present and no file is
// given, and then builds a Config from the environment. Variables already
// set in the environment win over the files.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			files = []string{".env"}
		}
	}

	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return Config{}, fmt.Errorf("loading env files: %w", err)
		}
	}

	return FromEnv()
}

// FromEnv builds a Config from PORTS_* environment variables on top of the
// defaults.
func FromEnv() (Config, error) {
	c := Default()

	var errs error

	if v, ok := os.LookupEnv(EnvNodeName); ok {
		name, err := naming.Parse(v)
		errs = multierr.Append(errs, wrapEnv(EnvNodeName, err))
		c.NodeName = ports.MakeNodeName(name)
	}

	if v, ok := os.LookupEnv(EnvListenAddr); ok {
		c.ListenAddr = v
	}

	if v, ok := os.LookupEnv(EnvPeers); ok {
		peers, err := ParsePeers(v)
		errs = multierr.Append(errs, wrapEnv(EnvPeers, err))
		c.Peers = peers
	}

	if v, ok := os.LookupEnv(EnvMonitorPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		errs = multierr.Append(errs, wrapEnv(EnvMonitorPort, err))
		c.MonitorPort = port
	}

	if v, ok := os.LookupEnv(EnvTraceDB); ok {
		c.TraceDB = v
	}

	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		c.LogLevel = v
	}

	if v, ok := os.LookupEnv(EnvCompressThreshold); ok {
		threshold, err := strconv.Atoi(v)
		errs = multierr.Append(errs, wrapEnv(EnvCompressThreshold, err))
		c.CompressThreshold = threshold
	}

	if errs != nil {
		return Config{}, errs
	}

	return c, nil
}

func wrapEnv(name string, err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// ParsePeers parses a comma-separated list of name@host:port entries.
func ParsePeers(s string) ([]Peer, error) {
	var peers []Peer

	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		name, addr, found := strings.Cut(entry, "@")
		if !found {
			return nil, fmt.Errorf("peer %q must look like name@host:port", entry)
		}

		n, err := naming.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("peer %q: %w", entry, err)
		}

		peers = append(peers, Peer{Name: ports.MakeNodeName(n), Addr: addr})
	}

	return peers, nil
}

// WithNodeName sets the node name.
func (c Config) WithNodeName(name ports.NodeName) Config {
	c.NodeName = name
	return c
}

// WithListenAddr sets the address the transport listens on.
func (c Config) WithListenAddr(addr string) Config {
	c.ListenAddr = addr
	return c
}

// WithPeers replaces the peers.
func (c Config) WithPeers(peers ...Peer) Config {
	c.Peers = peers
	return c
}

// WithMonitorPort sets the monitor port.
func (c Config) WithMonitorPort(port int) Config {
	c.MonitorPort = port
	return c
}

// WithTraceDB sets where traces are recorded.
func (c Config) WithTraceDB(path string) Config {
	c.TraceDB = path
	return c
}

// WithLogLevel sets the log level.
func (c Config) WithLogLevel(level string) Config {
	c.LogLevel = level
	return c
}

// WithCompressThreshold sets the payload size above which payloads are
// compressed on the wire.
func (c Config) WithCompressThreshold(threshold int) Config {
	c.CompressThreshold = threshold
	return c
}

// MonitorEnabled tells whether a monitor should be served.
func (c Config) MonitorEnabled() bool {
	return c.MonitorPort != MonitorDisabled
}

// Validate reports every problem of the config.
func (c Config) Validate() error {
	var errs error

	if !c.NodeName.IsValid() {
		errs = multierr.Append(errs, errors.New("node name is not valid"))
	}

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		errs = multierr.Append(errs,
			fmt.Errorf("listen address %q: %w", c.ListenAddr, err))
	}

	seen := make(map[ports.NodeName]bool)
	for _, p := range c.Peers {
		switch {
		case !p.Name.IsValid():
			errs = multierr.Append(errs, fmt.Errorf("peer %s: invalid name", p))
		case p.Name == c.NodeName:
			errs = multierr.Append(errs,
				fmt.Errorf("peer %s: has the name of this node", p))
		case seen[p.Name]:
			errs = multierr.Append(errs, fmt.Errorf("peer %s: listed twice", p))
		}

		seen[p.Name] = true

		if _, _, err := net.SplitHostPort(p.Addr); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("peer %s: %w", p, err))
		}
	}

	if c.MonitorPort < MonitorDisabled || c.MonitorPort > 65535 {
		errs = multierr.Append(errs,
			fmt.Errorf("monitor port %d out of range", c.MonitorPort))
	}

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = multierr.Append(errs, err)
	}

	return errs
}
