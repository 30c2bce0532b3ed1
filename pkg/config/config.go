// Package config loads a host's settings from command-line flags, the
// environment and a .env file, in that order of precedence.
package config

import (
	"flag"
	"io"
	"net/netip"
	"strings"

	"github.com/peterbourgon/ff/v3"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"

	"team21/rawtcp/pkg/tcp_layer"
)

var ErrConfigMissing = errors.New("missing required configuration")

const (
	TransportRaw = "raw"
	TransportUDP = "udp"

	DefaultConfigFile = ".env"
)

// Neighbor is a host reachable over the virtual link: its virtual IP and
// the UDP address its link layer is bound to.
type Neighbor struct {
	VIP     netip.Addr
	UDPAddr netip.AddrPort
}

type Config struct {
	IPAddr    netip.Addr
	Transport string

	// Virtual link only.
	UDPAddr      netip.AddrPort
	Neighbors    []Neighbor
	DefaultRoute netip.Addr

	TCP      tcp_layer.Options
	LogLevel zapcore.Level
}

type neighborList []Neighbor

func (n *neighborList) String() string {
	parts := make([]string, 0, len(*n))
	for _, nb := range *n {
		parts = append(parts, nb.VIP.String()+"="+nb.UDPAddr.String())
	}
	return strings.Join(parts, ",")
}

func (n *neighborList) Set(s string) error {
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		nb, err := ParseNeighbor(entry)
		if err != nil {
			return err
		}
		*n = append(*n, nb)
	}
	return nil
}

// ParseNeighbor parses "vip=host:port".
func ParseNeighbor(s string) (Neighbor, error) {
	vip, udp, ok := strings.Cut(s, "=")
	if !ok {
		return Neighbor{}, errors.Errorf("neighbor %q: want vip=host:port", s)
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(vip))
	if err != nil {
		return Neighbor{}, errors.Wrapf(err, "neighbor %q", s)
	}
	ap, err := netip.ParseAddrPort(strings.TrimSpace(udp))
	if err != nil {
		return Neighbor{}, errors.Wrapf(err, "neighbor %q", s)
	}
	return Neighbor{VIP: addr, UDPAddr: ap}, nil
}

// envFileParser reads KEY=VALUE lines, accepting both IP_ADDR and ip-addr
// spellings of a flag name.
func envFileParser(r io.Reader, set func(name, value string) error) error {
	return ff.EnvParser(r, func(name, value string) error {
		return set(strings.ReplaceAll(strings.ToLower(name), "_", "-"), value)
	})
}

// Parse builds a Config from args, the environment and the file named by
// -config (".env" by default, optional).
func Parse(name string, args []string) (*Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	defaults := tcp_layer.DefaultOptions()
	var (
		ipAddr       = fs.String("ip-addr", "", "local IPv4 address (required)")
		transport    = fs.String("transport", TransportRaw, "segment transport: raw or udp")
		udpAddr      = fs.String("udp-addr", "", "UDP address of the virtual link (udp transport)")
		defaultRoute = fs.String("route", "", "next hop for addresses without a neighbor entry (udp transport)")
		seqPolicy    = fs.String("seq-policy", defaults.SeqPolicy.String(), "sequence check: exact or legacy")
		_            = fs.String("config", DefaultConfigFile, "config file")
		neighbors    neighborList
		cfg          = &Config{TCP: defaults}
	)
	fs.Var(&neighbors, "neighbor", "virtual neighbor vip=host:port (repeatable, udp transport)")
	fs.DurationVar(&cfg.TCP.RetryInterval, "retry-interval", defaults.RetryInterval, "retransmission interval")
	fs.IntVar(&cfg.TCP.HandshakeRetries, "handshake-retries", defaults.HandshakeRetries, "SYN re-sends before giving up")
	fs.IntVar(&cfg.TCP.SendRetries, "send-retries", defaults.SendRetries, "data re-sends before giving up")
	fs.IntVar(&cfg.TCP.TeardownRetries, "teardown-retries", defaults.TeardownRetries, "FIN re-sends before giving up")
	fs.IntVar(&cfg.TCP.MSS, "mss", defaults.MSS, "maximum segment payload")
	fs.IntVar(&cfg.TCP.BufferSize, "window", defaults.BufferSize, "receive buffer size, the largest window advertised")
	fs.Var(&cfg.LogLevel, "log-level", "log level")

	err := ff.Parse(fs, args,
		ff.WithEnvVars(),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(envFileParser),
		ff.WithAllowMissingConfigFile(true),
		ff.WithIgnoreUndefined(true),
	)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	if *ipAddr == "" {
		return nil, errors.Wrap(ErrConfigMissing, "ip-addr")
	}
	if cfg.IPAddr, err = netip.ParseAddr(*ipAddr); err != nil || !cfg.IPAddr.Is4() {
		return nil, errors.Errorf("ip-addr %q is not an IPv4 address", *ipAddr)
	}
	if cfg.TCP.SeqPolicy, err = tcp_layer.ParseSeqPolicy(*seqPolicy); err != nil {
		return nil, err
	}
	if cfg.TCP.RetryInterval <= 0 {
		return nil, errors.Errorf("retry-interval must be positive, got %v", cfg.TCP.RetryInterval)
	}
	for name, n := range map[string]int{
		"handshake-retries": cfg.TCP.HandshakeRetries,
		"send-retries":      cfg.TCP.SendRetries,
		"teardown-retries":  cfg.TCP.TeardownRetries,
	} {
		if n < 0 {
			return nil, errors.Errorf("%s must not be negative, got %d", name, n)
		}
	}
	cfg.Neighbors = neighbors

	cfg.Transport = strings.ToLower(*transport)
	switch cfg.Transport {
	case TransportRaw:
	case TransportUDP:
		if *udpAddr == "" {
			return nil, errors.Wrap(ErrConfigMissing, "udp-addr")
		}
		if cfg.UDPAddr, err = netip.ParseAddrPort(*udpAddr); err != nil {
			return nil, errors.Wrap(err, "udp-addr")
		}
		if *defaultRoute != "" {
			if cfg.DefaultRoute, err = netip.ParseAddr(*defaultRoute); err != nil {
				return nil, errors.Wrap(err, "route")
			}
		}
	default:
		return nil, errors.Errorf("unknown transport %q", *transport)
	}
	return cfg, nil
}

