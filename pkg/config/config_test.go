package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap/zapcore"

	"team21/rawtcp/pkg/tcp_layer"
)

func writeEnvFile(c *qt.C, content string) string {
	path := filepath.Join(c.TempDir(), ".env")
	c.Assert(os.WriteFile(path, []byte(content), 0o600), qt.IsNil)
	return path
}

func clearEnv(c *qt.C) {
	for _, key := range []string{"IP_ADDR", "TRANSPORT", "UDP_ADDR", "NEIGHBOR", "ROUTE", "SEQ_POLICY", "LOG_LEVEL", "CONFIG"} {
		c.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestParseDefaults(t *testing.T) {
	c := qt.New(t)
	clearEnv(c)

	cfg, err := Parse("vhost", []string{"-ip-addr", "10.0.0.1", "-config", filepath.Join(c.TempDir(), "missing.env")})
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.IPAddr, qt.Equals, netip.MustParseAddr("10.0.0.1"))
	c.Assert(cfg.Transport, qt.Equals, TransportRaw)
	c.Assert(cfg.TCP, qt.Equals, tcp_layer.DefaultOptions())
	c.Assert(cfg.LogLevel, qt.Equals, zapcore.InfoLevel)
}

func TestParseMissingAddress(t *testing.T) {
	c := qt.New(t)
	clearEnv(c)

	_, err := Parse("vhost", []string{"-config", filepath.Join(c.TempDir(), "missing.env")})
	c.Assert(err, qt.ErrorIs, ErrConfigMissing)
}

func TestParseEnvFile(t *testing.T) {
	c := qt.New(t)
	clearEnv(c)
	path := writeEnvFile(c, `
# host A
IP_ADDR=10.0.0.1
transport=udp
UDP_ADDR=127.0.0.1:5001
NEIGHBOR=10.0.0.2=127.0.0.1:5002
RETRY_INTERVAL=250ms
SEQ_POLICY=legacy
LOG_LEVEL=debug
`)

	cfg, err := Parse("vhost", []string{"-config", path})
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.IPAddr, qt.Equals, netip.MustParseAddr("10.0.0.1"))
	c.Assert(cfg.Transport, qt.Equals, TransportUDP)
	c.Assert(cfg.UDPAddr, qt.Equals, netip.MustParseAddrPort("127.0.0.1:5001"))
	c.Assert(cfg.Neighbors, qt.CmpEquals(cmpopts.EquateComparable(netip.Addr{}, netip.AddrPort{})), []Neighbor{{
		VIP:     netip.MustParseAddr("10.0.0.2"),
		UDPAddr: netip.MustParseAddrPort("127.0.0.1:5002"),
	}})
	c.Assert(cfg.TCP.RetryInterval, qt.Equals, 250*time.Millisecond)
	c.Assert(cfg.TCP.SeqPolicy, qt.Equals, tcp_layer.SeqPolicyLegacy)
	c.Assert(cfg.LogLevel, qt.Equals, zapcore.DebugLevel)
}

func TestParsePrecedence(t *testing.T) {
	c := qt.New(t)
	clearEnv(c)
	path := writeEnvFile(c, "IP_ADDR=10.0.0.1\nMSS=1000\nSEND_RETRIES=9\n")
	c.Setenv("MSS", "1200")

	cfg, err := Parse("vhost", []string{"-config", path, "-ip-addr", "10.9.9.9"})
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.IPAddr, qt.Equals, netip.MustParseAddr("10.9.9.9"))
	c.Assert(cfg.TCP.MSS, qt.Equals, 1200)
	c.Assert(cfg.TCP.SendRetries, qt.Equals, 9)
}

func TestParseUDPRequiresAddress(t *testing.T) {
	c := qt.New(t)
	clearEnv(c)

	_, err := Parse("vhost", []string{"-ip-addr", "10.0.0.1", "-transport", "udp",
		"-config", filepath.Join(c.TempDir(), "missing.env")})
	c.Assert(err, qt.ErrorIs, ErrConfigMissing)
}

func TestParseRejectsBadValues(t *testing.T) {
	tests := map[string][]string{
		"ipv6 address":   {"-ip-addr", "::1"},
		"bad transport":  {"-ip-addr", "10.0.0.1", "-transport", "carrier-pigeon"},
		"bad seq policy": {"-ip-addr", "10.0.0.1", "-seq-policy", "loose"},
		"bad neighbor":   {"-ip-addr", "10.0.0.1", "-neighbor", "10.0.0.2"},
		"zero interval":  {"-ip-addr", "10.0.0.1", "-retry-interval", "0s"},
		"negative syns":  {"-ip-addr", "10.0.0.1", "-handshake-retries", "-1"},
		"negative sends": {"-ip-addr", "10.0.0.1", "-send-retries", "-2"},
		"negative fins":  {"-ip-addr", "10.0.0.1", "-teardown-retries", "-1"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			c := qt.New(t)
			clearEnv(c)
			_, err := Parse("vhost", append(args, "-config", filepath.Join(c.TempDir(), "missing.env")))
			c.Assert(err, qt.Not(qt.IsNil))
			c.Assert(err, qt.Not(qt.ErrorIs), ErrConfigMissing)
		})
	}
}

func TestParseNeighbor(t *testing.T) {
	c := qt.New(t)
	var list neighborList
	c.Assert(list.Set("10.0.0.2=127.0.0.1:5002, 10.0.0.3=127.0.0.1:5003"), qt.IsNil)
	c.Assert(list, qt.HasLen, 2)
	c.Assert(list.String(), qt.Equals, "10.0.0.2=127.0.0.1:5002,10.0.0.3=127.0.0.1:5003")

	_, err := ParseNeighbor("10.0.0.2=nowhere")
	c.Assert(err, qt.Not(qt.IsNil))
}
