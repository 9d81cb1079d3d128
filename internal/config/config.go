// Package config loads the supervisor's CLI + environment configuration:
// flags parse first, environment variables override second.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
)

// Config is the supervisor's fully resolved configuration. Every field
// has a CLI flag; the bearer token and verbosity also honor environment
// overrides.
type Config struct {
	ListenAddrs []string // listen port(s)
	Verbosity   int      // 0..4
	MaxClients  int
	WorkerCount int
	PoolSize    int // packet pool buffer count, default 16384
	HostFilter  string
	BearerToken string // r2h-token

	MulticastRejoin  time.Duration // 0 disables
	FCCNatMode       string        // "", "holepunch", "pmp"
	FCCPortRangeLo   int
	FCCPortRangeHi   int
	UnicastIface     string
	MulticastIface   string

	Respawn        bool
	RespawnBackoff time.Duration // linear backoff cap

	HighWatermark int64 // output queue high watermark, default 4 MiB
	LowWatermark  int64 // output queue low watermark, default 1 MiB

	OpenRouting bool // udpxy-style dynamic /rtp//udp//rtsp//http/ routing

	// Services declares inline services as "<path>=<scheme>://<target>"
	// pairs, e.g. "/channels/news=rtp://239.1.1.1:5000". An external
	// playlist importer would feed the same registry; this is the minimal
	// inline surface.
	Services []string

	TZOffset time.Duration // configured timezone offset for seek translation

	CtrlRPCAddr string // internal supervisor<->worker control plane address
}

// Default returns the configuration's zero-value-safe defaults.
func Default() *Config {
	return &Config{
		ListenAddrs:    []string{":8080"},
		Verbosity:      2,
		MaxClients:     1000,
		WorkerCount:    1,
		PoolSize:       16384,
		FCCPortRangeLo: 41000,
		FCCPortRangeHi: 41999,
		Respawn:        true,
		RespawnBackoff: 8 * time.Second,
		HighWatermark:  4 << 20,
		LowWatermark:   1 << 20,
		CtrlRPCAddr:    "127.0.0.1:41100",
	}
}

// Parse parses args (typically os.Args[1:]) into a Config seeded with
// Default(), then applies environment overrides: flags first, environment
// second.
func Parse(args []string) (*Config, error) {
	cfg := Default()
	fs := pflag.NewFlagSet("gatewayd", pflag.ContinueOnError)

	listen := fs.StringArray("listen", cfg.ListenAddrs, "listen address (repeatable)")
	verbosity := fs.IntP("verbosity", "v", cfg.Verbosity, "log verbosity 0..4")
	maxClients := fs.Int("max-clients", cfg.MaxClients, "maximum concurrent clients")
	workerCount := fs.Int("worker-count", cfg.WorkerCount, "number of worker processes")
	poolSize := fs.Int("pool-size", cfg.PoolSize, "packet pool buffer count")
	hostFilter := fs.String("host-filter", cfg.HostFilter, "required Host header substring, empty disables")
	bearerToken := fs.String("bearer-token", cfg.BearerToken, "required r2h-token bearer value, empty disables")
	rejoin := fs.Duration("multicast-rejoin", cfg.MulticastRejoin, "periodic multicast rejoin interval, 0 disables")
	fccNatMode := fs.String("fcc-nat-mode", cfg.FCCNatMode, "FCC NAT traversal mode: '', holepunch, pmp")
	fccPortLo := fs.Int("fcc-port-lo", cfg.FCCPortRangeLo, "FCC ephemeral port range low")
	fccPortHi := fs.Int("fcc-port-hi", cfg.FCCPortRangeHi, "FCC ephemeral port range high")
	unicastIface := fs.String("unicast-iface", cfg.UnicastIface, "interface name for unicast FCC sockets")
	multicastIface := fs.String("multicast-iface", cfg.MulticastIface, "interface name for multicast joins")
	respawn := fs.Bool("respawn", cfg.Respawn, "respawn crashed workers")
	respawnBackoff := fs.Duration("respawn-backoff", cfg.RespawnBackoff, "respawn backoff cap")
	highWM := fs.Int64("high-watermark", cfg.HighWatermark, "output queue high watermark bytes")
	lowWM := fs.Int64("low-watermark", cfg.LowWatermark, "output queue low watermark bytes")
	openRouting := fs.Bool("open-routing", cfg.OpenRouting, "enable udpxy-style dynamic routing")
	tzOffset := fs.Duration("tz-offset", cfg.TZOffset, "configured timezone offset for seek translation")
	ctrlAddr := fs.String("ctrlrpc-addr", cfg.CtrlRPCAddr, "internal control-plane listen address")
	services := fs.StringArray("service", cfg.Services, "inline service as <path>=<scheme>://<target> (repeatable)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.ListenAddrs = *listen
	cfg.Verbosity = *verbosity
	cfg.MaxClients = *maxClients
	cfg.WorkerCount = *workerCount
	cfg.PoolSize = *poolSize
	cfg.HostFilter = *hostFilter
	cfg.BearerToken = *bearerToken
	cfg.MulticastRejoin = *rejoin
	cfg.FCCNatMode = *fccNatMode
	cfg.FCCPortRangeLo = *fccPortLo
	cfg.FCCPortRangeHi = *fccPortHi
	cfg.UnicastIface = *unicastIface
	cfg.MulticastIface = *multicastIface
	cfg.Respawn = *respawn
	cfg.RespawnBackoff = *respawnBackoff
	cfg.HighWatermark = *highWM
	cfg.LowWatermark = *lowWM
	cfg.OpenRouting = *openRouting
	cfg.TZOffset = *tzOffset
	cfg.CtrlRPCAddr = *ctrlAddr
	cfg.Services = *services

	if v := os.Getenv("R2H_TOKEN"); v != "" {
		cfg.BearerToken = v
	}
	if v := os.Getenv("R2H_VERBOSITY"); v != "" {
		var parsed int
		if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil {
			cfg.Verbosity = parsed
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unusable configurations before the supervisor ever
// spawns a worker.
func (c *Config) Validate() error {
	if len(c.ListenAddrs) == 0 {
		return fmt.Errorf("config: at least one --listen address is required")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("config: --worker-count must be >= 1")
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("config: --pool-size must be >= 1")
	}
	if c.HighWatermark <= c.LowWatermark {
		return fmt.Errorf("config: --high-watermark (%d) must exceed --low-watermark (%d)", c.HighWatermark, c.LowWatermark)
	}
	if c.Verbosity < 0 || c.Verbosity > 4 {
		return fmt.Errorf("config: --verbosity must be in 0..4, got %d", c.Verbosity)
	}
	if c.FCCPortRangeLo > 0 && c.FCCPortRangeHi > 0 && c.FCCPortRangeLo > c.FCCPortRangeHi {
		return fmt.Errorf("config: --fcc-port-lo must be <= --fcc-port-hi")
	}
	return nil
}
