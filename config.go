package main

import (
	"fmt"
	"strconv"
	"time"

	flags "github.com/jessevdk/go-flags"
)

// Default values for the tunables suggested in spec.md §5. All are
// expressed as flags instead of constants the way lnd.go's config makes
// PeerPort/Profile/DataDir overridable rather than hardcoded.
const (
	defaultPeerPortBase  = 10000
	defaultMakerPortBase = 20000

	defaultTInit       = 500 * time.Millisecond
	defaultTMax        = 3_600_000 * time.Millisecond
	defaultTClean      = 4_000 * time.Millisecond
	defaultTChan       = 22_000 * time.Millisecond
	defaultTSpendFirst = 21_000 * time.Millisecond
	defaultTSpendIdle  = 500 * time.Millisecond

	defaultLogLevel = "info"
)

// config holds every boot-time parameter for one site's coffeed process.
// The two positional arguments reproduce spec.md §6's CLI contract exactly
// ("server <my_id> <peer_count>"); everything else is an optional flag with
// a spec-suggested default, grounded on lnd.go's loadConfig/config struct
// using github.com/jessevdk/go-flags struct tags.
type config struct {
	MyID      uint64 `positional-arg-name:"my_id" description:"this site's id, 0..peer_count-1"`
	PeerCount uint64 `positional-arg-name:"peer_count" description:"number of sites in the ring"`

	PeerPortBase  int `long:"peer-port-base" default:"10000" description:"base TCP port for ring links; this site listens on base+my_id"`
	MakerPortBase int `long:"maker-port-base" default:"20000" description:"base TCP port for coffee-maker connections; this site listens on base+my_id"`

	TInit       time.Duration `long:"t-init" description:"initial ring join backoff"`
	TMax        time.Duration `long:"t-max" description:"maximum ring join backoff"`
	TClean      time.Duration `long:"t-clean" description:"backoff threshold at which offline cleanup fires"`
	TChan       time.Duration `long:"t-chan" description:"outbound idle guard timeout"`
	TSpendFirst time.Duration `long:"t-spend-first" description:"timeout waiting for the first spend-phase response"`
	TSpendIdle  time.Duration `long:"t-spend-idle" description:"idle timeout between subsequent spend-phase responses"`

	LogDir   string `long:"log-dir" description:"directory for the rotating log file; empty disables file logging"`
	LogLevel string `long:"log-level" default:"info" description:"log level for all subsystems: trace, debug, info, warn, error, critical"`

	DebugHTTP string `long:"debug-http" description:"if set, host pprof and metrics on this address, e.g. localhost:6060"`
}

// loadConfig parses os.Args (or the given args, for tests) and fills in any
// flag left at its zero value with the spec.md §5 suggested default.
// Mirrors lnd.go's loadConfig() error contract: a *flags.Error with
// Type == flags.ErrHelp means "already printed usage, exit 0".
func loadConfig(args []string) (*config, error) {
	cfg := &config{}
	parser := flags.NewParser(cfg, flags.Default)
	rest, err := parser.ParseArgs(args)
	if err != nil {
		return nil, err
	}

	// go-flags binds positional arguments only inside a positional-args
	// struct, so my_id and peer_count are read from the leftover args.
	if len(rest) != 2 {
		return nil, fmt.Errorf("usage: coffeed <my_id> <peer_count>")
	}
	if cfg.MyID, err = strconv.ParseUint(rest[0], 10, 64); err != nil {
		return nil, fmt.Errorf("invalid my_id %q: %w", rest[0], err)
	}
	if cfg.PeerCount, err = strconv.ParseUint(rest[1], 10, 64); err != nil {
		return nil, fmt.Errorf("invalid peer_count %q: %w", rest[1], err)
	}

	if cfg.PeerCount == 0 {
		return nil, fmt.Errorf("peer_count must be >= 1")
	}
	if cfg.MyID >= cfg.PeerCount {
		return nil, fmt.Errorf("my_id %d out of range for peer_count %d", cfg.MyID, cfg.PeerCount)
	}

	applyDefault(&cfg.TInit, defaultTInit)
	applyDefault(&cfg.TMax, defaultTMax)
	applyDefault(&cfg.TClean, defaultTClean)
	applyDefault(&cfg.TChan, defaultTChan)
	applyDefault(&cfg.TSpendFirst, defaultTSpendFirst)
	applyDefault(&cfg.TSpendIdle, defaultTSpendIdle)

	return cfg, nil
}

func applyDefault(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// peerAddr returns the ring-link address for site id, spec.md §6
// "peer_addr(id) = 127.0.0.1:(10000+id)".
func (c *config) peerAddr(id uint64) string {
	return fmt.Sprintf("127.0.0.1:%d", c.PeerPortBase+int(id))
}

// makerAddr returns the coffee-maker listen address for site id, spec.md §6
// "maker_addr(id) = 127.0.0.1:(20000+id)".
func (c *config) makerAddr(id uint64) string {
	return fmt.Sprintf("127.0.0.1:%d", c.MakerPortBase+int(id))
}
