// Package siloconf loads the runtime's tunable options from environment
// variables, following the teacher's getenv(key, default) idiom
// (cmd/coordinator/main.go, cmd/node/main.go) rather than a config-file
// loading library — config loading is explicitly out of scope per
// spec.md §1, and the teacher's own approach is this minimal.
package siloconf

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable named in spec.md §6.
type Config struct {
	// CollectionQuantum is the granularity of the activation time-wheel.
	CollectionQuantum time.Duration

	// CollectionAgeDefault is the default idle time before an activation
	// becomes eligible for collection.
	CollectionAgeDefault time.Duration

	// CollectionAgePerType overrides CollectionAgeDefault per grain
	// class. Populated programmatically, not from the environment.
	CollectionAgePerType map[string]time.Duration

	// HopLimit bounds directory forwarding hops (spec.md §4.3).
	HopLimit int

	// ResponseTimeout is the default per-call deadline.
	ResponseTimeout time.Duration

	// ClientDropTimeout bounds how long a disconnected gateway client's
	// state is retained for a reconnect.
	ClientDropTimeout time.Duration

	// MaxForwardCount bounds cache-invalidation retries on one call.
	MaxForwardCount int

	// InitialStabilizationTimeout bounds how long a newly joined silo
	// waits for a handoff split before serving directory reads.
	InitialStabilizationTimeout time.Duration

	// ReentrancyDefault is the default reentrancy mode for grain classes
	// that don't opt in explicitly.
	ReentrancyDefault bool

	// ReentrancyPerType overrides ReentrancyDefault per grain class.
	// Populated programmatically, not from the environment.
	ReentrancyPerType map[string]bool

	// SchedulerWorkers sizes the shared per-silo worker pool. Zero means
	// "use DefaultSchedulerWorkers()".
	SchedulerWorkers int

	// RefreshBackoffBase is loaded from the environment, but no
	// component reads it: the directory makes no membership-refresh
	// retry (DESIGN.md Open Question: "directory-refresh backoff
	// schedule").
	RefreshBackoffBase time.Duration

	// MembershipProvider names the backing membership collaborator
	// (spec.md §6); Silomesh's own in-process implementation is named
	// "native" and is the only one this repo wires up.
	MembershipProvider string

	// SiloListen is the address this process's silo-to-silo transport
	// listens on (cmd/silo). Hosting/CLI concerns are out of scope per
	// spec.md §1, but a bind address is the one piece cmd/silo cannot
	// run without, the same way the teacher's NODE_LISTEN is.
	SiloListen string

	// SiloPublicAddr is this silo's address as known to the rest of the
	// cluster — distinct from SiloListen the way the teacher's NODE_ADDR
	// differs from NODE_LISTEN (e.g. behind NAT, or a different
	// advertised hostname).
	SiloPublicAddr string

	// GatewayListen is the address internal/gateway's client-facing
	// listener binds to. Empty disables the gateway in this process
	// (a directory-and-dispatch-only silo in a split deployment).
	GatewayListen string

	// SeedSilos lists peer endpoints, analogous to the teacher's
	// COORDINATOR_ADDR but plural since Silomesh has no single
	// coordinator. cmd/silo only logs them (see joinSeeds); no join is
	// attempted through a seed.
	SeedSilos []string
}

// Default returns the out-of-the-box configuration used when no
// environment overrides are present.
func Default() Config {
	return Config{
		CollectionQuantum:          time.Minute,
		CollectionAgeDefault:       10 * time.Minute,
		CollectionAgePerType:       map[string]time.Duration{},
		HopLimit:                   6,
		ResponseTimeout:            30 * time.Second,
		ClientDropTimeout:          2 * time.Minute,
		MaxForwardCount:            3,
		InitialStabilizationTimeout: 80 * 50 * time.Millisecond,
		ReentrancyDefault:          false,
		ReentrancyPerType:          map[string]bool{},
		SchedulerWorkers:           0,
		RefreshBackoffBase:         50 * time.Millisecond,
		MembershipProvider:         "native",
		SiloListen:                 ":7000",
		SiloPublicAddr:             "127.0.0.1:7000",
	}
}

// FromEnv overlays environment-variable overrides onto Default(),
// mirroring the teacher's getenv(key, default) call sites but collecting
// every recognized option from spec.md §6 in one pass.
func FromEnv() Config {
	c := Default()

	if v := getenvDuration("SILO_COLLECTION_QUANTUM", 0); v > 0 {
		c.CollectionQuantum = v
	}
	if v := getenvDuration("SILO_COLLECTION_AGE_DEFAULT", 0); v > 0 {
		c.CollectionAgeDefault = v
	}
	if v := getenvInt("SILO_HOP_LIMIT", -1); v >= 0 {
		c.HopLimit = v
	}
	if v := getenvDuration("SILO_RESPONSE_TIMEOUT", 0); v > 0 {
		c.ResponseTimeout = v
	}
	if v := getenvDuration("SILO_CLIENT_DROP_TIMEOUT", 0); v > 0 {
		c.ClientDropTimeout = v
	}
	if v := getenvInt("SILO_MAX_FORWARD_COUNT", -1); v >= 0 {
		c.MaxForwardCount = v
	}
	if v := getenvDuration("SILO_INITIAL_STABILIZATION_TIMEOUT", 0); v > 0 {
		c.InitialStabilizationTimeout = v
	}
	if v := os.Getenv("SILO_REENTRANCY_DEFAULT"); v != "" {
		c.ReentrancyDefault = v == "true" || v == "1"
	}
	if v := getenvInt("SILO_SCHEDULER_WORKERS", 0); v > 0 {
		c.SchedulerWorkers = v
	}
	if v := getenvDuration("SILO_REFRESH_BACKOFF_BASE", 0); v > 0 {
		c.RefreshBackoffBase = v
	}
	if v := os.Getenv("SILO_MEMBERSHIP_PROVIDER"); v != "" {
		c.MembershipProvider = v
	}
	if v := os.Getenv("SILO_LISTEN"); v != "" {
		c.SiloListen = v
	}
	if v := os.Getenv("SILO_PUBLIC_ADDR"); v != "" {
		c.SiloPublicAddr = v
	}
	if v := os.Getenv("SILO_GATEWAY_LISTEN"); v != "" {
		c.GatewayListen = v
	}
	if v := os.Getenv("SILO_SEEDS"); v != "" {
		c.SeedSilos = strings.Split(v, ",")
	}

	return c
}

// CollectionAgeFor returns the configured idle age for a grain class,
// falling back to CollectionAgeDefault when no per-type override exists.
func (c Config) CollectionAgeFor(grainType string) time.Duration {
	if age, ok := c.CollectionAgePerType[grainType]; ok {
		return age
	}
	return c.CollectionAgeDefault
}

// ReentrantFor returns whether grainType's activations should be
// marked reentrant, falling back to ReentrancyDefault when no per-type
// override exists (spec.md §6 "reentrancy").
func (c Config) ReentrantFor(grainType string) bool {
	if v, ok := c.ReentrancyPerType[grainType]; ok {
		return v
	}
	return c.ReentrancyDefault
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	raw := getenv(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func getenvInt(key string, def int) int {
	raw := getenv(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
