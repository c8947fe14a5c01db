package cfg

import (
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cespare/xxhash/v2"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// Member roles accepted in configuration
const (
	RoleNormal   = "normal"
	RoleLocator  = "locator"
	RoleAdmin    = "admin"
	RoleIsolated = "isolated"
)

// MembershipConfiguration controls the local member and the failure detector
type MembershipConfiguration struct {
	BindAddress             string `toml:"bind_address"`
	AdvertiseAddress        string `toml:"advertise_address"` // IP other members use to reach us (defaults to first non-loopback IP)
	Port                    int    `toml:"port"`              // TCP (gRPC/HTTP) and UDP (probes) share this port number
	Role                    string `toml:"role"`
	MemberWeight            int    `toml:"member_weight"`
	PreferredForCoordinator bool   `toml:"preferred_for_coordinator"`
	Locators                string `toml:"locators"` // host[port],host[port]

	MemberTimeoutMS             int `toml:"member_timeout_ms"`
	LogicalInterval             int `toml:"logical_interval"`
	SuspectCollectionIntervalMS int `toml:"suspect_collection_interval_ms"`
	FinalCheckTimeoutMS         int `toml:"final_check_timeout_ms"`
	RemovedMemberCacheSize      int `toml:"removed_member_cache_size"`
}

// QuorumConfiguration controls the partition arbiter
type QuorumConfiguration struct {
	PartitionThresholdPercent int `toml:"partition_threshold_percent"`
	CheckTimeoutMS            int `toml:"check_timeout_ms"`
	PollIntervalMS            int `toml:"poll_interval_ms"`
}

// TransportConfiguration controls the gRPC messenger
type TransportConfiguration struct {
	SendTimeoutMS           int `toml:"send_timeout_ms"`
	KeepaliveTimeSeconds    int `toml:"keepalive_time_seconds"`
	KeepaliveTimeoutSeconds int `toml:"keepalive_timeout_seconds"`
	CompressionLevel        int `toml:"compression_level"` // 0 disables zstd, 1-4 map to zstd speed levels
}

// ClusterAuthConfiguration holds the shared cluster secret
type ClusterAuthConfiguration struct {
	Secret string `toml:"secret"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeName string `toml:"node_name"`

	Membership  MembershipConfiguration  `toml:"membership"`
	Quorum      QuorumConfiguration      `toml:"quorum"`
	Transport   TransportConfiguration   `toml:"transport"`
	ClusterAuth ClusterAuthConfiguration `toml:"cluster_auth"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	NodeNameFlag   = flag.String("node-name", "", "Node name (overrides config, empty=auto)")
	PortFlag       = flag.Int("port", 0, "Membership port (overrides config)")
	LocatorsFlag   = flag.String("locators", "", "Locators host[port],... (overrides config)")
)

// Config is the active configuration, pre-populated with defaults
var Config = Default()

// Default returns a configuration populated with default values
func Default() *Configuration {
	return &Configuration{
		Membership: MembershipConfiguration{
			BindAddress:                 "0.0.0.0",
			Port:                        10334,
			Role:                        RoleNormal,
			MemberWeight:                0,
			MemberTimeoutMS:             5000,
			LogicalInterval:             2,
			SuspectCollectionIntervalMS: 200,
			FinalCheckTimeoutMS:         1000,
			RemovedMemberCacheSize:      1024,
		},

		Quorum: QuorumConfiguration{
			PartitionThresholdPercent: 51,
			CheckTimeoutMS:            5000,
			PollIntervalMS:            500,
		},

		Transport: TransportConfiguration{
			SendTimeoutMS:           2000,
			KeepaliveTimeSeconds:    10,
			KeepaliveTimeoutSeconds: 3,
			CompressionLevel:        0,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *NodeNameFlag != "" {
		Config.NodeName = *NodeNameFlag
	}
	if *PortFlag != 0 {
		Config.Membership.Port = *PortFlag
	}
	if *LocatorsFlag != "" {
		Config.Membership.Locators = *LocatorsFlag
	}

	if Config.NodeName == "" {
		name, err := generateNodeName()
		if err != nil {
			return fmt.Errorf("failed to generate node name: %w", err)
		}
		Config.NodeName = name
		log.Info().Str("node_name", Config.NodeName).Msg("Auto-generated node name")
	}

	if Config.Membership.AdvertiseAddress == "" {
		Config.Membership.AdvertiseAddress = defaultAdvertiseAddress(Config.Membership.BindAddress).String()
		log.Info().
			Str("advertise_address", Config.Membership.AdvertiseAddress).
			Msg("Using default advertise address")
	}

	return nil
}

// defaultAdvertiseAddress returns bind when it names a specific address,
// otherwise the first non-loopback IPv4 address of this host
func defaultAdvertiseAddress(bind string) netip.Addr {
	if addr, err := netip.ParseAddr(bind); err == nil && !addr.IsUnspecified() {
		return addr.Unmap()
	}

	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipNet.IP)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			if addr.Is4() && !addr.IsLoopback() && !addr.IsLinkLocalUnicast() {
				return addr
			}
		}
	}

	return netip.AddrFrom4([4]byte{127, 0, 0, 1})
}

// generateNodeName derives a stable node name from the machine ID
func generateNodeName() (string, error) {
	id, err := machineid.ProtectedID("gms")
	if err != nil {
		return "", err
	}

	return "gms-" + strconv.FormatUint(xxhash.Sum64String(id), 16), nil
}

// Validate checks configuration for errors
func Validate() error {
	return Config.Validate()
}

// Validate checks a configuration for errors. Failures here surface before
// monitoring starts; running components assume validated values.
func (c *Configuration) Validate() error {
	m := &c.Membership

	if m.Port < 1 || m.Port > 65535 {
		return fmt.Errorf("invalid membership port: %d", m.Port)
	}

	if _, err := netip.ParseAddr(m.BindAddress); err != nil {
		return fmt.Errorf("invalid bind address %q: %w", m.BindAddress, err)
	}

	if m.AdvertiseAddress != "" {
		if _, err := netip.ParseAddr(m.AdvertiseAddress); err != nil {
			return fmt.Errorf("invalid advertise address %q: %w", m.AdvertiseAddress, err)
		}
	}

	switch strings.ToLower(m.Role) {
	case RoleNormal, RoleLocator, RoleAdmin, RoleIsolated:
	default:
		return fmt.Errorf("invalid member role: %q", m.Role)
	}

	if m.MemberWeight < 0 {
		return fmt.Errorf("member weight must be >= 0")
	}

	if m.MemberTimeoutMS < 1 {
		return fmt.Errorf("member timeout must be >= 1ms")
	}

	if m.LogicalInterval < 1 {
		return fmt.Errorf("logical interval must be >= 1")
	}

	if m.MemberTimeoutMS/m.LogicalInterval < 1 {
		return fmt.Errorf("member timeout %dms is too small for logical interval %d", m.MemberTimeoutMS, m.LogicalInterval)
	}

	if m.SuspectCollectionIntervalMS < 1 {
		return fmt.Errorf("suspect collection interval must be >= 1ms")
	}

	if m.FinalCheckTimeoutMS < 1 {
		return fmt.Errorf("final check timeout must be >= 1ms")
	}

	if m.RemovedMemberCacheSize < 1 {
		return fmt.Errorf("removed member cache size must be >= 1")
	}

	if c.Quorum.PartitionThresholdPercent < 0 || c.Quorum.PartitionThresholdPercent > 100 {
		return fmt.Errorf("partition threshold must be within 0-100, got %d", c.Quorum.PartitionThresholdPercent)
	}

	if c.Quorum.CheckTimeoutMS < 1 {
		return fmt.Errorf("quorum check timeout must be >= 1ms")
	}

	if c.Quorum.PollIntervalMS < 1 {
		return fmt.Errorf("quorum poll interval must be >= 1ms")
	}

	if c.Transport.SendTimeoutMS < 1 {
		return fmt.Errorf("transport send timeout must be >= 1ms")
	}

	if c.Transport.KeepaliveTimeSeconds < 1 {
		return fmt.Errorf("gRPC keepalive time must be >= 1 second")
	}

	if c.Transport.KeepaliveTimeoutSeconds < 1 {
		return fmt.Errorf("gRPC keepalive timeout must be >= 1 second")
	}

	if c.Transport.CompressionLevel < 0 || c.Transport.CompressionLevel > 4 {
		return fmt.Errorf("compression level must be within 0-4, got %d", c.Transport.CompressionLevel)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	return nil
}

// IsClusterAuthEnabled reports whether a cluster secret is configured
func IsClusterAuthEnabled() bool {
	return Config.ClusterAuth.Secret != ""
}

// GetClusterSecret returns the configured cluster secret
func GetClusterSecret() string {
	return Config.ClusterAuth.Secret
}
