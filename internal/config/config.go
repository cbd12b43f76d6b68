package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Overlay variants
const (
	OverlayChord  = "chord"
	OverlayKoorde = "koorde"
)

// Config holds all configuration for a ring node
type Config struct {
	// Node identification
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// HTTP API, 0 disables it
	HTTPPort int `yaml:"http_port"`

	// Overlay parameters
	M                 int    `yaml:"m"`       // Identifier space size in bits
	Overlay           string `yaml:"overlay"` // chord or koorde
	SuccessorListSize int    `yaml:"successor_list_size"`

	// Join
	JoinRetry          int           `yaml:"join_retry"` // Join attempts before a new bootstrap contact
	JoinDelay          time.Duration `yaml:"join_delay"`
	AggressiveJoinMode bool          `yaml:"aggressive_join_mode"`

	// Maintenance
	StabilizeRetry          int           `yaml:"stabilize_retry"` // Missed stabilize rounds before the predecessor is dropped
	StabilizeDelay          time.Duration `yaml:"stabilize_delay"`
	FixFingersDelay         time.Duration `yaml:"fix_fingers_delay"`
	CheckPredecessorDelay   time.Duration `yaml:"check_predecessor_delay"` // 0 uses the missed stabilize counter
	RPCTimeout              time.Duration `yaml:"rpc_timeout"`
	LookupMaxHops           int           `yaml:"lookup_max_hops"`
	ExtendedFingerTable     bool          `yaml:"extended_finger_table"`
	NumFingerCandidates     int           `yaml:"num_finger_candidates"`
	MemorizeFailedSuccessor bool          `yaml:"memorize_failed_successor"`
	MergeOptimizationL1     bool          `yaml:"merge_optimization_l1"`
	MergeOptimizationL2     bool          `yaml:"merge_optimization_l2"`
	MergeOptimizationL3     bool          `yaml:"merge_optimization_l3"`
	MergeOptimizationL4     bool          `yaml:"merge_optimization_l4"`

	// Koorde
	DeBruijnDelay           time.Duration `yaml:"debruijn_delay"`
	DeBruijnListSize        int           `yaml:"debruijn_list_size"`
	ShiftingBits            int           `yaml:"shifting_bits"`
	UseOtherLookup          bool          `yaml:"use_other_lookup"`
	UseSucList              bool          `yaml:"use_suc_list"`
	SetupDeBruijnBeforeJoin bool          `yaml:"setup_debruijn_before_join"`
	SetupDeBruijnAtJoin     bool          `yaml:"setup_debruijn_at_join"`

	// Logging
	LogLevel  string `yaml:"log_level"`  // trace, debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, console
	LogFile   string `yaml:"log_file"`   // optional rotated log file
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:                    "127.0.0.1",
		Port:                    8440,
		HTTPPort:                0,
		M:                       160,
		Overlay:                 OverlayChord,
		SuccessorListSize:       8,
		JoinRetry:               2,
		JoinDelay:               10 * time.Second,
		AggressiveJoinMode:      true,
		StabilizeRetry:          1,
		StabilizeDelay:          20 * time.Second,
		FixFingersDelay:         120 * time.Second,
		CheckPredecessorDelay:   5 * time.Second,
		RPCTimeout:              1500 * time.Millisecond,
		LookupMaxHops:           0,
		ExtendedFingerTable:     false,
		NumFingerCandidates:     3,
		MemorizeFailedSuccessor: true,
		MergeOptimizationL1:     false,
		MergeOptimizationL2:     false,
		MergeOptimizationL3:     false,
		MergeOptimizationL4:     false,
		DeBruijnDelay:           30 * time.Second,
		DeBruijnListSize:        4,
		ShiftingBits:            2,
		UseOtherLookup:          false,
		UseSucList:              false,
		SetupDeBruijnBeforeJoin: true,
		SetupDeBruijnAtJoin:     true,
		LogLevel:                "info",
		LogFormat:               "console",
	}
}

// Load reads a YAML file on top of DefaultConfig and validates the result
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// MaxHops returns the hop limit for lookups, 0 in the config meaning 2*M
func (c *Config) MaxHops() int {
	if c.LookupMaxHops > 0 {
		return c.LookupMaxHops
	}
	return 2 * c.M
}

// IsKoorde reports whether the de Bruijn layer is enabled
func (c *Config) IsKoorde() bool {
	return c.Overlay == OverlayKoorde
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.M <= 0 || c.M > 256 {
		return fmt.Errorf("M must be between 1 and 256, got %d", c.M)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.Overlay != OverlayChord && c.Overlay != OverlayKoorde {
		return fmt.Errorf("unknown overlay %q", c.Overlay)
	}
	if c.SuccessorListSize < 1 {
		return fmt.Errorf("successor list size must be positive, got %d", c.SuccessorListSize)
	}
	if c.JoinRetry < 1 {
		return fmt.Errorf("join retry must be positive, got %d", c.JoinRetry)
	}
	if c.StabilizeRetry < 1 {
		return fmt.Errorf("stabilize retry must be positive, got %d", c.StabilizeRetry)
	}
	if c.LookupMaxHops < 0 {
		return fmt.Errorf("lookup max hops must not be negative, got %d", c.LookupMaxHops)
	}
	for name, d := range map[string]time.Duration{
		"join delay":      c.JoinDelay,
		"stabilize delay": c.StabilizeDelay,
		"rpc timeout":     c.RPCTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.FixFingersDelay < 0 || c.CheckPredecessorDelay < 0 {
		return fmt.Errorf("maintenance delays must not be negative")
	}
	if c.ExtendedFingerTable && c.NumFingerCandidates < 1 {
		return fmt.Errorf("extended finger table needs at least one candidate, got %d", c.NumFingerCandidates)
	}

	if c.IsKoorde() {
		if c.ShiftingBits < 1 || c.ShiftingBits >= c.M {
			return fmt.Errorf("shifting bits must be between 1 and %d, got %d", c.M-1, c.ShiftingBits)
		}
		if c.M%c.ShiftingBits != 0 {
			return fmt.Errorf("M (%d) must be a multiple of shifting bits (%d)", c.M, c.ShiftingBits)
		}
		if c.DeBruijnListSize < 1 {
			return fmt.Errorf("de Bruijn list size must be positive, got %d", c.DeBruijnListSize)
		}
		if c.DeBruijnDelay <= 0 {
			return fmt.Errorf("de Bruijn delay must be positive, got %s", c.DeBruijnDelay)
		}
	}
	return nil
}
