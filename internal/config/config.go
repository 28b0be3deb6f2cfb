// Package config loads NetGuard's own tunables — the intervals, queue
// depths and thresholds spec.md leaves implementation-defined. It does not
// own rules-file or profile persistence; those stay with the external
// collaborators described in spec.md §1/§6.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Environment variables (NETGUARD_* prefix)
//  2. YAML config file (if provided)
//  3. Hardcoded defaults
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the packet plane reads at startup.
type Config struct {
	// StatsTickInterval drives the Accounting Store snapshot tick (§4.3).
	StatsTickInterval time.Duration
	// ResolverTickInterval drives the Process-Endpoint Resolver (§4.2).
	ResolverTickInterval time.Duration
	// StalenessThreshold is the eviction age for accounting entries (§3).
	StalenessThreshold time.Duration
	// ThrottleQueueDepth is the per-(pid,direction) queue capacity (§4.4).
	ThrottleQueueDepth int
	// ShutdownDrainBudget bounds how long throttle queues are allowed to
	// drain before being abandoned (§5 "Cancellation & shutdown").
	ShutdownDrainBudget time.Duration
	// ThresholdCooldown bounds how often a threshold-exceeded event may
	// re-fire for the same pid (§6 "Outbound event").
	ThresholdCooldown time.Duration

	LogLevel      string
	LogStructured bool
}

// Load reads configuration from the environment and an optional config
// file, applying defaults for anything unset.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NETGUARD")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	return &Config{
		StatsTickInterval:    v.GetDuration("stats_tick_interval"),
		ResolverTickInterval: v.GetDuration("resolver_tick_interval"),
		StalenessThreshold:   v.GetDuration("staleness_threshold"),
		ThrottleQueueDepth:   v.GetInt("throttle_queue_depth"),
		ShutdownDrainBudget:  v.GetDuration("shutdown_drain_budget"),
		ThresholdCooldown:    v.GetDuration("threshold_cooldown"),
		LogLevel:             v.GetString("log_level"),
		LogStructured:        v.GetBool("log_structured"),
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("stats_tick_interval", time.Second)
	v.SetDefault("resolver_tick_interval", 500*time.Millisecond)
	v.SetDefault("staleness_threshold", 10*time.Second)
	v.SetDefault("throttle_queue_depth", 1024)
	v.SetDefault("shutdown_drain_budget", 2*time.Second)
	v.SetDefault("threshold_cooldown", 30*time.Second)
	v.SetDefault("log_level", "INFO")
	v.SetDefault("log_structured", false)
}
