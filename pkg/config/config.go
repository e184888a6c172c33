// Package config implements the configuration loader (C8): it parses
// a YAML document into a typed Config tree and validates it with
// struct tags.
package config

import (
	"os"
	"strings"

	validator "github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	yaml "gopkg.in/yaml.v2"

	"github.com/abdoElHodaky/hft-netcore/internal/hfterrors"
	"github.com/abdoElHodaky/hft-netcore/internal/registry"
)

// PoolConfig configures the fixed-block memory pool (C1).
type PoolConfig struct {
	PoolBytes      uint64 `yaml:"pool_bytes" validate:"gt=0"`
	BlockBytes     uint32 `yaml:"block_bytes" validate:"gt=0"`
	UseMappedArena bool   `yaml:"use_mapped_arena"`
}

// NumBlocks derives the block count from pool_bytes/block_bytes,
// rounding down (partial trailing bytes are unused arena).
func (c PoolConfig) NumBlocks() uint32 {
	if c.BlockBytes == 0 {
		return 0
	}
	return uint32(c.PoolBytes / uint64(c.BlockBytes))
}

// QueuesConfig configures ingress/egress queue capacities (C2).
type QueuesConfig struct {
	IngressCapacity uint32 `yaml:"ingress_capacity" validate:"gt=0"`
	EgressCapacity  uint32 `yaml:"egress_capacity" validate:"gt=0"`
}

// ExchangeConfig configures one entry of the exchange registry (C5).
type ExchangeConfig struct {
	ID              int      `yaml:"id" validate:"required"`
	Name            string   `yaml:"name" validate:"required"`
	Hosts           []string `yaml:"hosts"`
	Ports           []uint16 `yaml:"ports" validate:"required,min=1"`
	Protocol        string   `yaml:"protocol"`
	LatencyTargetUs uint32   `yaml:"latency_target_us"`
}

// LatencyConfig configures the latency tracker (C4).
type LatencyConfig struct {
	WindowSize      int    `yaml:"window_size"`
	DefaultTargetUs uint32 `yaml:"default_target_us"`
}

// OrchestratorConfig configures the pipeline orchestrator (C6).
type OrchestratorConfig struct {
	ParserWorkers      int     `yaml:"parser_workers" validate:"gt=0"`
	ShedHighWatermark  float64 `yaml:"shed_high_watermark"`
	ShedLowWatermark   float64 `yaml:"shed_low_watermark"`
	BackoffSpins       int     `yaml:"backoff_spins"`
	BackoffYieldAfter  int     `yaml:"backoff_yield_after"`
}

// Config is the structured document consumed at startup.
type Config struct {
	Pool         PoolConfig         `yaml:"pool"`
	Queues       QueuesConfig       `yaml:"queues"`
	Exchanges    []ExchangeConfig   `yaml:"exchanges"`
	Latency      LatencyConfig      `yaml:"latency"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

var validate = validator.New()

// Load reads and parses the YAML document at path. Parse or
// validation failure is a startup failure, surfaced as a
// *hfterrors.Error of KindStartup.
func Load(path string, logger *zap.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, hfterrors.Wrap(err, hfterrors.KindStartup, "config: failed to read "+path)
	}
	return FromBytes(data, logger)
}

// FromBytes parses a YAML document already held in memory, applies
// defaults, rounds non-power-of-two capacities up with a logged
// warning, and validates the result.
func FromBytes(data []byte, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, hfterrors.Wrap(err, hfterrors.KindStartup, "config: invalid yaml")
	}

	applyDefaults(cfg)
	roundCapacities(cfg, logger)

	if err := validate.Struct(cfg); err != nil {
		return nil, hfterrors.Wrap(err, hfterrors.KindStartup, "config: validation failed")
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if len(cfg.Exchanges) == 0 {
		for _, d := range registry.DefaultDescriptors() {
			cfg.Exchanges = append(cfg.Exchanges, ExchangeConfig{
				ID:              d.ID,
				Name:            d.Name,
				Ports:           d.Ports,
				Protocol:        "any",
				LatencyTargetUs: d.LatencyTargetUs,
			})
		}
	}
	if cfg.Latency.WindowSize == 0 {
		cfg.Latency.WindowSize = 100000
	}
	if cfg.Latency.DefaultTargetUs == 0 {
		cfg.Latency.DefaultTargetUs = 500
	}
	if cfg.Orchestrator.ShedHighWatermark == 0 {
		cfg.Orchestrator.ShedHighWatermark = 0.9
	}
	if cfg.Orchestrator.ShedLowWatermark == 0 {
		cfg.Orchestrator.ShedLowWatermark = 0.7
	}
	if cfg.Orchestrator.BackoffSpins == 0 {
		cfg.Orchestrator.BackoffSpins = 64
	}
	if cfg.Orchestrator.BackoffYieldAfter == 0 {
		cfg.Orchestrator.BackoffYieldAfter = 8
	}
	if cfg.Orchestrator.ParserWorkers == 0 {
		cfg.Orchestrator.ParserWorkers = 1
	}
}

func roundCapacities(cfg *Config, logger *zap.Logger) {
	cfg.Queues.IngressCapacity = roundUpPow2(cfg.Queues.IngressCapacity, "ingress_capacity", logger)
	cfg.Queues.EgressCapacity = roundUpPow2(cfg.Queues.EgressCapacity, "egress_capacity", logger)
}

func roundUpPow2(v uint32, field string, logger *zap.Logger) uint32 {
	if v == 0 {
		return 0
	}
	if v&(v-1) == 0 {
		return v
	}
	rounded := uint32(1)
	for rounded < v {
		rounded <<= 1
	}
	logger.Warn("config: capacity rounded up to a power of two",
		zap.String("field", field), zap.Uint32("configured", v), zap.Uint32("rounded", rounded))
	return rounded
}

// RegistryDescriptors converts the configured exchanges into
// registry.Descriptor values for C5.
func (c *Config) RegistryDescriptors() []registry.Descriptor {
	out := make([]registry.Descriptor, 0, len(c.Exchanges))
	for _, e := range c.Exchanges {
		out = append(out, registry.Descriptor{
			ID:              e.ID,
			Name:            e.Name,
			Hosts:           e.Hosts,
			Ports:           e.Ports,
			Protocol:        parseProtocol(e.Protocol),
			LatencyTargetUs: e.LatencyTargetUs,
		})
	}
	return out
}

func parseProtocol(s string) registry.Protocol {
	switch strings.ToLower(s) {
	case "tcp":
		return registry.ProtocolTCP
	case "udp":
		return registry.ProtocolUDP
	default:
		return registry.ProtocolAny
	}
}
