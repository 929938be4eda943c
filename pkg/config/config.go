// Package config loads a node's static configuration: identity, storage
// location, network endpoint, validator set, consensus timeouts, and
// executor concurrency. Configuration is read from YAML on disk and may be
// overridden by CLI flags (see cmd/warrenledger).
//
// Grounded on the teacher's cobra-driven flag-to-struct wiring in
// cmd/warren/main.go, adapted to load from a YAML file first since this
// node's surface is a long-running single-process daemon rather than a
// cluster-join workflow.
package config

import (
	"fmt"
	"os"

	"github.com/cuemby/warrenledger/pkg/consensus"
	"github.com/cuemby/warrenledger/pkg/ledger/types"
	"github.com/cuemby/warrenledger/pkg/ledger/validator"
	"github.com/cuemby/warrenledger/pkg/log"
	"gopkg.in/yaml.v3"
)

// ValidatorEntry is one validator's address and voting power as configured
// at genesis.
type ValidatorEntry struct {
	Address     string `yaml:"address"`
	VotingPower uint64 `yaml:"voting_power"`

	// PeerAddress is the host:port this validator's RPC listener accepts
	// connections on. Distinct from Address (the ledger identity): a
	// validator's network location can change across restarts without
	// its voting identity changing.
	PeerAddress string `yaml:"peer_address"`
}

// TimeoutsConfig mirrors consensus.TimeoutConfig in a YAML-friendly shape.
type TimeoutsConfig struct {
	ProposeMS    uint64 `yaml:"propose_ms"`
	PrevoteMS    uint64 `yaml:"prevote_ms"`
	PrecommitMS  uint64 `yaml:"precommit_ms"`
	CommitMS     uint64 `yaml:"commit_ms"`
	RoundBackoff bool   `yaml:"round_backoff"`
}

// Config is a node's full static configuration.
type Config struct {
	ChainID       string           `yaml:"chain_id"`
	DataDir       string           `yaml:"data_dir"`
	ListenAddress string           `yaml:"listen_address"`
	LogLevel      string           `yaml:"log_level"`
	LogJSON       bool             `yaml:"log_json"`
	SelfAddress   string           `yaml:"self_address"`
	KeyFile       string           `yaml:"key_file"`
	Validators    []ValidatorEntry `yaml:"validators"`
	Timeouts      TimeoutsConfig   `yaml:"timeouts"`
	PoolMaxSize   int              `yaml:"pool_max_size"`
	ExecutorWorkers int            `yaml:"executor_workers"`
	ProposeBatchSize int           `yaml:"propose_batch_size"`
}

// Default returns a Config with the same defaults the spec suggests for
// timeouts and concurrency, suitable as a base before applying overrides.
func Default() Config {
	return Config{
		ChainID:          "warrenledger-devnet",
		DataDir:          "./data",
		ListenAddress:    "0.0.0.0:26656",
		LogLevel:         "info",
		LogJSON:          false,
		Timeouts: TimeoutsConfig{
			ProposeMS:    3000,
			PrevoteMS:    1000,
			PrecommitMS:  1000,
			CommitMS:     500,
			RoundBackoff: true,
		},
		PoolMaxSize:      8192,
		ExecutorWorkers:  0, // 0 means "use runtime.NumCPU()"
		ProposeBatchSize: 256,
	}
}

// Load reads a YAML config file at path, starting from Default and
// overlaying whatever the file sets.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// LogConfig adapts the YAML-level log fields to pkg/log's Config.
func (c Config) LogConfig() log.Config {
	return log.Config{Level: log.Level(c.LogLevel), JSONOutput: c.LogJSON}
}

// ConsensusTimeouts adapts TimeoutsConfig to consensus.TimeoutConfig.
func (c Config) ConsensusTimeouts() consensus.TimeoutConfig {
	return consensus.TimeoutConfig{
		ProposeMS:    c.Timeouts.ProposeMS,
		PrevoteMS:    c.Timeouts.PrevoteMS,
		PrecommitMS:  c.Timeouts.PrecommitMS,
		CommitMS:     c.Timeouts.CommitMS,
		RoundBackoff: c.Timeouts.RoundBackoff,
	}
}

// ValidatorSet parses the configured validator entries into a validator.Set.
func (c Config) ValidatorSet() (*validator.Set, error) {
	entries := make([]validator.Validator, 0, len(c.Validators))
	for _, v := range c.Validators {
		addr, err := ParseAddress(v.Address)
		if err != nil {
			return nil, fmt.Errorf("config: validator %q: %w", v.Address, err)
		}
		entries = append(entries, validator.Validator{Address: addr, VotingPower: v.VotingPower})
	}
	return validator.NewSet(entries), nil
}

// SelfValidatorAddress parses the node's own address.
func (c Config) SelfValidatorAddress() (types.Address, error) {
	return ParseAddress(c.SelfAddress)
}

// PeerAddresses returns the peer_address of every configured validator
// except self, in configuration order, for use as pkg/rpc's static peer
// list.
func (c Config) PeerAddresses() []string {
	peers := make([]string, 0, len(c.Validators))
	for _, v := range c.Validators {
		if v.Address == c.SelfAddress || v.PeerAddress == "" {
			continue
		}
		peers = append(peers, v.PeerAddress)
	}
	return peers
}

// ParseAddress decodes a 0x-prefixed or bare hex string into a 20-byte
// Address.
func ParseAddress(s string) (types.Address, error) {
	var addr types.Address
	if len(s) >= 2 && s[0:2] == "0x" {
		s = s[2:]
	}
	if len(s) != len(addr)*2 {
		return addr, fmt.Errorf("config: address %q must be %d hex bytes", s, len(addr))
	}
	for i := range addr {
		b, err := parseHexByte(s[i*2 : i*2+2])
		if err != nil {
			return addr, fmt.Errorf("config: address %q: %w", s, err)
		}
		addr[i] = b
	}
	return addr, nil
}

func parseHexByte(s string) (byte, error) {
	var b byte
	_, err := fmt.Sscanf(s, "%02x", &b)
	return b, err
}
