/*
Package config implements the type to pass the arguments to the node
and implements a function to load the parameters from a configuration file.
*/
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/gitzhang10/CommitDAG/committee"
	"github.com/gitzhang10/CommitDAG/committer"
	"github.com/spf13/viper"
)

var (
	ErrUnknownAuthority = errors.New("authority index is not in the committee")
	ErrUnknownTransport = errors.New("upstream transport must be tcp or grpc")
)

const (
	TransportTCP  = "tcp"
	TransportGRPC = "grpc"

	StoreEnginePebble = "pebble"
	StoreEngineMemory = "memory"
)

// AuthorityConfig is one committee entry of the configuration file.
type AuthorityConfig struct {
	Name        string `mapstructure:"name"`
	Stake       uint64 `mapstructure:"stake"`
	Address     string `mapstructure:"address"`
	GRPCAddress string `mapstructure:"grpc_address"`
}

// Config defines a type to describe the configuration.
type Config struct {
	Name           string
	AuthorityIndex uint32
	LogLevel       int
	Committee      []AuthorityConfig

	StoreEngine   string
	StorePath     string
	StoreInMemory bool // pebble on an in-memory filesystem

	ObserverAddr     string
	ObserverGRPCAddr string
	MaxPool          int
	MaxFetchBlocks   int
	MaxFetchCommits  int
	FeedCapacity     int

	MetricsAddr string

	LeaderMode string
	LeaderSeed []byte

	AcceptPushedBlocks bool
	Upstream           []string
	UpstreamTransport  string
}

// NewCommittee builds the committee described by the configuration.
func (c *Config) NewCommittee() (*committee.Committee, error) {
	authorities := make([]committee.Authority, len(c.Committee))
	for i, a := range c.Committee {
		authorities[i] = committee.Authority{
			Name:        a.Name,
			Stake:       committee.Stake(a.Stake),
			Address:     a.Address,
			GRPCAddress: a.GRPCAddress,
		}
	}
	return committee.New(authorities)
}

// Validate checks the fields that cannot be defaulted.
func (c *Config) Validate() error {
	if int(c.AuthorityIndex) >= len(c.Committee) {
		return fmt.Errorf("%w: %d of %d", ErrUnknownAuthority, c.AuthorityIndex, len(c.Committee))
	}
	switch c.LeaderMode {
	case committer.RoundRobin, committer.StakeWeighted:
	default:
		return fmt.Errorf("unknown leader mode %q", c.LeaderMode)
	}
	switch c.UpstreamTransport {
	case TransportTCP, TransportGRPC:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, c.UpstreamTransport)
	}
	switch c.StoreEngine {
	case StoreEnginePebble, StoreEngineMemory:
	default:
		return fmt.Errorf("unknown store engine %q", c.StoreEngine)
	}
	if c.StoreEngine == StoreEnginePebble && !c.StoreInMemory && c.StorePath == "" {
		return errors.New("store.path is required for the pebble engine")
	}
	if c.FeedCapacity <= 0 {
		return errors.New("feed_capacity must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", 3)
	v.SetDefault("store.engine", StoreEnginePebble)
	v.SetDefault("store.in_memory", false)
	v.SetDefault("observer.max_pool", 4)
	v.SetDefault("observer.max_fetch_blocks", 256)
	v.SetDefault("observer.max_fetch_commits", 128)
	v.SetDefault("feed_capacity", 1024)
	v.SetDefault("leader.mode", committer.RoundRobin)
	v.SetDefault("upstream_transport", TransportTCP)
}

// LoadConfig loads configuration files by package viper.
func LoadConfig(configPrefix, configPath, configName string) (*Config, error) {
	viperConfig := viper.New()

	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	viperConfig.SetConfigName(configName)
	viperConfig.AddConfigPath(configPath)
	setDefaults(viperConfig)
	err := viperConfig.ReadInConfig()
	if err != nil {
		return nil, err
	}

	var seed []byte
	if seedAsString := viperConfig.GetString("leader.seed"); seedAsString != "" {
		seed, err = hex.DecodeString(seedAsString)
		if err != nil {
			return nil, fmt.Errorf("leader.seed: %w", err)
		}
	}

	conf := &Config{
		Name:               viperConfig.GetString("name"),
		AuthorityIndex:     viperConfig.GetUint32("authority_index"),
		LogLevel:           viperConfig.GetInt("log_level"),
		StoreEngine:        viperConfig.GetString("store.engine"),
		StorePath:          viperConfig.GetString("store.path"),
		StoreInMemory:      viperConfig.GetBool("store.in_memory"),
		ObserverAddr:       viperConfig.GetString("observer.listen_addr"),
		ObserverGRPCAddr:   viperConfig.GetString("observer.grpc_addr"),
		MaxPool:            viperConfig.GetInt("observer.max_pool"),
		MaxFetchBlocks:     viperConfig.GetInt("observer.max_fetch_blocks"),
		MaxFetchCommits:    viperConfig.GetInt("observer.max_fetch_commits"),
		FeedCapacity:       viperConfig.GetInt("feed_capacity"),
		MetricsAddr:        viperConfig.GetString("metrics_addr"),
		LeaderMode:         viperConfig.GetString("leader.mode"),
		LeaderSeed:         seed,
		AcceptPushedBlocks: viperConfig.GetBool("accept_pushed_blocks"),
		Upstream:           viperConfig.GetStringSlice("upstream"),
		UpstreamTransport:  viperConfig.GetString("upstream_transport"),
	}
	if err := viperConfig.UnmarshalKey("committee", &conf.Committee); err != nil {
		return nil, fmt.Errorf("committee: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}
