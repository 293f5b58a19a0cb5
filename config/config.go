package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"dagbft/consensus"
	"dagbft/scheduler"
)

const (
	// DefaultDagbftDir is the default home directory, relative to $HOME
	DefaultDagbftDir  = ".dagbft"
	defaultConfigDir  = "config"
	defaultDataDir    = "data"
	defaultConfigName = "config.toml"
	defaultKeyName    = "priv_key.json"

	// EnvPrefix 环境变量前缀，例如 DAGBFT_LOG_LEVEL
	EnvPrefix = "DAGBFT"

	LogFormatPlain = "plain"
	LogFormatJSON  = "json"

	DBBackendGoLevelDB = "goleveldb"
	DBBackendMemDB     = "memdb"
)

var (
	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigName)
	defaultKeyFilePath    = filepath.Join(defaultConfigDir, defaultKeyName)
)

// Config defines the top level configuration
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Consensus       *ConsensusConfig       `mapstructure:"consensus"`
	Scheduler       *SchedulerConfig       `mapstructure:"scheduler"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Consensus:       DefaultConsensusConfig(),
		Scheduler:       DefaultSchedulerConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Consensus:       TestConsensusConfig(),
		Scheduler:       DefaultSchedulerConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Consensus.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [consensus] section")
	}
	if err := cfg.Scheduler.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [scheduler] section")
	}
	if err := cfg.Instrumentation.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [instrumentation] section")
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// Output level for logging, including package level options
	LogLevel string `mapstructure:"log_level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log_format"`

	// tm-db backend: goleveldb | memdb
	DBBackend string `mapstructure:"db_backend"`

	// Database directory
	DBPath string `mapstructure:"db_dir"`

	// Path to the JSON file containing the block signing key
	PrivKey string `mapstructure:"priv_key_file"`
}

// DefaultBaseConfig returns a default base configuration
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		LogLevel:  "info",
		LogFormat: LogFormatPlain,
		DBBackend: DBBackendGoLevelDB,
		DBPath:    defaultDataDir,
		PrivKey:   defaultKeyFilePath,
	}
}

// TestBaseConfig returns a base configuration for testing
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.DBBackend = DBBackendMemDB
	cfg.LogLevel = "debug"
	return cfg
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// PrivKeyFile returns the full path to the key file
func (cfg BaseConfig) PrivKeyFile() string {
	return rootify(cfg.PrivKey, cfg.RootDir)
}

// ConfigFile returns the full path to config.toml
func (cfg BaseConfig) ConfigFile() string {
	return rootify(defaultConfigFilePath, cfg.RootDir)
}

func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log_format (must be 'plain' or 'json')")
	}
	switch cfg.DBBackend {
	case DBBackendGoLevelDB, DBBackendMemDB:
	default:
		return fmt.Errorf("unsupported db_backend %q", cfg.DBBackend)
	}
	return nil
}

//-----------------------------------------------------------------------------
// ConsensusConfig

// ConsensusConfig 本地committee和提交规则的参数
type ConsensusConfig struct {
	CommitteeSize    int    `mapstructure:"committee_size"`
	WaveLength       uint32 `mapstructure:"wave_length"`
	PipelineDepth    uint32 `mapstructure:"pipeline_depth"`
	LeadersPerRound  uint32 `mapstructure:"leaders_per_round"`
	LeaderSchedule   string `mapstructure:"leader_schedule"`
	MaxMissingBlocks int    `mapstructure:"max_missing_blocks"`
	BlockCacheSize   int    `mapstructure:"block_cache_size"`
	// gc轮次落后于最后提交的leader的轮数，0表示不gc
	GCDepth uint32 `mapstructure:"gc_depth"`
}

func DefaultConsensusConfig() *ConsensusConfig {
	return &ConsensusConfig{
		CommitteeSize:    4,
		WaveLength:       consensus.DefaultWaveLength,
		PipelineDepth:    1,
		LeadersPerRound:  1,
		LeaderSchedule:   consensus.RoundRobinSchedule,
		MaxMissingBlocks: consensus.MaxMissingBlocks,
		BlockCacheSize:   10_000,
		GCDepth:          50,
	}
}

func TestConsensusConfig() *ConsensusConfig {
	cfg := DefaultConsensusConfig()
	cfg.MaxMissingBlocks = 1000
	cfg.BlockCacheSize = 100
	cfg.GCDepth = 0
	return cfg
}

func (cfg *ConsensusConfig) ValidateBasic() error {
	if cfg.CommitteeSize < 1 {
		return errors.New("committee_size must be positive")
	}
	if cfg.WaveLength < consensus.MinimumWaveLength {
		return fmt.Errorf("wave_length must be at least %d", consensus.MinimumWaveLength)
	}
	if cfg.PipelineDepth == 0 || cfg.PipelineDepth > cfg.WaveLength {
		return errors.New("pipeline_depth must be in [1, wave_length]")
	}
	if cfg.LeadersPerRound == 0 || int(cfg.LeadersPerRound) > cfg.CommitteeSize {
		return errors.New("leaders_per_round must be in [1, committee_size]")
	}
	switch cfg.LeaderSchedule {
	case consensus.RoundRobinSchedule, consensus.StakeWeightedSchedule:
	default:
		return fmt.Errorf("unknown leader_schedule %q", cfg.LeaderSchedule)
	}
	if cfg.MaxMissingBlocks < 1 {
		return errors.New("max_missing_blocks must be positive")
	}
	if cfg.BlockCacheSize < 1 {
		return errors.New("block_cache_size must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// SchedulerConfig

type SchedulerConfig struct {
	// naive | eager
	Strategy     string `mapstructure:"strategy"`
	StartVersion uint64 `mapstructure:"start_version"`
}

func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Strategy: scheduler.StrategyEager,
	}
}

func (cfg *SchedulerConfig) ValidateBasic() error {
	switch cfg.Strategy {
	case scheduler.StrategyNaive, scheduler.StrategyEager:
		return nil
	default:
		return errors.Wrapf(scheduler.ErrUnknownStrategy, "strategy %q", cfg.Strategy)
	}
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus_listen_addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		Namespace:            "dagbft",
	}
}

func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.Prometheus && cfg.PrometheusListenAddr == "" {
		return errors.New("prometheus_listen_addr is required when prometheus is enabled")
	}
	return nil
}

//-----------------------------------------------------------------------------
// viper

// SetDefaults 把默认配置写入viper，之后由配置文件、环境变量和flag覆盖
func SetDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("db_backend", cfg.DBBackend)
	v.SetDefault("db_dir", cfg.DBPath)
	v.SetDefault("priv_key_file", cfg.PrivKey)

	v.SetDefault("consensus.committee_size", cfg.Consensus.CommitteeSize)
	v.SetDefault("consensus.wave_length", cfg.Consensus.WaveLength)
	v.SetDefault("consensus.pipeline_depth", cfg.Consensus.PipelineDepth)
	v.SetDefault("consensus.leaders_per_round", cfg.Consensus.LeadersPerRound)
	v.SetDefault("consensus.leader_schedule", cfg.Consensus.LeaderSchedule)
	v.SetDefault("consensus.max_missing_blocks", cfg.Consensus.MaxMissingBlocks)
	v.SetDefault("consensus.block_cache_size", cfg.Consensus.BlockCacheSize)
	v.SetDefault("consensus.gc_depth", cfg.Consensus.GCDepth)

	v.SetDefault("scheduler.strategy", cfg.Scheduler.Strategy)
	v.SetDefault("scheduler.start_version", cfg.Scheduler.StartVersion)

	v.SetDefault("instrumentation.prometheus", cfg.Instrumentation.Prometheus)
	v.SetDefault("instrumentation.prometheus_listen_addr", cfg.Instrumentation.PrometheusListenAddr)
	v.SetDefault("instrumentation.namespace", cfg.Instrumentation.Namespace)
}

// Load 读取 <home>/config/config.toml，文件不存在时只使用默认值和环境变量
func Load(v *viper.Viper, home string) (*Config, error) {
	SetDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(filepath.Join(home, defaultConfigDir))
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	cfg.SetRoot(home)
	if err := cfg.ValidateBasic(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// WriteConfigFile 写出当前viper中的配置，已经存在的文件不会被覆盖
func WriteConfigFile(v *viper.Viper, cfg *Config) error {
	path := cfg.ConfigFile()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return v.SafeWriteConfigAs(path)
}

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
