package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/viper"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fault"
)

type Config struct {
	HTTPAddr       string   `mapstructure:"HTTP_ADDR"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	UploadMaxBytes int64    `mapstructure:"UPLOAD_MAX_BYTES"`
	ExplorerBase   string   `mapstructure:"EXPLORER_BASE"`

	LedgerMode      string        `mapstructure:"LEDGER_MODE"` // eth | mock
	Web3Provider    string        `mapstructure:"WEB3_PROVIDER"`
	ContractAddress string        `mapstructure:"CONTRACT_ADDRESS"`
	PrivateKey      string        `mapstructure:"PRIVATE_KEY"`
	WalletAddress   string        `mapstructure:"WALLET_ADDRESS"`
	ChainID         int64         `mapstructure:"CHAIN_ID"` // 0: ask the node
	GasLimit        uint64        `mapstructure:"GAS_LIMIT"`
	CallTimeout     time.Duration `mapstructure:"CALL_TIMEOUT"`

	FeePremiumPermille uint64 `mapstructure:"FEE_PREMIUM_PERMILLE"`
	FeeFactorPermille  uint64 `mapstructure:"FEE_FACTOR_PERMILLE"`
	FeeMaxBidWei       string `mapstructure:"FEE_MAX_BID_WEI"` // decimal; empty means uncapped

	ConfirmTimeout time.Duration `mapstructure:"CONFIRM_TIMEOUT"`
	PollInterval   time.Duration `mapstructure:"POLL_INTERVAL"`
	StuckAfter     time.Duration `mapstructure:"STUCK_AFTER"`
	MaxEscalations int           `mapstructure:"MAX_ESCALATIONS"`
	SubmitAttempts int           `mapstructure:"SUBMIT_ATTEMPTS"`

	BatchConcurrency int  `mapstructure:"BATCH_CONCURRENCY"`
	SubmitLegitimate bool `mapstructure:"SUBMIT_LEGITIMATE"`

	ScorerMode    string        `mapstructure:"SCORER_MODE"` // http | label
	ScorerURL     string        `mapstructure:"SCORER_URL"`
	ScorerTimeout time.Duration `mapstructure:"SCORER_TIMEOUT"`
	DataCSV       string        `mapstructure:"DATA_CSV"`

	Registry    string `mapstructure:"REGISTRY"` // memory | rocks
	RegistryDir string `mapstructure:"REGISTRY_DIR"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"` // empty: no audit stream
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`
	KafkaGroup   string   `mapstructure:"KAFKA_GROUP"` // writer consumer group

	PGDSN string `mapstructure:"PG_DSN"` // writer only

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	MockTick     time.Duration `mapstructure:"MOCK_TICK"`
	MockChainID  int64         `mapstructure:"MOCK_CHAIN_ID"`
	MockGasPrice uint64        `mapstructure:"MOCK_GAS_PRICE"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":5001")
	v.SetDefault("CORS_ORIGINS", []string{"http://localhost:3000"})
	v.SetDefault("UPLOAD_MAX_BYTES", 16<<20)
	v.SetDefault("EXPLORER_BASE", "https://sepolia.etherscan.io")

	v.SetDefault("LEDGER_MODE", "eth")
	v.SetDefault("WEB3_PROVIDER", "")
	v.SetDefault("CONTRACT_ADDRESS", "")
	v.SetDefault("PRIVATE_KEY", "")
	v.SetDefault("WALLET_ADDRESS", "")
	v.SetDefault("CHAIN_ID", 0)
	v.SetDefault("GAS_LIMIT", 200000)
	v.SetDefault("CALL_TIMEOUT", "10s")

	v.SetDefault("FEE_PREMIUM_PERMILLE", 1100)
	v.SetDefault("FEE_FACTOR_PERMILLE", 1125)
	v.SetDefault("FEE_MAX_BID_WEI", "")

	v.SetDefault("CONFIRM_TIMEOUT", "2m")
	v.SetDefault("POLL_INTERVAL", "2s")
	v.SetDefault("STUCK_AFTER", "2m")
	v.SetDefault("MAX_ESCALATIONS", 5)
	v.SetDefault("SUBMIT_ATTEMPTS", 4)

	v.SetDefault("BATCH_CONCURRENCY", 8)
	v.SetDefault("SUBMIT_LEGITIMATE", false)

	v.SetDefault("SCORER_MODE", "http")
	v.SetDefault("SCORER_URL", "")
	v.SetDefault("SCORER_TIMEOUT", "10s")
	v.SetDefault("DATA_CSV", "data/transactions.csv")

	v.SetDefault("REGISTRY", "memory")
	v.SetDefault("REGISTRY_DIR", "./data/state")

	v.SetDefault("KAFKA_BROKERS", []string{})
	v.SetDefault("KAFKA_TOPIC", "fraudpipe.verdicts")
	v.SetDefault("KAFKA_GROUP", "fraudpipe.writer")
	v.SetDefault("PG_DSN", "")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")

	v.SetDefault("MOCK_TICK", "2s")
	v.SetDefault("MOCK_CHAIN_ID", 1337)
	v.SetDefault("MOCK_GAS_PRICE", 1000000000)
}

// Load reads defaults, then fraudpipe.yaml (./config or ., or the explicit
// path), then the environment. Only an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fraudpipe")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &nf) {
			return nil, fmt.Errorf("config: read: %v: %w", err, fault.ErrConfigurationFatal)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %v: %w", err, fault.ErrConfigurationFatal)
	}
	cfg.LedgerMode = strings.ToLower(strings.TrimSpace(cfg.LedgerMode))
	cfg.ScorerMode = strings.ToLower(strings.TrimSpace(cfg.ScorerMode))
	cfg.Registry = strings.ToLower(strings.TrimSpace(cfg.Registry))
	return &cfg, nil
}

// Validate reports every problem at once, wrapped as a configuration error.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch c.LedgerMode {
	case "eth":
		if c.Web3Provider == "" {
			bad("WEB3_PROVIDER is required")
		}
		if !common.IsHexAddress(c.ContractAddress) {
			bad("CONTRACT_ADDRESS %q is not an address", c.ContractAddress)
		}
		if c.PrivateKey == "" {
			bad("PRIVATE_KEY is required")
		}
	case "mock":
		if c.ContractAddress != "" && !common.IsHexAddress(c.ContractAddress) {
			bad("CONTRACT_ADDRESS %q is not an address", c.ContractAddress)
		}
	default:
		bad("LEDGER_MODE %q must be eth or mock", c.LedgerMode)
	}
	if c.WalletAddress != "" && !common.IsHexAddress(c.WalletAddress) {
		bad("WALLET_ADDRESS %q is not an address", c.WalletAddress)
	}

	if c.FeeFactorPermille <= 1000 {
		bad("FEE_FACTOR_PERMILLE %d must exceed 1000", c.FeeFactorPermille)
	}
	if c.FeePremiumPermille == 0 {
		bad("FEE_PREMIUM_PERMILLE must be positive")
	}
	if _, err := c.MaxBid(); err != nil {
		bad("%v", err)
	}
	if c.ConfirmTimeout <= 0 || c.PollInterval <= 0 || c.CallTimeout <= 0 {
		bad("CONFIRM_TIMEOUT, POLL_INTERVAL and CALL_TIMEOUT must be positive")
	}
	if c.BatchConcurrency <= 0 {
		bad("BATCH_CONCURRENCY must be positive")
	}
	if c.SubmitAttempts <= 0 {
		bad("SUBMIT_ATTEMPTS must be positive")
	}

	switch c.ScorerMode {
	case "http":
		if c.ScorerURL == "" {
			bad("SCORER_URL is required when SCORER_MODE=http")
		}
	case "label":
	default:
		bad("SCORER_MODE %q must be http or label", c.ScorerMode)
	}

	switch c.Registry {
	case "memory":
	case "rocks":
		if c.RegistryDir == "" {
			bad("REGISTRY_DIR is required when REGISTRY=rocks")
		}
	default:
		bad("REGISTRY %q must be memory or rocks", c.Registry)
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		bad("KAFKA_TOPIC is required with KAFKA_BROKERS")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %w: %w", fault.ErrConfigurationFatal, errors.Join(errs...))
}

// MaxBid parses FEE_MAX_BID_WEI. Nil means uncapped.
func (c *Config) MaxBid() (*uint256.Int, error) {
	s := strings.TrimSpace(c.FeeMaxBidWei)
	if s == "" {
		return nil, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("FEE_MAX_BID_WEI %q: %v", s, err)
	}
	return v, nil
}
