package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"buyback_feed/models"

	"github.com/shopspring/decimal"
)

type Config struct {
	App struct {
		Environment string
		LogLevel    string
		LogDir      string
		RPCTimeout  time.Duration
	}

	Server struct {
		Addr            string
		ShutdownTimeout time.Duration
	}

	Feed struct {
		WindowSize     int
		SeenCapacity   int
		DefaultLimit   int
		SendBuffer     int
		JoinWindow     time.Duration
		PingInterval   time.Duration
		WSURL          string
		APIURL         string
		ReconnectDelay time.Duration
	}

	Solana struct {
		Enabled        bool
		RPCURL         string
		ProgramID      string
		PollInterval   time.Duration
		PageLimit      int
		InputToken     string
		OutputToken    string
		InputDecimals  int32
		OutputDecimals int32
	}

	Ethereum struct {
		Enabled        bool
		RPCURL         string
		Contract       string
		PollInterval   time.Duration
		Confirmations  uint64
		StartBlock     uint64
		MaxBlockRange  uint64
		InputToken     string
		OutputToken    string
		InputDecimals  int32
		OutputDecimals int32
	}

	Watcher struct {
		InitialBackoff time.Duration
		MaxBackoff     time.Duration
	}

	Treasury Treasury

	ClickHouse struct {
		Host          string
		Port          int
		User          string
		Password      string
		Database      string
		DialTimeout   time.Duration
		QueryTimeout  time.Duration
		BatchSize     int
		FlushInterval time.Duration
		BufferSize    int
		Debug         bool
	}
}

type Treasury struct {
	RPCURL         string
	KeypairPath    string
	Wallet         string
	TokenMint      string
	TokenDecimals  int32
	ProgramID      string
	Threshold      string
	Ratio          string
	FeeReserve     string
	SlippageBps    int
	PriorityFee    uint64
	BurnTokens     bool
	DryRun         bool
	WatchSchedule  string
	JupiterURL     string
	SubmitRetries  int
	ConfirmTimeout time.Duration
	RPCTimeout     time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{}

	cfg.App.Environment = getEnvOrDefault("APP_ENV", "production")
	cfg.App.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.App.LogDir = getEnvOrDefault("LOG_DIR", "logs")
	cfg.App.RPCTimeout = time.Duration(getEnvAsIntOrDefault("RPC_TIMEOUT_SECS", 15)) * time.Second

	cfg.Server.Addr = getEnvOrDefault("HTTP_ADDR", ":8080")
	cfg.Server.ShutdownTimeout = time.Duration(getEnvAsIntOrDefault("SHUTDOWN_TIMEOUT_SECS", 10)) * time.Second

	cfg.Feed.WindowSize = getEnvAsIntOrDefault("FEED_WINDOW_SIZE", 50)
	cfg.Feed.SeenCapacity = getEnvAsIntOrDefault("FEED_SEEN_CAPACITY", 10000)
	cfg.Feed.DefaultLimit = getEnvAsIntOrDefault("FEED_DEFAULT_LIMIT", 20)
	cfg.Feed.SendBuffer = getEnvAsIntOrDefault("FEED_SEND_BUFFER", 256)
	cfg.Feed.JoinWindow = time.Duration(getEnvAsIntOrDefault("FEED_JOIN_WINDOW_MS", 2000)) * time.Millisecond
	cfg.Feed.PingInterval = time.Duration(getEnvAsIntOrDefault("FEED_PING_INTERVAL_SECS", 10)) * time.Second
	cfg.Feed.WSURL = getEnvOrDefault("BUYBACK_WS_URL", "ws://localhost:8080/ws")
	cfg.Feed.APIURL = getEnvOrDefault("BUYBACK_API_URL", "http://localhost:8080")
	cfg.Feed.ReconnectDelay = time.Duration(getEnvAsIntOrDefault("FEED_RECONNECT_DELAY_SECS", 5)) * time.Second

	cfg.Solana.RPCURL = getEnvOrDefault("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com")
	cfg.Solana.ProgramID = os.Getenv("SOLANA_PROGRAM_ID")
	cfg.Solana.Enabled = cfg.Solana.ProgramID != ""
	cfg.Solana.PollInterval = time.Duration(getEnvAsIntOrDefault("SOLANA_POLL_INTERVAL_SECS", 10)) * time.Second
	cfg.Solana.PageLimit = getEnvAsIntOrDefault("SOLANA_PAGE_LIMIT", 100)
	cfg.Solana.InputToken = getEnvOrDefault("SOLANA_INPUT_TOKEN", "SOL")
	cfg.Solana.OutputToken = getEnvOrDefault("SOLANA_OUTPUT_TOKEN", "SHITPOST")
	cfg.Solana.InputDecimals = int32(getEnvAsIntOrDefault("SOLANA_INPUT_DECIMALS", 9))
	cfg.Solana.OutputDecimals = int32(getEnvAsIntOrDefault("SOLANA_OUTPUT_DECIMALS", 6))

	cfg.Ethereum.RPCURL = os.Getenv("ETH_RPC_URL")
	cfg.Ethereum.Contract = os.Getenv("ETH_CONTRACT_ADDRESS")
	cfg.Ethereum.Enabled = cfg.Ethereum.RPCURL != "" && cfg.Ethereum.Contract != ""
	cfg.Ethereum.PollInterval = time.Duration(getEnvAsIntOrDefault("ETH_POLL_INTERVAL_SECS", 15)) * time.Second
	cfg.Ethereum.Confirmations = uint64(getEnvAsIntOrDefault("ETH_CONFIRMATIONS", 12))
	cfg.Ethereum.StartBlock = uint64(getEnvAsIntOrDefault("ETH_START_BLOCK", 0))
	cfg.Ethereum.MaxBlockRange = uint64(getEnvAsIntOrDefault("ETH_MAX_BLOCK_RANGE", 2000))
	cfg.Ethereum.InputToken = getEnvOrDefault("ETH_INPUT_TOKEN", "ETH")
	cfg.Ethereum.OutputToken = getEnvOrDefault("ETH_OUTPUT_TOKEN", "SHITPOST")
	cfg.Ethereum.InputDecimals = int32(getEnvAsIntOrDefault("ETH_INPUT_DECIMALS", 18))
	cfg.Ethereum.OutputDecimals = int32(getEnvAsIntOrDefault("ETH_OUTPUT_DECIMALS", 18))

	cfg.Watcher.InitialBackoff = time.Duration(getEnvAsIntOrDefault("WATCHER_INITIAL_BACKOFF_MS", 1000)) * time.Millisecond
	cfg.Watcher.MaxBackoff = time.Duration(getEnvAsIntOrDefault("WATCHER_MAX_BACKOFF_SECS", 30)) * time.Second

	t := &cfg.Treasury
	t.RPCURL = getEnvOrDefault("RPC_URL", "https://api.mainnet-beta.solana.com")
	t.KeypairPath = expandHome(getEnvOrDefault("TREASURY_KEYPAIR_PATH", "./treasury-keypair.json"))
	t.Wallet = os.Getenv("TREASURY_WALLET")
	t.TokenMint = os.Getenv("TOKEN_MINT")
	t.TokenDecimals = int32(getEnvAsIntOrDefault("TOKEN_DECIMALS", 6))
	t.ProgramID = getEnvOrDefault("PROGRAM_ID", cfg.Solana.ProgramID)
	t.Threshold = getEnvOrDefault("BUYBACK_THRESHOLD_SOL", "0.5")
	t.Ratio = getEnvOrDefault("BUYBACK_RATIO", "0.70")
	t.FeeReserve = getEnvOrDefault("FEE_RESERVE_SOL", "0.01")
	t.SlippageBps = getEnvAsIntOrDefault("SLIPPAGE_BPS", 100)
	t.PriorityFee = uint64(getEnvAsIntOrDefault("PRIORITY_FEE", 50000))
	t.BurnTokens = getEnvAsBoolOrDefault("BURN_TOKENS", false)
	t.DryRun = getEnvAsBoolOrDefault("DRY_RUN", false)
	t.WatchSchedule = getEnvOrDefault("WATCH_SCHEDULE", "@every 1m")
	t.JupiterURL = getEnvOrDefault("JUPITER_API_URL", "https://quote-api.jup.ag/v6")
	t.SubmitRetries = getEnvAsIntOrDefault("SUBMIT_RETRIES", 3)
	t.ConfirmTimeout = time.Duration(getEnvAsIntOrDefault("CONFIRM_TIMEOUT_SECS", 90)) * time.Second
	t.RPCTimeout = cfg.App.RPCTimeout

	cfg.ClickHouse.Host = os.Getenv("CLICKHOUSE_HOST")
	cfg.ClickHouse.Port = getEnvAsIntOrDefault("CLICKHOUSE_PORT", 9000)
	cfg.ClickHouse.User = getEnvOrDefault("CLICKHOUSE_USER", "default")
	cfg.ClickHouse.Password = os.Getenv("CLICKHOUSE_PASSWORD")
	cfg.ClickHouse.Database = getEnvOrDefault("CLICKHOUSE_DB", "default")
	cfg.ClickHouse.DialTimeout = time.Duration(getEnvAsIntOrDefault("CLICKHOUSE_DIAL_TIMEOUT_SECS", 5)) * time.Second
	cfg.ClickHouse.QueryTimeout = time.Duration(getEnvAsIntOrDefault("CLICKHOUSE_QUERY_TIMEOUT_SECS", 30)) * time.Second
	cfg.ClickHouse.BatchSize = getEnvAsIntOrDefault("CLICKHOUSE_BATCH_SIZE", 500)
	cfg.ClickHouse.FlushInterval = time.Duration(getEnvAsIntOrDefault("CLICKHOUSE_FLUSH_INTERVAL_SECS", 5)) * time.Second
	cfg.ClickHouse.BufferSize = getEnvAsIntOrDefault("CLICKHOUSE_BUFFER_SIZE", 1000)
	cfg.ClickHouse.Debug = cfg.App.Environment != "production"

	if cfg.Feed.WindowSize <= 0 {
		return nil, fmt.Errorf("FEED_WINDOW_SIZE must be positive, got %d", cfg.Feed.WindowSize)
	}
	if cfg.Feed.SeenCapacity < cfg.Feed.WindowSize {
		cfg.Feed.SeenCapacity = cfg.Feed.WindowSize
	}

	return cfg, nil
}

// TreasuryParams are the parsed, integer-unit buyback parameters.
type TreasuryParams struct {
	ThresholdLamports  uint64
	FeeReserveLamports uint64
	Ratio              decimal.Decimal
}

// Params parses the SOL-denominated settings. Failures are Configuration errors.
func (t Treasury) Params() (TreasuryParams, error) {
	var p TreasuryParams
	var err error

	if p.ThresholdLamports, err = models.ParseSOL(t.Threshold); err != nil {
		return p, models.Configuration("parse BUYBACK_THRESHOLD_SOL", err)
	}
	if p.FeeReserveLamports, err = models.ParseSOL(t.FeeReserve); err != nil {
		return p, models.Configuration("parse FEE_RESERVE_SOL", err)
	}
	if p.Ratio, err = decimal.NewFromString(t.Ratio); err != nil {
		return p, models.Configuration("parse BUYBACK_RATIO", err)
	}
	if p.Ratio.IsNegative() || p.Ratio.GreaterThan(decimal.NewFromInt(1)) {
		return p, models.Configuration("parse BUYBACK_RATIO", fmt.Errorf("ratio %s outside [0, 1]", t.Ratio))
	}
	return p, nil
}

// Validate checks everything the agent needs before the first cycle.
func (t Treasury) Validate() error {
	if t.RPCURL == "" {
		return models.Configuration("validate treasury", fmt.Errorf("RPC_URL not set"))
	}
	if t.KeypairPath == "" {
		return models.Configuration("validate treasury", fmt.Errorf("TREASURY_KEYPAIR_PATH not set"))
	}
	if t.TokenMint == "" {
		return models.Configuration("validate treasury", fmt.Errorf("TOKEN_MINT not set"))
	}
	if t.SubmitRetries < 1 {
		return models.Configuration("validate treasury", fmt.Errorf("SUBMIT_RETRIES must be at least 1"))
	}
	if t.SlippageBps <= 0 || t.SlippageBps > 10000 {
		return models.Configuration("validate treasury", fmt.Errorf("SLIPPAGE_BPS %d outside (0, 10000]", t.SlippageBps))
	}
	_, err := t.Params()
	return err
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
