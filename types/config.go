package types

// Config is the globally accessible configuration
type Config struct {
	Chain struct {
		Endpoint        string `yaml:"endpoint" envconfig:"CHAIN_ENDPOINT"`
		ID              uint64 `yaml:"id" envconfig:"CHAIN_ID"`
		GameContract    string `yaml:"gameContract" envconfig:"CHAIN_GAME_CONTRACT"`
		PaymentContract string `yaml:"paymentContract" envconfig:"CHAIN_PAYMENT_CONTRACT"`
		// FinalityDepth is the number of blocks behind head that we treat as final.
		FinalityDepth uint64 `yaml:"finalityDepth" envconfig:"CHAIN_FINALITY_DEPTH"`
	} `yaml:"chain"`

	Resolver struct {
		// OperatorPrivateKey is the hex-encoded key of the single operator
		// account that signs all resolution transactions.
		OperatorPrivateKey string `yaml:"operatorPrivateKey" envconfig:"RESOLVER_OPERATOR_PRIVATE_KEY"`
		// GasEstimate is the gas-unit estimate used to size the minimum
		// required balance per reveal.
		GasEstimate uint64 `yaml:"gasEstimate" envconfig:"RESOLVER_GAS_ESTIMATE"`
		// GasLimit is the gas limit attached to resolution transactions.
		GasLimit uint64 `yaml:"gasLimit" envconfig:"RESOLVER_GAS_LIMIT"`
		// RetryCapSeconds caps the push-back period after a failed
		// launch-time lookup.
		RetryCapSeconds uint64 `yaml:"retryCapSeconds" envconfig:"RESOLVER_RETRY_CAP_SECONDS"`
		// BatchSize bounds how many queue/pending entries are processed per tick.
		BatchSize int `yaml:"batchSize" envconfig:"RESOLVER_BATCH_SIZE"`
		// MaxPriorityFeePerGas is the default tip in wei, capped at the
		// currently offered max fee.
		MaxPriorityFeePerGas uint64 `yaml:"maxPriorityFeePerGas" envconfig:"RESOLVER_MAX_PRIORITY_FEE_PER_GAS"`

		ExecuteIntervalSeconds      uint64 `yaml:"executeIntervalSeconds" envconfig:"RESOLVER_EXECUTE_INTERVAL_SECONDS"`
		PendingCheckIntervalSeconds uint64 `yaml:"pendingCheckIntervalSeconds" envconfig:"RESOLVER_PENDING_CHECK_INTERVAL_SECONDS"`
		BalanceSyncIntervalSeconds  uint64 `yaml:"balanceSyncIntervalSeconds" envconfig:"RESOLVER_BALANCE_SYNC_INTERVAL_SECONDS"`

		// DefaultFeeSchedule is applied to lazily-created accounts. Exactly
		// three tiers, first tier delay 0, max fees in wei as decimal strings.
		DefaultFeeSchedule []struct {
			Delay        uint64 `yaml:"delay"`
			MaxFeePerGas string `yaml:"maxFeePerGas"`
		} `yaml:"defaultFeeSchedule"`
	} `yaml:"resolver"`

	Database struct {
		Path string `yaml:"path" envconfig:"DATABASE_PATH"`
	} `yaml:"database"`

	Server struct {
		Host string `yaml:"host" envconfig:"SERVER_HOST"`
		Port string `yaml:"port" envconfig:"SERVER_PORT"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool   `yaml:"enabled" envconfig:"METRICS_ENABLED"`
		Address string `yaml:"address" envconfig:"METRICS_ADDRESS"`
	} `yaml:"metrics"`

	Pprof struct {
		Enabled bool   `yaml:"enabled" envconfig:"PPROF_ENABLED"`
		Port    string `yaml:"port" envconfig:"PPROF_PORT"`
	} `yaml:"pprof"`
}
