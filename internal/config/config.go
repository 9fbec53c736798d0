package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config is process-wide configuration, loaded once at startup and never
// mutated afterwards. The JWT secret and algorithm are shared between the
// login service and the account service; rotating either requires
// redeploying both, since tokens issued under the old values become
// unverifiable.
type Config struct {
	JWTSecret        string
	JWTAlgorithm     string
	JWTExpiry        time.Duration
	Port             string
	OpeningBalance   int64 // minor units credited to a principal's first account
	DefaultCurrency  string
	TreasuryAccount  string // overdraft-permitted system account funding opening balances
	TransferTimeout  time.Duration
	HistoryPageSize  int
	Argon2Time       uint32
	Argon2Memory     uint32
	Argon2Threads    uint8
	Argon2KeyLength  uint32
	Argon2SaltLength int
	KafkaBroker      string
	KafkaTopic       string
}

var supportedAlgorithms = map[string]bool{
	"HS256": true,
	"HS384": true,
	"HS512": true,
}

// Load reads configuration from the environment (and an optional .env
// file) via viper. It fails hard on a missing secret or an unsupported
// algorithm rather than falling back silently.
func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.ReadInConfig()

	viper.BindEnv("jwt.secret", "JWT_SECRET")
	viper.BindEnv("jwt.algorithm", "JWT_ALGORITHM")
	viper.BindEnv("jwt.expiry_minutes", "JWT_EXPIRY_MINUTES")
	viper.BindEnv("port", "PORT")
	viper.BindEnv("ledger.opening_balance", "OPENING_BALANCE_MINOR")
	viper.BindEnv("ledger.default_currency", "DEFAULT_CURRENCY")
	viper.BindEnv("ledger.treasury_account", "SYSTEM_TREASURY_ACCOUNT")
	viper.BindEnv("ledger.transfer_timeout", "TRANSFER_TIMEOUT")
	viper.BindEnv("ledger.history_page_size", "HISTORY_PAGE_SIZE")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")
	viper.BindEnv("kafka.broker", "KAFKA_BROKER")
	viper.BindEnv("kafka.topic", "KAFKA_TOPIC")

	viper.SetDefault("jwt.algorithm", "HS256")
	viper.SetDefault("jwt.expiry_minutes", 60)
	viper.SetDefault("port", "8080")
	viper.SetDefault("ledger.opening_balance", 100000)
	viper.SetDefault("ledger.default_currency", "USD")
	viper.SetDefault("ledger.treasury_account", "0000000001")
	viper.SetDefault("ledger.transfer_timeout", 5*time.Second)
	viper.SetDefault("ledger.history_page_size", 50)
	viper.SetDefault("argon2.time", 1)
	viper.SetDefault("argon2.memory", 64*1024)
	viper.SetDefault("argon2.threads", 4)
	viper.SetDefault("argon2.key_length", 32)
	viper.SetDefault("argon2.salt_length", 16)
	viper.SetDefault("kafka.topic", "ledger.transfer.completed")

	cfg := &Config{
		JWTSecret:        viper.GetString("jwt.secret"),
		JWTAlgorithm:     viper.GetString("jwt.algorithm"),
		JWTExpiry:        time.Duration(viper.GetInt("jwt.expiry_minutes")) * time.Minute,
		Port:             viper.GetString("port"),
		OpeningBalance:   viper.GetInt64("ledger.opening_balance"),
		DefaultCurrency:  viper.GetString("ledger.default_currency"),
		TreasuryAccount:  viper.GetString("ledger.treasury_account"),
		TransferTimeout:  viper.GetDuration("ledger.transfer_timeout"),
		HistoryPageSize:  viper.GetInt("ledger.history_page_size"),
		Argon2Time:       viper.GetUint32("argon2.time"),
		Argon2Memory:     viper.GetUint32("argon2.memory"),
		Argon2Threads:    uint8(viper.GetUint32("argon2.threads")),
		Argon2KeyLength:  viper.GetUint32("argon2.key_length"),
		Argon2SaltLength: viper.GetInt("argon2.salt_length"),
		KafkaBroker:      viper.GetString("kafka.broker"),
		KafkaTopic:       viper.GetString("kafka.topic"),
	}

	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET must be set")
	}
	if !supportedAlgorithms[cfg.JWTAlgorithm] {
		return nil, errors.New("unsupported JWT_ALGORITHM: " + cfg.JWTAlgorithm)
	}

	return cfg, nil
}
