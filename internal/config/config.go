package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/example/sinpe-node/internal/auth"
	"github.com/example/sinpe-node/internal/domain"
	"github.com/example/sinpe-node/internal/risk"
	"github.com/example/sinpe-node/internal/router"
	"github.com/example/sinpe-node/internal/security"
	"github.com/example/sinpe-node/internal/signing"
	"github.com/example/sinpe-node/internal/validation"
)

// DevelopmentSecret is the network's published test secret. It is rejected
// in production and staging.
const DevelopmentSecret = "supersecreta123"

// Config holds the node configuration. Every key is read from the
// environment (or an optional .env file) under its mapstructure name.
type Config struct {
	Environment    string `mapstructure:"APP_ENV"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`
	HTTPAddr       string `mapstructure:"HTTP_ADDR"`
	GRPCHealthAddr string `mapstructure:"GRPC_HEALTH_ADDR"`

	Ledger   LedgerConfig   `mapstructure:",squash"`
	Network  NetworkConfig  `mapstructure:",squash"`
	Limits   LimitsConfig   `mapstructure:",squash"`
	Risk     RiskConfig     `mapstructure:",squash"`
	Events   EventsConfig   `mapstructure:",squash"`
	Security SecurityConfig `mapstructure:",squash"`
	OAuth    OAuthConfig    `mapstructure:",squash"`
}

type LedgerConfig struct {
	Driver      string `mapstructure:"LEDGER_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`
	SeedFile    string `mapstructure:"SEED_FILE"`
}

type NetworkConfig struct {
	BankCode        string        `mapstructure:"BANK_CODE"`
	BanksFile       string        `mapstructure:"BANKS_FILE"`
	SharedSecret    string        `mapstructure:"SINPE_SHARED_SECRET"`
	Digest          string        `mapstructure:"SIGNATURE_DIGEST"`
	DispatchTimeout time.Duration `mapstructure:"DISPATCH_TIMEOUT"`
	ProbeTimeout    time.Duration `mapstructure:"PROBE_TIMEOUT"`
	ProbeBudget     time.Duration `mapstructure:"PROBE_BUDGET"`
	PeerMTLS        bool          `mapstructure:"PEER_MTLS"`
}

type LimitsConfig struct {
	AccountRailMax string        `mapstructure:"ACCOUNT_RAIL_MAX"`
	MobileRailMax  string        `mapstructure:"MOBILE_RAIL_MAX"`
	Currencies     []string      `mapstructure:"CURRENCIES"`
	MaxAge         time.Duration `mapstructure:"MESSAGE_MAX_AGE"`
	MaxFutureSkew  time.Duration `mapstructure:"MESSAGE_MAX_FUTURE_SKEW"`
}

type RiskConfig struct {
	SingleLimitMobile   string        `mapstructure:"SINGLE_LIMIT_MOBILE"`
	SingleLimitSINPE    string        `mapstructure:"SINGLE_LIMIT_SINPE"`
	SingleLimitInternal string        `mapstructure:"SINGLE_LIMIT_INTERNAL"`
	DailyLimitMobile    string        `mapstructure:"DAILY_LIMIT_MOBILE"`
	DailyLimitSINPE     string        `mapstructure:"DAILY_LIMIT_SINPE"`
	DailyLimitInternal  string        `mapstructure:"DAILY_LIMIT_INTERNAL"`
	VelocityWindow      time.Duration `mapstructure:"VELOCITY_WINDOW"`
	VelocityThreshold   int           `mapstructure:"VELOCITY_THRESHOLD"`
	RoundAmountStep     string        `mapstructure:"ROUND_AMOUNT_STEP"`
	RoundAmountMin      string        `mapstructure:"ROUND_AMOUNT_MIN"`
	RecipientWindow     time.Duration `mapstructure:"RECIPIENT_WINDOW"`
	RecipientThreshold  int           `mapstructure:"RECIPIENT_THRESHOLD"`
	Timezone            string        `mapstructure:"RISK_TIMEZONE"`

	ScanSchedule string        `mapstructure:"SCAN_SCHEDULE"`
	ScanWindow   time.Duration `mapstructure:"SCAN_WINDOW"`
	ScanMaxCount int           `mapstructure:"SCAN_MAX_COUNT"`
	ScanMaxTotal string        `mapstructure:"SCAN_MAX_TOTAL"`
}

type EventsConfig struct {
	RabbitMQURL      string `mapstructure:"RABBITMQ_URL"`
	RabbitMQExchange string `mapstructure:"RABBITMQ_EXCHANGE"`
	AuditLogFile     string `mapstructure:"AUDIT_LOG_FILE"`
	AuditCapacity    int    `mapstructure:"AUDIT_CAPACITY"`
}

type SecurityConfig struct {
	TLSDir            string   `mapstructure:"TLS_DIR"`
	TLSCertFile       string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile        string   `mapstructure:"TLS_KEY_FILE"`
	TLSCAFile         string   `mapstructure:"TLS_CA_FILE"`
	RequireClientCert bool     `mapstructure:"TLS_REQUIRE_CLIENT_CERT"`
	AllowedPeers      []string `mapstructure:"ALLOWED_PEERS"`
	IPAllowlist       []string `mapstructure:"IP_ALLOWLIST"`
	CORSOrigins       []string `mapstructure:"CORS_ORIGINS"`
	MaxBodyBytes      int64    `mapstructure:"MAX_BODY_BYTES"`
	RedisURL          string   `mapstructure:"REDIS_URL"`
	RateLimitCapacity int      `mapstructure:"RATE_LIMIT_CAPACITY"`
	RateLimitRefill   float64  `mapstructure:"RATE_LIMIT_REFILL"`
	RateLimitFailOpen bool     `mapstructure:"RATE_LIMIT_FAIL_OPEN"`
}

type OAuthConfig struct {
	Issuer                   string        `mapstructure:"OAUTH_ISSUER"`
	AccessTokenTTL           time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	SigningKeyFile           string        `mapstructure:"OAUTH_SIGNING_KEY_FILE"`
	OperatorClientID         string        `mapstructure:"OPERATOR_CLIENT_ID"`
	OperatorClientSecretHash string        `mapstructure:"OPERATOR_CLIENT_SECRET_HASH"`
	OperatorScopes           []string      `mapstructure:"OPERATOR_SCOPES"`
}

var defaults = map[string]any{
	"APP_ENV":          "development",
	"LOG_LEVEL":        "info",
	"HTTP_ADDR":        ":8080",
	"GRPC_HEALTH_ADDR": ":9090",

	"LEDGER_DRIVER": "sqlite",
	"DATABASE_URL":  "",
	"SQLITE_PATH":   "sinpe.db",
	"SEED_FILE":     "",

	"BANK_CODE":           "152",
	"BANKS_FILE":          "config/banks.json",
	"SINPE_SHARED_SECRET": DevelopmentSecret,
	"SIGNATURE_DIGEST":    signing.DigestMD5,
	"DISPATCH_TIMEOUT":    "5s",
	"PROBE_TIMEOUT":       "2s",
	"PROBE_BUDGET":        "10s",
	"PEER_MTLS":           false,

	"ACCOUNT_RAIL_MAX":        "10000000",
	"MOBILE_RAIL_MAX":         "1000000",
	"CURRENCIES":              "CRC,USD",
	"MESSAGE_MAX_AGE":         "60m",
	"MESSAGE_MAX_FUTURE_SKEW": "5m",

	"SINGLE_LIMIT_MOBILE":   "100000",
	"SINGLE_LIMIT_SINPE":    "5000000",
	"SINGLE_LIMIT_INTERNAL": "10000000",
	"DAILY_LIMIT_MOBILE":    "500000",
	"DAILY_LIMIT_SINPE":     "10000000",
	"DAILY_LIMIT_INTERNAL":  "50000000",
	"VELOCITY_WINDOW":       "60s",
	"VELOCITY_THRESHOLD":    5,
	"ROUND_AMOUNT_STEP":     "10000",
	"ROUND_AMOUNT_MIN":      "50000",
	"RECIPIENT_WINDOW":      "1h",
	"RECIPIENT_THRESHOLD":   20,
	"RISK_TIMEZONE":         "America/Costa_Rica",

	"SCAN_SCHEDULE":  "@every 5m",
	"SCAN_WINDOW":    "1h",
	"SCAN_MAX_COUNT": 15,
	"SCAN_MAX_TOTAL": "1000000",

	"RABBITMQ_URL":      "",
	"RABBITMQ_EXCHANGE": "sinpe.events",
	"AUDIT_LOG_FILE":    "",
	"AUDIT_CAPACITY":    10000,

	"TLS_DIR":                 "",
	"TLS_CERT_FILE":           "",
	"TLS_KEY_FILE":            "",
	"TLS_CA_FILE":             "",
	"TLS_REQUIRE_CLIENT_CERT": false,
	"ALLOWED_PEERS":           "",
	"IP_ALLOWLIST":            "",
	"CORS_ORIGINS":            "",
	"MAX_BODY_BYTES":          1 << 20,
	"REDIS_URL":               "",
	"RATE_LIMIT_CAPACITY":     100,
	"RATE_LIMIT_REFILL":       50.0,
	"RATE_LIMIT_FAIL_OPEN":    false,

	"OAUTH_ISSUER":                "sinpe-node",
	"ACCESS_TOKEN_TTL":            "15m",
	"OAUTH_SIGNING_KEY_FILE":      "",
	"OPERATOR_CLIENT_ID":          "",
	"OPERATOR_CLIENT_SECRET_HASH": "",
	"OPERATOR_SCOPES":             "transfers:write,accounts:read,contacts:read",
}

// Load reads the environment, overlaid on envFile when that file exists,
// and validates the result.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			v.SetConfigFile(envFile)
			v.SetConfigType("env")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
			}
		}
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	c.Ledger.Driver = strings.ToLower(strings.TrimSpace(c.Ledger.Driver))
	c.Limits.Currencies = cleanList(c.Limits.Currencies, strings.ToUpper)
	c.Security.AllowedPeers = cleanList(c.Security.AllowedPeers, nil)
	c.Security.IPAllowlist = cleanList(c.Security.IPAllowlist, nil)
	c.Security.CORSOrigins = cleanList(c.Security.CORSOrigins, nil)
	c.OAuth.OperatorScopes = cleanList(c.OAuth.OperatorScopes, nil)

	if c.Security.TLSDir != "" {
		cert, key, ca := security.GenerateTLSPaths(c.Security.TLSDir)
		if c.Security.TLSCertFile == "" {
			c.Security.TLSCertFile = cert
		}
		if c.Security.TLSKeyFile == "" {
			c.Security.TLSKeyFile = key
		}
		if c.Security.TLSCAFile == "" {
			c.Security.TLSCAFile = ca
		}
	}
}

// Production reports whether the stricter deployment checks apply.
func (c *Config) Production() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var problems []string

	switch c.Environment {
	case "development", "test", "staging", "production":
	default:
		problems = append(problems, fmt.Sprintf("APP_ENV %q is not one of development, test, staging, production", c.Environment))
	}

	switch c.Ledger.Driver {
	case "postgres":
		if c.Ledger.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required for the postgres ledger")
		}
	case "sqlite":
		if c.Ledger.SQLitePath == "" {
			problems = append(problems, "SQLITE_PATH is required for the sqlite ledger")
		}
	default:
		problems = append(problems, fmt.Sprintf("LEDGER_DRIVER %q is not one of sqlite, postgres", c.Ledger.Driver))
	}

	if len(c.Network.BankCode) != 3 || strings.Trim(c.Network.BankCode, "0123456789") != "" {
		problems = append(problems, "BANK_CODE must be three digits")
	}
	if c.Network.BanksFile == "" {
		problems = append(problems, "BANKS_FILE is required")
	}
	if c.Network.SharedSecret == "" {
		problems = append(problems, "SINPE_SHARED_SECRET is required")
	}
	if _, err := signing.LookupDigest(c.Network.Digest); err != nil {
		problems = append(problems, "SIGNATURE_DIGEST: "+err.Error())
	}
	for key, d := range map[string]time.Duration{
		"DISPATCH_TIMEOUT":        c.Network.DispatchTimeout,
		"PROBE_TIMEOUT":           c.Network.ProbeTimeout,
		"PROBE_BUDGET":            c.Network.ProbeBudget,
		"MESSAGE_MAX_AGE":         c.Limits.MaxAge,
		"MESSAGE_MAX_FUTURE_SKEW": c.Limits.MaxFutureSkew,
		"VELOCITY_WINDOW":         c.Risk.VelocityWindow,
		"RECIPIENT_WINDOW":        c.Risk.RecipientWindow,
		"SCAN_WINDOW":             c.Risk.ScanWindow,
	} {
		if d <= 0 {
			problems = append(problems, key+" must be a positive duration")
		}
	}
	if len(c.Limits.Currencies) == 0 {
		problems = append(problems, "CURRENCIES must list at least one currency")
	}

	if _, err := c.ValidationLimits(); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := c.RiskRules(); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := c.ScannerConfig(); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := security.ParseAllowlist(c.Security.IPAllowlist); err != nil {
		problems = append(problems, "IP_ALLOWLIST: "+err.Error())
	}
	if (c.Security.TLSCertFile == "") != (c.Security.TLSKeyFile == "") {
		problems = append(problems, "TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if c.Security.RequireClientCert && c.Security.TLSCAFile == "" {
		problems = append(problems, "TLS_CA_FILE is required with TLS_REQUIRE_CLIENT_CERT")
	}
	if c.OAuth.OperatorClientID != "" && c.OAuth.OperatorClientSecretHash == "" {
		problems = append(problems, "OPERATOR_CLIENT_SECRET_HASH is required with OPERATOR_CLIENT_ID")
	}
	for _, s := range c.OAuth.OperatorScopes {
		if !auth.KnownScope(s) {
			problems = append(problems, "OPERATOR_SCOPES: unknown scope "+s)
		}
	}

	if c.Production() {
		if c.Network.SharedSecret == DevelopmentSecret {
			problems = append(problems, "SINPE_SHARED_SECRET must not be the development secret in "+c.Environment)
		}
		if c.Security.TLSCertFile == "" {
			problems = append(problems, "TLS_CERT_FILE and TLS_KEY_FILE are required in "+c.Environment)
		} else if err := security.VerifyTLSFiles(c.Security.TLSCertFile, c.Security.TLSKeyFile, c.Security.TLSCAFile); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// ValidationLimits converts the payload checks.
func (c *Config) ValidationLimits() (validation.Limits, error) {
	accountMax, err := positiveDecimal("ACCOUNT_RAIL_MAX", c.Limits.AccountRailMax)
	if err != nil {
		return validation.Limits{}, err
	}
	mobileMax, err := positiveDecimal("MOBILE_RAIL_MAX", c.Limits.MobileRailMax)
	if err != nil {
		return validation.Limits{}, err
	}
	return validation.Limits{
		AccountRailMax: accountMax,
		MobileRailMax:  mobileMax,
		Currencies:     c.Limits.Currencies,
		MaxAge:         c.Limits.MaxAge,
		MaxFutureSkew:  c.Limits.MaxFutureSkew,
	}, nil
}

// RiskRules converts the scoring rules.
func (c *Config) RiskRules() (risk.Rules, error) {
	rules := risk.DefaultRules()

	single := map[domain.Channel]string{
		domain.ChannelMobile:   c.Risk.SingleLimitMobile,
		domain.ChannelSINPE:    c.Risk.SingleLimitSINPE,
		domain.ChannelInternal: c.Risk.SingleLimitInternal,
	}
	daily := map[domain.Channel]string{
		domain.ChannelMobile:   c.Risk.DailyLimitMobile,
		domain.ChannelSINPE:    c.Risk.DailyLimitSINPE,
		domain.ChannelInternal: c.Risk.DailyLimitInternal,
	}
	for ch, raw := range single {
		d, err := positiveDecimal("SINGLE_LIMIT_"+strings.ToUpper(string(ch)), raw)
		if err != nil {
			return risk.Rules{}, err
		}
		rules.SingleLimit[ch] = d
	}
	for ch, raw := range daily {
		d, err := positiveDecimal("DAILY_LIMIT_"+strings.ToUpper(string(ch)), raw)
		if err != nil {
			return risk.Rules{}, err
		}
		rules.DailyLimit[ch] = d
	}

	step, err := positiveDecimal("ROUND_AMOUNT_STEP", c.Risk.RoundAmountStep)
	if err != nil {
		return risk.Rules{}, err
	}
	minimum, err := positiveDecimal("ROUND_AMOUNT_MIN", c.Risk.RoundAmountMin)
	if err != nil {
		return risk.Rules{}, err
	}
	if c.Risk.VelocityThreshold <= 0 || c.Risk.RecipientThreshold <= 0 {
		return risk.Rules{}, errors.New("VELOCITY_THRESHOLD and RECIPIENT_THRESHOLD must be positive")
	}

	rules.VelocityWindow = c.Risk.VelocityWindow
	rules.VelocityThreshold = c.Risk.VelocityThreshold
	rules.RoundAmountStep = step
	rules.RoundAmountMin = minimum
	rules.RecipientWindow = c.Risk.RecipientWindow
	rules.RecipientThreshold = c.Risk.RecipientThreshold

	switch c.Risk.Timezone {
	case "", "America/Costa_Rica":
		rules.Location = risk.CostaRica()
	default:
		loc, err := time.LoadLocation(c.Risk.Timezone)
		if err != nil {
			return risk.Rules{}, fmt.Errorf("RISK_TIMEZONE: %w", err)
		}
		rules.Location = loc
	}
	return rules, nil
}

// ScannerConfig converts the anomaly scan settings.
func (c *Config) ScannerConfig() (risk.ScannerConfig, error) {
	cfg := risk.DefaultScannerConfig()
	total, err := positiveDecimal("SCAN_MAX_TOTAL", c.Risk.ScanMaxTotal)
	if err != nil {
		return risk.ScannerConfig{}, err
	}
	if c.Risk.ScanMaxCount <= 0 {
		return risk.ScannerConfig{}, errors.New("SCAN_MAX_COUNT must be positive")
	}
	if c.Risk.ScanSchedule != "" {
		cfg.Schedule = c.Risk.ScanSchedule
	}
	cfg.Window = c.Risk.ScanWindow
	cfg.MaxCount = c.Risk.ScanMaxCount
	cfg.MaxTotal = total
	return cfg, nil
}

// RouterOptions converts the peer routing settings.
func (c *Config) RouterOptions() router.Options {
	opts := router.Options{
		LocalBankCode:   c.Network.BankCode,
		DispatchTimeout: c.Network.DispatchTimeout,
		ProbeTimeout:    c.Network.ProbeTimeout,
		ProbeBudget:     c.Network.ProbeBudget,
	}
	if c.Network.PeerMTLS && c.Security.TLSCertFile != "" {
		opts.TLS = &security.TLSConfig{
			CertFile: c.Security.TLSCertFile,
			KeyFile:  c.Security.TLSKeyFile,
			CAFile:   c.Security.TLSCAFile,
		}
	}
	return opts
}

// ServerTLS returns the listener TLS settings, or nil for plain HTTP.
func (c *Config) ServerTLS() *security.TLSConfig {
	if c.Security.TLSCertFile == "" {
		return nil
	}
	return &security.TLSConfig{
		CertFile:          c.Security.TLSCertFile,
		KeyFile:           c.Security.TLSKeyFile,
		CAFile:            c.Security.TLSCAFile,
		RequireClientAuth: c.Security.RequireClientCert,
	}
}

// Digest returns the configured signature digest.
func (c *Config) Digest() (signing.Digest, error) {
	return signing.LookupDigest(c.Network.Digest)
}

func positiveDecimal(key, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %q is not a decimal amount", key, raw)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

func cleanList(in []string, transform func(string) string) []string {
	var out []string
	for _, item := range in {
		// a single env value may carry the whole comma separated list
		for _, part := range strings.Split(item, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if transform != nil {
				part = transform(part)
			}
			out = append(out, part)
		}
	}
	return out
}
