package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Bridge recovery strategies
const (
	RecoveryNone          = "none"
	RecoveryRestartFirst  = "restart-first"
	RecoveryKillOnFailure = "kill-on-failure"
)

// Credential is one platform login taken from configuration
type Credential struct {
	Username string `json:"username" yaml:"username" validate:"required"`
	Password string `json:"password" yaml:"password" validate:"required"`
}

type Config struct {
	DatabaseURL string       `validate:"required"`
	Credentials []Credential `validate:"dive"`

	DailyUseCap   int `validate:"min=1"`
	UsageResetTZ  *time.Location
	MaxUsernames  int `validate:"min=1"`
	CheckDelay    time.Duration
	DialogTimeout time.Duration `validate:"gt=0"`
	RestartEvery  int           `validate:"min=0"`

	AppiumURL              string `validate:"required,url"`
	DeviceAddress          string `validate:"required,hostname_port"`
	ADBPath                string `validate:"required"`
	ConnectMaxAttempts     int    `validate:"min=1"`
	ConnectRetryDelay      time.Duration
	BridgeRecovery         string `validate:"oneof=none restart-first kill-on-failure"`
	BridgeRestartThreshold int    `validate:"min=1"`

	PollInterval    time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration

	DataDir           string `validate:"required"`
	EvidenceBucket    string
	EvidenceRegion    string
	EvidenceAccessKey string
	EvidenceSecretKey string

	NATSURL     string
	NATSSubject string

	MetricsAddr string

	JobRetention      time.Duration
	RetentionSchedule string

	LogLevel string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg := &Config{
		DatabaseURL:       dbURL,
		AppiumURL:         getEnv("APPIUM_URL", "http://appium:4723"),
		DeviceAddress:     getEnv("DEVICE_ADDRESS", "redroid:5555"),
		ADBPath:           getEnv("ADB_PATH", "adb"),
		BridgeRecovery:    getEnv("BRIDGE_RECOVERY", RecoveryKillOnFailure),
		DataDir:           getEnv("DATA_DIR", "./data"),
		EvidenceBucket:    os.Getenv("EVIDENCE_BUCKET"),
		EvidenceRegion:    getEnv("EVIDENCE_REGION", "us-west-2"),
		EvidenceAccessKey: os.Getenv("EVIDENCE_ACCESS_KEY"),
		EvidenceSecretKey: os.Getenv("EVIDENCE_SECRET_KEY"),
		NATSURL:           os.Getenv("NATS_URL"),
		NATSSubject:       getEnv("NATS_SUBJECT", "warncheck.jobs"),
		MetricsAddr:       os.Getenv("METRICS_ADDR"),
		RetentionSchedule: getEnv("RETENTION_SCHEDULE", "@hourly"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}

	var err error
	ints := []struct {
		key string
		def int
		dst *int
	}{
		{"DAILY_USE_CAP", 60, &cfg.DailyUseCap},
		{"MAX_USERNAMES_PER_JOB", 500, &cfg.MaxUsernames},
		{"SESSION_RESTART_EVERY", 20, &cfg.RestartEvery},
		{"CONNECT_MAX_ATTEMPTS", 30, &cfg.ConnectMaxAttempts},
		{"BRIDGE_RESTART_THRESHOLD", 5, &cfg.BridgeRestartThreshold},
	}
	for _, i := range ints {
		if *i.dst, err = getInt(i.key, i.def); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"CHECK_DELAY", 10 * time.Second, &cfg.CheckDelay},
		{"DIALOG_TIMEOUT", 8 * time.Second, &cfg.DialogTimeout},
		{"CONNECT_RETRY_DELAY", 2 * time.Second, &cfg.ConnectRetryDelay},
		{"POLL_INTERVAL", 10 * time.Second, &cfg.PollInterval},
		{"SHUTDOWN_TIMEOUT", 30 * time.Second, &cfg.ShutdownTimeout},
		{"JOB_RETENTION", 7 * 24 * time.Hour, &cfg.JobRetention},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	cfg.UsageResetTZ, err = time.LoadLocation(getEnv("USAGE_RESET_TZ", "UTC"))
	if err != nil {
		return nil, fmt.Errorf("invalid USAGE_RESET_TZ: %w", err)
	}

	cfg.Credentials, err = loadCredentials()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Password returns the configured password for an account credential reference
func (c *Config) Password(credentialRef string) (string, bool) {
	for _, cred := range c.Credentials {
		if cred.Username == credentialRef {
			return cred.Password, true
		}
	}
	return "", false
}

// loadCredentials merges INSTAGRAM_ACCOUNTS, the single-account pair and ACCOUNTS_FILE.
// The first occurrence of a username wins.
func loadCredentials() ([]Credential, error) {
	var creds []Credential

	if raw := os.Getenv("INSTAGRAM_ACCOUNTS"); raw != "" {
		var list []Credential
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return nil, fmt.Errorf("invalid INSTAGRAM_ACCOUNTS: %w", err)
		}
		creds = append(creds, list...)
	}

	if u, p := os.Getenv("INSTAGRAM_USERNAME"), os.Getenv("INSTAGRAM_PASSWORD"); u != "" && p != "" {
		creds = append(creds, Credential{Username: u, Password: p})
	}

	if path := os.Getenv("ACCOUNTS_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read ACCOUNTS_FILE: %w", err)
		}
		var file struct {
			Accounts []Credential `yaml:"accounts"`
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("invalid ACCOUNTS_FILE: %w", err)
		}
		creds = append(creds, file.Accounts...)
	}

	seen := make(map[string]bool, len(creds))
	out := make([]Credential, 0, len(creds))
	for _, c := range creds {
		c.Username = strings.TrimPrefix(strings.TrimSpace(c.Username), "@")
		if c.Username == "" || c.Password == "" || seen[c.Username] {
			continue
		}
		seen[c.Username] = true
		out = append(out, c)
	}
	return out, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return i, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
