// Package config loads syncview settings from an optional .env file and the
// process environment.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const envPrefix = "SYNCVIEW_"

type Config struct {
	LogLevel      string `mapstructure:"SYNCVIEW_LOG_LEVEL"`
	LogFile       string `mapstructure:"SYNCVIEW_LOG_FILE"`
	LogMaxSizeMB  int    `mapstructure:"SYNCVIEW_LOG_MAX_SIZE_MB"`
	LogMaxBackups int    `mapstructure:"SYNCVIEW_LOG_MAX_BACKUPS"`
	LogMaxAgeDays int    `mapstructure:"SYNCVIEW_LOG_MAX_AGE_DAYS"`

	ResolverBaseURL  string        `mapstructure:"SYNCVIEW_RESOLVER_BASE_URL"`
	ResolverTimeout  time.Duration `mapstructure:"SYNCVIEW_RESOLVER_TIMEOUT"`
	ResolverRetryMax int           `mapstructure:"SYNCVIEW_RESOLVER_RETRY_MAX"`

	DiscoveryPoll  time.Duration `mapstructure:"SYNCVIEW_DISCOVERY_POLL"`
	DiscoveryDelay int           `mapstructure:"SYNCVIEW_DISCOVERY_DELAY_SECONDS"`

	CastRetryAttempts int           `mapstructure:"SYNCVIEW_CAST_RETRY_ATTEMPTS"`
	CastRetryBackoff  time.Duration `mapstructure:"SYNCVIEW_CAST_RETRY_BACKOFF"`

	MetricsAddr string `mapstructure:"SYNCVIEW_METRICS_ADDR"`

	RedisURL     string `mapstructure:"SYNCVIEW_REDIS_URL"`
	RedisChannel string `mapstructure:"SYNCVIEW_REDIS_CHANNEL"`

	HWDecode       bool          `mapstructure:"SYNCVIEW_HW_DECODE"`
	PrerollTimeout time.Duration `mapstructure:"SYNCVIEW_PREROLL_TIMEOUT"`
}

func Defaults() Config {
	return Config{
		LogLevel:          "info",
		LogMaxSizeMB:      20,
		LogMaxBackups:     3,
		LogMaxAgeDays:     14,
		ResolverBaseURL:   "https://api.formula1.com",
		ResolverTimeout:   20 * time.Second,
		ResolverRetryMax:  0,
		DiscoveryPoll:     2 * time.Second,
		DiscoveryDelay:    1,
		CastRetryAttempts: 3,
		CastRetryBackoff:  120 * time.Millisecond,
		RedisChannel:      "syncview:sync",
		HWDecode:          true,
		PrerollTimeout:    20 * time.Second,
	}
}

// Load reads the given .env files (".env" when none are given), overlays the
// process environment and decodes every SYNCVIEW_* key onto Defaults. Missing
// .env files are not an error.
func Load(paths ...string) (Config, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}

	values := map[string]string{}
	for _, p := range paths {
		fileValues, err := godotenv.Read(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Config{}, errors.Wrapf(err, "read %s", p)
		}
		for k, v := range fileValues {
			values[k] = v
		}
	}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			values[k] = v
		}
	}
	return FromMap(values)
}

// FromMap decodes SYNCVIEW_* keys from values onto Defaults. Empty values keep
// the default.
func FromMap(values map[string]string) (Config, error) {
	input := make(map[string]any)
	for k, v := range values {
		if !strings.HasPrefix(k, envPrefix) {
			continue
		}
		if strings.TrimSpace(v) == "" {
			continue
		}
		input[k] = strings.TrimSpace(v)
	}

	cfg := Defaults()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &cfg,
	})
	if err != nil {
		return Config{}, errors.Wrap(err, "build config decoder")
	}
	if err := decoder.Decode(input); err != nil {
		return Config{}, errors.Wrap(err, "decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ResolverBaseURL == "" {
		return errors.New("SYNCVIEW_RESOLVER_BASE_URL must not be empty")
	}
	if c.ResolverTimeout <= 0 {
		return errors.New("SYNCVIEW_RESOLVER_TIMEOUT must be positive")
	}
	if c.ResolverRetryMax < 0 {
		return errors.New("SYNCVIEW_RESOLVER_RETRY_MAX must not be negative")
	}
	if c.DiscoveryPoll <= 0 {
		return errors.New("SYNCVIEW_DISCOVERY_POLL must be positive")
	}
	if c.CastRetryAttempts < 1 {
		return errors.New("SYNCVIEW_CAST_RETRY_ATTEMPTS must be at least 1")
	}
	if c.PrerollTimeout <= 0 {
		return errors.New("SYNCVIEW_PREROLL_TIMEOUT must be positive")
	}
	return nil
}
