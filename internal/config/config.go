// Package config resolves clearinghouse environment settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment selects which clearinghouse deployment the engine talks to.
type Environment string

const (
	Sandbox    Environment = "sandbox"
	Production Environment = "production"
)

// Default base URLs for the secure relay, per environment.
const (
	defaultSandboxURL    = "https://sandbox.api.clearinghouse.example.com"
	defaultProductionURL = "https://api.clearinghouse.example.com"
)

// Config holds resolved clearinghouse settings for one environment.
type Config struct {
	Environment Environment
	BaseURL     string
	OfficeKey   string
	APIUsername string
	APIPassword string
	ClientID    string
	ClientSecret string

	// Timeout is the relay transport timeout
	Timeout time.Duration
	// RetryAttempts is the number of retries after the first attempt
	RetryAttempts int
	// RetryDelay is the fixed wait between retry attempts
	RetryDelay time.Duration
}

// ConfigurationError reports every required field that was not set.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", strings.Join(e.Missing, ", "))
}

// Resolve fills a Config from named settings for the given environment.
// Unset values resolve to empty strings; Resolve itself never fails.
// Call Validate before handing the config to a client.
func Resolve(env Environment) Config {
	prefix := "CH_SANDBOX_"
	baseURL := defaultSandboxURL
	if env == Production {
		prefix = "CH_PRODUCTION_"
		baseURL = defaultProductionURL
	}

	if v := os.Getenv(prefix + "BASE_URL"); v != "" {
		baseURL = v
	}

	return Config{
		Environment:   env,
		BaseURL:       baseURL,
		OfficeKey:     os.Getenv(prefix + "OFFICE_KEY"),
		APIUsername:   os.Getenv(prefix + "API_USERNAME"),
		APIPassword:   os.Getenv(prefix + "API_PASSWORD"),
		ClientID:      os.Getenv(prefix + "CLIENT_ID"),
		ClientSecret:  os.Getenv(prefix + "CLIENT_SECRET"),
		Timeout:       durationSetting(prefix+"TIMEOUT_MS", 30*time.Second),
		RetryAttempts: intSetting(prefix+"RETRY_ATTEMPTS", 3),
		RetryDelay:    durationSetting(prefix+"RETRY_DELAY_MS", time.Second),
	}
}

// Validate reports every missing required credential at once, not just the
// first one found.
func (c Config) Validate() error {
	var missing []string
	required := []struct {
		name  string
		value string
	}{
		{"officeKey", c.OfficeKey},
		{"apiUsername", c.APIUsername},
		{"apiPassword", c.APIPassword},
		{"clientId", c.ClientID},
		{"clientSecret", c.ClientSecret},
	}
	for _, f := range required {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return &ConfigurationError{Missing: missing}
	}
	return nil
}

func intSetting(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func durationSetting(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}
