package ratelimit

import (
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v2"
)

type (
	Config struct {
		KeyPrefix         string
		APIKeyHeader      string
		TrustForwardedFor bool
		Policies          []Policy
	}

	configRateLimit struct {
		KeyPrefix         *string                 `yaml:"keyPrefix"`
		APIKeyHeader      *string                 `yaml:"apiKeyHeader"`
		TrustForwardedFor *bool                   `yaml:"trustForwardedFor"`
		Policies          map[string]configPolicy `yaml:"policies"`
	}

	configPolicy struct {
		Quota          *int `yaml:"quota"`
		WindowSeconds  *int `yaml:"window_seconds"`
		LockoutSeconds *int `yaml:"lockout_seconds"`
	}
)

const (
	defaultKeyPrefix    = "rl"
	defaultAPIKeyHeader = "X-Api-Key"
)

// ParseConfig reads the ratelimit section of the gateway configuration.
func ParseConfig(configDataSource io.Reader) (*Config, error) {
	var c struct {
		RateLimit configRateLimit `yaml:"ratelimit"`
	}

	if err := yaml.NewDecoder(configDataSource).Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config data: %w", err)
	}

	return c.RateLimit.parse()
}

func (c *configRateLimit) parse() (*Config, error) {
	cfg := Config{
		KeyPrefix:    defaultKeyPrefix,
		APIKeyHeader: defaultAPIKeyHeader,
	}

	if c.KeyPrefix != nil {
		cfg.KeyPrefix = *c.KeyPrefix
	}

	if c.APIKeyHeader != nil {
		cfg.APIKeyHeader = *c.APIKeyHeader
	}

	if c.TrustForwardedFor != nil {
		cfg.TrustForwardedFor = *c.TrustForwardedFor
	}

	names := make([]string, 0, len(c.Policies))
	for n := range c.Policies {
		names = append(names, n)
	}

	sort.Strings(names)

	for _, n := range names {
		p, err := c.Policies[n].parse(Category(n))
		if err != nil {
			return nil, err
		}

		cfg.Policies = append(cfg.Policies, p)
	}

	return &cfg, nil
}

func (c configPolicy) parse(category Category) (Policy, error) {
	if c.Quota == nil {
		return Policy{}, &PolicyConfigurationError{Category: category, Reason: "quota is required"}
	}

	if c.WindowSeconds == nil {
		return Policy{}, &PolicyConfigurationError{Category: category, Reason: "window_seconds is required"}
	}

	var lockout int
	if c.LockoutSeconds != nil {
		lockout = *c.LockoutSeconds
	}

	return NewPolicy(category, *c.Quota, *c.WindowSeconds, lockout)
}
