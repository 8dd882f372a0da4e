package config

import (
	"errors"
	"fmt"
	"strings"
)

// APIConfig contains the HTTP API server configuration.
type APIConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	Auth        APIAuthConfig   `yaml:"auth,omitempty" mapstructure:"auth"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// APIAuthConfig configures HTTP basic authentication for mutating routes.
type APIAuthConfig struct {
	Enabled bool            `yaml:"enabled" mapstructure:"enabled"`
	Users   []BasicAuthUser `yaml:"users,omitempty" mapstructure:"users"`
}

// BasicAuthUser defines a basic auth user. Password holds a bcrypt hash.
type BasicAuthUser struct {
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
}

func (a *APIConfig) validate() error {
	if a.Listen == "" {
		return errors.New("api.listen is required")
	}

	if a.RateLimit.Enabled && a.RateLimit.RequestsPerMinute <= 0 {
		return errors.New("api.rate_limit.requests_per_minute must be positive")
	}

	if !a.Auth.Enabled {
		return nil
	}

	if len(a.Auth.Users) == 0 {
		return errors.New("api.auth.users must not be empty when auth is enabled")
	}

	seen := make(map[string]struct{}, len(a.Auth.Users))

	for i, u := range a.Auth.Users {
		if u.Username == "" {
			return fmt.Errorf("api.auth.users[%d]: username is required", i)
		}

		if _, ok := seen[u.Username]; ok {
			return fmt.Errorf("api.auth.users[%d]: duplicate username %q", i, u.Username)
		}

		seen[u.Username] = struct{}{}

		if !strings.HasPrefix(u.Password, "$2") {
			return fmt.Errorf("api.auth.users[%d]: password must be a bcrypt hash", i)
		}
	}

	return nil
}
