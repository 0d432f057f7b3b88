package config

import (
	"errors"
	"fmt"
)

var validTiers = map[string]bool{"base": true, "standard": true, "premium": true}

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	// upstream.base_url is required.
	if c.Upstream.BaseURL == "" {
		errs = append(errs, fmt.Errorf("upstream.base_url is required"))
	}

	// server.port must be positive.
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}

	// oauth.redirect_port must be positive.
	if c.OAuth.RedirectPort <= 0 {
		errs = append(errs, fmt.Errorf("oauth.redirect_port must be > 0, got %d", c.OAuth.RedirectPort))
	}

	// accounts.entries[*].tier must be a known tier.
	for i, e := range c.Accounts.Entries {
		if e.Email == "" {
			errs = append(errs, fmt.Errorf("accounts.entries[%d].email is required", i))
		}
		if !validTiers[e.Tier] {
			errs = append(errs, fmt.Errorf("accounts.entries[%d].tier must be \"base\", \"standard\", or \"premium\", got %q", i, e.Tier))
		}
	}
	for name := range c.Accounts.Tiers {
		if !validTiers[name] {
			errs = append(errs, fmt.Errorf("accounts.tiers has unknown tier %q", name))
		}
	}

	// stream retry settings must be sane.
	if c.Stream.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("stream.max_retries must be >= 0, got %d", c.Stream.MaxRetries))
	}
	if c.Stream.MaxBufferBytes <= 0 {
		errs = append(errs, fmt.Errorf("stream.max_buffer_bytes must be > 0, got %d", c.Stream.MaxBufferBytes))
	}

	// storage.type must be a known value.
	switch c.Storage.Type {
	case "memory", "postgres":
		// valid
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"memory\" or \"postgres\", got %q", c.Storage.Type))
	}

	// If storage.type is "postgres", DSN or DSNFile must be set.
	if c.Storage.Type == "postgres" {
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
		}
	}

	// auth.type must be a known value.
	switch c.Auth.Type {
	case "none", "apikey":
		// valid
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\" or \"apikey\", got %q", c.Auth.Type))
	}
	if c.Auth.Type == "apikey" && len(c.Auth.APIKeys) == 0 {
		errs = append(errs, fmt.Errorf("auth.api_keys must not be empty when auth.type is \"apikey\""))
	}

	return errors.Join(errs...)
}
