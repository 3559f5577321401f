package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/scratcha/scratcha/internal/captcha"
)

// ValidationError is one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid setting found.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the settings every binary relies on.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "unknown level %q", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		add("logging.format", "must be console or json, got %q", c.Logging.Format)
	}
	if c.Transport.ChunkSize <= 0 {
		add("transport.chunk_size", "must be positive")
	}
	if c.Transport.MaxTotalSize <= 0 {
		add("transport.max_total_size", "must be positive")
	}
	if c.Transport.ChunkPause < 0 {
		add("transport.chunk_pause", "must not be negative")
	}
	if c.Telemetry.ReferenceRole == "" {
		add("telemetry.reference_role", "is required")
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		add("rate_limit.requests_per_second", "must not be negative")
	}
	if c.Assembly.MaxChunks <= 0 {
		add("assembly.max_chunks", "must be positive")
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ValidateClient additionally checks what the SDK needs to reach the service.
func (c *Config) ValidateClient() error {
	var errs ValidationErrors
	if err := c.Validate(); err != nil {
		errs = append(errs, err.(ValidationErrors)...)
	}
	if strings.TrimSpace(c.Client.APIKey) == "" {
		errs = append(errs, ValidationError{Field: "client.api_key", Message: "is required"})
	}
	if _, err := captcha.ValidateEndpoint(c.Client.Endpoint); err != nil {
		errs = append(errs, ValidationError{Field: "client.endpoint", Message: err.Error()})
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}
