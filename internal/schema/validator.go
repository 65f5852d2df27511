package schema

import (
	"fmt"
	"net"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// usernamePattern defines the accepted shape for login identifiers.
// Printable, no whitespace, no shell metacharacters.
var usernamePattern = regexp.MustCompile(`^[^\s'"` + "`" + `;|&<>]{1,256}$`)

// Validator checks events at the ingestion boundary. Malformed events are
// rejected here with a clear reason and never reach the detectors.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    7 * 24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("username_format", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate validates a login event against the canonical schema.
// Returns an error if validation fails.
func (v *Validator) Validate(event *LoginEvent) error {
	if err := v.validate.Struct(event); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if net.ParseIP(event.SourceIP) == nil {
		return fmt.Errorf("invalid source_ip: %q", event.SourceIP)
	}

	now := time.Now().UTC()

	if event.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	if event.Timestamp.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("timestamp too old: %v (max age: %v)", event.Timestamp, v.maxAge)
	}

	if event.Timestamp.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("timestamp in future: %v (max future: %v)", event.Timestamp, v.maxFuture)
	}

	return nil
}

// ValidateUsername checks if a login identifier matches the required format.
func ValidateUsername(username string) bool {
	return usernamePattern.MatchString(username)
}
