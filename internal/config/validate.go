package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
)

var displayNameRegex = regexp.MustCompile(`^[A-Za-z0-9.\-]*:[0-9]+(\.[0-9]+)?$`)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validVariants = map[string]bool{
	VariantSimple:  true,
	VariantFactory: true,
	VariantProduct: true,
}

// ValidationResult separates problems that must stop startup from problems
// that were corrected or can be tolerated.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// Validate checks the config and logs every problem found as a warning.
func (c *Config) Validate() []error {
	errs := c.ValidateTiered().AllErrors()
	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}
	return errs
}

// ValidateTiered checks the config for invalid values. Dangerous values
// (zero intervals, unbounded retry caps) are clamped and reported as warnings.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if !validVariants[c.Variant] {
		r.Fatals = append(r.Fatals, fmt.Errorf("variant %q is not valid (use simple, factory or product)", c.Variant))
	}

	if c.Display.ID == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("display.id must be set"))
	}
	if !displayNameRegex.MatchString(c.Display.Name) {
		r.Fatals = append(r.Fatals, fmt.Errorf("display.name %q is not an X display name", c.Display.Name))
	}
	if c.Display.IsLocal && c.Server.Command == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("server.command must be set for a local display"))
	}
	if c.Variant != VariantProduct && c.Greeter.Command == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("greeter.command must be set for the %s variant", c.Variant))
	}
	if c.Hooks.Dir != "" && !filepath.IsAbs(c.Hooks.Dir) {
		r.Fatals = append(r.Fatals, fmt.Errorf("hooks.dir %q must be an absolute path", c.Hooks.Dir))
	}

	if c.Connect.IntervalMs < 50 {
		r.Warnings = append(r.Warnings, fmt.Errorf("connect.interval_ms %d is below minimum 50, clamping", c.Connect.IntervalMs))
		c.Connect.IntervalMs = 50
	} else if c.Connect.IntervalMs > 10000 {
		r.Warnings = append(r.Warnings, fmt.Errorf("connect.interval_ms %d exceeds maximum 10000, clamping", c.Connect.IntervalMs))
		c.Connect.IntervalMs = 10000
	}

	if c.Connect.MaxAttempts < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("connect.max_attempts %d is below minimum 1, clamping", c.Connect.MaxAttempts))
		c.Connect.MaxAttempts = 1
	} else if c.Connect.MaxAttempts > 100 {
		r.Warnings = append(r.Warnings, fmt.Errorf("connect.max_attempts %d exceeds maximum 100, clamping", c.Connect.MaxAttempts))
		c.Connect.MaxAttempts = 100
	}

	if c.Hooks.TimeoutSeconds < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("hooks.timeout_seconds %d is below minimum 1, clamping", c.Hooks.TimeoutSeconds))
		c.Hooks.TimeoutSeconds = 1
	} else if c.Hooks.TimeoutSeconds > 600 {
		r.Warnings = append(r.Warnings, fmt.Errorf("hooks.timeout_seconds %d exceeds maximum 600, clamping", c.Hooks.TimeoutSeconds))
		c.Hooks.TimeoutSeconds = 600
	}

	if c.Greeter.ResetDelaySeconds < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("greeter.reset_delay_seconds %d is negative, clamping", c.Greeter.ResetDelaySeconds))
		c.Greeter.ResetDelaySeconds = 0
	}

	if c.TimedLogin.DelaySeconds < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("timed_login.delay_seconds %d is negative, clamping", c.TimedLogin.DelaySeconds))
		c.TimedLogin.DelaySeconds = 0
	}
	if c.TimedLogin.Enable && strings.TrimSpace(c.TimedLogin.User) == "" {
		r.Warnings = append(r.Warnings, fmt.Errorf("timed_login.enable is set without a user, disabling"))
		c.TimedLogin.Enable = false
	}

	if len(c.Relay.AllowedUIDs) == 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("relay.allowed_uids is empty, allowing uid 0 only"))
		c.Relay.AllowedUIDs = []uint32{0}
	}
	if c.Relay.MaxConnectsPerSecond < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("relay.max_connects_per_second %d is below minimum 1, clamping", c.Relay.MaxConnectsPerSecond))
		c.Relay.MaxConnectsPerSecond = 1
	}

	if c.Audit.File != "" && !filepath.IsAbs(c.Audit.File) {
		r.Warnings = append(r.Warnings, fmt.Errorf("audit.file %q is not an absolute path, disabling login history", c.Audit.File))
		c.Audit.File = ""
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	switch c.LogFormat {
	case "", "text", "json", "journal":
	default:
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text, json or journal)", c.LogFormat))
	}

	return r
}
