package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mvo5/goconfigparser"
)

const legacySection = "daemon"

// ApplyLegacy overlays the timed login keys of an MDM custom.conf on top of
// the loaded configuration. Missing keys leave the current values alone.
func (c *Config) ApplyLegacy(path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}

	cfg := goconfigparser.New()
	if err := cfg.ReadFile(path); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	if v, err := cfg.Get(legacySection, "TimedLoginEnable"); err == nil {
		c.TimedLogin.Enable = parseLegacyBool(v)
	}
	if v, err := cfg.Get(legacySection, "TimedLogin"); err == nil {
		c.TimedLogin.User = strings.TrimSpace(v)
	}
	if v, err := cfg.Get(legacySection, "TimedLoginDelay"); err == nil {
		delay, perr := strconv.Atoi(strings.TrimSpace(v))
		if perr != nil {
			return fmt.Errorf("config: %s: TimedLoginDelay %q: %w", path, v, perr)
		}
		c.TimedLogin.DelaySeconds = delay
	}
	return nil
}

func parseLegacyBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "y", "1":
		return true
	}
	return false
}
