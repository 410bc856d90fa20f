package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Variant names the slave flavour a process runs as.
const (
	VariantSimple  = "simple"
	VariantFactory = "factory"
	VariantProduct = "product"
)

type Config struct {
	Variant    string           `mapstructure:"variant" yaml:"variant"`
	Display    DisplayConfig    `mapstructure:"display" yaml:"display"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Greeter    GreeterConfig    `mapstructure:"greeter" yaml:"greeter"`
	Session    SessionConfig    `mapstructure:"session" yaml:"session"`
	Relay      RelayConfig      `mapstructure:"relay" yaml:"relay"`
	TimedLogin TimedLoginConfig `mapstructure:"timed_login" yaml:"timed_login"`
	Hooks      HooksConfig      `mapstructure:"hooks" yaml:"hooks"`
	Connect    ConnectConfig    `mapstructure:"connect" yaml:"connect"`
	DBus       DBusConfig       `mapstructure:"dbus" yaml:"dbus"`
	Audit      AuditConfig      `mapstructure:"audit" yaml:"audit"`
	LogFormat  string           `mapstructure:"log_format" yaml:"log_format"`
	LogLevel   string           `mapstructure:"log_level" yaml:"log_level"`
	LogFile    string           `mapstructure:"log_file" yaml:"log_file"`
}

type DisplayConfig struct {
	ID               string `mapstructure:"id" yaml:"id"`
	Name             string `mapstructure:"name" yaml:"name"`
	Hostname         string `mapstructure:"hostname" yaml:"hostname"`
	Number           int    `mapstructure:"number" yaml:"number"`
	Seat             string `mapstructure:"seat" yaml:"seat"`
	IsLocal          bool   `mapstructure:"is_local" yaml:"is_local"`
	X11AuthorityFile string `mapstructure:"x11_authority_file" yaml:"x11_authority_file"`
}

type ServerConfig struct {
	Command string `mapstructure:"command" yaml:"command"`
	Args    string `mapstructure:"args" yaml:"args"`
	VT      string `mapstructure:"vt" yaml:"vt"`
	LogDir  string `mapstructure:"log_dir" yaml:"log_dir"`
}

type GreeterConfig struct {
	Command           string `mapstructure:"command" yaml:"command"`
	User              string `mapstructure:"user" yaml:"user"`
	SocketDir         string `mapstructure:"socket_dir" yaml:"socket_dir"`
	ResetDelaySeconds int    `mapstructure:"reset_delay_seconds" yaml:"reset_delay_seconds"`
}

type SessionConfig struct {
	WorkerCommand string `mapstructure:"worker_command" yaml:"worker_command"`
}

type RelayConfig struct {
	SocketDir            string   `mapstructure:"socket_dir" yaml:"socket_dir"`
	AllowedUIDs          []uint32 `mapstructure:"allowed_uids" yaml:"allowed_uids"`
	MaxConnectsPerSecond int      `mapstructure:"max_connects_per_second" yaml:"max_connects_per_second"`
}

type TimedLoginConfig struct {
	Enable       bool   `mapstructure:"enable" yaml:"enable"`
	User         string `mapstructure:"user" yaml:"user"`
	DelaySeconds int    `mapstructure:"delay_seconds" yaml:"delay_seconds"`
	LegacyFile   string `mapstructure:"legacy_file" yaml:"legacy_file"`
}

type HooksConfig struct {
	Dir            string `mapstructure:"dir" yaml:"dir"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

type ConnectConfig struct {
	IntervalMs  int `mapstructure:"interval_ms" yaml:"interval_ms"`
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
}

type DBusConfig struct {
	FactoryName string `mapstructure:"factory_name" yaml:"factory_name"`
	FactoryPath string `mapstructure:"factory_path" yaml:"factory_path"`
}

// AuditConfig locates the login history. An empty File disables it.
type AuditConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

func Default() *Config {
	return &Config{
		Variant: VariantSimple,
		Display: DisplayConfig{
			ID:               "/org/mate/DisplayManager/Display1",
			Name:             ":0",
			Seat:             "seat0",
			IsLocal:          true,
			X11AuthorityFile: "/var/run/mdm/auth-for-mdm/database",
		},
		Server: ServerConfig{
			Command: "/usr/bin/X",
			Args:    "-br -verbose -nolisten tcp",
			VT:      "vt7",
			LogDir:  "/var/log/mdm",
		},
		Greeter: GreeterConfig{
			Command:   "/usr/libexec/mdm-simple-greeter",
			User:      "mdm",
			SocketDir: "/var/run/mdm",
		},
		Session: SessionConfig{
			WorkerCommand: "/usr/libexec/mdm-session-worker",
		},
		Relay: RelayConfig{
			SocketDir:            "/tmp",
			AllowedUIDs:          []uint32{0},
			MaxConnectsPerSecond: 5,
		},
		TimedLogin: TimedLoginConfig{
			DelaySeconds: 30,
			LegacyFile:   "/etc/mdm/custom.conf",
		},
		Hooks: HooksConfig{
			Dir:            "/etc/mdm",
			TimeoutSeconds: 60,
		},
		Connect: ConnectConfig{
			IntervalMs:  500,
			MaxAttempts: 10,
		},
		DBus: DBusConfig{
			FactoryName: "org.mate.DisplayManager",
			FactoryPath: "/org/mate/DisplayManager/LocalDisplayFactory",
		},
		Audit: AuditConfig{
			File:       "/var/log/mdm/history.jsonl",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		LogFormat: "text",
		LogLevel:  "info",
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("slave")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("MDM")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if cfg.TimedLogin.LegacyFile != "" {
		if err := cfg.ApplyLegacy(cfg.TimedLogin.LegacyFile); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	return cfg, nil
}

// Marshal renders the effective configuration as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// SaveTo writes cfg as YAML to cfgFile, or to the default location when
// cfgFile is empty.
func SaveTo(cfg *Config, cfgFile string) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(configDir(), "slave.yaml")
	}
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(cfgPath, data, 0644)
}

func (c *Config) ConnectInterval() time.Duration {
	return time.Duration(c.Connect.IntervalMs) * time.Millisecond
}

func (c *Config) ResetDelay() time.Duration {
	return time.Duration(c.Greeter.ResetDelaySeconds) * time.Second
}

func (c *Config) HookTimeout() time.Duration {
	return time.Duration(c.Hooks.TimeoutSeconds) * time.Second
}

func (c *Config) TimedLoginDelay() time.Duration {
	return time.Duration(c.TimedLogin.DelaySeconds) * time.Second
}

func configDir() string {
	return "/etc/mdm"
}
