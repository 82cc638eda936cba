package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Runtimes.
const (
	RuntimeExec = "exec"
	RuntimeEcho = "echo"
)

// BridgeConfig holds configuration for the lspbridge server.
type BridgeConfig struct {
	Port            int           `yaml:"port"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	LogLevel        string        `yaml:"log_level"`
	ConfigFile      string        `yaml:"-"`
	ClientKey       string        `yaml:"client_key"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	RedisAddr       string        `yaml:"redis_addr"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
	Runtime         string        `yaml:"runtime"`
	Command         string        `yaml:"command"`
	Args            []string      `yaml:"args"`
	SandboxRoot     string        `yaml:"sandbox_root"`
	ProcessName     string        `yaml:"process_name"`
	WorkspaceRoot   string        `yaml:"workspace_root"`
	WorkspaceDir    string        `yaml:"workspace_dir"`
	VolatileDir     string        `yaml:"volatile_dir"`
	BaselineDir     string        `yaml:"baseline_dir"`
	SyncRoot        string        `yaml:"sync_root"`
	SyncConcurrency int           `yaml:"sync_concurrency"`
	ChannelTTL      time.Duration `yaml:"channel_ttl"`
	ChannelWait     time.Duration `yaml:"channel_wait"`
	MaxMessageBytes int           `yaml:"max_message_bytes"`
}

// SetDefaults initializes c with built-in defaults.
func (c *BridgeConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 5 * time.Minute
	}
	if c.Runtime == "" {
		c.Runtime = RuntimeExec
	}
	if c.Command == "" {
		c.Command = "clangd"
	}
	if c.ProcessName == "" {
		c.ProcessName = "clangd"
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = "/workspace"
	}
	if c.SyncRoot == "" {
		c.SyncRoot = "/"
	}
	if c.ChannelTTL == 0 {
		c.ChannelTTL = 60 * time.Second
	}
	if c.ChannelWait == 0 {
		c.ChannelWait = 30 * time.Second
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = 64 << 20
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("lspbridge.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *BridgeConfig) ApplyEnv() {
	str := func(key string, dst *string) {
		if v := GetEnv(key, ""); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := GetEnv(key, ""); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := GetEnv(key, ""); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str("CONFIG_FILE", &c.ConfigFile)
	str("LOG_LEVEL", &c.LogLevel)
	num("PORT", &c.Port)
	if v := GetEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = metricsAddr(v)
	}
	str("CLIENT_KEY", &c.ClientKey)
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	str("REDIS_ADDR", &c.RedisAddr)
	dur("DRAIN_TIMEOUT", &c.DrainTimeout)
	str("RUNTIME", &c.Runtime)
	str("LS_COMMAND", &c.Command)
	if v := GetEnv("LS_ARGS", ""); v != "" {
		c.Args = strings.Fields(v)
	}
	str("SANDBOX_ROOT", &c.SandboxRoot)
	str("PROCESS_NAME", &c.ProcessName)
	str("WORKSPACE_ROOT", &c.WorkspaceRoot)
	str("WORKSPACE_DIR", &c.WorkspaceDir)
	str("VOLATILE_DIR", &c.VolatileDir)
	str("BASELINE_DIR", &c.BaselineDir)
	str("SYNC_ROOT", &c.SyncRoot)
	num("SYNC_CONCURRENCY", &c.SyncConcurrency)
	dur("CHANNEL_TTL", &c.ChannelTTL)
	dur("CHANNEL_WAIT", &c.ChannelWait)
	num("MAX_MESSAGE_BYTES", &c.MaxMessageBytes)
}

// BindFlagsFromCurrent binds command line flags on flag.CommandLine using
// the current config values as defaults.
func (c *BridgeConfig) BindFlagsFromCurrent() {
	c.BindFlagSet(flag.CommandLine)
}

// BindFlagSet binds flags on fs using the current config values as defaults.
func (c *BridgeConfig) BindFlagSet(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "bridge config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	fs.Func("metrics-port", "Prometheus metrics listen address or port; served on --port when empty", func(v string) error {
		c.MetricsAddr = metricsAddr(v)
		return nil
	})
	fs.StringVar(&c.ClientKey, "client-key", c.ClientKey, "bearer key editors must present; leave empty to disable auth")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for server and session state")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for live sessions on shutdown (-1 to wait indefinitely, 0 to exit immediately)")
	fs.StringVar(&c.Runtime, "runtime", c.Runtime, "process runtime (exec or echo)")
	fs.StringVar(&c.Command, "command", c.Command, "language server command for the exec runtime")
	fs.Func("args", "space separated language server arguments", func(v string) error {
		c.Args = strings.Fields(v)
		return nil
	})
	fs.StringVar(&c.SandboxRoot, "sandbox-root", c.SandboxRoot, "host directory backing the process tree; a temporary directory per session when empty")
	fs.StringVar(&c.ProcessName, "process-name", c.ProcessName, "process name used in abort events")
	fs.StringVar(&c.WorkspaceRoot, "workspace-root", c.WorkspaceRoot, "workspace directory inside the process tree")
	fs.StringVar(&c.WorkspaceDir, "workspace-dir", c.WorkspaceDir, "host directory holding the default workspace")
	fs.StringVar(&c.VolatileDir, "volatile-dir", c.VolatileDir, "host directory holding volatile input")
	fs.StringVar(&c.BaselineDir, "baseline-dir", c.BaselineDir, "host directory holding baseline files; a built-in .clangd when empty")
	fs.StringVar(&c.SyncRoot, "sync-root", c.SyncRoot, "tree mirrored over the filesystem channel")
	fs.IntVar(&c.SyncConcurrency, "sync-concurrency", c.SyncConcurrency, "maximum concurrent file sync sends (0 for unbounded)")
	fs.DurationVar(&c.ChannelTTL, "channel-ttl", c.ChannelTTL, "time a created channel handle waits to be attached")
	fs.DurationVar(&c.ChannelWait, "channel-wait", c.ChannelWait, "time init waits for channels to be attached")
	fs.IntVar(&c.MaxMessageBytes, "max-message-bytes", c.MaxMessageBytes, "largest message accepted from process stdout")
}

// LoadFile populates the config from a YAML file. Fields already set remain
// unless overwritten by corresponding entries in the file.
func (c *BridgeConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// Validate reports settings that cannot work together.
func (c *BridgeConfig) Validate() error {
	switch c.Runtime {
	case RuntimeEcho:
	case RuntimeExec:
		if c.Command == "" {
			return errors.New("exec runtime requires a command")
		}
	default:
		return fmt.Errorf("unknown runtime %q", c.Runtime)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("max message bytes must be positive, got %d", c.MaxMessageBytes)
	}
	if c.SyncConcurrency < 0 {
		return fmt.Errorf("sync concurrency must not be negative, got %d", c.SyncConcurrency)
	}
	return nil
}

func metricsAddr(v string) string {
	if v == "" || strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
