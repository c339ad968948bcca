package common

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

// Configuration is stored globally here
var Conf *Config

// Config represents the configuration for one watchdog instance.
type Config struct {
	// watchdog directory, which contains the pid file, admin socket, logs, etc.
	Worker_dir string `json:"worker_dir"`

	// Url/ip the run listener binds to
	Worker_url string `json:"worker_url"`

	// port the run listener binds to
	Worker_port string `json:"worker_port"`

	// the only path that accepts invocations
	Run_path string `json:"run_path"`

	// shared secret every invocation must carry
	Pod_token string `json:"pod_token"`

	// per-call wall clock limit
	Timeout_ms int `json:"timeout_ms"`

	// how long a fresh worker may take to report it loaded the module
	Hello_timeout_ms int `json:"hello_timeout_ms"`

	// tenant module runtime: "expr" or "wasm"
	Runtime string `json:"runtime"`

	// fixed install path of the tenant module
	Module_path string `json:"module_path"`

	// if set, <module_name>.tar.gz is pulled from Registry before start
	Module_name string `json:"module_name"`

	// location where module packages are stored (gocloud blob URL)
	Registry string `json:"registry"`

	// supervisor/worker channel: "socket" (separate process) or "queue" (in process)
	Transport string `json:"transport"`

	// HMAC key for Bearer tokens; empty disables claims verification
	Jwt_key string `json:"jwt_key"`

	// cap on stdout/stderr returned per call
	Output_limit_kb int `json:"output_limit_kb"`

	// cap on one IPC message
	Max_message_kb int `json:"max_message_kb"`

	Limits   LimitsConfig   `json:"limits"`
	Features FeaturesConfig `json:"features"`
	Trace    TraceConfig    `json:"trace"`
}

type FeaturesConfig struct {
	// place each worker process in its own cgroup
	Cgroups bool `json:"cgroups"`
	// respawn a crashed worker right away instead of on the next call
	Proactive_restart bool `json:"proactive_restart"`
}

type TraceConfig struct {
	Enable_JSON bool `json:"enable_json"`
	Latency     bool `json:"latency"`
}

// One unified limits struct for both watchdog defaults and per-module overrides.
// For per-module wdog.yaml, zero values mean "use watchdog defaults".
type LimitsConfig struct {
	Procs       int `json:"procs" yaml:"procs"`
	Mem_mb      int `json:"mem_mb" yaml:"mem_mb"`
	CPU_percent int `json:"cpu_percent" yaml:"cpu_percent"`
}

// FillDefaults copies zero fields from def.
func (lc *LimitsConfig) FillDefaults(def LimitsConfig) {
	if lc.Procs == 0 {
		lc.Procs = def.Procs
	}
	if lc.Mem_mb == 0 {
		lc.Mem_mb = def.Mem_mb
	}
	if lc.CPU_percent == 0 {
		lc.CPU_percent = def.CPU_percent
	}
}

// Timeout returns the configured per-call limit.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Timeout_ms) * time.Millisecond
}

// HelloTimeout returns how long a new worker may take to load.
func (c *Config) HelloTimeout() time.Duration {
	return time.Duration(c.Hello_timeout_ms) * time.Millisecond
}

// Choose reasonable defaults for a watchdog rooted at wdogPath.
// wdogPath need not exist.
func LoadDefaults(wdogPath string) error {
	cfg := GetDefaultWorkerConfig(wdogPath)
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}

	if err := checkConf(cfg); err != nil {
		return err
	}

	Conf = cfg
	return nil
}

// GetDefaultWorkerConfig returns a config populated with reasonable defaults.
func GetDefaultWorkerConfig(wdogPath string) *Config {
	var workerDir, registryDir, modulePath string

	if wdogPath != "" {
		workerDir = filepath.Join(wdogPath, "worker")
		registryDir = filepath.Join(wdogPath, "registry")
		modulePath = filepath.Join(wdogPath, "function", "main.expr")
	}

	return &Config{
		Worker_dir:       workerDir,
		Worker_url:       "localhost",
		Worker_port:      "8687",
		Run_path:         "/v1/run",
		Timeout_ms:       2000,
		Hello_timeout_ms: 10000,
		Runtime:          "expr",
		Module_path:      modulePath,
		// Registry URL with file:// prefix required by gocloud blob backend abstraction.
		// file:// for local filesystem, s3:// for AWS S3, gs:// for Google Cloud Storage, azblob:// for Azure.
		Registry:        "file://" + registryDir,
		Transport:       "socket",
		Output_limit_kb: 256,
		Max_message_kb:  4096,
		Limits: LimitsConfig{
			Procs:       10,
			Mem_mb:      128,
			CPU_percent: 100,
		},
		Features: FeaturesConfig{
			Cgroups:           false,
			Proactive_restart: true,
		},
	}
}

// ApplyEnv overlays the deployment environment onto cfg. The deployment
// mechanism hands every instance its address, token, timeout and module
// this way.
func (cfg *Config) ApplyEnv() error {
	if v := os.Getenv("SWD_POD_IP"); v != "" {
		cfg.Worker_url = v
	}
	if v := os.Getenv("SWD_PORT"); v != "" {
		cfg.Worker_port = v
	}
	if v := os.Getenv("SWD_POD_TOKEN"); v != "" {
		cfg.Pod_token = v
	}
	if v := os.Getenv("SWD_FN_TMO"); v != "" {
		tmo, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("bad SWD_FN_TMO %q: %w", v, err)
		}
		cfg.Timeout_ms = tmo
	}
	if v := os.Getenv("SWD_LANG"); v != "" {
		cfg.Runtime = v
	}
	if v := os.Getenv("SWD_MODULE"); v != "" {
		cfg.Module_path = v
	}
	if v := os.Getenv("SWD_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	return nil
}

// LoadGlobalConfig reads a file, applies the environment and installs the
// result as Conf.
func LoadGlobalConfig(path string) error {
	cfg, err := ReadInConfig(path)
	if err != nil {
		return err
	}

	if err := cfg.ApplyEnv(); err != nil {
		return err
	}

	if err := checkConf(cfg); err != nil {
		return err
	}

	Conf = cfg
	return nil
}

func ReadInConfig(path string) (*Config, error) {
	configRaw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not open config (%v): %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(configRaw, &cfg); err != nil {
		return nil, fmt.Errorf("could not parse config (%v): %w", path, err)
	}

	return &cfg, nil
}

func checkConf(cfg *Config) error {
	if !path.IsAbs(cfg.Worker_dir) {
		return fmt.Errorf("Worker_dir cannot be relative")
	}

	if !strings.HasPrefix(cfg.Run_path, "/") || strings.Trim(cfg.Run_path, "/") == "" {
		return fmt.Errorf("run_path must start with '/' and name a path")
	}

	if cfg.Timeout_ms <= 0 {
		return fmt.Errorf("timeout_ms must be positive, got %d", cfg.Timeout_ms)
	}

	if cfg.Hello_timeout_ms <= 0 {
		return fmt.Errorf("hello_timeout_ms must be positive, got %d", cfg.Hello_timeout_ms)
	}

	switch cfg.Runtime {
	case "expr", "wasm":
	default:
		return fmt.Errorf("Unknown runtime '%s'", cfg.Runtime)
	}

	switch cfg.Transport {
	case "socket", "queue":
	default:
		return fmt.Errorf("Unknown transport '%s'", cfg.Transport)
	}

	if cfg.Module_name == "" && cfg.Module_path == "" {
		return fmt.Errorf("must specify module_path or module_name")
	}

	if cfg.Output_limit_kb <= 0 || cfg.Max_message_kb <= 0 {
		return fmt.Errorf("output_limit_kb and max_message_kb must be positive")
	}

	return nil
}

// DumpConf logs the Config as a JSON string.
func DumpConf() {
	s, err := json.Marshal(Conf)
	if err != nil {
		panic(err)
	}
	slog.Info(fmt.Sprintf("CONFIG = %v", string(s)))
}

// DumpConfStr returns the Config as an indented JSON string.
func DumpConfStr() string {
	s, err := json.MarshalIndent(Conf, "", "\t")
	if err != nil {
		panic(err)
	}
	return string(s)
}

// SaveGlobalConfig writes Conf as indented JSON to path.
func SaveGlobalConfig(path string) error {
	return SaveConfig(Conf, path)
}

func SaveConfig(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// write to a temp file in the same directory so the rename is atomic
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	slog.Info("Saved config", "path", path)
	return nil
}

// OverrideConfig applies "a=1,b.c=x" style overrides on top of the JSON
// config at srcPath and writes the result to dstPath.
func OverrideConfig(srcPath, dstPath, overrides string) error {
	raw, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("could not open config (%v): %w", srcPath, err)
	}

	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("could not parse config (%v): %w", srcPath, err)
	}

	for _, opt := range strings.Split(overrides, ",") {
		if opt == "" {
			continue
		}
		kv := strings.SplitN(opt, "=", 2)
		if len(kv) != 2 {
			return fmt.Errorf("could not parse key=val: '%s'", opt)
		}
		keys := strings.Split(kv[0], ".")
		obj := tree
		for _, key := range keys[:len(keys)-1] {
			sub, ok := obj[key].(map[string]any)
			if !ok {
				return fmt.Errorf("key '%s' not found or not an object", kv[0])
			}
			obj = sub
		}

		// keep the JSON type of the value being replaced
		last := keys[len(keys)-1]
		var val any = kv[1]
		switch obj[last].(type) {
		case float64:
			n, err := strconv.ParseFloat(kv[1], 64)
			if err != nil {
				return fmt.Errorf("'%s' wants a number: %w", kv[0], err)
			}
			val = n
		case bool:
			b, err := strconv.ParseBool(kv[1])
			if err != nil {
				return fmt.Errorf("'%s' wants a bool: %w", kv[0], err)
			}
			val = b
		}
		obj[last] = val
	}

	out, err := json.MarshalIndent(tree, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(dstPath, out, 0644)
}

func GetWdogPath(ctx *cli.Context) (string, error) {
	wdogPath := ctx.String("path")
	if wdogPath == "" {
		wdogPath = "default-wdog"
	}
	return filepath.Abs(wdogPath)
}
