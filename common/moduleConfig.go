package common

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type CronTrigger struct {
	Schedule string `yaml:"schedule"` // Cron schedule (e.g., "*/5 * * * *")
	Args     any    `yaml:"args"`     // passed to the module as args
}

type KafkaTrigger struct {
	BootstrapServers []string `yaml:"bootstrap_servers"`
	Topics           []string `yaml:"topics"`
	GroupId          string   `yaml:"group_id"`
	AutoOffsetReset  string   `yaml:"auto_offset_reset"` // "earliest" or "latest"
}

type Triggers struct {
	Cron  []CronTrigger  `yaml:"cron,omitempty"`
	Kafka []KafkaTrigger `yaml:"kafka,omitempty"`
}

// ModuleConfig is the optional wdog.yaml shipped with a tenant module.
type ModuleConfig struct {
	// overrides the watchdog timeout when non-zero
	Timeout_ms int          `yaml:"timeout_ms"`
	Limits     LimitsConfig `yaml:"limits"`
	Triggers   Triggers     `yaml:"triggers"`
}

func DefaultModuleConfig() *ModuleConfig {
	return &ModuleConfig{}
}

func checkModuleConfig(mc *ModuleConfig) error {
	if mc.Timeout_ms < 0 {
		return fmt.Errorf("timeout_ms cannot be negative")
	}

	for _, trigger := range mc.Triggers.Cron {
		if trigger.Schedule == "" {
			return fmt.Errorf("cron trigger schedule cannot be empty")
		}
		switch trigger.Args.(type) {
		case nil, map[string]any, []any:
		default:
			return fmt.Errorf("cron trigger %q: args must be a map or a list", trigger.Schedule)
		}
	}

	for i, trigger := range mc.Triggers.Kafka {
		if len(trigger.BootstrapServers) == 0 {
			return fmt.Errorf("kafka trigger %d has no bootstrap_servers", i)
		}
		if len(trigger.Topics) == 0 {
			return fmt.Errorf("kafka trigger %d has no topics", i)
		}
		switch trigger.AutoOffsetReset {
		case "", "earliest", "latest":
		default:
			return fmt.Errorf("kafka trigger %d: bad auto_offset_reset %q", i, trigger.AutoOffsetReset)
		}
	}

	return nil
}

// ParseModuleConfig decodes and validates a descriptor.
func ParseModuleConfig(r io.Reader) (*ModuleConfig, error) {
	mc := DefaultModuleConfig()
	if err := yaml.NewDecoder(r).Decode(mc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := checkModuleConfig(mc); err != nil {
		return nil, err
	}
	return mc, nil
}

// LoadModuleConfig reads wdog.yaml from dir, falling back to defaults when
// the module ships none.
func LoadModuleConfig(dir string) (*ModuleConfig, error) {
	path := filepath.Join(dir, ModuleConfigName)
	file, err := os.Open(path)

	if errors.Is(err, os.ErrNotExist) {
		slog.Info("Module config not found, using defaults", "path", path)
		return DefaultModuleConfig(), nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to open module config: %w", err)
	}
	defer file.Close()

	mc, err := ParseModuleConfig(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return mc, nil
}

// ExtractConfigFromTarGz finds the descriptor at the root of a module
// package without unpacking the rest.
func ExtractConfigFromTarGz(tarPath string) (*ModuleConfig, error) {
	file, err := os.Open(tarPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzr, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return DefaultModuleConfig(), nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to read tar: %w", err)
		}

		if strings.TrimPrefix(hdr.Name, "./") == ModuleConfigName {
			return ParseModuleConfig(tr)
		}
	}
}

// EffectiveTimeout applies the module override on top of the watchdog value.
func (mc *ModuleConfig) EffectiveTimeout(def int) int {
	if mc.Timeout_ms > 0 {
		return mc.Timeout_ms
	}
	return def
}
