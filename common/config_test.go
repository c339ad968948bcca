package common

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := LoadDefaults(dir); err != nil {
		t.Fatalf("LoadDefaults: %v", err)
	}

	if Conf.Run_path != "/v1/run" {
		t.Errorf("Expected run path /v1/run, got %s", Conf.Run_path)
	}
	if Conf.Worker_dir != filepath.Join(dir, "worker") {
		t.Errorf("Unexpected worker dir %s", Conf.Worker_dir)
	}
	if Conf.Timeout() <= 0 {
		t.Errorf("Expected positive timeout")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SWD_POD_IP", "10.0.0.7")
	t.Setenv("SWD_PORT", "9999")
	t.Setenv("SWD_POD_TOKEN", "secret")
	t.Setenv("SWD_FN_TMO", "1500")
	t.Setenv("SWD_LANG", "wasm")
	t.Setenv("SWD_MODULE", "/function/main.wasm")

	cfg := GetDefaultWorkerConfig("/tmp/wdog")
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.Worker_url != "10.0.0.7" || cfg.Worker_port != "9999" {
		t.Errorf("Unexpected bind %s:%s", cfg.Worker_url, cfg.Worker_port)
	}
	if cfg.Pod_token != "secret" {
		t.Errorf("Unexpected token %q", cfg.Pod_token)
	}
	if cfg.Timeout_ms != 1500 {
		t.Errorf("Expected timeout 1500, got %d", cfg.Timeout_ms)
	}
	if cfg.Runtime != "wasm" || cfg.Module_path != "/function/main.wasm" {
		t.Errorf("Unexpected module %s %s", cfg.Runtime, cfg.Module_path)
	}
}

func TestApplyEnv_BadTimeout(t *testing.T) {
	t.Setenv("SWD_FN_TMO", "soon")

	cfg := GetDefaultWorkerConfig("/tmp/wdog")
	if err := cfg.ApplyEnv(); err == nil {
		t.Fatal("Expected error for non-numeric SWD_FN_TMO")
	}
}

func TestCheckConf(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative worker dir", func(c *Config) { c.Worker_dir = "worker" }},
		{"relative run path", func(c *Config) { c.Run_path = "v1/run" }},
		{"zero timeout", func(c *Config) { c.Timeout_ms = 0 }},
		{"unknown runtime", func(c *Config) { c.Runtime = "python" }},
		{"unknown transport", func(c *Config) { c.Transport = "carrier-pigeon" }},
		{"no module", func(c *Config) { c.Module_path = ""; c.Module_name = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultWorkerConfig("/tmp/wdog")
			tt.mutate(cfg)
			if err := checkConf(cfg); err == nil {
				t.Errorf("Expected checkConf to reject config")
			}
		})
	}
}

func TestSaveAndOverrideConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := GetDefaultWorkerConfig(dir)
	confPath := filepath.Join(dir, "config.json")
	if err := SaveConfig(cfg, confPath); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	overPath := confPath + ".overrides"
	err := OverrideConfig(confPath, overPath, "timeout_ms=3000,features.cgroups=true,transport=queue")
	if err != nil {
		t.Fatalf("OverrideConfig: %v", err)
	}

	got, err := ReadInConfig(overPath)
	if err != nil {
		t.Fatalf("ReadInConfig: %v", err)
	}
	if got.Timeout_ms != 3000 || !got.Features.Cgroups || got.Transport != "queue" {
		t.Errorf("Overrides not applied: %+v", got)
	}

	if err := OverrideConfig(confPath, overPath, "nope.deeper=1"); err == nil {
		t.Errorf("Expected error for unknown nested key")
	}

	if _, err := os.Stat(confPath + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("Expected temp file to be gone")
	}
}
