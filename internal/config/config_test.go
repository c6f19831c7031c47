package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

func TestRegisterFlags_Override(t *testing.T) {
	cfg := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, &cfg)

	if err := fs.Parse([]string{"--store-root=/data", "--workers=4"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.StoreRoot != "/data" || cfg.Workers != 4 {
		t.Fatalf("cfg = %+v, want StoreRoot=/data Workers=4", cfg)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	t.Setenv("MAPTERHORN_STORE_ROOT", "/env-store")
	t.Setenv("MAPTERHORN_WORKERS", "7")

	if err := ApplyEnv(&cfg); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.StoreRoot != "/env-store" || cfg.Workers != 7 {
		t.Fatalf("cfg = %+v, want StoreRoot=/env-store Workers=7", cfg)
	}
}

func TestLoadFile(t *testing.T) {
	cfg := Default()
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "store_root: /from-file\nquality: 90\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	if err := LoadFile(path, &cfg); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.StoreRoot != "/from-file" || cfg.Quality != 90 {
		t.Fatalf("cfg = %+v, want StoreRoot=/from-file Quality=90", cfg)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
	cfg.StoreRoot = ""
	if err := cfg.Validate(); err == nil {
		t.Errorf("empty store-root should fail validation")
	}
	cfg = Default()
	cfg.Quality = 0
	if err := cfg.Validate(); err == nil {
		t.Errorf("quality=0 should fail validation")
	}
}

func TestApply_SetsCacheEnvVar(t *testing.T) {
	cfg := Default()
	cfg.CacheSizeMB = 256
	if err := cfg.Apply(); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := os.Getenv("MAPTERHORN_RASTER_CACHE_MB"); got != "256" {
		t.Errorf("MAPTERHORN_RASTER_CACHE_MB = %q, want 256", got)
	}
}
