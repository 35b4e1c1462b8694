package app

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "custodian.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := writeConfigFile(t, `
env: staging
http:
  addr: 127.0.0.1:9000
  readTimeout: 20s
log:
  level: debug
  format: pretty
database:
  schema: vault
  minConns: 2
  readinessRequireDB: true
custody:
  issuerAllowlist: [" aa ", "bb"]
  reencryptAfterSign: true
  opTimeout: 45s
`)
	t.Setenv("CUSTODIAN_CONFIG_FILE", path)
	t.Setenv("CUSTODIAN_HTTP_ADDR", "127.0.0.1:9100")
	t.Setenv("CUSTODIAN_SIGN_REENCRYPT", "false")
	t.Setenv("CUSTODIAN_PROVISION_ISSUER_ALLOWLIST", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Env != "staging" || cfg.LogLevel != "debug" || cfg.LogFormat != "pretty" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.HTTPAddr != "127.0.0.1:9100" {
		t.Fatalf("env must override file: addr=%s", cfg.HTTPAddr)
	}
	if cfg.ReadTimeout != 20*time.Second || cfg.WriteTimeout != 15*time.Second {
		t.Fatalf("timeouts=%v/%v", cfg.ReadTimeout, cfg.WriteTimeout)
	}
	if cfg.DBSchema != "vault" || cfg.DBMinConns != 2 || !cfg.ReadinessRequireDB {
		t.Fatalf("database section not applied: %+v", cfg)
	}
	if !slices.Equal(cfg.IssuerAllowlist, []string{"aa", "bb"}) {
		t.Fatalf("allowlist=%v", cfg.IssuerAllowlist)
	}
	if cfg.ReencryptAfterSign {
		t.Fatalf("env false must override file true")
	}
	if cfg.OpTimeout != 45*time.Second {
		t.Fatalf("opTimeout=%v", cfg.OpTimeout)
	}
}

func TestLoadConfig_ExplicitFileMustExist(t *testing.T) {
	t.Setenv("CUSTODIAN_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := LoadConfig(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestLoadConfig_RejectsMalformedFile(t *testing.T) {
	t.Setenv("CUSTODIAN_CONFIG_FILE", writeConfigFile(t, "http: [unclosed"))
	if _, err := LoadConfig(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("CUSTODIAN_CONFIG_FILE", "")
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	def := DefaultConfig()
	if cfg.HTTPAddr != def.HTTPAddr || cfg.DBSchema != "custodian" || cfg.SignMaxBatch != 256 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestEnvCSV(t *testing.T) {
	def := []string{"x"}

	t.Setenv("CSV_TEST", " a, ,b ,")
	if got := EnvCSV("CSV_TEST", def); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("EnvCSV=%v", got)
	}
	t.Setenv("CSV_TEST", " , ")
	if got := EnvCSV("CSV_TEST", def); !slices.Equal(got, def) {
		t.Fatalf("EnvCSV separators only=%v", got)
	}
}

func TestIsProduction(t *testing.T) {
	t.Parallel()

	for env, want := range map[string]bool{"production": true, "PROD": true, "staging": false, "": false} {
		if got := (Config{Env: env}).IsProduction(); got != want {
			t.Fatalf("IsProduction(%q)=%v", env, got)
		}
	}
}
