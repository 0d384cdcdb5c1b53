package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

const minimalConfig = `{
  "controlPort": 7001,
  "requireTls": true,
  "servers": [
    {
      "name": "freenode",
      "host": "irc.example.net",
      "port": 6697,
      "tls": true,
      "nicknames": ["munin"]
    }
  ]
}`

func TestLoadParsesAndValidatesMinimalConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, minimalConfig)
	os.Unsetenv("AGENT_CONFIG")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ControlPort != 7001 {
		t.Fatalf("expected controlPort 7001, got %d", cfg.ControlPort)
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0].Host != "irc.example.net" {
		t.Fatalf("unexpected servers: %+v", cfg.Servers)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("expected default log level info, got %q", cfg.Logging.Level)
	}
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"controlPort": 7001, "servers": [{"host": "irc.example.net", "port": 6697}]}`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for server missing name/nicknames")
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"controlPort": 0, "servers": []}`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for controlPort 0")
	}
}

func TestAgentConfigEnvOverridesSource(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, minimalConfig)

	os.Setenv("AGENT_CONFIG", path)
	defer os.Unsetenv("AGENT_CONFIG")

	cfg, err := Load("does-not-exist.json")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Source != path {
		t.Fatalf("expected AGENT_CONFIG to override source, got %q", cfg.Source)
	}
}

func TestEnvOverrideAppliesToTaggedField(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, minimalConfig)
	os.Unsetenv("AGENT_CONFIG")

	os.Setenv("AGENT_CONTROL_PORT", "9001")
	defer os.Unsetenv("AGENT_CONTROL_PORT")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ControlPort != 9001 {
		t.Fatalf("expected env override to set controlPort 9001, got %d", cfg.ControlPort)
	}
}

func TestReloadReplacesFieldsOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, minimalConfig)
	os.Unsetenv("AGENT_CONFIG")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	writeConfig(t, dir, `{
  "controlPort": 7002,
  "requireTls": true,
  "servers": [
    {"name": "libera", "host": "irc.libera.chat", "port": 6697, "tls": true, "nicknames": ["munin2"]}
  ]
}`)

	if err := cfg.Reload(""); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if cfg.ControlPort != 7002 || cfg.Servers[0].Name != "libera" {
		t.Fatalf("expected reload to pick up new file contents, got %+v", cfg)
	}
}

func TestReloadLeavesConfigUntouchedOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, minimalConfig)
	os.Unsetenv("AGENT_CONFIG")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	original := *cfg

	writeConfig(t, dir, `{"controlPort": 0, "servers": []}`)

	if err := cfg.Reload(""); err == nil {
		t.Fatalf("expected Reload to reject an invalid replacement config")
	}
	if cfg.ControlPort != original.ControlPort {
		t.Fatalf("expected cfg to be unchanged after a failed Reload")
	}
}

func TestYAMLFormatDetectedByExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "controlPort: 7003\nrequireTls: true\nservers:\n  - name: oftc\n    host: irc.oftc.net\n    port: 6697\n    tls: true\n    nicknames: [\"munin\"]\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	os.Unsetenv("AGENT_CONFIG")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ControlPort != 7003 {
		t.Fatalf("expected yaml-parsed controlPort 7003, got %d", cfg.ControlPort)
	}
}
