package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a temp config file and returns its path.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000
body_max_bytes = 5242880

[upstream]
base_url = "https://generativelanguage.googleapis.com"
timeout_seconds = 60
idle_connections = 50

[proxy]
forward_headers = ["content-type", "x-goog-api-client", "x-goog-api-key"]
forward_header_patterns = ["^x-goog-"]
routing_key = "_path"

[rewrite]
force_safety_off = true

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if cfg.Upstream.TimeoutSeconds != 60 {
		t.Errorf("Upstream.TimeoutSeconds = %d, want %d", cfg.Upstream.TimeoutSeconds, 60)
	}
	if len(cfg.Proxy.ForwardHeaders) != 3 {
		t.Errorf("len(Proxy.ForwardHeaders) = %d, want 3", len(cfg.Proxy.ForwardHeaders))
	}
	if len(cfg.Proxy.ForwardHeaderPatterns) != 1 {
		t.Errorf("len(Proxy.ForwardHeaderPatterns) = %d, want 1", len(cfg.Proxy.ForwardHeaderPatterns))
	}
	if cfg.Proxy.RoutingKey != "_path" {
		t.Errorf("Proxy.RoutingKey = %q, want %q", cfg.Proxy.RoutingKey, "_path")
	}
	if !cfg.Rewrite.ForceSafetyOff {
		t.Error("Rewrite.ForceSafetyOff = false, want true")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
[upstream]
base_url = "https://generativelanguage.googleapis.com"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8000)
	}
	if cfg.Server.BodyMaxBytes != 10*1024*1024 {
		t.Errorf("Server.BodyMaxBytes = %d, want %d", cfg.Server.BodyMaxBytes, 10*1024*1024)
	}
	if cfg.Upstream.TimeoutSeconds != 120 {
		t.Errorf("Upstream.TimeoutSeconds = %d, want %d", cfg.Upstream.TimeoutSeconds, 120)
	}
	if cfg.Upstream.IdleConnections != 100 {
		t.Errorf("Upstream.IdleConnections = %d, want %d", cfg.Upstream.IdleConnections, 100)
	}
	want := []string{"Content-Type", "X-Goog-Api-Client", "X-Goog-Api-Key"}
	if len(cfg.Proxy.ForwardHeaders) != len(want) {
		t.Fatalf("Proxy.ForwardHeaders = %v, want %v", cfg.Proxy.ForwardHeaders, want)
	}
	for i, h := range want {
		if cfg.Proxy.ForwardHeaders[i] != h {
			t.Errorf("Proxy.ForwardHeaders[%d] = %q, want %q", i, cfg.Proxy.ForwardHeaders[i], h)
		}
	}
	if cfg.Proxy.RoutingKey != "_path" {
		t.Errorf("Proxy.RoutingKey = %q, want %q", cfg.Proxy.RoutingKey, "_path")
	}
	if cfg.Rewrite.ForceSafetyOff {
		t.Error("Rewrite.ForceSafetyOff = true, want default false")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_RewriteFlagEnv(t *testing.T) {
	tests := []struct {
		name    string
		env     string
		setEnv  bool
		tomlVal string
		want    bool
	}{
		{"literal true enables", "true", true, "false", true},
		{"TRUE is not truthy", "TRUE", true, "false", false},
		{"1 is not truthy", "1", true, "false", false},
		{"any other value forces off", "yes", true, "true", false},
		{"unset keeps toml value", "", false, "true", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setEnv {
				t.Setenv(rewriteFlagEnv, tt.env)
			} else {
				// Register cleanup via t.Setenv, then make sure it is unset.
				t.Setenv(rewriteFlagEnv, "")
				os.Unsetenv(rewriteFlagEnv)
			}
			path := writeConfig(t, `
[upstream]
base_url = "https://generativelanguage.googleapis.com"

[rewrite]
force_safety_off = `+tt.tomlVal+`
`)
			cfg, err := Load(cliWithPath(path))
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.Rewrite.ForceSafetyOff != tt.want {
				t.Errorf("Rewrite.ForceSafetyOff = %v, want %v", cfg.Rewrite.ForceSafetyOff, tt.want)
			}
		})
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "0.0.0.0"
port = 8000

[upstream]
base_url = "https://generativelanguage.googleapis.com"

[log]
level = "info"
`)

	cli := &CLI{Config: path, Host: "127.0.0.1", Port: 9999, LogLevel: "error"}
	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want CLI override", cfg.Server.Host)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want CLI override", cfg.Server.Port)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("Log.Level = %q, want CLI override", cfg.Log.Level)
	}
}

func TestLoad_MissingBaseURL(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 8000
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for missing base_url, got nil")
	}
}

func TestLoad_HTTPBaseURLRejected(t *testing.T) {
	path := writeConfig(t, `
[upstream]
base_url = "http://generativelanguage.googleapis.com"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for non-HTTPS base_url, got nil")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `
[upstream]
base_url = "https://generativelanguage.googleapis.com"

[log]
level = "verbose"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for invalid log level, got nil")
	}
}

func TestLoad_InvalidLogFormat(t *testing.T) {
	path := writeConfig(t, `
[upstream]
base_url = "https://generativelanguage.googleapis.com"

[log]
format = "xml"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for invalid log format, got nil")
	}
}

func TestLoad_InvalidForwardPattern(t *testing.T) {
	path := writeConfig(t, `
[upstream]
base_url = "https://generativelanguage.googleapis.com"

[proxy]
forward_header_patterns = ["["]
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for invalid forward pattern, got nil")
	}
}

func TestLoad_InvalidRoutingKey(t *testing.T) {
	path := writeConfig(t, `
[upstream]
base_url = "https://generativelanguage.googleapis.com"

[proxy]
routing_key = "a&b"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for routing key with metacharacters, got nil")
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 70000

[upstream]
base_url = "https://generativelanguage.googleapis.com"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for out-of-range port, got nil")
	}
}

func TestLoad_RateLimitEnabledNeedsRate(t *testing.T) {
	path := writeConfig(t, `
[upstream]
base_url = "https://generativelanguage.googleapis.com"

[server.rate_limit]
enabled = true
requests_per_second = 0
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for enabled rate limit without rate, got nil")
	}
}

func TestLoad_MetricsPathConflicts(t *testing.T) {
	path := writeConfig(t, `
[upstream]
base_url = "https://generativelanguage.googleapis.com"

[metrics]
enabled = true
path = "/healthz"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for metrics path conflicting with reserved route, got nil")
	}
}

func TestLoad_MetricsPathMustBeAbsolute(t *testing.T) {
	path := writeConfig(t, `
[upstream]
base_url = "https://generativelanguage.googleapis.com"

[metrics]
enabled = true
path = "metrics"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for relative metrics path, got nil")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(cliWithPath(filepath.Join(t.TempDir(), "missing.toml")))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_MalformedTOML(t *testing.T) {
	path := writeConfig(t, `[server`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for malformed TOML, got nil")
	}
}

func TestFindConfigInPaths(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(existing, []byte("[upstream]\nbase_url = \"https://generativelanguage.googleapis.com\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := findConfigInPaths([]string{
		filepath.Join(dir, "nope.toml"),
		existing,
	})
	if got != existing {
		t.Errorf("findConfigInPaths() = %q, want %q", got, existing)
	}

	got = findConfigInPaths([]string{filepath.Join(dir, "nope.toml")})
	if got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestServerConfig_Addr(t *testing.T) {
	s := &ServerConfig{Host: "127.0.0.1", Port: 8000}
	if got := s.Addr(); got != "127.0.0.1:8000" {
		t.Errorf("Addr() = %q, want %q", got, "127.0.0.1:8000")
	}
}

func TestWarnPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on windows")
	}

	path := writeConfig(t, `
[upstream]
base_url = "https://generativelanguage.googleapis.com"
`)
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permissions warning, got %q", buf.String())
	}

	// Tightened permissions should not warn.
	if err := os.Chmod(path, 0o600); err != nil {
		t.Fatal(err)
	}
	buf.Reset()
	cfg.WarnPermissions(logger)
	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600, got %q", buf.String())
	}
}
