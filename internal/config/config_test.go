package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)
	clearEnvOverrides(t)
	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.BridgeBinary != defaultBridgeBinary {
		t.Fatalf("bridge_binary = %q, want %q", cfg.BridgeBinary, defaultBridgeBinary)
	}
	if want := filepath.Join(home, ".tcflow", "hosts.db"); cfg.DirectoryPath != want {
		t.Fatalf("directory_path = %q, want %q", cfg.DirectoryPath, want)
	}
	if cfg.Gate.RetryInterval != defaultRetryInterval {
		t.Fatalf("gate.retry_interval = %s, want %s", cfg.Gate.RetryInterval, defaultRetryInterval)
	}
	if cfg.Session.SettleDelay != defaultSettleDelay {
		t.Fatalf("session.settle_delay = %s, want %s", cfg.Session.SettleDelay, defaultSettleDelay)
	}
	if cfg.Session.ReuseLoadAttempts >= cfg.Session.FreshLoadAttempts {
		t.Fatalf("reuse attempts %d should be fewer than fresh attempts %d",
			cfg.Session.ReuseLoadAttempts, cfg.Session.FreshLoadAttempts)
	}
	if cfg.Poll.Timeout != defaultPollTimeout {
		t.Fatalf("poll.timeout = %s, want %s", cfg.Poll.Timeout, defaultPollTimeout)
	}
	if cfg.ADS.DefaultPort != defaultADSPort {
		t.Fatalf("ads.default_port = %d, want %d", cfg.ADS.DefaultPort, defaultADSPort)
	}
	if cfg.MQTT.Broker != "" {
		t.Fatalf("mqtt.broker = %q, want disabled", cfg.MQTT.Broker)
	}
}

func TestLoadOverlayProjectOverHome(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)
	clearEnvOverrides(t)

	writeFile(t, filepath.Join(home, ".tcflow", "config.toml"), `
bridge_binary = "C:/tools/bridge.exe"
log_level = "debug"

[gate]
retry_interval = "250ms"

[poll]
timeout = "9m"

[mqtt]
broker = "tcp://home:1883"
	`)

	writeFile(t, filepath.Join(work, ".tcflow", "config.toml"), `
[poll]
interval = "500ms"

[session]
settle_delay = "1s"
fresh_load_attempts = 10

[ads]
local_net_id = "192.168.1.10.1.1"
default_port = 852

[mqtt]
topic_prefix = "plant/line1"
qos = 0
	`)
	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.BridgeBinary != "C:/tools/bridge.exe" {
		t.Fatalf("bridge_binary = %q", cfg.BridgeBinary)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q, want debug", cfg.LogLevel)
	}
	if cfg.Gate.RetryInterval != 250*time.Millisecond {
		t.Fatalf("gate.retry_interval = %s, want 250ms", cfg.Gate.RetryInterval)
	}
	if cfg.Poll.Timeout != 9*time.Minute {
		t.Fatalf("poll.timeout = %s, want 9m", cfg.Poll.Timeout)
	}
	if cfg.Poll.Interval != 500*time.Millisecond {
		t.Fatalf("poll.interval = %s, want 500ms", cfg.Poll.Interval)
	}
	if cfg.Session.SettleDelay != time.Second || cfg.Session.FreshLoadAttempts != 10 {
		t.Fatalf("session = %+v", cfg.Session)
	}
	if cfg.Session.ReuseLoadAttempts != defaultReuseLoadAttempts {
		t.Fatalf("session.reuse_load_attempts = %d, want default", cfg.Session.ReuseLoadAttempts)
	}
	if cfg.ADS.LocalNetID != "192.168.1.10.1.1" || cfg.ADS.DefaultPort != 852 {
		t.Fatalf("ads = %+v", cfg.ADS)
	}
	if cfg.MQTT.Broker != "tcp://home:1883" || cfg.MQTT.TopicPrefix != "plant/line1" || cfg.MQTT.QoS != 0 {
		t.Fatalf("mqtt = %+v", cfg.MQTT)
	}
}

func TestLoadEnvOverridesFiles(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)
	writeFile(t, filepath.Join(home, ".tcflow", "config.toml"), `
bridge_binary = "from-file"
directory_path = "/var/lib/tcflow/hosts.db"
	`)
	t.Setenv(EnvBridgeBinary, "from-env")
	t.Setenv(EnvDirectoryPath, "")
	t.Setenv(EnvMQTTBroker, "tcp://broker:1883")
	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BridgeBinary != "from-env" {
		t.Fatalf("bridge_binary = %q, want env override", cfg.BridgeBinary)
	}
	if cfg.DirectoryPath != "/var/lib/tcflow/hosts.db" {
		t.Fatalf("directory_path = %q, want file value", cfg.DirectoryPath)
	}
	if cfg.MQTT.Broker != "tcp://broker:1883" {
		t.Fatalf("mqtt.broker = %q, want env override", cfg.MQTT.Broker)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantText []string
	}{
		{
			name: "bad duration",
			content: `
[poll]
timeout = "soon"
`,
			wantText: []string{"poll.timeout"},
		},
		{
			name: "unknown key",
			content: `
wip_limit = 3
`,
			wantText: []string{"unsupported keys", "wip_limit"},
		},
		{
			name: "collects every validation error",
			content: `
log_level = "chatty"

[mqtt]
qos = 3

[session]
reuse_load_attempts = 0
`,
			wantText: []string{"log_level", "mqtt.qos", "session.reuse_load_attempts"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			work := t.TempDir()
			t.Setenv("HOME", home)
			clearEnvOverrides(t)
			writeFile(t, filepath.Join(work, ".tcflow", "config.toml"), tt.content)
			chdir(t, work)

			_, err := Load(context.Background())
			if err == nil {
				t.Fatal("expected load error")
			}
			for _, want := range tt.wantText {
				if !strings.Contains(err.Error(), want) {
					t.Fatalf("error %q missing %q", err.Error(), want)
				}
			}
		})
	}
}

func clearEnvOverrides(t *testing.T) {
	t.Helper()
	t.Setenv(EnvBridgeBinary, "")
	t.Setenv(EnvDirectoryPath, "")
	t.Setenv(EnvMQTTBroker, "")
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		if chdirErr := os.Chdir(cwd); chdirErr != nil {
			t.Fatalf("restore cwd: %v", chdirErr)
		}
	})
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
