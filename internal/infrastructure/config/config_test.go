package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
site:
  id: "test-site"
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
bluetooth:
  adapter: "hci1"
  devices:
    - "38:39:8F:82:18:7E"
    - "aa:bb:cc:dd:ee:ff"
  scan_duration: 30
api:
  host: "0.0.0.0"
  port: 8080
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.Bluetooth.Adapter != "hci1" {
		t.Errorf("Bluetooth.Adapter = %q, want %q", cfg.Bluetooth.Adapter, "hci1")
	}
	if len(cfg.Bluetooth.Devices) != 2 {
		t.Errorf("Bluetooth.Devices = %v, want 2 entries", cfg.Bluetooth.Devices)
	}
	if cfg.MQTT.Broker.Host != "localhost" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "localhost")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
site:
  id: "test-site"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Bluetooth.Adapter != "hci0" {
		t.Errorf("Bluetooth.Adapter = %q, want default %q", cfg.Bluetooth.Adapter, "hci0")
	}
	if cfg.Bluetooth.ConnectRetries != 3 {
		t.Errorf("Bluetooth.ConnectRetries = %d, want 3", cfg.Bluetooth.ConnectRetries)
	}
	if cfg.MQTT.Broker.ClientID != "ble-bridge" {
		t.Errorf("MQTT.Broker.ClientID = %q, want %q", cfg.MQTT.Broker.ClientID, "ble-bridge")
	}
	if got := cfg.AdapterPath(); got != "/org/bluez/hci0" {
		t.Errorf("AdapterPath() = %q, want %q", got, "/org/bluez/hci0")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BLEBRIDGE_MQTT_HOST", "broker.internal")
	t.Setenv("BLEBRIDGE_BLUETOOTH_ADAPTER", "hci2")
	t.Setenv("BLEBRIDGE_BLUETOOTH_DEVICES", "38:39:8F:82:18:7E, AA:BB:CC:DD:EE:FF")

	content := `
site:
  id: "test-site"
mqtt:
  broker:
    host: "localhost"
bluetooth:
  adapter: "hci0"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MQTT.Broker.Host != "broker.internal" {
		t.Errorf("MQTT.Broker.Host = %q, want env override", cfg.MQTT.Broker.Host)
	}
	if cfg.Bluetooth.Adapter != "hci2" {
		t.Errorf("Bluetooth.Adapter = %q, want env override", cfg.Bluetooth.Adapter)
	}
	want := []string{"38:39:8F:82:18:7E", "AA:BB:CC:DD:EE:FF"}
	if len(cfg.Bluetooth.Devices) != len(want) {
		t.Fatalf("Bluetooth.Devices = %v, want %v", cfg.Bluetooth.Devices, want)
	}
	for i := range want {
		if cfg.Bluetooth.Devices[i] != want[i] {
			t.Errorf("Bluetooth.Devices[%d] = %q, want %q", i, cfg.Bluetooth.Devices[i], want[i])
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config { return defaultConfig() }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid defaults",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missing site id",
			mutate:  func(c *Config) { c.Site.ID = "" },
			wantErr: true,
		},
		{
			name:    "invalid qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: true,
		},
		{
			name:    "missing adapter",
			mutate:  func(c *Config) { c.Bluetooth.Adapter = "" },
			wantErr: true,
		},
		{
			name:    "negative scan duration",
			mutate:  func(c *Config) { c.Bluetooth.ScanDuration = -1 },
			wantErr: true,
		},
		{
			name:    "zero connect retries",
			mutate:  func(c *Config) { c.Bluetooth.ConnectRetries = 0 },
			wantErr: true,
		},
		{
			name:    "invalid api port",
			mutate:  func(c *Config) { c.API.Port = 0 },
			wantErr: true,
		},
		{
			name:    "api disabled ignores port",
			mutate:  func(c *Config) { c.API.Enabled = false; c.API.Port = 0 },
			wantErr: false,
		},
		{
			name:    "influx enabled without url",
			mutate:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: true,
		},
		{
			name: "influx enabled complete",
			mutate: func(c *Config) {
				c.InfluxDB.Enabled = true
				c.InfluxDB.URL = "http://localhost:8086"
				c.InfluxDB.Bucket = "ble"
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := defaultConfig()
	if got := cfg.AttemptTimeout().Seconds(); got != 10 {
		t.Errorf("AttemptTimeout() = %vs, want 10s", got)
	}
	if got := cfg.SettleDelay().Milliseconds(); got != 500 {
		t.Errorf("SettleDelay() = %vms, want 500ms", got)
	}
	if got := cfg.RetryBackoff().Seconds(); got != 2 {
		t.Errorf("RetryBackoff() = %vs, want 2s", got)
	}
}
