package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// When no config exists anywhere, should error. Override
	// searchPathsFunc to avoid finding real config files on
	// developer/deploy machines.
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: ${INKWELL_TEST_DATA_DIR}\n"), 0600)
	os.Setenv("INKWELL_TEST_DATA_DIR", "/tmp/inkwell-data")
	defer os.Unsetenv("INKWELL_TEST_DATA_DIR")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.DataDir != "/tmp/inkwell-data" {
		t.Errorf("data_dir = %q, want %q", cfg.DataDir, "/tmp/inkwell-data")
	}
}

func TestLoad_ModelConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("model:\n  binary_path: /opt/inkwell/sidecar\n  path: /opt/inkwell/models/aria.gguf\n  gpu_layers: 20\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Model.BinaryPath != "/opt/inkwell/sidecar" || cfg.Model.Path != "/opt/inkwell/models/aria.gguf" || cfg.Model.GPULayers != 20 {
		t.Errorf("model config = %+v, unexpected values", cfg.Model)
	}
	if cfg.Model.ListenAddr != "127.0.0.1:8008" {
		t.Errorf("model.listen_addr default = %q, want 127.0.0.1:8008", cfg.Model.ListenAddr)
	}
}

func TestApplyDefaults_Generation(t *testing.T) {
	cfg := Default()
	if cfg.Generation.ContextSize != 4096 {
		t.Errorf("context_size default = %d, want 4096", cfg.Generation.ContextSize)
	}
	if cfg.Generation.ResponseReserve != cfg.Generation.MaxTokens {
		t.Errorf("response_reserve default should equal max_tokens, got %d vs %d",
			cfg.Generation.ResponseReserve, cfg.Generation.MaxTokens)
	}
	if cfg.Generation.LorebookBudget != 400 {
		t.Errorf("lorebook_budget default = %d, want 400", cfg.Generation.LorebookBudget)
	}
}

func TestApplyDefaults_DownloadScratchDir(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/inkwell"}
	cfg.applyDefaults()
	want := filepath.Join("/var/lib/inkwell", "downloads")
	if cfg.Download.ScratchDir != want {
		t.Errorf("download.scratch_dir = %q, want %q", cfg.Download.ScratchDir, want)
	}
}

func TestValidate_ResponseReserveMustBeLessThanContextSize(t *testing.T) {
	cfg := Default()
	cfg.Generation.ContextSize = 100
	cfg.Generation.ResponseReserve = 100

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error when response_reserve >= context_size")
	}
}

func TestValidate_MQTTEnabledRequiresBrokerURL(t *testing.T) {
	cfg := Default()
	cfg.Status.MQTT.Enabled = true
	cfg.Status.MQTT.BrokerURL = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for enabled MQTT without broker_url")
	}
}

func TestValidate_MQTTDisabledSkipsValidation(t *testing.T) {
	cfg := Default()
	cfg.Status.MQTT.Enabled = false

	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled MQTT status should skip validation, got: %v", err)
	}
}

func TestValidate_ListenPortOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Listen.Port = 70000

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range listen.port")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown log_level")
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() config should validate, got: %v", err)
	}
}
