package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.XTTS.CharLimit != 250 {
		t.Fatalf("expected xtts char limit 250, got %d", cfg.XTTS.CharLimit)
	}
	if cfg.Pipeline.SilenceSampleRate != 22050 || cfg.Pipeline.SilenceSeconds != 0.3 {
		t.Fatalf("unexpected silence defaults: %+v", cfg.Pipeline)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222,nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_OPENAI_API_KEY", "sk-test")
	t.Setenv("LOQA_REMOTE_URL", "http://tts.local/")
	t.Setenv("LOQA_REMOTE_AUTH_KEY", "remote-key")
	t.Setenv("LOQA_XTTS_RESPONSE_FORMAT", "RAW")
	t.Setenv("LOQA_PLAYBACK_EARLY_START", "true")
	t.Setenv("LOQA_VOICE_CLIPS_EXTENSIONS", "wav, FLAC")
	t.Setenv("LOQA_ANALYTICS_RETENTION_DAYS", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.OpenAI.APIKey != "sk-test" {
		t.Fatalf("expected openai key override")
	}
	if cfg.Remote.URL != "http://tts.local" || cfg.Remote.AuthKey != "remote-key" {
		t.Fatalf("expected remote override, got %+v", cfg.Remote)
	}
	if cfg.XTTS.ResponseFormat != "raw" {
		t.Fatalf("expected xtts response format raw, got %q", cfg.XTTS.ResponseFormat)
	}
	if !cfg.Playback.EarlyStart {
		t.Fatalf("expected early start override")
	}
	if len(cfg.VoiceClips.Extensions) != 2 || cfg.VoiceClips.Extensions[1] != ".flac" {
		t.Fatalf("expected normalized extensions, got %v", cfg.VoiceClips.Extensions)
	}
	if cfg.Analytics.RetentionDays != 7 {
		t.Fatalf("expected analytics retention override")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voice.yaml")
	data := []byte(`
runtime_name: test-voice
xtts:
  url: http://localhost:8020
  char_limit: 180
playback:
  compression: zstd
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "test-voice" || cfg.XTTS.CharLimit != 180 || cfg.Playback.Compression != "zstd" {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.Pipeline.QueueDepth != 2 {
		t.Fatalf("expected defaults to survive partial yaml")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"xtts format":  func(c *Config) { c.XTTS.ResponseFormat = "mp3" },
		"compression":  func(c *Config) { c.Playback.Compression = "gzip" },
		"queue depth":  func(c *Config) { c.Pipeline.QueueDepth = 0 },
		"log level":    func(c *Config) { c.Telemetry.LogLevel = "verbose" },
		"clip root":    func(c *Config) { c.VoiceClips.Root = "" },
		"repeat chars": func(c *Config) { c.Normalizer.RepeatedChars = -1 },
		"exporter":     func(c *Config) { c.Telemetry.TraceExporter = "jaeger" },
		"otlp no host": func(c *Config) { c.Telemetry.TraceExporter = "otlp" },
		"sample ratio": func(c *Config) { c.Telemetry.TraceSampleRatio = 1.5 },
		"idle timeout": func(c *Config) { c.Playback.IdleTimeoutMS = -1 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
