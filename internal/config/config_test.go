package config

import "testing"

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() on defaults = %v, want nil", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "empty port", mutate: func(c *Config) { c.Server.Port = "" }},
		{name: "empty host", mutate: func(c *Config) { c.Server.Host = "" }},
		{name: "empty database path", mutate: func(c *Config) { c.Database.Path = "" }},
		{name: "empty library path", mutate: func(c *Config) { c.Music.LibraryPath = "" }},
		{name: "no supported formats", mutate: func(c *Config) { c.Music.SupportedFormats = nil }},
		{name: "zero time sync offset", mutate: func(c *Config) { c.SyncPlay.TimeSyncOffsetMs = 0 }},
		{name: "zero playback offset", mutate: func(c *Config) { c.SyncPlay.MaxPlaybackOffsetMs = 0 }},
		{name: "negative grace period", mutate: func(c *Config) { c.SyncPlay.GroupGraceSeconds = -1 }},
		{name: "zero sweep interval", mutate: func(c *Config) { c.SyncPlay.SweepIntervalMs = 0 }},
		{name: "zero queue size", mutate: func(c *Config) { c.SyncPlay.MessageQueueSize = 0 }},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "verbose" }},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestGetAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "9000"

	if got := cfg.GetAddress(); got != "127.0.0.1:9000" {
		t.Errorf("GetAddress() = %q, want %q", got, "127.0.0.1:9000")
	}
}

func TestIsFormatSupported(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.IsFormatSupported(".mp3") {
		t.Error("IsFormatSupported(.mp3) = false, want true")
	}
	if cfg.IsFormatSupported(".ogg") {
		t.Error("IsFormatSupported(.ogg) = true, want false")
	}
}
