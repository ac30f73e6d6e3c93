package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_RepoServerYAML(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "server.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Game.Engine != "dungeon" || cfg.Game.StepTimeout != 10*time.Second || cfg.Index.FlushInterval != 500*time.Millisecond {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Render.GlyphSize != 15 || cfg.Game.Actions == "" {
		t.Fatalf("render=%+v game=%+v", cfg.Render, cfg.Game)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != Defaults().Addr || cfg.Index.Backend != "sqlite" {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte("game:\n  seed: 7\n  engine: dungeon\nrender:\n  glyph_size: 20\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SKYHACK_SEED", "42")
	t.Setenv("SKYHACK_ENGINE", "process")
	t.Setenv("SKYHACK_ENGINE_CMD", "python3 engine.py")
	t.Setenv("SKYHACK_MCP_HMAC_SECRET", "s3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Game.Seed != 42 || cfg.Render.GlyphSize != 20 {
		t.Fatalf("seed=%d glyph=%d", cfg.Game.Seed, cfg.Render.GlyphSize)
	}
	if len(cfg.Game.EngineCmd) != 2 || cfg.Game.EngineCmd[1] != "engine.py" {
		t.Fatalf("engine_cmd=%q", cfg.Game.EngineCmd)
	}
	if cfg.MCP.HMACSecret != "s3" {
		t.Fatalf("secret not loaded from env")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown engine":      func(c *Config) { c.Game.Engine = "nethack" },
		"process without cmd": func(c *Config) { c.Game.Engine = "process" },
		"tiny glyph":          func(c *Config) { c.Render.GlyphSize = 1 },
		"remote without url":  func(c *Config) { c.Index.Backend = "remote" },
		"unknown backend":     func(c *Config) { c.Index.Backend = "postgres" },
		"hmac required":       func(c *Config) { c.MCP.RequireHMAC = true },

		"archive without keys": func(c *Config) {
			c.Archive = Archive{Endpoint: "r2.example.com", Bucket: "runs"}
		},
		"archive without log": func(c *Config) {
			c.Archive = Archive{Endpoint: "r2.example.com", Bucket: "runs", AccessKeyID: "a", SecretAccessKey: "s"}
			c.Log.TurnLog = false
		},
	}
	for name, mutate := range cases {
		c := Defaults()
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("BLUESKY_USERNAME=from-file\nBLUESKY_PASSWORD=pw\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("BLUESKY_USERNAME", "from-env")
	t.Setenv("BLUESKY_PASSWORD", "")
	os.Unsetenv("BLUESKY_PASSWORD")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("dotenv: %v", err)
	}
	b, err := LoadBot()
	if err != nil {
		t.Fatalf("bot: %v", err)
	}
	if b.BlueskyUsername != "from-env" || b.BlueskyPassword != "pw" || !b.CanPost() {
		t.Fatalf("bot=%+v", b)
	}
	if b.ServerURL != "http://127.0.0.1:5000" {
		t.Fatalf("server url default=%q", b.ServerURL)
	}
}
