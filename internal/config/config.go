// Package config loads server settings from configs/server.yaml, then lets
// SKYHACK_* environment variables override individual fields.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr    string `yaml:"addr" env:"SKYHACK_ADDR"`
	DataDir string `yaml:"data_dir" env:"SKYHACK_DATA_DIR"`

	Game     Game     `yaml:"game"`
	Render   Render   `yaml:"render"`
	Index    Index    `yaml:"index"`
	MCP      MCP      `yaml:"mcp"`
	Observer Observer `yaml:"observer"`
	Log      Log      `yaml:"log"`
	Archive  Archive  `yaml:"archive"`
}

type Game struct {
	// Engine is "dungeon" for the built-in game or "process" for an external
	// engine speaking JSON lines on stdio.
	Engine      string        `yaml:"engine" env:"SKYHACK_ENGINE"`
	EngineCmd   []string      `yaml:"engine_cmd" env:"SKYHACK_ENGINE_CMD" envSeparator:" "`
	Seed        int64         `yaml:"seed" env:"SKYHACK_SEED"`
	StepTimeout time.Duration `yaml:"step_timeout" env:"SKYHACK_STEP_TIMEOUT"`
	Actions     string        `yaml:"actions" env:"SKYHACK_ACTIONS"`

	Levels    int    `yaml:"levels"`
	MaxHunger int    `yaml:"max_hunger"`
	GoldPiles int    `yaml:"gold_piles"`
	HeroName  string `yaml:"hero_name" env:"SKYHACK_HERO_NAME"`
}

type Render struct {
	FontPath  string `yaml:"font_path" env:"SKYHACK_FONT_PATH"`
	GlyphSize int    `yaml:"glyph_size" env:"SKYHACK_GLYPH_SIZE"`
}

type Index struct {
	// Backend is "sqlite", "remote" or "none".
	Backend       string        `yaml:"backend" env:"SKYHACK_INDEX_BACKEND"`
	Path          string        `yaml:"path" env:"SKYHACK_INDEX_PATH"`
	RemoteURL     string        `yaml:"remote_url" env:"SKYHACK_INDEX_URL"`
	RemoteToken   string        `yaml:"-" env:"SKYHACK_INDEX_TOKEN"`
	BatchSize     int           `yaml:"batch_size" env:"SKYHACK_INDEX_BATCH_SIZE"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"SKYHACK_INDEX_FLUSH_INTERVAL"`
}

type MCP struct {
	// Listen is empty to disable the embedded MCP server.
	Listen      string `yaml:"listen" env:"SKYHACK_MCP_LISTEN"`
	HMACSecret  string `yaml:"-" env:"SKYHACK_MCP_HMAC_SECRET"`
	RequireHMAC bool   `yaml:"require_hmac" env:"SKYHACK_MCP_REQUIRE_HMAC"`
}

type Observer struct {
	LoopbackOnly bool `yaml:"loopback_only" env:"SKYHACK_OBSERVER_LOOPBACK_ONLY"`
	QueueSize    int  `yaml:"queue_size"`
}

type Log struct {
	// FilePrefix names the daily process log, <data>/logs/<prefix>-YYYYMMDD.log.
	FilePrefix string `yaml:"file_prefix"`
	TurnLog    bool   `yaml:"turn_log" env:"SKYHACK_TURN_LOG"`
}

// Archive uploads sealed turn-log files to an S3-compatible bucket. It is
// off while Endpoint is empty.
type Archive struct {
	Endpoint        string `yaml:"endpoint" env:"SKYHACK_ARCHIVE_ENDPOINT"`
	Bucket          string `yaml:"bucket" env:"SKYHACK_ARCHIVE_BUCKET"`
	Region          string `yaml:"region" env:"SKYHACK_ARCHIVE_REGION"`
	Prefix          string `yaml:"prefix" env:"SKYHACK_ARCHIVE_PREFIX"`
	AccessKeyID     string `yaml:"-" env:"SKYHACK_ARCHIVE_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"-" env:"SKYHACK_ARCHIVE_SECRET_ACCESS_KEY"`
	Workers         int    `yaml:"workers"`
	QueueSize       int    `yaml:"queue_size"`
}

func (a Archive) Enabled() bool { return strings.TrimSpace(a.Endpoint) != "" }

func Defaults() Config {
	return Config{
		Addr:    ":5000",
		DataDir: "./data",
		Game: Game{
			Engine:      "dungeon",
			Seed:        1,
			StepTimeout: 10 * time.Second,
		},
		Render: Render{GlyphSize: 15},
		Index: Index{
			Backend:       "sqlite",
			BatchSize:     128,
			FlushInterval: 500 * time.Millisecond,
		},
		MCP:      MCP{Listen: "127.0.0.1:8090"},
		Observer: Observer{QueueSize: 16},
		Log:      Log{FilePrefix: "skyhack", TurnLog: true},
		Archive:  Archive{Region: "auto", Prefix: "skyhack", Workers: 1, QueueSize: 64},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error; the defaults and environment still apply.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, err
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, fmt.Errorf("%s: %w", path, err)
			}
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Game.Engine {
	case "dungeon":
	case "process":
		if len(c.Game.EngineCmd) == 0 {
			return fmt.Errorf("config: game.engine=process needs game.engine_cmd")
		}
	default:
		return fmt.Errorf("config: unknown game.engine %q", c.Game.Engine)
	}
	if c.Game.StepTimeout < 0 {
		return fmt.Errorf("config: negative game.step_timeout")
	}
	if c.Render.GlyphSize < 2 {
		return fmt.Errorf("config: render.glyph_size must be >= 2, got %d", c.Render.GlyphSize)
	}
	switch c.Index.Backend {
	case "sqlite", "none":
	case "remote":
		if strings.TrimSpace(c.Index.RemoteURL) == "" {
			return fmt.Errorf("config: index.backend=remote needs index.remote_url")
		}
	default:
		return fmt.Errorf("config: unknown index.backend %q", c.Index.Backend)
	}
	if c.MCP.RequireHMAC && c.MCP.Listen != "" && c.MCP.HMACSecret == "" {
		return fmt.Errorf("config: mcp.require_hmac set but SKYHACK_MCP_HMAC_SECRET is empty")
	}
	if c.Archive.Enabled() {
		if !c.Log.TurnLog {
			return fmt.Errorf("config: archive needs log.turn_log")
		}
		if c.Archive.Bucket == "" || c.Archive.AccessKeyID == "" || c.Archive.SecretAccessKey == "" {
			return fmt.Errorf("config: archive.endpoint set but bucket or SKYHACK_ARCHIVE_* credentials are missing")
		}
	}
	return nil
}

// LoadDotEnv loads each existing file into the process environment without
// overriding variables that are already set.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}
