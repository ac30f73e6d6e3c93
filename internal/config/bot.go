package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Bot holds the social bot's settings. Credentials come from the
// environment or a .env file, never from flags.
type Bot struct {
	ServerURL       string        `env:"SKYHACK_SERVER_URL" envDefault:"http://127.0.0.1:5000"`
	BlueskyHost     string        `env:"BLUESKY_HOST" envDefault:"https://bsky.social"`
	BlueskyUsername string        `env:"BLUESKY_USERNAME"`
	BlueskyPassword string        `env:"BLUESKY_PASSWORD"`
	PostInterval    time.Duration `env:"SKYHACK_BOT_POST_INTERVAL" envDefault:"0s"`
}

func LoadBot() (Bot, error) {
	var b Bot
	if err := env.Parse(&b); err != nil {
		return b, fmt.Errorf("parse env: %w", err)
	}
	return b, nil
}

// CanPost reports whether social credentials are configured.
func (b Bot) CanPost() bool {
	return b.BlueskyUsername != "" && b.BlueskyPassword != ""
}
