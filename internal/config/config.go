// Package config loads the daemon's TOML configuration file (spec §6,
// §10.3), the same decoder used for service definitions
// (internal/spec.Parse) applied to the daemon's own settings.
package config

import (
	"bytes"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/wafflehacks/wafflemaker/internal/wferrors"
)

// Registry configures the postgres-backed state store.
type Registry struct {
	DSN string `toml:"dsn"`
}

// SecretStore configures the external credential/secret backend
// (spec §11.3).
type SecretStore struct {
	Endpoint          string `toml:"endpoint"`
	Token             string `toml:"token"`
	RenewIntervalSecs int64  `toml:"renew_interval_seconds"`
}

// DNS configures the managed-DNS provider (spec §11.4).
type DNS struct {
	Endpoint string `toml:"endpoint"`
	Token    string `toml:"token"`
	Zone     string `toml:"zone"`
}

// Git configures the source repository local clone.
type Git struct {
	Repository string `toml:"repository"` // "owner/repo", GitHub API form
	CloneURL   string `toml:"clone_url"`
	CloneTo    string `toml:"clone_to"`
	Branch     string `toml:"branch"`
}

// Webhooks configures the two inbound push receivers (spec §6).
type Webhooks struct {
	Listen         string `toml:"listen"`
	GitHubSecret   string `toml:"github_secret"`
	DockerUser     string `toml:"docker_user"`
	DockerPassword string `toml:"docker_password"`
}

// Management configures the bearer-token control-plane API (spec §6).
type Management struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
	Token   string `toml:"token"`
}

// Notifier configures an optional Discord and/or GitHub commit-status
// sink (spec §12).
type Notifier struct {
	DiscordWebhook string `toml:"discord_webhook"`
	GitHubToken    string `toml:"github_token"`
}

// Deployment configures the fallback web domain and worker pool size.
type Deployment struct {
	Domain  string `toml:"domain"`
	Workers int    `toml:"workers"`
}

// Config is the daemon's top-level configuration document.
type Config struct {
	Registry    Registry    `toml:"registry"`
	SecretStore SecretStore `toml:"secret_store"`
	DNS         DNS         `toml:"dns"`
	Git         Git         `toml:"git"`
	Webhooks    Webhooks    `toml:"webhooks"`
	Management  Management  `toml:"management"`
	Notifier    Notifier    `toml:"notifier"`
	Deployment  Deployment  `toml:"deployment"`
}

const defaultWorkers = 4

// Load reads and validates the TOML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wferrors.Wrap(wferrors.KindFatal, "read config file", err)
	}

	var cfg Config
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, wferrors.Wrap(wferrors.KindFatal, "decode config file", err)
	}

	if cfg.Deployment.Workers <= 0 {
		cfg.Deployment.Workers = defaultWorkers
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Registry.DSN) == "" {
		return wferrors.New(wferrors.KindFatal, "registry.dsn is required")
	}
	if strings.TrimSpace(cfg.SecretStore.Endpoint) == "" {
		return wferrors.New(wferrors.KindFatal, "secret_store.endpoint is required")
	}
	if strings.TrimSpace(cfg.Git.CloneURL) == "" {
		return wferrors.New(wferrors.KindFatal, "git.clone_url is required")
	}
	if strings.TrimSpace(cfg.Git.CloneTo) == "" {
		return wferrors.New(wferrors.KindFatal, "git.clone_to is required")
	}
	if strings.TrimSpace(cfg.Git.Branch) == "" {
		return wferrors.New(wferrors.KindFatal, "git.branch is required")
	}
	if cfg.Management.Enabled && strings.TrimSpace(cfg.Management.Token) == "" {
		return wferrors.New(wferrors.KindFatal, "management.token is required when management.enabled is true")
	}
	return nil
}
