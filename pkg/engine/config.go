package engine

import (
	"bytes"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/go-git/go-billy/v6"
	"github.com/go-git/go-billy/v6/util"
)

const configFileName = "config.toml"

// Config stores repository-local settings.
type Config struct {
	DefaultBranch string `toml:"default_branch"`
	Author        string `toml:"author"`
	SigningKey    string `toml:"signing_key,omitempty"`
}

func (c *Config) applyDefaults() {
	if c.DefaultBranch == "" {
		c.DefaultBranch = "main"
	}
	if c.Author == "" {
		c.Author = "unknown"
	}
}

func readConfig(fs billy.Filesystem) (*Config, error) {
	data, err := util.ReadFile(fs, configFileName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotRepository
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func writeConfig(fs billy.Filesystem, cfg *Config) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := util.WriteFile(fs, configFileName, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
