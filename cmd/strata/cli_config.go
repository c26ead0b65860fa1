package main

import (
	"fmt"
	"os"

	"github.com/go-git/go-billy/v6/osfs"
	"gopkg.in/yaml.v3"

	"github.com/odvcencio/strata/pkg/catalog"
	"github.com/odvcencio/strata/pkg/drift"
	"github.com/odvcencio/strata/pkg/engine"
)

const toolConfigFileName = "strata.yaml"

// toolConfig is the workspace-level tool configuration, separate from the
// repository config inside .strata. It holds what the CLI needs to reach a
// live database and how to author commits.
type toolConfig struct {
	Author     string `yaml:"author"`
	SigningKey string `yaml:"signing_key"`
	Catalog    struct {
		Driver string `yaml:"driver"` // "postgres" or "sqlite"
		DSN    string `yaml:"dsn"`
	} `yaml:"catalog"`
}

func loadToolConfig() (*toolConfig, error) {
	cfg := &toolConfig{}
	data, err := os.ReadFile(toolConfigFileName)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read %s: %w", toolConfigFileName, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", toolConfigFileName, err)
	}
	return cfg, nil
}

// openEngine opens the repository in the current directory, wiring the
// signer when one is configured.
func openEngine() (*engine.Engine, error) {
	cfg, err := loadToolConfig()
	if err != nil {
		return nil, err
	}
	var opts []engine.Option
	if cfg.SigningKey != "" {
		signer, _, err := engine.NewSSHSigner(cfg.SigningKey)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithSigner(signer))
	}
	return engine.Open(osfs.New("."), opts...)
}

// openCatalog connects to the configured live database. The caller owns the
// returned closer.
func openCatalog() (drift.CatalogReader, func() error, error) {
	cfg, err := loadToolConfig()
	if err != nil {
		return nil, nil, err
	}
	switch cfg.Catalog.Driver {
	case "postgres":
		r, err := catalog.OpenPostgres(cfg.Catalog.DSN)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	case "sqlite":
		r, err := catalog.OpenSQLite(cfg.Catalog.DSN)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	case "":
		return nil, nil, fmt.Errorf("no catalog configured in %s", toolConfigFileName)
	}
	return nil, nil, fmt.Errorf("unknown catalog driver %q", cfg.Catalog.Driver)
}
