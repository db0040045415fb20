package main

import (
	"io/fs"
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v2"

	"dragonfabric/df"
	"dragonfabric/engine"
	"dragonfabric/executor"
)

type Config struct {
	Engine        engine.Config  `yaml:"Engine"`
	Retry         df.RetryPolicy `yaml:"Retry"`
	MaxChainDepth int            `yaml:"MaxChainDepth"`
	LogLevel      string         `yaml:"LogLevel"`
}

func DefaultConfig() Config {
	return Config{
		Engine: engine.Config{
			Backend: engine.BackendPebble,
			Pebble: engine.PebbleConfig{
				Path:        "fabric-data",
				GroupCommit: true,
			},
		},
		Retry:         df.DefaultRetryPolicy(),
		MaxChainDepth: executor.DefaultMaxChainDepth,
		LogLevel:      "info",
	}
}

// LoadConfig reads the YAML config at path over the defaults. A missing
// file leaves the defaults untouched.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	yd, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	err = yaml.UnmarshalStrict(yd, &cfg)
	if err != nil {
		return cfg, errors.Wrapf(err, "parse %s", path)
	}
	return cfg, nil
}
