// Package config reads the optional project-local .assay.yaml file.
// Flags override anything set here.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Filename is the project-local config file assay looks for in the
// working directory.
const Filename = ".assay.yaml"

// Config carries the knobs that rarely change per invocation.
type Config struct {
	// Workers is the preloader count; 0 means one per CPU.
	Workers int `yaml:"workers"`
	// Extension is the user-code filename extension, with the dot.
	Extension string `yaml:"extension"`
	// PackageMarker is the filename whose presence makes a directory a
	// package.
	PackageMarker string `yaml:"packageMarker"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Workers:       runtime.NumCPU(),
		Extension:     ".py",
		PackageMarker: "__init__.py",
	}
}

// Load reads dir/.assay.yaml over the defaults. A missing file is not
// an error; a malformed one is.
func Load(dir string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(filepath.Join(dir, Filename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading %s: %w", Filename, err)
	}
	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", Filename, err)
	}
	if file.Workers > 0 {
		cfg.Workers = file.Workers
	}
	if file.Extension != "" {
		cfg.Extension = file.Extension
	}
	if file.PackageMarker != "" {
		cfg.PackageMarker = file.PackageMarker
	}
	return cfg, nil
}
