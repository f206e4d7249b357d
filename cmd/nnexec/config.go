package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the nnexec configuration file
// (~/.config/nnexec/config.yaml). Pointer fields distinguish "not set"
// from a zero value, so a config file can leave a setting unspecified
// without clobbering a flag-supplied zero.
type Config struct {
	ListenAddress  string   `yaml:"listen_address"`
	RecompileRPS   *float64 `yaml:"recompile_rps"`
	RecompileBurst *int     `yaml:"recompile_burst"`

	Pipelining *bool  `yaml:"pipelining"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
	DumpDir    string `yaml:"dump_dir"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "nnexec", "config.yaml")
}

// LoadConfig reads the config file. It returns a zero Config if the file
// doesn't exist or can't be parsed.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// applyRunConfig applies config file defaults to run command variables
// when the corresponding CLI flag was not explicitly set.
func applyRunConfig(c *cli.Command, cfg Config, pipelining *bool, dumpDir *string) {
	if cfg.Pipelining != nil && !c.IsSet("pipelining") {
		*pipelining = *cfg.Pipelining
	}
	if cfg.DumpDir != "" && !c.IsSet("dump-dir") {
		*dumpDir = cfg.DumpDir
	}
}

// applyServeConfig applies config file defaults to serve command
// variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, rps *float64, burst *int) {
	if cfg.ListenAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ListenAddress
	}
	if cfg.RecompileRPS != nil && !c.IsSet("recompile-rps") {
		*rps = *cfg.RecompileRPS
	}
	if cfg.RecompileBurst != nil && !c.IsSet("recompile-burst") {
		*burst = *cfg.RecompileBurst
	}
}
