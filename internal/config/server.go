package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// ServerConfig is the on-disk configuration for the cutman server, loaded
// from server.toml.
type ServerConfig struct {
	Server struct {
		Host string `toml:"host"`
		Port int    `toml:"port"`
	} `toml:"server"`
	Storage struct {
		DataDir string `toml:"data_dir"`
	} `toml:"storage"`
	LFS struct {
		Enabled     bool  `toml:"enabled"`
		MaxFileSize int64 `toml:"max_file_size"`
	} `toml:"lfs"`
}

func defaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{}
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8080
	cfg.Storage.DataDir = "./data"
	cfg.LFS.Enabled = true
	cfg.LFS.MaxFileSize = 5 << 30 // 5 GiB
	return cfg
}

// LoadServerConfig reads server.toml at path, falling back to defaults for
// any field the file doesn't set. A missing file is not an error.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := defaultServerConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}
