package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// clientConfig is the optional per-user config file, so that the API URL
// and key path do not have to be repeated on every invocation.
type clientConfig struct {
	APIURL     string `json:"apiUrl,omitempty"`
	SSHKeyPath string `json:"sshKeyPath,omitempty"`
}

// loadClientConfig reads the config file. A missing file is not an error;
// it simply yields empty defaults. An explicitly given path must exist.
func loadClientConfig(path string) (clientConfig, error) {
	explicit := path != ""
	if !explicit {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return clientConfig{}, nil
		}
		path = filepath.Join(configDir, "kube-workspace", "config.json")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return clientConfig{}, nil
		}
		return clientConfig{}, fmt.Errorf("could not read config file: %w", err)
	}
	var cfg clientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return clientConfig{}, fmt.Errorf("could not decode config file %s: %w", path, err)
	}
	return cfg, nil
}
