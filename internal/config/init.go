package config

import (
	"fmt"
	"os"
)

// InitConfig writes a sample configuration file to the default location.
// Returns the path written to. Fails if a file already exists there unless
// force is set.
func InitConfig(force bool) (string, error) {
	return InitConfigToPath(GetDefaultConfigPath(), force)
}

// InitConfigToPath writes a sample configuration file to path. Fails if a
// file already exists there unless force is set.
func InitConfigToPath(path string, force bool) (string, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", path)
		}
	}

	cfg := GetDefaultConfig()
	cfg.Bus.Namespace = "oig_local"
	cfg.Control.Whitelist = map[string][]string{
		"tbl_box_prms": {"MODE"},
	}

	if err := SaveConfig(cfg, path); err != nil {
		return "", err
	}

	return path, nil
}
