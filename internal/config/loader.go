package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads an agent configuration document from the provided path.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	f, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	var doc Config
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}

	configDir := filepath.Dir(absPath)
	for name, srv := range doc.Servers {
		if srv == nil {
			continue
		}
		if srv.Workdir != "" {
			expanded := os.ExpandEnv(srv.Workdir)
			if !filepath.IsAbs(expanded) {
				expanded = filepath.Clean(filepath.Join(configDir, expanded))
			}
			srv.Workdir = expanded
		}
		if len(srv.Env) > 0 {
			expanded := make(map[string]string, len(srv.Env))
			for k, v := range srv.Env {
				expanded[k] = os.ExpandEnv(v)
			}
			srv.Env = expanded
		}
		doc.Servers[name] = srv
	}

	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return &doc, nil
}
