package yamlconnector

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/dk5761/reader-sync/internal/connectors"
	"gopkg.in/yaml.v3"
)

// LoadFromDir loads every enabled *.yaml / *.yml adapter definition in
// dirPath. A missing directory yields no adapters and no error.
func LoadFromDir(dirPath string, client connectors.Doer) ([]connectors.Connector, error) {
	trimmed := strings.TrimSpace(dirPath)
	if trimmed == "" {
		return nil, nil
	}
	if _, err := os.Stat(trimmed); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return LoadFromFS(os.DirFS(trimmed), client)
}

// LoadFromFS loads adapter definitions from the root of fsys. Files that
// fail to parse, or that reuse a key already loaded, are skipped and reported
// in the returned error alongside the adapters that did load.
func LoadFromFS(fsys fs.FS, client connectors.Doer) ([]connectors.Connector, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read yaml connectors dir: %w", err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(path.Ext(entry.Name())) {
		case ".yaml", ".yml":
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	loaded := make([]connectors.Connector, 0, len(files))
	seen := make(map[string]string, len(files))
	var errs []error

	for _, name := range files {
		cfg, err := readConfig(fsys, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if !cfg.isEnabled() {
			continue
		}

		connector, err := NewConnector(cfg, client)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if previous, exists := seen[connector.Key()]; exists {
			errs = append(errs, fmt.Errorf("%s: key %q already defined in %s", name, connector.Key(), previous))
			continue
		}
		seen[connector.Key()] = name
		loaded = append(loaded, connector)
	}

	if len(errs) > 0 {
		return loaded, fmt.Errorf("yaml connectors failed to load: %w", errors.Join(errs...))
	}

	return loaded, nil
}

func readConfig(fsys fs.FS, name string) (Config, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}
