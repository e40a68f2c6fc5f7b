package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// catalog is the part of a config an included file may contribute: backend
// and composite definitions, plus further includes.
type catalog struct {
	Includes   []string          `yaml:"includes,omitempty"`
	Backends   []BackendConfig   `yaml:"backends"`
	Composites []CompositeConfig `yaml:"composites"`
}

// processIncludes merges the catalogs referenced by cfg.Includes into cfg.
// Entries already defined by the including file win over included ones with
// the same name. visited tracks absolute paths to detect cycles.
func processIncludes(cfg *Config, baseDir string, visited map[string]bool, depth int) error {
	includes := cfg.Includes
	cfg.Includes = nil
	return mergeIncludes(cfg, includes, baseDir, visited, depth)
}

func mergeIncludes(cfg *Config, patterns []string, baseDir string, visited map[string]bool, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}

	for _, pattern := range patterns {
		paths, err := resolveIncludePaths(pattern, baseDir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			abs, err := filepath.Abs(p)
			if err != nil {
				return fmt.Errorf("config includes: abs path %q: %w", p, err)
			}
			if visited[abs] {
				return fmt.Errorf("config includes: circular include detected for %q", abs)
			}
			visited[abs] = true

			cat, err := readCatalog(abs)
			if err != nil {
				return err
			}
			mergeCatalog(cfg, cat)

			if len(cat.Includes) > 0 {
				if err := mergeIncludes(cfg, cat.Includes, filepath.Dir(abs), visited, depth+1); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func readCatalog(path string) (*catalog, error) {
	if err := validatePermissions(path); err != nil {
		return nil, fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config includes: read %q: %w", path, err)
	}
	var cat catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	return &cat, nil
}

func mergeCatalog(cfg *Config, cat *catalog) {
	for _, b := range cat.Backends {
		if _, err := cfg.Backend(b.Name); err == nil {
			continue
		}
		cfg.Backends = append(cfg.Backends, b)
	}
	for _, c := range cat.Composites {
		if hasComposite(cfg, c.ModelID()) {
			continue
		}
		cfg.Composites = append(cfg.Composites, c)
	}
}

func hasComposite(cfg *Config, id string) bool {
	for _, c := range cfg.Composites {
		if c.ModelID() == id {
			return true
		}
	}
	return false
}

// resolveIncludePaths resolves a pattern (which may contain globs) relative to
// baseDir. The resolved path may not escape baseDir.
func resolveIncludePaths(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	rel, err := filepath.Rel(baseDir, pattern)
	if err == nil && strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		// A literal path that does not exist is reported by readCatalog.
		return []string{pattern}, nil
	}
	return matches, nil
}
