// Package setup handles rdr project initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/rdr/internal/model"
	"github.com/msageha/rdr/templates"
)

// Run creates the .rdr/ layout in projectDir and writes the default
// config.yaml. Existing task state is never touched; an existing config is
// kept unless force is set.
func Run(projectDir string, force bool) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	base := filepath.Join(absDir, model.ControlDirName)

	for _, d := range []string{"specs", "worktrees", "signals", "locks", "logs"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfgPath := filepath.Join(base, "config.yaml")
	if _, err := os.Stat(cfgPath); err == nil && !force {
		return base, nil
	}

	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return "", fmt.Errorf("read config template: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("parse config template: %w", err)
	}
	if err := os.WriteFile(cfgPath, data, 0644); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}
	return base, nil
}
