// Package envtree loads .env files for the agent process, walking up from
// the current working directory so the agent finds a dotfile placed at a
// repo or deployment root even when launched from a subdirectory. Adapted
// from presbrey-pkg/envtree's directory-walk loader, trimmed to the single
// "load whatever is found" call the agent needs at startup.
package envtree

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Load searches the current directory and its ancestors for a file named
// name (".env" if name is empty) and loads any it finds into the process
// environment, closest-directory-first so nearer files take precedence.
// It is not an error for no file to be found.
func Load(name string) error {
	if name == "" {
		name = ".env"
	}
	paths, err := paths(name)
	if err != nil {
		return fmt.Errorf("envtree: %w", err)
	}
	if len(paths) == 0 {
		return nil
	}
	if err := godotenv.Load(paths...); err != nil {
		return fmt.Errorf("envtree: load %v: %w", paths, err)
	}
	return nil
}

func paths(name string) ([]string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	var found []string
	for {
		candidate := filepath.Join(cwd, name)
		if _, err := os.Stat(candidate); err == nil {
			found = append(found, candidate)
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return found, nil
}
