// Package paths locates askora's on-disk state.
package paths

import (
	"os"
	"path/filepath"
)

// DataDir returns the directory holding the ingestion history database:
// $XDG_DATA_HOME/askora, or ~/.local/share/askora when XDG_DATA_HOME is unset.
// Chat sessions are never written here.
func DataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "askora"), nil
}
