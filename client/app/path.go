// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package app

import (
	"os"
	"path/filepath"
	"strings"
)

// expandPath expands environment variables and a leading ~ or ~/ to the
// user's home directory. A relative result is taken relative to base, or to
// the working directory when base is empty.
func expandPath(path, base string) string {
	if path == "" {
		return ""
	}
	path = os.ExpandEnv(path)
	if path == "~" || strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = "."
		}
		path = filepath.Join(home, path[1:])
	}
	if base != "" && !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}
	return filepath.Clean(path)
}
