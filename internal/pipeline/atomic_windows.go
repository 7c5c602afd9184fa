//go:build windows

package pipeline

import (
	"os"
	"path/filepath"
)

// writeFileAtomic approximates an atomic write with a temp file and rename;
// Windows cannot rename over an open destination, so this is best effort.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
