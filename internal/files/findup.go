package files

import (
	"os"
	"path/filepath"
)

// FindUp looks for name in dir and then in each parent of dir, returning the first path found or "".
func FindUp(name, dir string) string {
	curDir, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(curDir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(curDir)
		if parent == curDir {
			return ""
		}
		curDir = parent
	}
}
