package files

import (
	"os"
	"path/filepath"
)

// FindUp looks for a regular file called name in dir and then in each of its parents,
// returning the first match or "" if there is none. Unreadable directories are skipped.
func FindUp(name, dir string) string {
	curDir := dir
	for {
		p := filepath.Join(curDir, name)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return ""
		}
		curDir = newDir
	}
}
