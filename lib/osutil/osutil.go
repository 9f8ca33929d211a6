package osutil

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mazen160/go-random"
)

// WriteFileAtomic writes to a temporary file next to path and renames it
// over path so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	suffix, err := random.String(8)
	if err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.%s.tmp", path, suffix)
	err = os.WriteFile(tmp, data, perm)
	if err != nil {
		return err
	}
	err = os.Rename(tmp, path)
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// EnsureParent creates the directory path will be written to.
func EnsureParent(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}
