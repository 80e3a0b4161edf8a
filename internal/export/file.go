// Package export writes the estimator's artifacts: control and camera
// residuals, camera and calibration XML, binary PLY clouds and the small
// tab-separated run descriptors.
package export

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
)

// writeFile streams content into a temporary sibling and renames it into
// place, so a reader never observes a half-written artifact.
func writeFile(path string, fn func(w io.Writer) error) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriter(tmp)
	if err = fn(bw); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if err = tmp.Chmod(0o644); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// FileSize returns the size of path, or 0 if it cannot be read.
func FileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
