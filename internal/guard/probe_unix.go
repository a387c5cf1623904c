//go:build unix

package guard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// Mounted reports whether volume sits on a different device than its parent.
func (MountProbe) Mounted(volume string) (bool, error) {
	fi, err := os.Stat(volume)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return true, err
	}
	parent, err := os.Stat(filepath.Dir(volume))
	if err != nil {
		return true, err
	}

	st, ok1 := fi.Sys().(*syscall.Stat_t)
	pst, ok2 := parent.Sys().(*syscall.Stat_t)
	if !ok1 || !ok2 {
		return true, fmt.Errorf("no device information for %s", volume)
	}
	return st.Dev != pst.Dev, nil
}
