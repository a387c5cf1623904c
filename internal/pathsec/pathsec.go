// Package pathsec canonicalizes filesystem paths and checks containment
// under configured roots without being fooled by symlinks or "..".
package pathsec

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// MaxLinkHops bounds symlink expansion so cyclic links fail instead of spinning.
const MaxLinkHops = 40

// ErrTooManyLinks is returned when resolution exceeds MaxLinkHops.
var ErrTooManyLinks = errors.New("too many levels of symbolic links")

// ExpandHome replaces a leading "~" or "~/" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("pathsec: expand home: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return home + string(filepath.Separator) + path[2:], nil
}

// Canonicalize returns the absolute, symlink-resolved form of path.
//
// Components are resolved left to right against the real filesystem, so a
// ".." is applied to the directory a symlink actually points at rather than
// to the textual parent. Components that do not exist yet are kept as
// written. Any other filesystem error fails the call.
func Canonicalize(path string) (string, error) {
	if path == "" {
		return "", errors.New("pathsec: empty path")
	}
	if strings.IndexByte(path, 0) >= 0 {
		return "", errors.New("pathsec: path contains NUL byte")
	}
	expanded, err := ExpandHome(path)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(expanded) {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("pathsec: working directory: %w", err)
		}
		// No filepath.Join here: Join cleans, and cleaning collapses ".."
		// before symlinks are seen.
		expanded = wd + string(filepath.Separator) + expanded
	}
	return resolve(expanded)
}

func resolve(path string) (string, error) {
	sep := string(filepath.Separator)
	pending := components(path)
	resolved := sep
	hops := 0

	for len(pending) > 0 {
		c := pending[0]
		pending = pending[1:]

		switch c {
		case ".":
			continue
		case "..":
			resolved = filepath.Dir(resolved)
			continue
		}

		next := filepath.Join(resolved, c)
		info, err := os.Lstat(next)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
				resolved = next
				continue
			}
			return "", fmt.Errorf("pathsec: stat %s: %w", next, err)
		}
		if info.Mode()&fs.ModeSymlink == 0 {
			resolved = next
			continue
		}

		hops++
		if hops > MaxLinkHops {
			return "", fmt.Errorf("pathsec: %s: %w", path, ErrTooManyLinks)
		}
		target, err := os.Readlink(next)
		if err != nil {
			return "", fmt.Errorf("pathsec: readlink %s: %w", next, err)
		}
		if filepath.IsAbs(target) {
			resolved = sep
		}
		pending = append(components(target), pending...)
	}
	return resolved, nil
}

func components(path string) []string {
	parts := strings.Split(path, string(filepath.Separator))
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsContained reports whether path canonicalizes to root or a descendant
// of root. Resolution errors count as not contained.
func IsContained(path, root string) bool {
	p, err := Canonicalize(path)
	if err != nil {
		return false
	}
	r, err := Canonicalize(root)
	if err != nil {
		return false
	}
	return Under(p, r)
}

// ContainedIn canonicalizes path and returns the first root it falls under.
// Roots are expected to be canonical already.
func ContainedIn(path string, roots []string) (string, bool) {
	p, err := Canonicalize(path)
	if err != nil {
		return "", false
	}
	for _, r := range roots {
		if Under(p, r) {
			return r, true
		}
	}
	return "", false
}

// Under reports whether canonical path p equals or descends from canonical root r.
func Under(p, r string) bool {
	if p == r {
		return true
	}
	if !strings.HasSuffix(r, string(filepath.Separator)) {
		r += string(filepath.Separator)
	}
	return strings.HasPrefix(p, r)
}
