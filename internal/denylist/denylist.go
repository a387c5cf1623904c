// Package denylist holds the command shapes a handler binding may never
// run, regardless of what the policy says about the action behind it.
package denylist

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Patterns holds the raw pattern strings organized by category.
type Patterns struct {
	// Programs are executable base names that may never be invoked.
	Programs []string `yaml:"programs"`
	// Commands are substrings matched case-insensitively against the
	// joined argv.
	Commands []string `yaml:"commands"`
}

// Denylist holds the compiled pattern set.
type Denylist struct {
	programs map[string]struct{}
	commands []string
	raw      Patterns
}

// New creates a Denylist from raw patterns.
func New(p Patterns) *Denylist {
	d := &Denylist{programs: make(map[string]struct{})}
	for _, prog := range p.Programs {
		d.Add("programs", prog)
	}
	for _, c := range p.Commands {
		d.Add("commands", c)
	}
	return d
}

// NewDefault creates a Denylist with the built-in patterns.
func NewDefault() *Denylist {
	return New(DefaultPatterns)
}

// Load reads extra patterns from a YAML file and merges them over the
// defaults. An empty path or a missing file yields the defaults.
func Load(path string) (*Denylist, error) {
	d := NewDefault()
	if path == "" {
		return d, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return nil, err
	}

	var p Patterns
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse denylist %s: %w", path, err)
	}
	for _, prog := range p.Programs {
		d.Add("programs", prog)
	}
	for _, c := range p.Commands {
		d.Add("commands", c)
	}
	return d, nil
}

// IsBlocked reports whether argv matches a denied program or command
// pattern. Returns (blocked, reason).
func (d *Denylist) IsBlocked(argv []string) (bool, string) {
	if len(argv) == 0 {
		return false, ""
	}

	if blocked, reason := d.BlocksProgram(argv[0]); blocked {
		return true, reason
	}

	full := strings.ToLower(strings.Join(argv, " "))
	for _, pattern := range d.commands {
		if strings.Contains(full, pattern) {
			return true, "command pattern blocked: " + pattern
		}
	}
	if isPipeToShell(full) {
		return true, "pipe-to-shell execution detected"
	}
	return false, ""
}

// BlocksProgram reports whether the executable name is denied outright.
func (d *Denylist) BlocksProgram(name string) (bool, string) {
	prog := strings.ToLower(filepath.Base(name))
	if _, ok := d.programs[prog]; ok {
		return true, "program blocked: " + prog
	}
	return false, ""
}

// Add appends a pattern to the given category ("programs" or "commands").
func (d *Denylist) Add(category, pattern string) {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return
	}
	switch category {
	case "programs":
		if _, dup := d.programs[pattern]; dup {
			return
		}
		d.programs[pattern] = struct{}{}
		d.raw.Programs = append(d.raw.Programs, pattern)
	case "commands":
		d.commands = append(d.commands, pattern)
		d.raw.Commands = append(d.raw.Commands, pattern)
	}
}

// Patterns returns a copy of the active patterns.
func (d *Denylist) Patterns() Patterns {
	return Patterns{
		Programs: append([]string(nil), d.raw.Programs...),
		Commands: append([]string(nil), d.raw.Commands...),
	}
}

// isPipeToShell detects "curl ... | sh" style downloads fed to a shell.
func isPipeToShell(cmd string) bool {
	if !strings.Contains(cmd, "|") {
		return false
	}
	if !strings.Contains(cmd, "curl") && !strings.Contains(cmd, "wget") {
		return false
	}

	parts := strings.Split(cmd, "|")
	for _, part := range parts[1:] {
		trimmed := strings.TrimSpace(part)
		for _, s := range shells {
			if trimmed == s || strings.HasPrefix(trimmed, s+" ") {
				return true
			}
		}
	}
	return false
}
