package killswitch

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// State is the process-wide execution gate.
type State int32

// States.
const (
	Running State = iota
	Paused
	Killed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Killed:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// ParseState parses the lowercase state name.
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running":
		return Running, nil
	case "paused":
		return Paused, nil
	case "killed":
		return Killed, nil
	default:
		return Paused, fmt.Errorf("killswitch: unknown state %q", s)
	}
}

// DefaultStatePath returns ~/.actiongate/killswitch.
func DefaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".actiongate", "killswitch")
	}
	return filepath.Join(home, ".actiongate", "killswitch")
}

// ReadStateFile reads a state file written by WriteStateFile. The format
// is the state name on the first line and an RFC 3339 timestamp on the
// second. A missing file reads as Running.
func ReadStateFile(path string) (State, time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Running, time.Time{}, nil
		}
		return Paused, time.Time{}, fmt.Errorf("killswitch: read state: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() && len(lines) < 2 {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return Paused, time.Time{}, fmt.Errorf("killswitch: read state: %w", err)
	}
	if len(lines) == 0 {
		return Paused, time.Time{}, errors.New("killswitch: empty state file")
	}
	st, err := ParseState(lines[0])
	if err != nil {
		return st, time.Time{}, err
	}
	var since time.Time
	if len(lines) > 1 {
		since, _ = time.Parse(time.RFC3339, strings.TrimSpace(lines[1]))
	}
	return st, since, nil
}

// WriteStateFile atomically replaces the state file.
func WriteStateFile(path string, st State, at time.Time) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("killswitch: create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".killswitch-*")
	if err != nil {
		return fmt.Errorf("killswitch: write state: %w", err)
	}
	content := st.String() + "\n" + at.UTC().Format(time.RFC3339) + "\n"
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("killswitch: write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("killswitch: write state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("killswitch: write state: %w", err)
	}
	return nil
}
