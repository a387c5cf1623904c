// Package validate checks proposed action arguments against the action's
// schema. It has no side effects and never touches the handler.
package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ppiankov/actiongate/internal/pathsec"
	"github.com/ppiankov/actiongate/internal/policy"
)

// Error identifies the first failing argument and why it failed.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Reason)
}

// Validate checks args against action's schema and returns a normalized
// copy: path arguments are canonicalized and integers become int64.
//
// Unknown keys are reported first, in sorted order. Fields are then
// evaluated in declaration order and the first failure is returned, so
// the reported error is the same for the same input every time.
func Validate(action *policy.Action, args map[string]any) (map[string]any, error) {
	var unknown []string
	for k := range args {
		if _, ok := action.Field(k); !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, &Error{Field: unknown[0], Reason: "unknown argument"}
	}

	out := make(map[string]any, len(args))
	for _, f := range action.Fields {
		v, present := args[f.Name]
		if !present || v == nil {
			if f.Optional {
				continue
			}
			return nil, &Error{Field: f.Name, Reason: "required argument missing"}
		}
		norm, reason := check(f.Constraint, v)
		if reason != "" {
			return nil, &Error{Field: f.Name, Reason: reason}
		}
		out[f.Name] = norm
	}
	return out, nil
}

func check(c policy.Constraint, v any) (any, string) {
	switch c := c.(type) {
	case policy.EnumConstraint:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Sprintf("expected string, got %s", typeName(v))
		}
		if !c.Allowlist.Contains(s) {
			return nil, fmt.Sprintf("value %q not in allowlist %s", s, c.Allowlist.Name)
		}
		return s, ""

	case policy.StringConstraint:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Sprintf("expected string, got %s", typeName(v))
		}
		n := utf8.RuneCountInString(s)
		if n < c.MinLength {
			return nil, fmt.Sprintf("length %d below minimum %d", n, c.MinLength)
		}
		if c.MaxLength > 0 && n > c.MaxLength {
			return nil, fmt.Sprintf("length %d exceeds maximum %d", n, c.MaxLength)
		}
		if c.Pattern != nil && !c.Pattern.MatchString(s) {
			return nil, fmt.Sprintf("does not match pattern %s", c.Source)
		}
		return s, ""

	case policy.PathConstraint:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Sprintf("expected path string, got %s", typeName(v))
		}
		if strings.TrimSpace(s) == "" {
			return nil, "empty path"
		}
		p, err := pathsec.Canonicalize(s)
		if err != nil {
			return nil, fmt.Sprintf("cannot resolve path: %v", err)
		}
		// The root is re-resolved on every call: it may have been swapped
		// for a symlink since the policy was loaded.
		root, err := pathsec.Canonicalize(c.RootPath)
		if err != nil {
			return nil, fmt.Sprintf("cannot resolve root %s: %v", c.Root, err)
		}
		if !pathsec.Under(p, root) {
			return nil, fmt.Sprintf("path escapes root %s", c.Root)
		}
		return p, ""

	case policy.IntegerConstraint:
		n, ok := toInt64(v)
		if !ok {
			return nil, fmt.Sprintf("expected integer, got %s", typeName(v))
		}
		if c.Min != nil && n < *c.Min {
			return nil, fmt.Sprintf("value %d below minimum %d", n, *c.Min)
		}
		if c.Max != nil && n > *c.Max {
			return nil, fmt.Sprintf("value %d exceeds maximum %d", n, *c.Max)
		}
		return n, ""

	default:
		return nil, fmt.Sprintf("unsupported constraint %T", c)
	}
}

// toInt64 accepts Go integers, integral floats (JSON numbers), json.Number
// and decimal strings (CLI key=value input).
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) || n >= 1<<63 || n < -(1<<63) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, int, int64, json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
