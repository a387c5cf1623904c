package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/actiongate/internal/pathsec"
)

// LoadError reports why a policy document was rejected. Any LoadError is
// fatal: a document is either fully valid or not loaded at all.
type LoadError struct {
	Path  string // source file, empty for in-memory documents
	Field string // dotted location inside the document
	Err   error
}

func (e *LoadError) Error() string {
	var b strings.Builder
	b.WriteString("policy")
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.Field != "" {
		b.WriteString(": ")
		b.WriteString(e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *LoadError) Unwrap() error { return e.Err }

// SchemaVersion is the only policy document version this build reads.
const SchemaVersion = 1

type rawDocument struct {
	Version      *int                 `yaml:"version"`
	ConfirmTTL   time.Duration        `yaml:"confirm_ttl"`
	Roots        map[string]string    `yaml:"roots"`
	Allowlists   map[string][]string  `yaml:"allowlists"`
	Guard        rawGuard             `yaml:"guard"`
	RateDefaults rawRateDefaults      `yaml:"rate_defaults"`
	Actions      map[string]rawAction `yaml:"actions"`
}

type rawGuard struct {
	Volume    string   `yaml:"volume"`
	DenyPaths []string `yaml:"deny_paths"`
	Keywords  []string `yaml:"keywords"`
	Apps      []string `yaml:"apps"`
	Domains   []string `yaml:"domains"`
	AppFields []string `yaml:"app_fields"`
}

type rawRateDefaults struct {
	PerHour int         `yaml:"per_hour"`
	ByRisk  map[int]int `yaml:"by_risk"`
}

type rawAction struct {
	Risk            *int       `yaml:"risk"`
	Description     string     `yaml:"description"`
	DenyReason      string     `yaml:"deny_reason"`
	RateLimit       *int       `yaml:"rate_limit"`
	RequiresConfirm bool       `yaml:"requires_confirm"`
	Args            []rawField `yaml:"args"`
}

type rawField struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Optional   bool   `yaml:"optional"`
	ValuesFrom string `yaml:"values_from"`
	MinLength  *int   `yaml:"min_length"`
	MaxLength  *int   `yaml:"max_length"`
	Pattern    string `yaml:"pattern"`
	Root       string `yaml:"root"`
	Min        *int64 `yaml:"min"`
	Max        *int64 `yaml:"max"`
}

var defaultAppFields = []string{"app", "application", "app_name"}

// DefaultPath returns ~/.actiongate/policy.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".actiongate", "policy.yaml")
	}
	return filepath.Join(home, ".actiongate", "policy.yaml")
}

// LoadFile reads and parses a policy document. A missing file is an error;
// there is no implicit default policy.
func LoadFile(path string) (*Document, error) {
	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("read: %w", err)}
	}
	doc, err := Parse(data)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.Path = path
		}
		return nil, err
	}
	return doc, nil
}

// Parse decodes and type-checks a policy document. Unknown keys are rejected.
func Parse(data []byte) (*Document, error) {
	var raw rawDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &LoadError{Err: errors.New("empty document")}
		}
		return nil, &LoadError{Err: fmt.Errorf("parse: %w", err)}
	}

	version := SchemaVersion
	if raw.Version != nil {
		version = *raw.Version
	}
	if version != SchemaVersion {
		return nil, &LoadError{Field: "version", Err: fmt.Errorf("unsupported version %d, this build reads version %d", version, SchemaVersion)}
	}

	h := sha256.Sum256(data)
	doc := &Document{
		Version:    version,
		Actions:    make(map[string]*Action, len(raw.Actions)),
		Allowlists: make(map[string]*Allowlist, len(raw.Allowlists)),
		Roots:      make(map[string]string, len(raw.Roots)),
		ConfirmTTL: raw.ConfirmTTL,
		Hash:       "sha256:" + hex.EncodeToString(h[:]),
	}
	if doc.ConfirmTTL < 0 {
		return nil, &LoadError{Field: "confirm_ttl", Err: errors.New("must not be negative")}
	}
	doc.ConfirmTTLSet = doc.ConfirmTTL > 0
	if doc.ConfirmTTL == 0 {
		doc.ConfirmTTL = DefaultConfirmTTL
	}

	if len(raw.Actions) == 0 {
		return nil, &LoadError{Field: "actions", Err: errors.New("no actions defined")}
	}

	for _, name := range sortedKeys(raw.Roots) {
		p := raw.Roots[name]
		if strings.TrimSpace(p) == "" {
			return nil, &LoadError{Field: "roots." + name, Err: errors.New("empty path")}
		}
		canon, err := pathsec.Canonicalize(p)
		if err != nil {
			return nil, &LoadError{Field: "roots." + name, Err: err}
		}
		doc.Roots[name] = canon
	}

	for _, name := range sortedKeys(raw.Allowlists) {
		values := raw.Allowlists[name]
		al := &Allowlist{Name: name, Values: values, set: make(map[string]struct{}, len(values))}
		for _, v := range values {
			al.set[v] = struct{}{}
		}
		doc.Allowlists[name] = al
	}

	guard, err := buildGuard(raw.Guard)
	if err != nil {
		return nil, err
	}
	doc.Guard = guard

	rd, err := buildRateDefaults(raw.RateDefaults)
	if err != nil {
		return nil, err
	}
	doc.RateDefaults = rd

	for _, name := range sortedKeys(raw.Actions) {
		a, err := buildAction(doc, name, raw.Actions[name])
		if err != nil {
			return nil, err
		}
		doc.Actions[name] = a
	}
	return doc, nil
}

// CheckBindings verifies that handler bindings only name executable
// actions. Binding a handler to a critical-tier action is a load error.
func (d *Document) CheckBindings(bound []string) error {
	for _, name := range bound {
		a, ok := d.Actions[name]
		if !ok {
			return &LoadError{Field: "handlers." + name, Err: errors.New("no such action in policy")}
		}
		if a.Risk == TierCritical {
			return &LoadError{Field: "handlers." + name, Err: errors.New("critical-tier action must not have a handler")}
		}
	}
	return nil
}

func buildGuard(raw rawGuard) (GuardRules, error) {
	g := GuardRules{AppFields: raw.AppFields}
	if len(g.AppFields) == 0 {
		g.AppFields = defaultAppFields
	}
	if raw.Volume != "" {
		v, err := pathsec.Canonicalize(raw.Volume)
		if err != nil {
			return g, &LoadError{Field: "guard.volume", Err: err}
		}
		g.Volume = v
	}
	for i, p := range raw.DenyPaths {
		if strings.TrimSpace(p) == "" {
			return g, &LoadError{Field: fmt.Sprintf("guard.deny_paths[%d]", i), Err: errors.New("empty path")}
		}
		canon, err := pathsec.Canonicalize(p)
		if err != nil {
			return g, &LoadError{Field: fmt.Sprintf("guard.deny_paths[%d]", i), Err: err}
		}
		g.DenyPaths = append(g.DenyPaths, canon)
	}
	for _, k := range raw.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			g.Keywords = append(g.Keywords, k)
		}
	}
	g.Apps = append(g.Apps, raw.Apps...)
	for _, d := range raw.Domains {
		if d = strings.Trim(strings.ToLower(strings.TrimSpace(d)), "."); d != "" {
			g.Domains = append(g.Domains, d)
		}
	}
	return g, nil
}

func buildRateDefaults(raw rawRateDefaults) (RateDefaults, error) {
	if raw.PerHour < 0 {
		return RateDefaults{}, &LoadError{Field: "rate_defaults.per_hour", Err: errors.New("must not be negative")}
	}
	rd := RateDefaults{PerHour: raw.PerHour, ByRisk: make(map[Tier]int, len(raw.ByRisk))}
	for risk, limit := range raw.ByRisk {
		field := fmt.Sprintf("rate_defaults.by_risk.%d", risk)
		if !Tier(risk).Valid() {
			return rd, &LoadError{Field: field, Err: fmt.Errorf("risk %d out of range 0-3", risk)}
		}
		if limit < 0 {
			return rd, &LoadError{Field: field, Err: errors.New("must not be negative")}
		}
		rd.ByRisk[Tier(risk)] = limit
	}
	return rd, nil
}

func buildAction(doc *Document, name string, raw rawAction) (*Action, error) {
	prefix := "actions." + name
	if raw.Risk == nil {
		return nil, &LoadError{Field: prefix + ".risk", Err: errors.New("missing")}
	}
	risk := Tier(*raw.Risk)
	if !risk.Valid() {
		return nil, &LoadError{Field: prefix + ".risk", Err: fmt.Errorf("risk %d out of range 0-3", *raw.Risk)}
	}
	if raw.RequiresConfirm != (risk == TierGuarded) {
		return nil, &LoadError{
			Field: prefix + ".requires_confirm",
			Err:   fmt.Errorf("requires_confirm must be %t for risk %d", risk == TierGuarded, risk),
		}
	}

	a := &Action{
		Name:            name,
		Risk:            risk,
		Description:     raw.Description,
		DenyReason:      raw.DenyReason,
		RequiresConfirm: raw.RequiresConfirm,
	}

	switch {
	case raw.RateLimit != nil:
		if *raw.RateLimit < 0 {
			return nil, &LoadError{Field: prefix + ".rate_limit", Err: errors.New("must not be negative")}
		}
		a.RateLimit = *raw.RateLimit
	default:
		if limit, ok := doc.RateDefaults.ByRisk[risk]; ok {
			a.RateLimit = limit
		} else {
			a.RateLimit = doc.RateDefaults.PerHour
		}
	}

	seen := make(map[string]bool, len(raw.Args))
	for i, rf := range raw.Args {
		where := fmt.Sprintf("%s.args[%d]", prefix, i)
		if rf.Name == "" {
			return nil, &LoadError{Field: where + ".name", Err: errors.New("missing")}
		}
		if seen[rf.Name] {
			return nil, &LoadError{Field: where + ".name", Err: fmt.Errorf("duplicate field %q", rf.Name)}
		}
		seen[rf.Name] = true

		c, err := buildConstraint(doc, rf)
		if err != nil {
			return nil, &LoadError{Field: where, Err: err}
		}
		a.Fields = append(a.Fields, Field{Name: rf.Name, Optional: rf.Optional, Constraint: c})
	}
	return a, nil
}

func buildConstraint(doc *Document, rf rawField) (Constraint, error) {
	switch Kind(rf.Type) {
	case KindEnum:
		if err := onlyOptions(rf, "values_from"); err != nil {
			return nil, err
		}
		if rf.ValuesFrom == "" {
			return nil, errors.New("enum requires values_from")
		}
		al, ok := doc.Allowlists[rf.ValuesFrom]
		if !ok {
			return nil, fmt.Errorf("values_from %q: no such allowlist", rf.ValuesFrom)
		}
		return EnumConstraint{Allowlist: al}, nil

	case KindString:
		if err := onlyOptions(rf, "min_length", "max_length", "pattern"); err != nil {
			return nil, err
		}
		c := StringConstraint{Source: rf.Pattern}
		if rf.MinLength != nil {
			c.MinLength = *rf.MinLength
		}
		if rf.MaxLength != nil {
			c.MaxLength = *rf.MaxLength
		}
		if c.MinLength < 0 || c.MaxLength < 0 {
			return nil, errors.New("length bounds must not be negative")
		}
		if c.MaxLength > 0 && c.MinLength > c.MaxLength {
			return nil, fmt.Errorf("min_length %d exceeds max_length %d", c.MinLength, c.MaxLength)
		}
		if rf.Pattern != "" {
			re, err := regexp.Compile(`^(?:` + rf.Pattern + `)$`)
			if err != nil {
				return nil, fmt.Errorf("pattern: %w", err)
			}
			c.Pattern = re
		}
		return c, nil

	case KindPath:
		if err := onlyOptions(rf, "root"); err != nil {
			return nil, err
		}
		if rf.Root == "" {
			return nil, errors.New("path requires root")
		}
		rootPath, ok := doc.Roots[rf.Root]
		if !ok {
			return nil, fmt.Errorf("root %q: no such root", rf.Root)
		}
		return PathConstraint{Root: rf.Root, RootPath: rootPath}, nil

	case KindInteger:
		if err := onlyOptions(rf, "min", "max"); err != nil {
			return nil, err
		}
		if rf.Min != nil && rf.Max != nil && *rf.Min > *rf.Max {
			return nil, fmt.Errorf("min %d exceeds max %d", *rf.Min, *rf.Max)
		}
		return IntegerConstraint{Min: rf.Min, Max: rf.Max}, nil

	case "":
		return nil, errors.New("missing type")
	default:
		return nil, fmt.Errorf("unknown type %q", rf.Type)
	}
}

// onlyOptions rejects type options that do not belong to the field's type.
func onlyOptions(rf rawField, allowed ...string) error {
	set := map[string]bool{
		"values_from": rf.ValuesFrom != "",
		"min_length":  rf.MinLength != nil,
		"max_length":  rf.MaxLength != nil,
		"pattern":     rf.Pattern != "",
		"root":        rf.Root != "",
		"min":         rf.Min != nil,
		"max":         rf.Max != nil,
	}
	for _, a := range allowed {
		delete(set, a)
	}
	for _, opt := range sortedKeys(set) {
		if set[opt] {
			return fmt.Errorf("option %s not valid for type %s", opt, rf.Type)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
