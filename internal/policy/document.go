package policy

import (
	"regexp"
	"sort"
	"time"
)

// DefaultConfirmTTL is used when the policy document does not set confirm_ttl.
const DefaultConfirmTTL = 300 * time.Second

// Document is a loaded, type-checked policy. It is never mutated after Parse
// returns, so it can be shared across goroutines without locking.
type Document struct {
	Version      int
	Actions      map[string]*Action
	Allowlists   map[string]*Allowlist
	Roots        map[string]string // root name -> canonical absolute path
	Guard        GuardRules
	RateDefaults RateDefaults
	ConfirmTTL   time.Duration
	Hash         string // sha256:<hex> over the raw document bytes

	// ConfirmTTLSet is true when the document set confirm_ttl itself.
	ConfirmTTLSet bool
}

// Action is one entry of the action catalog.
type Action struct {
	Name            string
	Risk            Tier
	Description     string
	DenyReason      string
	RateLimit       int // max calls per rolling hour; 0 means unlimited
	RequiresConfirm bool
	Fields          []Field
}

// Field is one declared argument. Fields keep their declaration order.
type Field struct {
	Name       string
	Optional   bool
	Constraint Constraint
}

// Allowlist is a named closed set of permitted literal values.
type Allowlist struct {
	Name   string
	Values []string
	set    map[string]struct{}
}

// Contains reports exact, case-sensitive membership.
func (a *Allowlist) Contains(v string) bool {
	_, ok := a.set[v]
	return ok
}

// GuardRules configures the sensitive-resource guard.
type GuardRules struct {
	Volume    string   `json:"volume,omitempty"`     // mount point of the protected volume
	DenyPaths []string `json:"deny_paths,omitempty"` // canonical path prefixes
	Keywords  []string `json:"keywords,omitempty"`   // lowercased
	Apps      []string `json:"apps,omitempty"`
	Domains   []string `json:"domains,omitempty"`    // lowercased, no leading or trailing dots
	AppFields []string `json:"app_fields,omitempty"` // argument names that carry an application name
}

// Empty reports whether no guard rule is configured.
func (g GuardRules) Empty() bool {
	return g.Volume == "" && len(g.DenyPaths) == 0 && len(g.Keywords) == 0 &&
		len(g.Apps) == 0 && len(g.Domains) == 0
}

// RateDefaults supplies rate limits for actions that do not set their own.
type RateDefaults struct {
	PerHour int
	ByRisk  map[Tier]int
}

// Kind names an argument constraint variant.
type Kind string

// Constraint kinds.
const (
	KindEnum    Kind = "enum"
	KindString  Kind = "string"
	KindPath    Kind = "path"
	KindInteger Kind = "integer"
)

// Constraint is the resolved type of one argument. The set of
// implementations is closed: EnumConstraint, StringConstraint,
// PathConstraint and IntegerConstraint.
type Constraint interface {
	Kind() Kind
	sealed()
}

// EnumConstraint requires membership in an allowlist.
type EnumConstraint struct {
	Allowlist *Allowlist
}

// StringConstraint bounds a string's length (in runes) and shape.
// MaxLength 0 means unbounded. Pattern, when set, must match the whole value.
type StringConstraint struct {
	MinLength int
	MaxLength int
	Pattern   *regexp.Regexp
	Source    string // pattern as written in the document
}

// PathConstraint requires the canonical path to lie under a named root.
type PathConstraint struct {
	Root     string
	RootPath string
}

// IntegerConstraint bounds an integer. Nil bounds are open.
type IntegerConstraint struct {
	Min *int64
	Max *int64
}

func (EnumConstraint) Kind() Kind    { return KindEnum }
func (StringConstraint) Kind() Kind  { return KindString }
func (PathConstraint) Kind() Kind    { return KindPath }
func (IntegerConstraint) Kind() Kind { return KindInteger }

func (EnumConstraint) sealed()    {}
func (StringConstraint) sealed()  {}
func (PathConstraint) sealed()    {}
func (IntegerConstraint) sealed() {}

// Lookup returns the named action.
func (d *Document) Lookup(name string) (*Action, bool) {
	a, ok := d.Actions[name]
	return a, ok
}

// Names returns all action names in sorted order.
func (d *Document) Names() []string {
	names := make([]string, 0, len(d.Actions))
	for n := range d.Actions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ByRisk returns the actions of one tier, sorted by name.
func (d *Document) ByRisk(t Tier) []*Action {
	var out []*Action
	for _, n := range d.Names() {
		if a := d.Actions[n]; a.Risk == t {
			out = append(out, a)
		}
	}
	return out
}

// Field returns the named field definition.
func (a *Action) Field(name string) (Field, bool) {
	for _, f := range a.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// HasPathField reports whether any argument is path-typed, i.e. whether
// the action could reference the guarded volume.
func (a *Action) HasPathField() bool {
	for _, f := range a.Fields {
		if f.Constraint.Kind() == KindPath {
			return true
		}
	}
	return false
}
