package model

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"golang.org/x/mod/semver"
)

// ValueKind tags the dynamic type carried by a Value.
type ValueKind int

const (
	KindString ValueKind = iota
	KindInt
	KindDecimal
	KindVersion
	KindList
	KindBool
)

// Value is a single typed property value. Properties are otherwise untyped
// dotted-name -> Value maps (see PropertySet); Value itself never nests
// except for KindList, whose elements are scalars.
type Value struct {
	Kind    ValueKind
	Str     string
	Int     int64
	Dec     decimal.Decimal
	Version string // canonical "vMAJOR.MINOR.PATCH", validated by NewVersion
	List    []Value
	Bool    bool

	// Aspects are named auxiliary attributes on this value, referenced via
	// "name[aspect]" in constraint expressions.
	Aspects map[string]Value
}

func NewString(s string) Value { return Value{Kind: KindString, Str: s} }
func NewInt(i int64) Value     { return Value{Kind: KindInt, Int: i} }
func NewBool(b bool) Value     { return Value{Kind: KindBool, Bool: b} }

func NewDecimal(d decimal.Decimal) Value { return Value{Kind: KindDecimal, Dec: d} }

// NewVersion normalizes v into semver form (prefixing "v" if absent) and
// returns an error if it is not a valid version.
func NewVersion(v string) (Value, error) {
	canon := v
	if len(canon) == 0 || canon[0] != 'v' {
		canon = "v" + canon
	}
	if !semver.IsValid(canon) {
		return Value{}, fmt.Errorf("model: invalid version %q", v)
	}
	return Value{Kind: KindVersion, Version: canon}, nil
}

func NewList(items ...Value) Value { return Value{Kind: KindList, List: items} }

// WithAspect returns a copy of v carrying an additional named aspect.
func (v Value) WithAspect(name string, aspect Value) Value {
	out := v
	out.Aspects = make(map[string]Value, len(v.Aspects)+1)
	for k, a := range v.Aspects {
		out.Aspects[k] = a
	}
	out.Aspects[name] = aspect
	return out
}

// Aspect looks up a named aspect on v.
func (v Value) Aspect(name string) (Value, bool) {
	a, ok := v.Aspects[name]
	return a, ok
}

// Equal reports value equality per spec §4.3: lists compare as sets.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindInt:
		return v.Int == o.Int
	case KindDecimal:
		return v.Dec.Equal(o.Dec)
	case KindVersion:
		return semver.Compare(v.Version, o.Version) == 0
	case KindBool:
		return v.Bool == o.Bool
	case KindList:
		return listSetEqual(v.List, o.List)
	default:
		return false
	}
}

// Compare orders two values of the same comparable kind (string, int,
// decimal, version). Lists and booleans have no defined ordering: callers
// must not invoke Compare on them.
func (v Value) Compare(o Value) (int, error) {
	if v.Kind != o.Kind {
		return 0, fmt.Errorf("model: cannot compare mismatched kinds")
	}
	switch v.Kind {
	case KindString:
		return stringCompare(v.Str, o.Str), nil
	case KindInt:
		switch {
		case v.Int < o.Int:
			return -1, nil
		case v.Int > o.Int:
			return 1, nil
		default:
			return 0, nil
		}
	case KindDecimal:
		return v.Dec.Cmp(o.Dec), nil
	case KindVersion:
		return semver.Compare(v.Version, o.Version), nil
	default:
		return 0, fmt.Errorf("model: kind %v has no ordering", v.Kind)
	}
}

func stringCompare(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func listSetEqual(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	used := make([]bool, len(b))
	for _, av := range a {
		found := false
		for i, bv := range b {
			if used[i] {
				continue
			}
			if av.Equal(bv) {
				used[i] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// PropertySet is a flat dotted-name -> Value mapping, plus a record of
// "implicit" properties: names declared with no value (present but
// unresolved), per spec §4.3's Undefined evaluation outcome.
type PropertySet struct {
	values   map[string]Value
	implicit map[string]bool
}

func NewPropertySet() *PropertySet {
	return &PropertySet{values: map[string]Value{}, implicit: map[string]bool{}}
}

func (p *PropertySet) Set(name string, v Value) {
	delete(p.implicit, name)
	p.values[name] = v
}

// Declare marks name as present but implicit (no concrete value yet).
func (p *PropertySet) Declare(name string) {
	p.implicit[name] = true
}

// Lookup splits name into a base property and an optional "[aspect]"
// qualifier and resolves it against p. ok is false if the base property is
// entirely absent; implicit is true if the property was declared without a
// value (or the requested aspect is missing on a concrete value).
func (p *PropertySet) Lookup(ref string) (v Value, ok bool, implicit bool) {
	base, aspect := splitAspectRef(ref)
	if p.implicit[base] {
		return Value{}, true, true
	}
	val, found := p.values[base]
	if !found {
		return Value{}, false, false
	}
	if aspect == "" {
		return val, true, false
	}
	a, found := val.Aspect(aspect)
	if !found {
		return Value{}, true, true
	}
	return a, true, false
}

// Present reports whether name (or name[aspect]) exists at all, implicit or
// concrete — used by the Present(name) filter primitive.
func (p *PropertySet) Present(ref string) bool {
	base, aspect := splitAspectRef(ref)
	if p.implicit[base] {
		return aspect == ""
	}
	val, found := p.values[base]
	if !found {
		return false
	}
	if aspect == "" {
		return true
	}
	_, found = val.Aspect(aspect)
	return found
}

// Names returns the sorted list of concrete (non-implicit) property names.
func (p *PropertySet) Names() []string {
	out := make([]string, 0, len(p.values))
	for k := range p.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type propertySetWire struct {
	Values   map[string]Value `json:"values"`
	Implicit map[string]bool  `json:"implicit"`
}

// MarshalJSON exports the unexported values/implicit maps so a PropertySet
// round-trips through the DAO layer (internal/store persists subscriptions
// as JSON).
func (p *PropertySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(propertySetWire{Values: p.values, Implicit: p.implicit})
}

func (p *PropertySet) UnmarshalJSON(data []byte) error {
	var w propertySetWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.values = w.Values
	if p.values == nil {
		p.values = map[string]Value{}
	}
	p.implicit = w.Implicit
	if p.implicit == nil {
		p.implicit = map[string]bool{}
	}
	return nil
}

func splitAspectRef(ref string) (base, aspect string) {
	i := indexByte(ref, '[')
	if i < 0 || ref[len(ref)-1] != ']' {
		return ref, ""
	}
	return ref[:i], ref[i+1 : len(ref)-1]
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}
