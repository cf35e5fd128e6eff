// Package address implements path addresses, the immutable sequence of
// key=value elements naming a location in the management model.
package address

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Wildcard is the element value matching every child of a type.
const Wildcard = "*"

// PathElement is one key=value step of an address. An empty Value means the
// element has no value, a Value of "*" is a wildcard, and a value of the form
// "[a,b]" selects several named children.
type PathElement struct {
	Key   string
	Value string
}

// Element returns a PathElement for key=value.
func Element(key, value string) PathElement {
	return PathElement{Key: key, Value: value}
}

// WildcardElement returns key=*.
func WildcardElement(key string) PathElement {
	return PathElement{Key: key, Value: Wildcard}
}

// IsWildcard reports whether the element's value is the wildcard.
func (e PathElement) IsWildcard() bool { return e.Value == Wildcard }

// IsMultiTarget reports whether the element matches more than one child.
func (e PathElement) IsMultiTarget() bool {
	return e.IsWildcard() || isMultiValue(e.Value)
}

// Values returns the child names selected by a multi-value element, or the
// single value otherwise.
func (e PathElement) Values() []string {
	if !isMultiValue(e.Value) {
		return []string{e.Value}
	}
	inner := e.Value[1 : len(e.Value)-1]
	parts := strings.Split(inner, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (e PathElement) String() string {
	if e.Value == "" {
		return e.Key
	}
	return e.Key + "=" + e.Value
}

func isMultiValue(v string) bool {
	return len(v) >= 2 && v[0] == '[' && v[len(v)-1] == ']'
}

// PathAddress is an immutable sequence of path elements. The empty address
// denotes the root. Methods never modify the receiver.
type PathAddress struct {
	elems []PathElement
}

// Empty is the root address.
var Empty = PathAddress{}

// New builds an address from elements.
func New(elems ...PathElement) PathAddress {
	if len(elems) == 0 {
		return Empty
	}
	return PathAddress{elems: append([]PathElement(nil), elems...)}
}

// Of builds an address from alternating key, value strings. It panics on an
// odd number of arguments.
func Of(pairs ...string) PathAddress {
	if len(pairs)%2 != 0 {
		panic("address: Of requires key/value pairs")
	}
	elems := make([]PathElement, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		elems = append(elems, PathElement{Key: pairs[i], Value: pairs[i+1]})
	}
	return New(elems...)
}

// Parse parses "/key=value/key=value". The root is "/" or "".
func Parse(s string) (PathAddress, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "/" {
		return Empty, nil
	}
	s = strings.TrimPrefix(s, "/")
	var elems []PathElement
	for _, seg := range splitSegments(s) {
		if seg == "" {
			return Empty, fmt.Errorf("invalid address %q: empty element", s)
		}
		key, value, _ := strings.Cut(seg, "=")
		if key == "" {
			return Empty, fmt.Errorf("invalid address %q: element %q has no key", s, seg)
		}
		elems = append(elems, PathElement{Key: key, Value: value})
	}
	return New(elems...), nil
}

// MustParse is Parse that panics on error.
func MustParse(s string) PathAddress {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// splitSegments splits on '/' outside of [...] groups.
func splitSegments(s string) []string {
	var out []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		case '/':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}

// Len returns the number of elements.
func (a PathAddress) Len() int { return len(a.elems) }

// IsEmpty reports whether a is the root address.
func (a PathAddress) IsEmpty() bool { return len(a.elems) == 0 }

// Elements returns a copy of the elements.
func (a PathAddress) Elements() []PathElement {
	return append([]PathElement(nil), a.elems...)
}

// Element returns the element at i.
func (a PathAddress) Element(i int) PathElement { return a.elems[i] }

// Last returns the final element, or the zero element for the root.
func (a PathAddress) Last() PathElement {
	if len(a.elems) == 0 {
		return PathElement{}
	}
	return a.elems[len(a.elems)-1]
}

// Append returns a new address with elems added.
func (a PathAddress) Append(elems ...PathElement) PathAddress {
	out := make([]PathElement, 0, len(a.elems)+len(elems))
	out = append(out, a.elems...)
	out = append(out, elems...)
	return PathAddress{elems: out}
}

// AppendAddress returns a new address with the elements of b added.
func (a PathAddress) AppendAddress(b PathAddress) PathAddress {
	return a.Append(b.elems...)
}

// Parent returns the address without its last element. The root's parent is
// the root.
func (a PathAddress) Parent() PathAddress {
	if len(a.elems) <= 1 {
		return Empty
	}
	return a.SubAddress(0, len(a.elems)-1)
}

// SubAddress returns elements [start, end).
func (a PathAddress) SubAddress(start, end int) PathAddress {
	if start < 0 {
		start = 0
	}
	if end > len(a.elems) {
		end = len(a.elems)
	}
	if start >= end {
		return Empty
	}
	return New(a.elems[start:end]...)
}

// Tail returns elements from start to the end.
func (a PathAddress) Tail(start int) PathAddress {
	return a.SubAddress(start, len(a.elems))
}

// IsMultiTarget reports whether any element is a wildcard or multi-value.
func (a PathAddress) IsMultiTarget() bool {
	for _, e := range a.elems {
		if e.IsMultiTarget() {
			return true
		}
	}
	return false
}

// HasPrefix reports whether p is a prefix of a. Elements compare exactly.
func (a PathAddress) HasPrefix(p PathAddress) bool {
	if p.Len() > a.Len() {
		return false
	}
	for i, e := range p.elems {
		if a.elems[i] != e {
			return false
		}
	}
	return true
}

// Matches reports whether the concrete address a matches pattern p, where a
// wildcard or multi-value element in p matches any of its values.
func (a PathAddress) Matches(p PathAddress) bool {
	if a.Len() != p.Len() {
		return false
	}
	for i, pe := range p.elems {
		e := a.elems[i]
		if e.Key != pe.Key {
			return false
		}
		switch {
		case pe.IsWildcard():
		case isMultiValue(pe.Value):
			found := false
			for _, v := range pe.Values() {
				if v == e.Value {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case pe.Value != e.Value:
			return false
		}
	}
	return true
}

// Equal reports element-wise equality.
func (a PathAddress) Equal(b PathAddress) bool {
	return a.Len() == b.Len() && a.HasPrefix(b)
}

// String renders "/k=v/k=v", or "/" for the root.
func (a PathAddress) String() string {
	if len(a.elems) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, e := range a.elems {
		b.WriteByte('/')
		b.WriteString(e.String())
	}
	return b.String()
}

// MarshalJSON encodes the address as a list of single-entry objects, e.g.
// [{"subsystem":"web"},{"host":"default"}].
func (a PathAddress) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('[')
	for i, e := range a.elems {
		if i > 0 {
			b.WriteByte(',')
		}
		k, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Value)
		if err != nil {
			return nil, err
		}
		b.WriteByte('{')
		b.Write(k)
		b.WriteByte(':')
		b.Write(v)
		b.WriteByte('}')
	}
	b.WriteByte(']')
	return []byte(b.String()), nil
}

// UnmarshalJSON accepts the list form produced by MarshalJSON or a string in
// "/k=v" form.
func (a *PathAddress) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		p, err := Parse(s)
		if err != nil {
			return err
		}
		*a = p
		return nil
	}
	var list []map[string]string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	elems := make([]PathElement, 0, len(list))
	for _, m := range list {
		if len(m) != 1 {
			return fmt.Errorf("invalid address element: %v", m)
		}
		for k, v := range m {
			elems = append(elems, PathElement{Key: k, Value: v})
		}
	}
	*a = New(elems...)
	return nil
}
