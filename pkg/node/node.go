// Package node provides the dynamic, ordered value tree used for attribute
// values, operation parameters, operation results and failure descriptions.
//
// A Node is a tagged union. Object nodes keep their keys in insertion order so
// that results built from declaration-ordered metadata (attributes, groups,
// child types) are reported in that same order on the wire.
package node

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Kind identifies the type of value held by a Node.
type Kind uint8

const (
	// KindUndefined is the zero value: a slot that exists but holds nothing.
	KindUndefined Kind = iota
	// KindBool holds a boolean.
	KindBool
	// KindInt holds a signed 64-bit integer.
	KindInt
	// KindFloat holds a float64.
	KindFloat
	// KindString holds a string.
	KindString
	// KindExpression holds an unresolved ${...} expression.
	KindExpression
	// KindBytes holds raw bytes.
	KindBytes
	// KindList holds an ordered list of nodes.
	KindList
	// KindObject holds an insertion-ordered map of nodes.
	KindObject
)

var kindNames = map[Kind]string{
	KindUndefined:  "UNDEFINED",
	KindBool:       "BOOLEAN",
	KindInt:        "LONG",
	KindFloat:      "DOUBLE",
	KindString:     "STRING",
	KindExpression: "EXPRESSION",
	KindBytes:      "BYTES",
	KindList:       "LIST",
	KindObject:     "OBJECT",
}

// String returns the management type name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// ParseKind converts a management type name back to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindUndefined, fmt.Errorf("unknown type: %s", s)
}

// Node is a dynamic value. The zero value is an undefined node ready to use.
type Node struct {
	kind  Kind
	b     bool
	i     int64
	f     float64
	s     string
	bytes []byte
	list  []*Node
	keys  []string
	props map[string]*Node
}

// New returns an undefined node.
func New() *Node { return &Node{} }

// String returns a string node.
func String(s string) *Node { return &Node{kind: KindString, s: s} }

// Bool returns a boolean node.
func Bool(b bool) *Node { return &Node{kind: KindBool, b: b} }

// Int returns an integer node.
func Int(i int64) *Node { return &Node{kind: KindInt, i: i} }

// Float returns a float node.
func Float(f float64) *Node { return &Node{kind: KindFloat, f: f} }

// Expression returns an expression node holding an unresolved ${...} string.
func Expression(expr string) *Node { return &Node{kind: KindExpression, s: expr} }

// Bytes returns a bytes node. The slice is copied.
func Bytes(b []byte) *Node {
	return &Node{kind: KindBytes, bytes: append([]byte(nil), b...)}
}

// List returns a list node holding the given items.
func List(items ...*Node) *Node {
	n := &Node{kind: KindList, list: make([]*Node, 0, len(items))}
	for _, it := range items {
		n.list = append(n.list, it.Clone())
	}
	return n
}

// Object returns an empty object node.
func Object() *Node {
	return &Node{kind: KindObject, props: make(map[string]*Node)}
}

// Of converts a plain Go value into a Node. Maps are converted with their
// keys sorted, since Go maps carry no order.
func Of(v any) *Node {
	switch t := v.(type) {
	case nil:
		return New()
	case *Node:
		if t == nil {
			return New()
		}
		return t.Clone()
	case bool:
		return Bool(t)
	case int:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case uint32:
		return Int(int64(t))
	case float32:
		return Float(float64(t))
	case float64:
		return Float(t)
	case string:
		return String(t)
	case []byte:
		return Bytes(t)
	case []string:
		n := &Node{kind: KindList}
		for _, s := range t {
			n.list = append(n.list, String(s))
		}
		return n
	case []any:
		n := &Node{kind: KindList}
		for _, it := range t {
			n.list = append(n.list, Of(it))
		}
		return n
	case map[string]any:
		n := Object()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			n.Get(k).Set(Of(t[k]))
		}
		return n
	case map[string]string:
		n := Object()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			n.Get(k).Set(String(t[k]))
		}
		return n
	default:
		return String(fmt.Sprint(t))
	}
}

// Kind returns the node's kind.
func (n *Node) Kind() Kind {
	if n == nil {
		return KindUndefined
	}
	return n.kind
}

// IsDefined reports whether the node holds a value.
func (n *Node) IsDefined() bool { return n != nil && n.kind != KindUndefined }

// Clear resets the node to undefined.
func (n *Node) Clear() *Node {
	*n = Node{}
	return n
}

// Set replaces the content of n with a deep copy of v and returns n.
func (n *Node) Set(v *Node) *Node {
	if v == nil {
		return n.Clear()
	}
	*n = *v.Clone()
	return n
}

// SetValue is shorthand for Set(Of(v)).
func (n *Node) SetValue(v any) *Node { return n.Set(Of(v)) }

// Get returns the child at key, creating it (undefined) if absent. An
// undefined node is converted to an object first. Calling Get on a node of any
// other kind panics, as that is a programming error.
func (n *Node) Get(key string) *Node {
	n.ensureObject()
	if c, ok := n.props[key]; ok {
		return c
	}
	c := New()
	n.keys = append(n.keys, key)
	n.props[key] = c
	return c
}

// Lookup returns the child at key without creating it.
func (n *Node) Lookup(key string) (*Node, bool) {
	if n == nil || n.kind != KindObject {
		return nil, false
	}
	c, ok := n.props[key]
	return c, ok
}

// Has reports whether an object node has the key, defined or not.
func (n *Node) Has(key string) bool {
	_, ok := n.Lookup(key)
	return ok
}

// HasDefined reports whether an object node has a defined value at key.
func (n *Node) HasDefined(key string) bool {
	c, ok := n.Lookup(key)
	return ok && c.IsDefined()
}

// Keys returns the object's keys in insertion order.
func (n *Node) Keys() []string {
	if n == nil || n.kind != KindObject {
		return nil
	}
	return append([]string(nil), n.keys...)
}

// Remove deletes key from an object node and returns the removed child.
func (n *Node) Remove(key string) *Node {
	if n == nil || n.kind != KindObject {
		return nil
	}
	c, ok := n.props[key]
	if !ok {
		return nil
	}
	delete(n.props, key)
	for i, k := range n.keys {
		if k == key {
			n.keys = append(n.keys[:i], n.keys[i+1:]...)
			break
		}
	}
	return c
}

// Add appends a new undefined element to a list node and returns it.
func (n *Node) Add() *Node {
	n.ensureList()
	c := New()
	n.list = append(n.list, c)
	return c
}

// Append appends a copy of v to a list node and returns n.
func (n *Node) Append(v *Node) *Node {
	n.Add().Set(v)
	return n
}

// Index returns the list element at i.
func (n *Node) Index(i int) *Node {
	if n == nil || n.kind != KindList || i < 0 || i >= len(n.list) {
		return nil
	}
	return n.list[i]
}

// Elements returns the list elements. The slice is a copy, the nodes are not.
func (n *Node) Elements() []*Node {
	if n == nil || n.kind != KindList {
		return nil
	}
	return append([]*Node(nil), n.list...)
}

// Len returns the number of list elements or object keys.
func (n *Node) Len() int {
	switch n.Kind() {
	case KindList:
		return len(n.list)
	case KindObject:
		return len(n.keys)
	case KindString:
		return len(n.s)
	case KindBytes:
		return len(n.bytes)
	}
	return 0
}

func (n *Node) ensureObject() {
	switch n.kind {
	case KindObject:
	case KindUndefined:
		n.kind = KindObject
		n.props = make(map[string]*Node)
		n.keys = nil
	default:
		panic(fmt.Sprintf("node: cannot use %s as OBJECT", n.kind))
	}
}

func (n *Node) ensureList() {
	switch n.kind {
	case KindList:
	case KindUndefined:
		n.kind = KindList
	default:
		panic(fmt.Sprintf("node: cannot use %s as LIST", n.kind))
	}
}

// AsString renders the node as a string. Scalars convert naturally; lists and
// objects render as JSON.
func (n *Node) AsString() string {
	switch n.Kind() {
	case KindUndefined:
		return "undefined"
	case KindBool:
		return strconv.FormatBool(n.b)
	case KindInt:
		return strconv.FormatInt(n.i, 10)
	case KindFloat:
		return strconv.FormatFloat(n.f, 'g', -1, 64)
	case KindString, KindExpression:
		return n.s
	default:
		b, err := n.MarshalJSON()
		if err != nil {
			return err.Error()
		}
		return string(b)
	}
}

// AsBool converts the node to a boolean.
func (n *Node) AsBool() (bool, error) {
	switch n.Kind() {
	case KindBool:
		return n.b, nil
	case KindInt:
		return n.i != 0, nil
	case KindString:
		return strconv.ParseBool(n.s)
	}
	return false, fmt.Errorf("cannot convert %s to BOOLEAN", n.Kind())
}

// BoolOr returns the boolean value, or def when undefined or not convertible.
func (n *Node) BoolOr(def bool) bool {
	if !n.IsDefined() {
		return def
	}
	b, err := n.AsBool()
	if err != nil {
		return def
	}
	return b
}

// AsInt converts the node to an integer.
func (n *Node) AsInt() (int64, error) {
	switch n.Kind() {
	case KindInt:
		return n.i, nil
	case KindFloat:
		if n.f != math.Trunc(n.f) {
			return 0, fmt.Errorf("%v is not an integer", n.f)
		}
		return int64(n.f), nil
	case KindString:
		return strconv.ParseInt(n.s, 10, 64)
	case KindBool:
		if n.b {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("cannot convert %s to LONG", n.Kind())
}

// IntOr returns the integer value, or def when undefined or not convertible.
func (n *Node) IntOr(def int64) int64 {
	if !n.IsDefined() {
		return def
	}
	i, err := n.AsInt()
	if err != nil {
		return def
	}
	return i
}

// AsFloat converts the node to a float64.
func (n *Node) AsFloat() (float64, error) {
	switch n.Kind() {
	case KindFloat:
		return n.f, nil
	case KindInt:
		return float64(n.i), nil
	case KindString:
		return strconv.ParseFloat(n.s, 64)
	}
	return 0, fmt.Errorf("cannot convert %s to DOUBLE", n.Kind())
}

// AsBytes returns the raw bytes of a bytes or string node.
func (n *Node) AsBytes() ([]byte, error) {
	switch n.Kind() {
	case KindBytes:
		return append([]byte(nil), n.bytes...), nil
	case KindString:
		return []byte(n.s), nil
	}
	return nil, fmt.Errorf("cannot convert %s to BYTES", n.Kind())
}

// Clone returns a deep copy.
func (n *Node) Clone() *Node {
	if n == nil {
		return New()
	}
	c := &Node{kind: n.kind, b: n.b, i: n.i, f: n.f, s: n.s}
	switch n.kind {
	case KindBytes:
		c.bytes = append([]byte(nil), n.bytes...)
	case KindList:
		c.list = make([]*Node, len(n.list))
		for i, it := range n.list {
			c.list[i] = it.Clone()
		}
	case KindObject:
		c.keys = append([]string(nil), n.keys...)
		c.props = make(map[string]*Node, len(n.props))
		for k, v := range n.props {
			c.props[k] = v.Clone()
		}
	}
	return c
}

// Equal reports structural equality. Object key order is not significant.
func (n *Node) Equal(o *Node) bool {
	if n.Kind() != o.Kind() {
		return false
	}
	switch n.Kind() {
	case KindUndefined:
		return true
	case KindBool:
		return n.b == o.b
	case KindInt:
		return n.i == o.i
	case KindFloat:
		return n.f == o.f
	case KindString, KindExpression:
		return n.s == o.s
	case KindBytes:
		return string(n.bytes) == string(o.bytes)
	case KindList:
		if len(n.list) != len(o.list) {
			return false
		}
		for i := range n.list {
			if !n.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(n.props) != len(o.props) {
			return false
		}
		for k, v := range n.props {
			ov, ok := o.props[k]
			if !ok || !v.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

// Interface converts the node to plain Go values (map[string]any, []any,
// string, int64, float64, bool, []byte or nil). Object order is lost.
func (n *Node) Interface() any {
	switch n.Kind() {
	case KindBool:
		return n.b
	case KindInt:
		return n.i
	case KindFloat:
		return n.f
	case KindString, KindExpression:
		return n.s
	case KindBytes:
		return append([]byte(nil), n.bytes...)
	case KindList:
		out := make([]any, len(n.list))
		for i, it := range n.list {
			out[i] = it.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(n.props))
		for k, v := range n.props {
			out[k] = v.Interface()
		}
		return out
	}
	return nil
}

// String implements fmt.Stringer.
func (n *Node) String() string { return n.AsString() }
