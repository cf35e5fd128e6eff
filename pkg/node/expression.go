package node

import (
	"fmt"
	"strings"
)

// Resolver looks up the value of an expression key such as "mgmtd.data.dir" or
// "env.HOME".
type Resolver func(key string) (string, bool)

// IsExpressionString reports whether s contains a ${...} reference.
func IsExpressionString(s string) bool {
	i := strings.Index(s, "${")
	return i >= 0 && strings.Contains(s[i:], "}")
}

// Resolve returns a copy of the node with every expression replaced by its
// resolved string value. Lists and objects are resolved recursively. An
// expression whose key cannot be resolved and that has no default is an error.
func (n *Node) Resolve(lookup Resolver) (*Node, error) {
	switch n.Kind() {
	case KindExpression:
		s, err := ResolveString(n.s, lookup)
		if err != nil {
			return nil, err
		}
		return String(s), nil
	case KindList:
		out := &Node{kind: KindList}
		for _, it := range n.list {
			r, err := it.Resolve(lookup)
			if err != nil {
				return nil, err
			}
			out.list = append(out.list, r)
		}
		return out, nil
	case KindObject:
		out := Object()
		for _, k := range n.keys {
			r, err := n.props[k].Resolve(lookup)
			if err != nil {
				return nil, err
			}
			out.Get(k).Set(r)
		}
		return out, nil
	}
	return n.Clone(), nil
}

// ResolveString expands every ${key} or ${key:default} in s. Keys may be a
// comma separated list of alternatives, the first one found wins.
func ResolveString(s string, lookup Resolver) (string, error) {
	var b strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			b.WriteString(s)
			return b.String(), nil
		}
		end := matchingBrace(s, start+2)
		if end < 0 {
			return "", fmt.Errorf("unterminated expression in %q", s)
		}
		b.WriteString(s[:start])

		body := s[start+2 : end]
		value, err := resolveBody(body, lookup)
		if err != nil {
			return "", err
		}
		b.WriteString(value)
		s = s[end+1:]
	}
}

func resolveBody(body string, lookup Resolver) (string, error) {
	keys, def, hasDefault := body, "", false
	if i := strings.Index(body, ":"); i >= 0 {
		keys, def, hasDefault = body[:i], body[i+1:], true
	}
	for _, k := range strings.Split(keys, ",") {
		k = strings.TrimSpace(k)
		if k == "" || lookup == nil {
			continue
		}
		if v, ok := lookup(k); ok {
			return v, nil
		}
	}
	if hasDefault {
		if IsExpressionString(def) {
			return ResolveString(def, lookup)
		}
		return def, nil
	}
	return "", fmt.Errorf("cannot resolve expression '${%s}'", body)
}

// matchingBrace returns the index of the '}' closing the expression whose
// body starts at from, honouring nested ${...} in defaults.
func matchingBrace(s string, from int) int {
	depth := 1
	for i := from; i < len(s); i++ {
		switch {
		case s[i] == '$' && i+1 < len(s) && s[i+1] == '{':
			depth++
			i++
		case s[i] == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
