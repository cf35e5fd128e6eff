package node

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Wire markers for kinds JSON cannot express directly.
const (
	expressionKey = "EXPRESSION_VALUE"
	bytesKey      = "BYTES_VALUE"
)

// MarshalJSON encodes the node, keeping object keys in insertion order.
func (n *Node) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := n.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (n *Node) writeJSON(buf *bytes.Buffer) error {
	switch n.Kind() {
	case KindUndefined:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(n.b))
	case KindInt:
		buf.WriteString(strconv.FormatInt(n.i, 10))
	case KindFloat:
		b, err := json.Marshal(n.f)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindString:
		b, err := json.Marshal(n.s)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindExpression:
		b, err := json.Marshal(n.s)
		if err != nil {
			return err
		}
		buf.WriteString(`{"` + expressionKey + `":`)
		buf.Write(b)
		buf.WriteByte('}')
	case KindBytes:
		buf.WriteString(`{"` + bytesKey + `":"`)
		buf.WriteString(base64.StdEncoding.EncodeToString(n.bytes))
		buf.WriteString(`"}`)
	case KindList:
		buf.WriteByte('[')
		for i, it := range n.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := it.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i, k := range n.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := n.props[k].writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("node: cannot encode %s", n.kind)
	}
	return nil
}

// UnmarshalJSON decodes JSON into the node, preserving object key order.
func (n *Node) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return err
	}
	*n = *v
	return nil
}

// FromJSON parses a JSON document into a new node.
func FromJSON(s string) (*Node, error) {
	n := New()
	if err := n.UnmarshalJSON([]byte(s)); err != nil {
		return nil, err
	}
	return n, nil
}

func decodeValue(dec *json.Decoder) (*Node, error) {
	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("node: unexpected end of JSON")
		}
		return nil, err
	}
	switch t := tok.(type) {
	case nil:
		return New(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return Float(f), nil
	case json.Delim:
		switch t {
		case '[':
			n := &Node{kind: KindList}
			for dec.More() {
				it, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				n.list = append(n.list, it)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return n, nil
		case '{':
			n := Object()
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := kt.(string)
				if !ok {
					return nil, fmt.Errorf("node: object key is %T", kt)
				}
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				n.Get(key).Set(v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return unwrapMarker(n), nil
		}
	}
	return nil, fmt.Errorf("node: unexpected token %v", tok)
}

// unwrapMarker turns {"EXPRESSION_VALUE": "..."} and {"BYTES_VALUE": "..."}
// back into their kinds.
func unwrapMarker(n *Node) *Node {
	if len(n.keys) != 1 {
		return n
	}
	v := n.props[n.keys[0]]
	if v.kind != KindString {
		return n
	}
	switch n.keys[0] {
	case expressionKey:
		return Expression(v.s)
	case bytesKey:
		if b, err := base64.StdEncoding.DecodeString(v.s); err == nil {
			return Bytes(b)
		}
	}
	return n
}

// MarshalYAML encodes the node as an ordered YAML tree.
func (n *Node) MarshalYAML() (interface{}, error) {
	return n.toYAML(), nil
}

func (n *Node) toYAML() *yaml.Node {
	switch n.Kind() {
	case KindUndefined:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "~"}
	case KindBool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(n.b)}
	case KindInt:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatInt(n.i, 10)}
	case KindFloat:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: strconv.FormatFloat(n.f, 'g', -1, 64)}
	case KindString:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: n.s}
	case KindExpression:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!expr", Value: n.s}
	case KindBytes:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!binary", Value: base64.StdEncoding.EncodeToString(n.bytes)}
	case KindList:
		y := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, it := range n.list {
			y.Content = append(y.Content, it.toYAML())
		}
		return y
	default:
		y := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, k := range n.keys {
			y.Content = append(y.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
				n.props[k].toYAML())
		}
		return y
	}
}

// UnmarshalYAML decodes an ordered YAML tree into the node.
func (n *Node) UnmarshalYAML(value *yaml.Node) error {
	v, err := fromYAML(value)
	if err != nil {
		return err
	}
	*n = *v
	return nil
}

func fromYAML(y *yaml.Node) (*Node, error) {
	switch y.Kind {
	case yaml.DocumentNode:
		if len(y.Content) == 0 {
			return New(), nil
		}
		return fromYAML(y.Content[0])
	case yaml.AliasNode:
		return fromYAML(y.Alias)
	case yaml.SequenceNode:
		n := &Node{kind: KindList}
		for _, c := range y.Content {
			it, err := fromYAML(c)
			if err != nil {
				return nil, err
			}
			n.list = append(n.list, it)
		}
		return n, nil
	case yaml.MappingNode:
		n := Object()
		for i := 0; i+1 < len(y.Content); i += 2 {
			v, err := fromYAML(y.Content[i+1])
			if err != nil {
				return nil, err
			}
			n.Get(y.Content[i].Value).Set(v)
		}
		return n, nil
	case yaml.ScalarNode:
		switch y.ShortTag() {
		case "!!null":
			return New(), nil
		case "!!bool":
			b, err := strconv.ParseBool(y.Value)
			if err != nil {
				return nil, err
			}
			return Bool(b), nil
		case "!!int":
			i, err := strconv.ParseInt(y.Value, 0, 64)
			if err != nil {
				return nil, err
			}
			return Int(i), nil
		case "!!float":
			f, err := strconv.ParseFloat(y.Value, 64)
			if err != nil {
				return nil, err
			}
			return Float(f), nil
		case "!expr":
			return Expression(y.Value), nil
		case "!!binary":
			b, err := base64.StdEncoding.DecodeString(y.Value)
			if err != nil {
				return nil, err
			}
			return Bytes(b), nil
		default:
			return String(y.Value), nil
		}
	}
	return nil, fmt.Errorf("node: unsupported YAML node kind %d", y.Kind)
}
