package node

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

func TestObjectKeepsInsertionOrder(t *testing.T) {
	n := New()
	n.Get("zeta").Set(Int(1))
	n.Get("alpha").Set(String("a"))
	n.Get("mid").Set(Bool(true))

	want := []string{"zeta", "alpha", "mid"}
	if diff := cmp.Diff(want, n.Keys()); diff != "" {
		t.Errorf("Keys() mismatch (-want +got):\n%s", diff)
	}

	b, err := n.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}
	if got := string(b); got != `{"zeta":1,"alpha":"a","mid":true}` {
		t.Errorf("MarshalJSON() = %s", got)
	}
}

func TestJSONRoundTripPreservesOrderAndKinds(t *testing.T) {
	src := `{"b":{"EXPRESSION_VALUE":"${x:1}"},"a":[1,2.5,"s",null],"c":{"y":false,"x":{"BYTES_VALUE":"aGk="}}}`
	n, err := FromJSON(src)
	if err != nil {
		t.Fatalf("FromJSON() error = %v", err)
	}

	if got := n.Get("b").Kind(); got != KindExpression {
		t.Errorf("b kind = %s, want EXPRESSION", got)
	}
	if got := n.Get("a").Index(1).Kind(); got != KindFloat {
		t.Errorf("a[1] kind = %s, want DOUBLE", got)
	}
	if got := n.Get("c").Get("x").Kind(); got != KindBytes {
		t.Errorf("c.x kind = %s, want BYTES", got)
	}
	if diff := cmp.Diff([]string{"y", "x"}, n.Get("c").Keys()); diff != "" {
		t.Errorf("c keys mismatch (-want +got):\n%s", diff)
	}

	out, err := n.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}
	if string(out) != src {
		t.Errorf("round trip = %s\nwant %s", out, src)
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	n := New()
	n.Get("name").Set(String("web"))
	n.Get("port").Set(Int(8080))
	n.Get("expr").Set(Expression("${port:80}"))
	n.Get("tags").Append(String("a")).Append(String("b"))

	b, err := yaml.Marshal(n)
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v", err)
	}
	back := New()
	if err := yaml.Unmarshal(b, back); err != nil {
		t.Fatalf("yaml.Unmarshal() error = %v", err)
	}
	if !n.Equal(back) {
		t.Errorf("YAML round trip mismatch:\n got %s\nwant %s", back, n)
	}
	if diff := cmp.Diff(n.Keys(), back.Keys()); diff != "" {
		t.Errorf("key order lost (-want +got):\n%s", diff)
	}
}

func TestCloneIsDeep(t *testing.T) {
	n := New()
	n.Get("child").Get("leaf").Set(String("v"))
	c := n.Clone()
	c.Get("child").Get("leaf").Set(String("changed"))

	if got := n.Get("child").Get("leaf").AsString(); got != "v" {
		t.Errorf("original mutated through clone: %s", got)
	}
}

func TestEqualIgnoresKeyOrder(t *testing.T) {
	a := New()
	a.Get("x").Set(Int(1))
	a.Get("y").Set(Int(2))
	b := New()
	b.Get("y").Set(Int(2))
	b.Get("x").Set(Int(1))
	if !a.Equal(b) {
		t.Error("Equal() = false for same content in different order")
	}
	b.Get("x").Set(Int(3))
	if a.Equal(b) {
		t.Error("Equal() = true for different content")
	}
}

func TestRemove(t *testing.T) {
	n := New()
	n.Get("a").Set(Int(1))
	n.Get("b").Set(Int(2))
	n.Get("c").Set(Int(3))
	if removed := n.Remove("b"); removed == nil || removed.IntOr(0) != 2 {
		t.Fatalf("Remove(b) = %v", removed)
	}
	if diff := cmp.Diff([]string{"a", "c"}, n.Keys()); diff != "" {
		t.Errorf("Keys() after remove mismatch (-want +got):\n%s", diff)
	}
	if n.Remove("missing") != nil {
		t.Error("Remove(missing) returned a node")
	}
}

func TestConversions(t *testing.T) {
	tests := []struct {
		name    string
		node    *Node
		wantInt int64
		wantErr bool
	}{
		{name: "int", node: Int(5), wantInt: 5},
		{name: "string", node: String("42"), wantInt: 42},
		{name: "integral float", node: Float(3), wantInt: 3},
		{name: "fractional float", node: Float(3.5), wantErr: true},
		{name: "list", node: List(Int(1)), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.node.AsInt()
			if (err != nil) != tt.wantErr {
				t.Fatalf("AsInt() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.wantInt {
				t.Errorf("AsInt() = %d, want %d", got, tt.wantInt)
			}
		})
	}
}

func TestResolveString(t *testing.T) {
	props := map[string]string{"host": "localhost", "port": "9990"}
	lookup := func(k string) (string, bool) {
		v, ok := props[k]
		return v, ok
	}
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "plain", in: "text", want: "text"},
		{name: "single", in: "${host}", want: "localhost"},
		{name: "embedded", in: "http://${host}:${port}/", want: "http://localhost:9990/"},
		{name: "default used", in: "${missing:8080}", want: "8080"},
		{name: "alternatives", in: "${missing,port}", want: "9990"},
		{name: "nested default", in: "${missing:${host}}", want: "localhost"},
		{name: "unresolvable", in: "${missing}", wantErr: true},
		{name: "unterminated", in: "${host", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveString(tt.in, lookup)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResolveString() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ResolveString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveNode(t *testing.T) {
	n := New()
	n.Get("plain").Set(Int(1))
	n.Get("expr").Set(Expression("${missing:default}"))
	r, err := n.Resolve(nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got := r.Get("expr"); got.Kind() != KindString || got.AsString() != "default" {
		t.Errorf("expr resolved to %s %q", got.Kind(), got.AsString())
	}
	if n.Get("expr").Kind() != KindExpression {
		t.Error("Resolve() mutated the receiver")
	}
}
