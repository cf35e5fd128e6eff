// Package validation checks attribute values and boot documents against CUE
// constraints.
//
// An attribute constraint is either a CUE expression, such as
// `>=1 & <=65535` or `=~"^[a-z]+$"`, or the name of a built-in constraint
// prefixed with '#', such as "#Port".
package validation

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Registry compiles and caches constraints.
type Registry struct {
	ctx      *cue.Context
	compiled map[string]cue.Value
	named    map[string]string
	mu       sync.Mutex
}

// NewRegistry creates a registry with the built-in named constraints.
func NewRegistry() *Registry {
	r := &Registry{
		ctx:      cuecontext.New(),
		compiled: make(map[string]cue.Value),
		named:    make(map[string]string),
	}
	r.registerBuiltIns()
	return r
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

func (r *Registry) registerBuiltIns() {
	r.named["Port"] = builtinPort
	r.named["Name"] = builtinName
	r.named["Positive"] = builtinPositive
	r.named["NonNegative"] = builtinNonNegative
	r.named["Host"] = builtinHost
	r.named["BootDocument"] = builtinBootDocument
}

// RegisterNamed registers a named constraint usable as "#name".
func (r *Registry) RegisterNamed(name, expr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.compileLocked(expr); err != nil {
		return err
	}
	r.named[name] = expr
	return nil
}

// Compile checks that a constraint is well formed.
func (r *Registry) Compile(constraint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.compileLocked(r.expand(constraint))
	return err
}

func (r *Registry) expand(constraint string) string {
	if strings.HasPrefix(constraint, "#") {
		if expr, ok := r.named[constraint[1:]]; ok {
			return expr
		}
	}
	return constraint
}

func (r *Registry) compileLocked(expr string) (cue.Value, error) {
	if v, ok := r.compiled[expr]; ok {
		return v, nil
	}
	v := r.ctx.CompileString(expr)
	if err := v.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile constraint %q: %w", expr, err)
	}
	r.compiled[expr] = v
	return v, nil
}

// Check validates data against a constraint.
func (r *Registry) Check(constraint string, data interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	schema, err := r.compileLocked(r.expand(constraint))
	if err != nil {
		return err
	}

	dataVal := r.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("value does not satisfy %s: %w", constraint, err)
	}
	return nil
}

// Check validates data against a constraint using the default registry.
func Check(constraint string, data interface{}) error {
	return Default().Check(constraint, data)
}

const builtinPort = `int & >=0 & <=65535`

const builtinName = `string & =~"^[a-zA-Z0-9_.-]+$"`

const builtinPositive = `number & >0`

const builtinNonNegative = `number & >=0`

const builtinHost = `string & =~"^[a-zA-Z0-9.:-]+$"`

// builtinBootDocument describes the YAML boot file of the file persister.
const builtinBootDocument = `{
	version: int & >=1
	operations: [...{
		address:   string | [...{[string]: string}]
		operation: string & !=""
		params?: {...}
		...
	}]
}`
