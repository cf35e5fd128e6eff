// Package persistence provides ConfigurationPersister implementations: a
// SQLite store keeping a version history of the model, a YAML boot file and
// a null persister.
//
// Every persister stores the model as the list of boot operations that
// rebuild it: parents before children, ordered children in order, runtime
// and proxied resources excluded.
package persistence

import (
	"context"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/controller"
	"github.com/openfroyo/mgmtd/pkg/node"
	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/resource"
)

// ModelToOperations converts a model snapshot into boot operations. Root
// attributes become write-attribute operations; every other resource is one
// add operation carrying its defined attributes.
func ModelToOperations(model *resource.Resource) []*ops.Operation {
	var out []*ops.Operation
	model.Walk(address.Empty, func(addr address.PathAddress, r *resource.Resource) bool {
		if r.IsRuntime() || r.IsProxy() || r.IsPlaceholder() {
			return false
		}
		m := r.Model()
		if addr.IsEmpty() {
			for _, k := range m.Keys() {
				v, _ := m.Lookup(k)
				if !v.IsDefined() {
					continue
				}
				out = append(out, ops.NewOperation(ops.OpWriteAttribute, addr).
					SetParam(ops.ParamName, node.String(k)).
					SetParam(ops.ParamValue, v.Clone()))
			}
			return true
		}
		op := ops.NewOperation(ops.OpAdd, addr)
		for _, k := range m.Keys() {
			if v, _ := m.Lookup(k); v.IsDefined() {
				op.SetParam(k, v.Clone())
			}
		}
		out = append(out, op)
		return true
	})
	return out
}

// pending adapts two functions to controller.PersistenceResource.
type pending struct {
	commit   func() error
	rollback func()
}

func (p *pending) Commit() error {
	if p.commit == nil {
		return nil
	}
	return p.commit()
}

func (p *pending) Rollback() {
	if p.rollback != nil {
		p.rollback()
	}
}

// Null stores nothing and boots an empty model.
type Null struct{}

var _ controller.ConfigurationPersister = Null{}

// Store implements controller.ConfigurationPersister.
func (Null) Store(context.Context, *resource.Resource, []address.PathAddress) (controller.PersistenceResource, error) {
	return &pending{}, nil
}

// Load implements controller.ConfigurationPersister.
func (Null) Load(context.Context) ([]*ops.Operation, error) { return nil, nil }
