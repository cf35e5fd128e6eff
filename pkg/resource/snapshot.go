package resource

import (
	"fmt"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/ops"
)

// Snapshot is one transaction's copy-on-write view of the resource tree.
// Reads see the committed root plus this transaction's own changes. The first
// write to a path copies every resource from the root down to the target, so
// the committed tree and other snapshots never observe the change.
//
// A Snapshot is not safe for concurrent use.
type Snapshot struct {
	root     *Resource
	base     *Resource
	owned    map[*Resource]bool
	modified bool
}

// NewSnapshot starts a view over a committed root.
func NewSnapshot(root *Resource) *Snapshot {
	if root == nil {
		root = New()
	}
	return &Snapshot{root: root, base: root, owned: make(map[*Resource]bool)}
}

// Root returns the current root of the view.
func (s *Snapshot) Root() *Resource { return s.root }

// Base returns the committed root the view started from.
func (s *Snapshot) Base() *Resource { return s.base }

// IsModified reports whether anything was written through this view.
func (s *Snapshot) IsModified() bool { return s.modified }

// Read returns the resource at addr. The result must not be mutated.
func (s *Snapshot) Read(addr address.PathAddress) (*Resource, error) {
	if addr.IsMultiTarget() {
		return nil, ops.NewValidationError(fmt.Sprintf("cannot read multi-target address %s as a single resource", addr), nil)
	}
	return s.root.Navigate(addr)
}

// ForUpdate returns a writable resource at addr, copying the path to it on
// first use.
func (s *Snapshot) ForUpdate(addr address.PathAddress) (*Resource, error) {
	if addr.IsMultiTarget() {
		return nil, ops.NewValidationError(fmt.Sprintf("cannot update multi-target address %s", addr), nil)
	}
	if _, err := s.root.Navigate(addr); err != nil {
		return nil, err
	}
	cur := s.own(s.root)
	s.root = cur
	for i := 0; i < addr.Len(); i++ {
		elem := addr.Element(i)
		child, _ := cur.Child(elem)
		if !s.owned[child] {
			child = s.own(child)
			cur.ReplaceChild(elem, child)
		}
		cur = child
	}
	s.modified = true
	return cur, nil
}

func (s *Snapshot) own(r *Resource) *Resource {
	if s.owned[r] {
		return r
	}
	c := r.ShallowCopy()
	s.owned[c] = true
	return c
}

// Create registers r at addr. The parent must exist and the name must be free.
// index positions the child for ordered child types; pass -1 to append.
func (s *Snapshot) Create(addr address.PathAddress, index int, r *Resource) error {
	if addr.IsEmpty() {
		return ops.NewValidationError("cannot create the root resource", nil)
	}
	parent, err := s.ForUpdate(addr.Parent())
	if err != nil {
		return err
	}
	if err := parent.RegisterChildAt(addr.Last(), index, r); err != nil {
		if oe, ok := err.(*ops.OperationError); ok {
			return oe.WithAddress(addr)
		}
		return ops.NewValidationError(err.Error(), nil).WithAddress(addr)
	}
	s.owned[r] = true
	return nil
}

// Remove removes and returns the resource at addr.
func (s *Snapshot) Remove(addr address.PathAddress) (*Resource, error) {
	if addr.IsEmpty() {
		return nil, ops.NewValidationError("cannot remove the root resource", nil)
	}
	if _, err := s.Read(addr); err != nil {
		return nil, err
	}
	parent, err := s.ForUpdate(addr.Parent())
	if err != nil {
		return nil, err
	}
	return parent.RemoveChild(addr.Last()), nil
}
