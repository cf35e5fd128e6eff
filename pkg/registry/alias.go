package registry

import (
	"fmt"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/resource"
)

// AliasContext gives alias converters read access to the live resource tree.
type AliasContext interface {
	ReadResourceFromRoot(addr address.PathAddress) (*resource.Resource, error)
}

// AliasConverter maps the concrete address of an alias node to the concrete
// address of its target.
type AliasConverter func(aliasAddress address.PathAddress, ctx AliasContext) (address.PathAddress, error)

// AliasEntry is the target of an alias registration.
type AliasEntry struct {
	Target  *Registration
	Convert AliasConverter
}

// NewAliasEntry creates an alias entry. A nil converter uses the target's
// address, filling each wildcard from the alias address element at the same
// position.
func NewAliasEntry(target *Registration, convert AliasConverter) *AliasEntry {
	return &AliasEntry{Target: target, Convert: convert}
}

// ConvertToTargetAddress rewrites the alias node address.
func (e *AliasEntry) ConvertToTargetAddress(aliasAddress address.PathAddress, ctx AliasContext) (address.PathAddress, error) {
	if e.Convert != nil {
		return e.Convert(aliasAddress, ctx)
	}
	pattern := e.Target.Address()
	elems := pattern.Elements()
	for i, el := range elems {
		if !el.IsWildcard() {
			continue
		}
		if i >= aliasAddress.Len() {
			return address.Empty, ops.NewValidationError(
				fmt.Sprintf("cannot fill wildcard %s of alias target %s from %s", el, pattern, aliasAddress), nil)
		}
		elems[i].Value = aliasAddress.Element(i).Value
	}
	return address.New(elems...), nil
}

// SingleChildConverter returns a converter that maps the alias to the only
// existing child of childType below parent. With no child it targets
// defaultName.
func SingleChildConverter(parent address.PathAddress, childType, defaultName string) AliasConverter {
	return func(_ address.PathAddress, ctx AliasContext) (address.PathAddress, error) {
		res, err := ctx.ReadResourceFromRoot(parent)
		if err != nil {
			return address.Empty, err
		}
		names := res.ChildNames(childType)
		switch len(names) {
		case 0:
			return parent.Append(address.Element(childType, defaultName)), nil
		case 1:
			return parent.Append(address.Element(childType, names[0])), nil
		default:
			return address.Empty, ops.NewValidationError(
				fmt.Sprintf("alias is ambiguous: %d %s children below %s", len(names), childType, parent), nil)
		}
	}
}
