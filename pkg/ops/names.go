package ops

import (
	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/node"
)

// Operation names.
const (
	OpAdd                      = "add"
	OpRemove                   = "remove"
	OpComposite                = "composite"
	OpReadResource             = "read-resource"
	OpReadAttribute            = "read-attribute"
	OpWriteAttribute           = "write-attribute"
	OpUndefineAttribute        = "undefine-attribute"
	OpReadResourceDescription  = "read-resource-description"
	OpReadChildrenNames        = "read-children-names"
	OpReadChildrenTypes        = "read-children-types"
	OpReadChildrenResources    = "read-children-resources"
	OpReadAttributeGroup       = "read-attribute-group"
	OpReadAttributeGroupNames  = "read-attribute-group-names"
	OpReadOperationNames       = "read-operation-names"
	OpReadOperationDescription = "read-operation-description"
	OpReadFeatureDescription   = "read-feature-description"
	OpReadConfigAsFeatures     = "read-config-as-features"
)

// Parameter names.
const (
	ParamName               = "name"
	ParamValue              = "value"
	ParamRecursive          = "recursive"
	ParamRecursiveDepth     = "recursive-depth"
	ParamIncludeRuntime     = "include-runtime"
	ParamIncludeDefaults    = "include-defaults"
	ParamIncludeAliases     = "include-aliases"
	ParamAttributesOnly     = "attributes-only"
	ParamResolveExpressions = "resolve-expressions"
	ParamIncludeSingletons  = "include-singletons"
	ParamChildType          = "child-type"
	ParamOperations         = "operations"
	ParamNotifications      = "notifications"
	ParamInherited          = "inherited"
	ParamAddIndex           = "add-index"
	ParamSteps              = "steps"
	ParamNested             = "nested"
)

// Response and fan-out result field names.
const (
	FieldAddress            = "address"
	FieldOperation          = "operation"
	FieldOutcome            = "outcome"
	FieldResult             = "result"
	FieldFailureDescription = "failure-description"
	FieldRolledBack         = "rolled-back"
)

// Response header names.
const (
	HeaderOperationRequiresReload = "operation-requires-reload"
	HeaderProcessState            = "process-state"
)

// AddressNode renders addr as a list of single-key objects, the form used in
// fan-out results and composite step descriptions.
func AddressNode(addr address.PathAddress) *node.Node {
	n := node.List()
	for _, e := range addr.Elements() {
		n.Add().Get(e.Key).Set(node.String(e.Value))
	}
	return n
}

// AddressFromNode is the inverse of AddressNode. A string node is parsed in
// "/k=v" form.
func AddressFromNode(n *node.Node) (address.PathAddress, error) {
	switch n.Kind() {
	case node.KindUndefined:
		return address.Empty, nil
	case node.KindString:
		return address.Parse(n.AsString())
	case node.KindList:
		var elems []address.PathElement
		for _, e := range n.Elements() {
			keys := e.Keys()
			if len(keys) != 1 {
				return address.Empty, NewValidationError("invalid address element "+e.String(), nil)
			}
			v, _ := e.Lookup(keys[0])
			elems = append(elems, address.Element(keys[0], v.AsString()))
		}
		return address.New(elems...), nil
	}
	return address.Empty, NewValidationError("invalid address "+n.String(), nil)
}
