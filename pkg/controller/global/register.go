// Package global implements the operations every resource supports: reads
// of resources, attributes, children and descriptions, attribute writes,
// the generic add and remove handlers, composite operations and the feature
// projection of the model.
//
// The handlers are generic over the registration tree. They never assume a
// particular resource type exists; everything they need comes from the
// registration of the address they execute at.
package global

import (
	"github.com/openfroyo/mgmtd/pkg/node"
	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/registry"
)

func boolParam(name, description string, def bool) *registry.AttributeDefinition {
	return &registry.AttributeDefinition{
		Name:        name,
		Type:        node.KindBool,
		Description: description,
		Default:     node.Bool(def),
	}
}

func intParam(name, description string) *registry.AttributeDefinition {
	return &registry.AttributeDefinition{Name: name, Type: node.KindInt, Description: description}
}

func stringParam(name, description string, required bool) *registry.AttributeDefinition {
	return &registry.AttributeDefinition{Name: name, Type: node.KindString, Description: description, Required: required}
}

var (
	paramRecursive      = boolParam(ops.ParamRecursive, "Whether to include complete information about child resources", false)
	paramRecursiveDepth = intParam(ops.ParamRecursiveDepth, "How many levels of children to include")
	paramIncludeRuntime = boolParam(ops.ParamIncludeRuntime, "Whether to include runtime attributes and resources", false)
	paramIncludeDefault = boolParam(ops.ParamIncludeDefaults, "Whether to report default values of unset attributes", true)
	paramIncludeAliases = boolParam(ops.ParamIncludeAliases, "Whether to include alias children and alias attributes", false)
	paramAttributesOnly = boolParam(ops.ParamAttributesOnly, "Whether to leave out child resources", false)
	paramResolve        = boolParam(ops.ParamResolveExpressions, "Whether to resolve expressions against the environment", false)
	paramChildType      = stringParam(ops.ParamChildType, "The type of child to list", true)
)

// Definitions of the global operations.
var (
	ReadResourceDefinition = &registry.OperationDefinition{
		Name:        ops.OpReadResource,
		Description: "Reads the attribute values and children of a resource",
		Parameters: []*registry.AttributeDefinition{
			paramRecursive, paramRecursiveDepth, paramIncludeRuntime, paramIncludeDefault,
			paramIncludeAliases, paramAttributesOnly, paramResolve,
		},
		ReplyType: node.KindObject,
		ReadOnly:  true,
		Inherited: true,
	}

	ReadAttributeDefinition = &registry.OperationDefinition{
		Name:        ops.OpReadAttribute,
		Description: "Reads the value of one attribute",
		Parameters: []*registry.AttributeDefinition{
			stringParam(ops.ParamName, "The attribute name", true), paramIncludeDefault, paramResolve,
		},
		ReadOnly:  true,
		Inherited: true,
	}

	WriteAttributeDefinition = &registry.OperationDefinition{
		Name:        ops.OpWriteAttribute,
		Description: "Sets the value of one attribute",
		Parameters: []*registry.AttributeDefinition{
			stringParam(ops.ParamName, "The attribute name", true),
			{Name: ops.ParamValue, Description: "The new value", AllowExpression: true},
		},
		Inherited: true,
	}

	UndefineAttributeDefinition = &registry.OperationDefinition{
		Name:        ops.OpUndefineAttribute,
		Description: "Clears the value of one attribute",
		Parameters:  []*registry.AttributeDefinition{stringParam(ops.ParamName, "The attribute name", true)},
		Inherited:   true,
	}

	ReadResourceDescriptionDefinition = &registry.OperationDefinition{
		Name:        ops.OpReadResourceDescription,
		Description: "Describes the attributes, operations and children of a resource type",
		Parameters: []*registry.AttributeDefinition{
			paramRecursive, paramRecursiveDepth, paramIncludeAliases,
			boolParam(ops.ParamOperations, "Whether to include operation descriptions", false),
			boolParam(ops.ParamNotifications, "Whether to include notification descriptions", false),
			boolParam(ops.ParamInherited, "Whether to include inherited operations", true),
		},
		ReplyType:        node.KindObject,
		ReadOnly:         true,
		RegistrationRead: true,
		Inherited:        true,
	}

	ReadChildrenNamesDefinition = &registry.OperationDefinition{
		Name:        ops.OpReadChildrenNames,
		Description: "Lists the names of the children of one type",
		Parameters:  []*registry.AttributeDefinition{paramChildType, paramIncludeRuntime, paramIncludeAliases},
		ReplyType:   node.KindList,
		ReadOnly:    true,
		Inherited:   true,
	}

	ReadChildrenTypesDefinition = &registry.OperationDefinition{
		Name:        ops.OpReadChildrenTypes,
		Description: "Lists the types of children a resource may have",
		Parameters: []*registry.AttributeDefinition{
			paramIncludeRuntime, paramIncludeAliases,
			boolParam(ops.ParamIncludeSingletons, "Whether to list fixed-name children as type=name", false),
		},
		ReplyType:        node.KindList,
		ReadOnly:         true,
		RegistrationRead: true,
		Inherited:        true,
	}

	ReadChildrenResourcesDefinition = &registry.OperationDefinition{
		Name:        ops.OpReadChildrenResources,
		Description: "Reads every child of one type",
		Parameters: []*registry.AttributeDefinition{
			paramChildType, paramRecursive, paramRecursiveDepth, paramIncludeRuntime,
			paramIncludeDefault, paramIncludeAliases, paramResolve,
		},
		ReplyType: node.KindObject,
		ReadOnly:  true,
		Inherited: true,
	}

	ReadAttributeGroupDefinition = &registry.OperationDefinition{
		Name:        ops.OpReadAttributeGroup,
		Description: "Reads the attributes of one attribute group",
		Parameters: []*registry.AttributeDefinition{
			stringParam(ops.ParamName, "The group name", true),
			paramIncludeRuntime, paramIncludeDefault, paramIncludeAliases, paramResolve,
		},
		ReplyType: node.KindObject,
		ReadOnly:  true,
		Inherited: true,
	}

	ReadAttributeGroupNamesDefinition = &registry.OperationDefinition{
		Name:        ops.OpReadAttributeGroupNames,
		Description: "Lists the attribute groups in declaration order",
		ReplyType:   node.KindList,
		ReadOnly:    true,
		Inherited:   true,
	}

	ReadOperationNamesDefinition = &registry.OperationDefinition{
		Name:        ops.OpReadOperationNames,
		Description: "Lists the operations available at a resource",
		ReplyType:   node.KindList,
		ReadOnly:    true,
		Inherited:   true,
	}

	ReadOperationDescriptionDefinition = &registry.OperationDefinition{
		Name:        ops.OpReadOperationDescription,
		Description: "Describes one operation",
		Parameters:  []*registry.AttributeDefinition{stringParam(ops.ParamName, "The operation name", true)},
		ReplyType:   node.KindObject,
		ReadOnly:    true,
		Inherited:   true,
	}

	ReadFeatureDescriptionDefinition = &registry.OperationDefinition{
		Name:        ops.OpReadFeatureDescription,
		Description: "Describes the feature a resource type projects to",
		Parameters:  []*registry.AttributeDefinition{paramRecursive},
		ReplyType:   node.KindObject,
		ReadOnly:    true,
		RegistrationRead: true,
		Inherited:   true,
	}

	ReadConfigAsFeaturesDefinition = &registry.OperationDefinition{
		Name:        ops.OpReadConfigAsFeatures,
		Description: "Exports the configuration below a resource as feature instances",
		Parameters:  []*registry.AttributeDefinition{boolParam(ops.ParamNested, "Whether child features are nested in their parent", true)},
		ReplyType:   node.KindList,
		ReadOnly:    true,
		Inherited:   true,
	}

	CompositeDefinition = &registry.OperationDefinition{
		Name:        ops.OpComposite,
		Description: "Executes a list of operations as one transaction",
		Parameters: []*registry.AttributeDefinition{
			{Name: ops.ParamSteps, Type: node.KindList, Description: "The operations to execute", Required: true},
		},
		ReplyType: node.KindObject,
	}
)

// Register installs the global operations on the root registration. Every
// operation but composite is inherited by all descendants.
func Register(root *registry.Registration) error {
	entries := []struct {
		def     *registry.OperationDefinition
		handler registry.StepHandlerFunc
	}{
		{ReadResourceDefinition, readResource},
		{ReadAttributeDefinition, readAttribute},
		{WriteAttributeDefinition, writeAttribute},
		{UndefineAttributeDefinition, undefineAttribute},
		{ReadResourceDescriptionDefinition, readResourceDescription},
		{ReadChildrenNamesDefinition, readChildrenNames},
		{ReadChildrenTypesDefinition, readChildrenTypes},
		{ReadChildrenResourcesDefinition, readChildrenResources},
		{ReadAttributeGroupDefinition, readAttributeGroup},
		{ReadAttributeGroupNamesDefinition, readAttributeGroupNames},
		{ReadOperationNamesDefinition, readOperationNames},
		{ReadOperationDescriptionDefinition, readOperationDescription},
		{ReadFeatureDescriptionDefinition, readFeatureDescription},
		{ReadConfigAsFeaturesDefinition, readConfigAsFeatures},
		{CompositeDefinition, composite},
	}
	for _, e := range entries {
		if err := root.RegisterOperation(e.def, e.handler); err != nil {
			return err
		}
	}
	return nil
}

// RegisterResource registers a resource type below parent together with the
// generic add and remove operations. The add operation takes one parameter
// per configuration attribute, plus add-index for ordered types.
func RegisterResource(parent *registry.Registration, def registry.ResourceDefinition) (*registry.Registration, error) {
	reg, err := parent.RegisterSubModel(def)
	if err != nil {
		return nil, err
	}
	if err := reg.RegisterOperation(AddDefinition(def), registry.StepHandlerFunc(add)); err != nil {
		return nil, err
	}
	if err := reg.RegisterOperation(RemoveDefinition, registry.StepHandlerFunc(remove)); err != nil {
		return nil, err
	}
	return reg, nil
}

// AddDefinition builds the add operation definition for a resource type.
func AddDefinition(def registry.ResourceDefinition) *registry.OperationDefinition {
	var params []*registry.AttributeDefinition
	for _, a := range def.Attributes {
		if a.IsRuntime() || a.Storage == registry.StorageRuntime {
			continue
		}
		p := *a
		p.Reader = nil
		params = append(params, &p)
	}
	if def.Ordered {
		params = append(params, intParam(ops.ParamAddIndex, "Position among the existing siblings"))
	}
	return &registry.OperationDefinition{
		Name:        ops.OpAdd,
		Description: "Adds the resource",
		Parameters:  params,
	}
}

// RemoveDefinition is the definition of the generic remove operation.
var RemoveDefinition = &registry.OperationDefinition{
	Name:        ops.OpRemove,
	Description: "Removes the resource",
}
