package data

import (
	"fmt"
	"reflect"
)

// ToContext literalizes an object into a fresh context and records the root.
func ToContext(object HashedObject) (*Context, Hash, error) {
	context := NewContext()
	if resources := object.base().resources; resources != nil {
		context.Resources = resources
	}
	hash, err := LiteralizeInContext(object, context)
	if err != nil {
		return nil, "", err
	}
	context.AddRootHash(hash)
	return context, hash, nil
}

// LiteralizeInContext converts an in-memory object into a literal, entering
// it and every nested hashed object into the context. Returns the object's
// hash.
func LiteralizeInContext(object HashedObject, context *Context) (Hash, error) {
	walker := &literalizer{
		context: context,
		active:  map[HashedObject]bool{},
	}
	return walker.literalize(object)
}

type literalizer struct {
	context *Context
	active  map[HashedObject]bool
}

func (self *literalizer) literalize(object HashedObject) (Hash, error) {
	if self.active[object] {
		return "", fmt.Errorf("%w: cyclic object reference in %s", ErrInvalidLiteral, object.ClassName())
	}
	self.active[object] = true
	defer delete(self.active, object)

	base := object.base()
	fields := map[string]any{}
	dependencies := newDependencySet()

	err := walkLiteralFields(object, func(name string, value reflect.Value) error {
		fieldValue, include, err := self.literalizeField(value, name, dependencies)
		if err != nil {
			return fmt.Errorf("field %s of %s: %w", name, object.ClassName(), err)
		}
		if include {
			fields[name] = fieldValue
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if base.id != "" {
		fields["id"] = base.id
	}

	var authorHash Hash
	if base.author != nil {
		authorValue, err := self.literalizeAny(base.author, "author", dependencies)
		if err != nil {
			return "", fmt.Errorf("author of %s: %w", object.ClassName(), err)
		}
		fields["author"] = authorValue
		authorHash = base.author.LastHash()
	}

	flags := []any{}
	if flagger, ok := object.(LiteralFlagger); ok {
		for _, flag := range flagger.LiteralFlags() {
			flags = append(flags, flag)
		}
	}

	value := map[string]any{
		"_type":   TypeHashedObject,
		"_class":  object.ClassName(),
		"_fields": fields,
		"_flags":  flags,
	}

	var hash Hash
	if custom, ok := object.(CustomHasher); ok {
		hash, err = custom.CustomHash("")
	} else {
		hash, err = HashValue(value)
	}
	if err != nil {
		return "", err
	}

	literal := &Literal{
		Hash:         hash,
		Value:        value,
		Dependencies: dependencies.all(),
		Author:       authorHash,
	}
	// a memoized signature stays attached only while it covers the current hash
	if base.lastSignature != "" && base.lastHash == hash {
		literal.Signature = base.lastSignature
	}
	base.lastHash = hash

	self.context.Literals[hash] = literal
	if resources := self.context.Resources; resources != nil && resources.Aliasing != nil {
		if alias, ok := resources.Aliasing[hash]; ok {
			self.context.Objects[hash] = alias
			return hash, nil
		}
	}
	self.context.Objects[hash] = object
	return hash, nil
}

// literalizeField handles the skip rules for optional fields: nil pointers,
// interfaces and slices are simply absent from the literal.
func (self *literalizer) literalizeField(value reflect.Value, path string, dependencies *dependencySet) (any, bool, error) {
	switch value.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Slice:
		if value.IsNil() {
			return nil, false, nil
		}
	}
	fieldValue, err := self.literalizeAny(value.Interface(), path, dependencies)
	if err != nil {
		return nil, false, err
	}
	return fieldValue, true, nil
}

func (self *literalizer) literalizeAny(value any, path string, dependencies *dependencySet) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, fmt.Errorf("%w: null value", ErrInvalidLiteral)
	case bool, string, int, int32, int64, uint64, float32, float64:
		return v, nil
	case Hash:
		return string(v), nil
	case *HashReference:
		dependencies.add(&Dependency{
			Path:      path,
			Hash:      v.Hash,
			ClassName: v.ClassName,
			Type:      DependencyReference,
			Direct:    true,
		})
		return v.literalValue(), nil
	case *HashedSet:
		elements := []any{}
		for _, element := range v.Elements() {
			elementValue, err := self.literalizeAny(element, path, dependencies)
			if err != nil {
				return nil, err
			}
			elements = append(elements, elementValue)
		}
		return map[string]any{
			"_type":     TypeHashedSet,
			"_elements": elements,
		}, nil
	case *HashedMap:
		entries := []any{}
		for _, entry := range v.Entries() {
			keyValue, err := self.literalizeAny(entry[0], path, dependencies)
			if err != nil {
				return nil, err
			}
			valueValue, err := self.literalizeAny(entry[1], path, dependencies)
			if err != nil {
				return nil, err
			}
			entries = append(entries, []any{keyValue, valueValue})
		}
		return map[string]any{
			"_type":    TypeHashedMap,
			"_entries": entries,
		}, nil
	case HashedObject:
		childHash, err := self.literalize(v)
		if err != nil {
			return nil, err
		}
		dependencies.add(&Dependency{
			Path:      path,
			Hash:      childHash,
			ClassName: v.ClassName(),
			Type:      DependencyLiteral,
			Direct:    true,
		})
		// the child's transitive dependencies join the parent's set with
		// prefixed paths
		for _, childDependency := range self.context.Literals[childHash].Dependencies {
			dependencies.add(&Dependency{
				Path:      path + "." + childDependency.Path,
				Hash:      childDependency.Hash,
				ClassName: childDependency.ClassName,
				Type:      childDependency.Type,
				Direct:    false,
			})
		}
		return map[string]any{
			"_type": TypeHashedObjectDependency,
			"_hash": string(childHash),
		}, nil
	default:
		reflected := reflect.ValueOf(value)
		if reflected.Kind() == reflect.Slice || reflected.Kind() == reflect.Array {
			elements := []any{}
			for i := 0; i < reflected.Len(); i += 1 {
				elementValue, err := self.literalizeAny(reflected.Index(i).Interface(), path, dependencies)
				if err != nil {
					return nil, err
				}
				elements = append(elements, elementValue)
			}
			return elements, nil
		}
		return nil, fmt.Errorf("%w: unsupported field type %T", ErrInvalidLiteral, value)
	}
}
