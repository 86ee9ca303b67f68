package data

import (
	"fmt"
	"reflect"
)

// FromContext reconstructs the object for a hash whose literal (and the
// literals of its dependency closure) are present in the context.
// Reentrant-idempotent: an object already in the context is returned as is.
func FromContext(context *Context, hash Hash) (HashedObject, error) {
	walker := &deliteralizer{
		context:    context,
		inProgress: map[Hash]bool{},
	}
	return walker.deliteralize(hash)
}

// FromContextWithValidation additionally checks the recomputed hash, the
// author signature, and the class-specific invariants of every reconstructed
// object. Not reentrant on a shared context.
func FromContextWithValidation(context *Context, hash Hash) (HashedObject, error) {
	walker := &deliteralizer{
		context:    context,
		inProgress: map[Hash]bool{},
		validate:   true,
	}
	return walker.deliteralize(hash)
}

type deliteralizer struct {
	context    *Context
	inProgress map[Hash]bool
	validate   bool
}

func (self *deliteralizer) deliteralize(hash Hash) (HashedObject, error) {
	if object, ok := self.context.Objects[hash]; ok {
		return object, nil
	}
	if self.inProgress[hash] {
		return nil, fmt.Errorf("%w: cyclic literal %s", ErrInvalidLiteral, hash)
	}
	self.inProgress[hash] = true
	defer delete(self.inProgress, hash)

	literal, ok := self.context.Literals[hash]
	if !ok {
		return nil, fmt.Errorf("%w: literal %s not in context", ErrInvalidLiteral, hash)
	}

	// dependencies first, so placeholders resolve
	for _, dependency := range literal.Dependencies {
		if dependency.Type != DependencyLiteral {
			continue
		}
		if _, err := self.deliteralize(dependency.Hash); err != nil {
			return nil, err
		}
	}

	value, ok := literal.Value.(map[string]any)
	if !ok || value["_type"] != TypeHashedObject {
		return nil, fmt.Errorf("%w: literal %s is not a hashed object", ErrInvalidLiteral, hash)
	}
	className, _ := value["_class"].(string)
	object, err := NewObjectOfClass(className)
	if err != nil {
		return nil, err
	}

	fields, _ := value["_fields"].(map[string]any)
	base := object.base()

	if id, ok := fields["id"]; ok {
		idString, ok := id.(string)
		if !ok {
			return nil, fmt.Errorf("%w: non-string id in %s", ErrInvalidLiteral, hash)
		}
		base.id = idString
	}

	if authorValue, ok := fields["author"]; ok {
		decoded, err := self.decode(authorValue)
		if err != nil {
			return nil, err
		}
		author, ok := decoded.(*Identity)
		if !ok {
			return nil, fmt.Errorf("%w: author of %s is not an identity", ErrInvalidLiteral, hash)
		}
		base.author = author
		base.signOnSave = true
	}

	for fieldName, fieldValue := range fields {
		if fieldName == "id" || fieldName == "author" {
			continue
		}
		decoded, err := self.decode(fieldValue)
		if err != nil {
			return nil, fmt.Errorf("field %s of %s: %w", fieldName, hash, err)
		}
		coerced, err := coerceField(object, fieldName, decoded)
		if err != nil {
			return nil, err
		}
		if err := setFieldByLiteralName(object, fieldName, coerced); err != nil {
			return nil, err
		}
	}

	object.Init()

	if self.validate {
		if err := self.check(object, literal); err != nil {
			return nil, err
		}
	}

	base.lastHash = hash
	if literal.Signature != "" {
		base.lastSignature = literal.Signature
	}
	base.resources = self.context.Resources

	if resources := self.context.Resources; resources != nil && resources.Aliasing != nil {
		if alias, ok := resources.Aliasing[hash]; ok {
			self.context.Objects[hash] = alias
			return alias, nil
		}
	}
	self.context.Objects[hash] = object
	return object, nil
}

func (self *deliteralizer) check(object HashedObject, literal *Literal) error {
	computed, err := HashObject(object)
	if err != nil {
		return err
	}
	if computed != literal.Hash {
		return fmt.Errorf("%w: declared %s, computed %s", ErrWrongHash, literal.Hash, computed)
	}
	if author := object.base().author; author != nil {
		if literal.Signature == "" {
			return fmt.Errorf("%w: %s", ErrMissingSignature, literal.Hash)
		}
		if !author.Verify(literal.Hash, literal.Signature) {
			return fmt.Errorf("%w: %s", ErrBadSignature, literal.Hash)
		}
	} else if literal.Author != "" {
		return fmt.Errorf("%w: literal %s declares an author the object lacks", ErrInvalidLiteral, literal.Hash)
	}
	if !object.Validate(self.context.Objects) {
		return fmt.Errorf("%w: %s (%s)", ErrValidationFailed, literal.Hash, object.ClassName())
	}
	return nil
}

// decode maps a literal value back to its natural in-memory form.
func (self *deliteralizer) decode(value any) (any, error) {
	switch v := value.(type) {
	case bool, string, int, int32, int64, uint64, float32:
		return v, nil
	case float64:
		// a json round trip turns every number into float64; integral values
		// in the range it keeps exact come back as int64
		if -(1<<53) <= v && v <= 1<<53 && v == float64(int64(v)) {
			return int64(v), nil
		}
		return v, nil
	case []any:
		elements := make([]any, 0, len(v))
		for _, element := range v {
			decoded, err := self.decode(element)
			if err != nil {
				return nil, err
			}
			elements = append(elements, decoded)
		}
		return elements, nil
	case map[string]any:
		switch v["_type"] {
		case TypeHashedObjectDependency:
			hashString, _ := v["_hash"].(string)
			object, ok := self.context.Objects[Hash(hashString)]
			if !ok {
				return nil, fmt.Errorf("%w: unresolved dependency %s", ErrInvalidLiteral, hashString)
			}
			return object, nil
		case TypeHashedObjectReference:
			hashString, _ := v["_hash"].(string)
			className, _ := v["_class"].(string)
			if hashString == "" {
				return nil, fmt.Errorf("%w: reference with no hash", ErrInvalidLiteral)
			}
			return NewHashReference(Hash(hashString), className), nil
		case TypeHashedSet:
			elements, _ := v["_elements"].([]any)
			set := NewHashedSet()
			for _, element := range elements {
				decoded, err := self.decode(element)
				if err != nil {
					return nil, err
				}
				if err := set.Add(decoded); err != nil {
					return nil, err
				}
			}
			return set, nil
		case TypeHashedMap:
			entries, _ := v["_entries"].([]any)
			hashedMap := NewHashedMap()
			for _, rawEntry := range entries {
				entry, ok := rawEntry.([]any)
				if !ok || len(entry) != 2 {
					return nil, fmt.Errorf("%w: malformed map entry", ErrInvalidLiteral)
				}
				key, err := self.decode(entry[0])
				if err != nil {
					return nil, err
				}
				entryValue, err := self.decode(entry[1])
				if err != nil {
					return nil, err
				}
				if err := hashedMap.Put(key, entryValue); err != nil {
					return nil, err
				}
			}
			return hashedMap, nil
		default:
			return nil, fmt.Errorf("%w: unexpected _type %v", ErrInvalidLiteral, v["_type"])
		}
	default:
		return nil, fmt.Errorf("%w: unsupported literal value %T", ErrInvalidLiteral, value)
	}
}

// coerceField adapts a decoded value to the declared field type. Numbers go
// through a json round trip as float64 and come back to their declared kind
// here.
func coerceField(object HashedObject, fieldName string, decoded any) (reflect.Value, error) {
	field, ok := findLiteralField(reflect.ValueOf(object).Elem(), fieldName)
	if !ok {
		return reflect.Value{}, fmt.Errorf("%w: class %s has no field %s", ErrInvalidLiteral, object.ClassName(), fieldName)
	}
	return coerceValue(decoded, field.Type())
}

func coerceValue(decoded any, fieldType reflect.Type) (reflect.Value, error) {
	decodedValue := reflect.ValueOf(decoded)
	if decodedValue.Type().AssignableTo(fieldType) {
		return decodedValue, nil
	}
	switch fieldType.Kind() {
	case reflect.Int, reflect.Int32, reflect.Int64, reflect.Uint64, reflect.Float32, reflect.Float64:
		if decodedValue.CanConvert(fieldType) {
			return decodedValue.Convert(fieldType), nil
		}
	case reflect.String:
		if decodedValue.Kind() == reflect.String {
			return decodedValue.Convert(fieldType), nil
		}
	case reflect.Slice:
		if elements, ok := decoded.([]any); ok {
			slice := reflect.MakeSlice(fieldType, 0, len(elements))
			for _, element := range elements {
				elementValue, err := coerceValue(element, fieldType.Elem())
				if err != nil {
					return reflect.Value{}, err
				}
				slice = reflect.Append(slice, elementValue)
			}
			return slice, nil
		}
	case reflect.Interface:
		if decodedValue.Type().Implements(fieldType) {
			return decodedValue, nil
		}
	}
	return reflect.Value{}, fmt.Errorf("%w: cannot decode %T into %s", ErrInvalidLiteral, decoded, fieldType)
}

// Clone literalizes an object into a fresh context and reconstructs it from
// there. Signing intent and memoized signatures carry over per subobject.
func Clone(object HashedObject) (HashedObject, error) {
	context, hash, err := ToContext(object)
	if err != nil {
		return nil, err
	}
	cloneContext := &Context{
		RootHashes: []Hash{hash},
		Literals:   context.Literals,
		Objects:    map[Hash]HashedObject{},
		Resources:  object.base().resources,
	}
	clone, err := FromContext(cloneContext, hash)
	if err != nil {
		return nil, err
	}
	for subHash, original := range context.Objects {
		if cloned, ok := cloneContext.Objects[subHash]; ok && cloned != original {
			cloned.base().signOnSave = original.base().signOnSave
			cloned.base().lastSignature = original.base().lastSignature
		}
	}
	return clone, nil
}
