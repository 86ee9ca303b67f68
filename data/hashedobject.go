package data

import (
	"fmt"
	"reflect"
	"sync"
	"unicode"

	"golang.org/x/exp/slices"
)

// HashedObject is an object whose identity is the hash of its canonical
// literal. Concrete classes embed HashedObjectBase and implement ClassName.
type HashedObject interface {
	ClassName() string

	// called after construction during deliteralization
	Init()

	// class-specific invariants, checked on validated loads. references holds
	// every object reconstructed in the same context, keyed by hash.
	Validate(references map[Hash]HashedObject) bool

	// provided by HashedObjectBase
	Id() string
	HasId() bool
	Author() *Identity
	SetAuthor(author *Identity)
	ShouldSignOnSave() bool
	SetSignOnSave(signOnSave bool)
	LastHash() Hash
	SetLastHash(hash Hash)
	LastSignature() string
	SetLastSignature(signature string)
	Resources() *Resources
	DerivedFieldNames() []string

	base() *HashedObjectBase
}

// CustomHasher overrides the default content hash. The seed variant is used
// for signed non-storable challenges.
type CustomHasher interface {
	CustomHash(seed string) (Hash, error)
}

// LiteralFlagger marks a class's literals, e.g. "mutable" or "op".
type LiteralFlagger interface {
	LiteralFlags() []string
}

type HashedObjectBase struct {
	id            string
	author        *Identity
	signOnSave    bool
	lastHash      Hash
	lastSignature string
	derivedFields []string
	resources     *Resources
	relay         *EventRelay
}

func (self *HashedObjectBase) base() *HashedObjectBase {
	return self
}

func (self *HashedObjectBase) Init() {
}

func (self *HashedObjectBase) Validate(references map[Hash]HashedObject) bool {
	return true
}

func (self *HashedObjectBase) Id() string {
	return self.id
}

func (self *HashedObjectBase) HasId() bool {
	return self.id != ""
}

func (self *HashedObjectBase) Author() *Identity {
	return self.author
}

func (self *HashedObjectBase) SetAuthor(author *Identity) {
	self.author = author
	if author != nil {
		self.signOnSave = true
	}
}

func (self *HashedObjectBase) ShouldSignOnSave() bool {
	return self.author != nil && self.signOnSave
}

func (self *HashedObjectBase) SetSignOnSave(signOnSave bool) {
	self.signOnSave = signOnSave
}

func (self *HashedObjectBase) LastHash() Hash {
	return self.lastHash
}

func (self *HashedObjectBase) SetLastHash(hash Hash) {
	self.lastHash = hash
}

func (self *HashedObjectBase) LastSignature() string {
	return self.lastSignature
}

func (self *HashedObjectBase) SetLastSignature(signature string) {
	self.lastSignature = signature
}

func (self *HashedObjectBase) Resources() *Resources {
	return self.resources
}

func (self *HashedObjectBase) DerivedFieldNames() []string {
	return slices.Clone(self.derivedFields)
}

// SetId sets an object's id and cascades derived ids into every registered
// derived field, recursively.
func SetId(object HashedObject, id string) error {
	base := object.base()
	base.id = id
	base.lastHash = ""
	for _, fieldName := range base.derivedFields {
		child, ok := fieldObject(object, fieldName)
		if !ok {
			continue
		}
		childId, err := DerivedId(id, fieldName)
		if err != nil {
			return err
		}
		if err := SetId(child, childId); err != nil {
			return err
		}
	}
	return nil
}

func SetRandomId(object HashedObject) error {
	return SetId(object, RandomId())
}

// AddDerivedField registers a field whose child object's id is derived from
// this object's id. If the object already has an id the child id is set
// immediately.
func AddDerivedField(object HashedObject, fieldName string) error {
	base := object.base()
	if !slices.Contains(base.derivedFields, fieldName) {
		base.derivedFields = append(base.derivedFields, fieldName)
	}
	if base.id == "" {
		return nil
	}
	child, ok := fieldObject(object, fieldName)
	if !ok {
		return nil
	}
	childId, err := DerivedId(base.id, fieldName)
	if err != nil {
		return err
	}
	return SetId(child, childId)
}

func CheckDerivedField(object HashedObject, fieldName string) bool {
	base := object.base()
	if base.id == "" || !slices.Contains(base.derivedFields, fieldName) {
		return false
	}
	child, ok := fieldObject(object, fieldName)
	if !ok {
		return false
	}
	childId, err := DerivedId(base.id, fieldName)
	if err != nil {
		return false
	}
	return child.base().id == childId
}

// SetResources attaches a resources descriptor and propagates it to direct
// subobjects.
func SetResources(object HashedObject, resources *Resources) {
	object.base().resources = resources
	for _, child := range directSubobjects(object) {
		SetResources(child, resources)
	}
}

// HashObject literalizes into a throwaway context and returns the root hash.
func HashObject(object HashedObject) (Hash, error) {
	context := NewContext()
	return LiteralizeInContext(object, context)
}

func RequireHashObject(object HashedObject) Hash {
	hash, err := HashObject(object)
	if err != nil {
		panic(err)
	}
	return hash
}

// class registry

var classRegistryLock sync.Mutex
var classRegistry = map[string]func() HashedObject{}

func RegisterClass(className string, create func() HashedObject) {
	classRegistryLock.Lock()
	defer classRegistryLock.Unlock()

	classRegistry[className] = create
}

func NewObjectOfClass(className string) (HashedObject, error) {
	classRegistryLock.Lock()
	defer classRegistryLock.Unlock()

	create, ok := classRegistry[className]
	if !ok {
		return nil, &UnknownClassError{Name: className}
	}
	return create(), nil
}

// reflection helpers

// literalFieldName maps a struct field to its literal field name: the tag
// override if present, else the field name in lowerCamelCase. The second
// result is false for fields excluded from literalization.
func literalFieldName(field reflect.StructField) (string, bool) {
	if !field.IsExported() {
		return "", false
	}
	if tag, ok := field.Tag.Lookup("weave"); ok {
		if tag == "-" {
			return "", false
		}
		return tag, true
	}
	name := []rune(field.Name)
	name[0] = unicode.ToLower(name[0])
	return string(name), true
}

// walkLiteralFields visits the literalizable fields of an object, flattening
// embedded bases (MutationOpBase and friends carry exported fields of their
// own).
func walkLiteralFields(object HashedObject, visit func(name string, value reflect.Value) error) error {
	return walkStructFields(reflect.ValueOf(object).Elem(), visit)
}

func walkStructFields(structValue reflect.Value, visit func(name string, value reflect.Value) error) error {
	structType := structValue.Type()
	for i := 0; i < structType.NumField(); i += 1 {
		field := structType.Field(i)
		if field.Anonymous {
			embedded := structValue.Field(i)
			if embedded.Kind() == reflect.Struct {
				if err := walkStructFields(embedded, visit); err != nil {
					return err
				}
			}
			continue
		}
		name, ok := literalFieldName(field)
		if !ok {
			continue
		}
		if err := visit(name, structValue.Field(i)); err != nil {
			return err
		}
	}
	return nil
}

// findLiteralField resolves a literal field name to the (possibly embedded)
// struct field holding it.
func findLiteralField(structValue reflect.Value, fieldName string) (reflect.Value, bool) {
	structType := structValue.Type()
	for i := 0; i < structType.NumField(); i += 1 {
		field := structType.Field(i)
		if field.Anonymous {
			embedded := structValue.Field(i)
			if embedded.Kind() == reflect.Struct {
				if found, ok := findLiteralField(embedded, fieldName); ok {
					return found, true
				}
			}
			continue
		}
		name, ok := literalFieldName(field)
		if ok && name == fieldName {
			return structValue.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func fieldObject(object HashedObject, fieldName string) (HashedObject, bool) {
	var found HashedObject
	walkLiteralFields(object, func(name string, value reflect.Value) error {
		if name != fieldName {
			return nil
		}
		if value.Kind() == reflect.Interface || value.Kind() == reflect.Pointer {
			if !value.IsNil() {
				if child, ok := value.Interface().(HashedObject); ok {
					found = child
				}
			}
		}
		return nil
	})
	return found, found != nil
}

func directSubobjects(object HashedObject) []HashedObject {
	children := []HashedObject{}
	walkLiteralFields(object, func(name string, value reflect.Value) error {
		if value.Kind() == reflect.Interface || value.Kind() == reflect.Pointer {
			if !value.IsNil() {
				if child, ok := value.Interface().(HashedObject); ok {
					children = append(children, child)
				}
			}
		}
		return nil
	})
	if author := object.base().author; author != nil {
		children = append(children, author)
	}
	return children
}

func setFieldByLiteralName(object HashedObject, fieldName string, value reflect.Value) error {
	field, ok := findLiteralField(reflect.ValueOf(object).Elem(), fieldName)
	if !ok {
		return fmt.Errorf("%w: class %s has no field %s", ErrInvalidLiteral, object.ClassName(), fieldName)
	}
	if !value.Type().AssignableTo(field.Type()) {
		return fmt.Errorf("%w: field %s of %s expects %s, literal holds %s",
			ErrInvalidLiteral, fieldName, object.ClassName(), field.Type(), value.Type())
	}
	field.Set(value)
	return nil
}
