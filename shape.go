package namedsql

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// Property is a named, addressable member of a struct shape.
type Property struct {
	Name  string
	Type  reflect.Type
	Index []int
}

// Get returns the property of root, a struct value. It reports false when
// the path crosses a nil embedded pointer.
func (p Property) Get(root reflect.Value) (reflect.Value, bool) {
	v := root

	for i, x := range p.Index {
		if i > 0 && v.Kind() == reflect.Pointer {
			if v.IsNil() {
				return reflect.Value{}, false
			}

			v = v.Elem()
		}

		v = v.Field(x)
	}

	return v, true
}

// Field returns the property of root for assignment, allocating nil embedded
// pointers on the way. root must be addressable.
func (p Property) Field(root reflect.Value) reflect.Value {
	v := root

	for i, x := range p.Index {
		if i > 0 && v.Kind() == reflect.Pointer {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}

			v = v.Elem()
		}

		v = v.Field(x)
	}

	return v
}

// Shape is the set of named properties of a payload or target type.
type Shape interface {
	Type() reflect.Type
	Properties() []Property
	Lookup(name string) (Property, bool)
}

type structShape struct {
	typ     reflect.Type
	props   []Property
	byName  map[string]int
	byLower map[string]int
}

func (s *structShape) Type() reflect.Type {
	return s.typ
}

func (s *structShape) Properties() []Property {
	return s.props
}

// Lookup matches name exactly first, then case-insensitively.
func (s *structShape) Lookup(name string) (Property, bool) {
	if i, ok := s.byName[name]; ok {
		return s.props[i], true
	}

	if i, ok := s.byLower[strings.ToLower(name)]; ok {
		return s.props[i], true
	}

	return Property{}, false
}

var shapes sync.Map // reflect.Type -> *structShape

// ShapeOf returns the shape of a struct type or pointer to struct type.
// Shapes are cached per type.
func ShapeOf(t reflect.Type) (Shape, error) {
	t = derefType(t)

	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPayload, t)
	}

	if s, ok := shapes.Load(t); ok {
		return s.(*structShape), nil
	}

	s, _ := shapes.LoadOrStore(t, buildStructShape(t))

	return s.(*structShape), nil
}

func buildStructShape(rt reflect.Type) *structShape {
	s := &structShape{
		typ:     rt,
		byName:  map[string]int{},
		byLower: map[string]int{},
	}

	var walk func(t reflect.Type, base []int, forceInline bool)

	walk = func(t reflect.Type, base []int, forceInline bool) {
		t = derefType(t)
		if t.Kind() != reflect.Struct {
			return
		}

		for i := range t.NumField() {
			sf := t.Field(i)
			if sf.PkgPath != "" && !sf.Anonymous {
				continue
			}

			tag := sf.Tag.Get("db")

			name, inline, omit := parseTag(tag)
			if omit {
				continue
			}

			path := append(append([]int(nil), base...), i)

			if inline || (sf.Anonymous && (forceInline || tag == "")) {
				if derefType(sf.Type).Kind() == reflect.Struct {
					walk(sf.Type, path, inline)

					continue
				}
			}

			if sf.PkgPath != "" {
				continue
			}

			if name == "" {
				name = sf.Name
			}

			if _, ok := s.byName[name]; ok {
				continue
			}

			s.byName[name] = len(s.props)

			if _, ok := s.byLower[strings.ToLower(name)]; !ok {
				s.byLower[strings.ToLower(name)] = len(s.props)
			}

			s.props = append(s.props, Property{Name: name, Type: sf.Type, Index: path})
		}
	}

	walk(rt, nil, false)

	return s
}

func parseTag(tag string) (name string, inline bool, omit bool) {
	if tag == "-" {
		return "", false, true
	}

	for i, part := range strings.Split(tag, ",") {
		switch {
		case part == "inline":
			inline = true
		case i == 0:
			name = part
		}
	}

	return name, inline, false
}

func derefType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	return t
}

func isStringMap(t reflect.Type) bool {
	return t.Kind() == reflect.Map && t.Key().Kind() == reflect.String
}
