// Package graph implements the identity-preserving object serializer of the bus.
//
// Unlike a plain value codec (JSON, gob-style field copy), this serializer
// round-trips arbitrary object graphs: two fields pointing at the same object
// come back pointing at the same reconstructed object, and a graph that
// references itself comes back as an actual cycle, not an infinite expansion.
//
// Identity is carried by pointers to registered struct types — the nodes of
// the graph. The first encounter of a node emits its reference id, its type
// tag, and its fields; every later encounter emits only a back-reference
// token naming that id. Slices, maps, inline structs and primitives encode by
// value.
package graph

import (
	"fmt"
	"reflect"
)

// TypeRegistry is the tag table resolved at channel configuration time.
// Struct types get stable uint16 tags in registration order, so both peers
// must register the same types in the same order before exchanging messages.
// Tags, not type names, go on the wire — renaming a struct does not break
// the protocol, registering types in a different order does.
//
// A registry is written during setup and read-only afterwards; it is not
// safe to call Register concurrently with Serialize/Deserialize.
type TypeRegistry struct {
	tags  map[reflect.Type]uint16
	types []reflect.Type
}

// NewTypeRegistry creates an empty tag table.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		tags: make(map[reflect.Type]uint16),
	}
}

// Register assigns the next tag to the prototype's struct type and returns it.
// Accepts either a struct value or a pointer to one. Registering the same
// type twice returns the original tag.
func (r *TypeRegistry) Register(prototype any) (uint16, error) {
	t := reflect.TypeOf(prototype)
	if t == nil {
		return 0, fmt.Errorf("graph: cannot register nil prototype")
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return 0, fmt.Errorf("graph: prototype must be a struct or pointer to struct, got %s", t.Kind())
	}
	if tag, ok := r.tags[t]; ok {
		return tag, nil
	}
	tag := uint16(len(r.types))
	r.tags[t] = tag
	r.types = append(r.types, t)
	return tag, nil
}

// MustRegister is Register for setup code paths where a bad prototype is a
// programming error.
func (r *TypeRegistry) MustRegister(prototype any) uint16 {
	tag, err := r.Register(prototype)
	if err != nil {
		panic(err)
	}
	return tag
}

func (r *TypeRegistry) tagOf(t reflect.Type) (uint16, bool) {
	tag, ok := r.tags[t]
	return tag, ok
}

func (r *TypeRegistry) typeByTag(tag uint16) (reflect.Type, bool) {
	if int(tag) >= len(r.types) {
		return nil, false
	}
	return r.types[tag], true
}
