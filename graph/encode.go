package graph

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"reflect"
)

// Wire tag bytes. Every encoded value starts with one of these, so the
// payload is self-describing and a reader never has to guess a length.
const (
	wireNil    byte = 0x00
	wireFalse  byte = 0x01
	wireTrue   byte = 0x02
	wireInt    byte = 0x03 // int64, 8 bytes big-endian
	wireUint   byte = 0x04 // uint64, 8 bytes big-endian
	wireFloat  byte = 0x05 // float64 bits, 8 bytes big-endian
	wireString byte = 0x06 // uint32 len + bytes
	wireBytes  byte = 0x07 // uint32 len + bytes
	wireSlice  byte = 0x08 // uint32 len + elements
	wireMap    byte = 0x09 // uint32 len + key/value pairs
	wireStruct byte = 0x0A // inline struct: uint16 field count + fields
	wireObject byte = 0x0B // node first encounter: uint32 refID + uint16 typeTag + uint16 field count + fields
	wireRef    byte = 0x0C // back-reference: uint32 refID
)

var (
	// ErrUnregisteredType: a pointer to a struct type that was never
	// registered cannot be assigned a tag, so it cannot go on the wire.
	ErrUnregisteredType = errors.New("graph: unregistered struct type")

	// ErrUnsupportedType: the value contains a kind that has no wire
	// representation (chan, func, unsafe pointer).
	ErrUnsupportedType = errors.New("graph: unsupported type")
)

// Serializer converts values to and from the tagged wire encoding using one
// shared tag table. A Serializer is safe for concurrent use once its
// registry is fully populated; the per-call identity maps live on the stack
// of each call.
type Serializer struct {
	reg *TypeRegistry
}

// NewSerializer creates a serializer over the given tag table.
func NewSerializer(reg *TypeRegistry) *Serializer {
	return &Serializer{reg: reg}
}

// Registry returns the serializer's tag table.
func (s *Serializer) Registry() *TypeRegistry {
	return s.reg
}

// seenKey identifies one live object during a single Serialize call.
// The address alone is not enough: a struct and its first field share an
// address, so the type is part of the key.
type seenKey struct {
	ptr uintptr
	typ reflect.Type
}

type encoder struct {
	buf  bytes.Buffer
	reg  *TypeRegistry
	seen map[seenKey]uint32
	next uint32
}

// Serialize encodes v into a byte payload, assigning each distinct node a
// reference id the first time the depth-first walk reaches it and emitting
// back-references for every repeat. The walk therefore terminates on cyclic
// graphs: a node is fully encoded at most once.
func (s *Serializer) Serialize(v any) ([]byte, error) {
	e := &encoder{
		reg:  s.reg,
		seen: make(map[seenKey]uint32),
	}
	if v == nil {
		e.buf.WriteByte(wireNil)
		return e.buf.Bytes(), nil
	}
	// The root decodes into any on the far side, same constraint as a struct
	// value behind an interface.
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Struct {
		return nil, fmt.Errorf("%w: struct value %s at the root, use a pointer", ErrUnsupportedType, rv.Type())
	}
	if err := e.encodeValue(reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

func (e *encoder) encodeValue(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Ptr:
		return e.encodePtr(v)
	case reflect.Interface:
		if v.IsNil() {
			e.buf.WriteByte(wireNil)
			return nil
		}
		// An inline struct carries no type tag, so the receiver can only
		// decode it into a field statically typed as that struct. Through an
		// interface the receiver decodes into any, which cannot name the
		// concrete type. Fail here, on the sender, instead of poisoning the
		// peer's connection.
		if v.Elem().Kind() == reflect.Struct {
			return fmt.Errorf("%w: struct value %s behind an interface, use a pointer", ErrUnsupportedType, v.Elem().Type())
		}
		return e.encodeValue(v.Elem())
	case reflect.Bool:
		if v.Bool() {
			e.buf.WriteByte(wireTrue)
		} else {
			e.buf.WriteByte(wireFalse)
		}
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.buf.WriteByte(wireInt)
		e.writeUint64(uint64(v.Int()))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		e.buf.WriteByte(wireUint)
		e.writeUint64(v.Uint())
		return nil
	case reflect.Float32, reflect.Float64:
		e.buf.WriteByte(wireFloat)
		e.writeUint64(math.Float64bits(v.Float()))
		return nil
	case reflect.String:
		e.buf.WriteByte(wireString)
		e.writeUint32(uint32(v.Len()))
		e.buf.WriteString(v.String())
		return nil
	case reflect.Slice:
		if v.IsNil() {
			e.buf.WriteByte(wireNil)
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			e.buf.WriteByte(wireBytes)
			e.writeUint32(uint32(v.Len()))
			e.buf.Write(v.Bytes())
			return nil
		}
		return e.encodeList(v)
	case reflect.Array:
		return e.encodeList(v)
	case reflect.Map:
		if v.IsNil() {
			e.buf.WriteByte(wireNil)
			return nil
		}
		e.buf.WriteByte(wireMap)
		e.writeUint32(uint32(v.Len()))
		iter := v.MapRange()
		for iter.Next() {
			if err := e.encodeValue(iter.Key()); err != nil {
				return err
			}
			if err := e.encodeValue(iter.Value()); err != nil {
				return err
			}
		}
		return nil
	case reflect.Struct:
		e.buf.WriteByte(wireStruct)
		return e.encodeFields(v)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, v.Type())
	}
}

// encodePtr handles the graph nodes. A pointer to a registered struct type
// carries identity: the first encounter gets a fresh reference id and its
// fields are walked; repeats emit only a back-reference. The id is recorded
// in the seen map before the fields are walked, so a node that reaches
// itself encodes as a finite back-reference, not an infinite recursion.
func (e *encoder) encodePtr(v reflect.Value) error {
	if v.IsNil() {
		e.buf.WriteByte(wireNil)
		return nil
	}
	elem := v.Elem()
	if elem.Kind() != reflect.Struct {
		// Pointers to non-structs are dereferenced and encoded by value.
		return e.encodeValue(elem)
	}

	tag, ok := e.reg.tagOf(elem.Type())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnregisteredType, elem.Type())
	}

	key := seenKey{ptr: v.Pointer(), typ: elem.Type()}
	if id, ok := e.seen[key]; ok {
		e.buf.WriteByte(wireRef)
		e.writeUint32(id)
		return nil
	}

	id := e.next
	e.next++
	e.seen[key] = id

	e.buf.WriteByte(wireObject)
	e.writeUint32(id)
	e.writeUint16(tag)
	return e.encodeFields(elem)
}

// encodeFields writes the exported fields of a struct value in declaration
// order, prefixed by their count. Unexported fields are invisible to
// reflection-based reads and are skipped on both ends.
func (e *encoder) encodeFields(v reflect.Value) error {
	t := v.Type()
	var exported []int
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).IsExported() {
			exported = append(exported, i)
		}
	}
	e.writeUint16(uint16(len(exported)))
	for _, i := range exported {
		if err := e.encodeValue(v.Field(i)); err != nil {
			return err
		}
	}
	return nil
}

func (e *encoder) encodeList(v reflect.Value) error {
	e.buf.WriteByte(wireSlice)
	e.writeUint32(uint32(v.Len()))
	for i := 0; i < v.Len(); i++ {
		if err := e.encodeValue(v.Index(i)); err != nil {
			return err
		}
	}
	return nil
}

func (e *encoder) writeUint16(x uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], x)
	e.buf.Write(b[:])
}

func (e *encoder) writeUint32(x uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], x)
	e.buf.Write(b[:])
}

func (e *encoder) writeUint64(x uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], x)
	e.buf.Write(b[:])
}
