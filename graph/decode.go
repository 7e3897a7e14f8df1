package graph

import (
	"errors"
	"fmt"
	"math"
	"reflect"
)

var (
	// ErrUnknownTypeTag: the payload names a tag the local registry never
	// assigned. The peers' tag tables are out of sync.
	ErrUnknownTypeTag = errors.New("graph: unknown type tag")

	// ErrDanglingRef: a back-reference names an id no object was decoded
	// under. The payload is internally inconsistent.
	ErrDanglingRef = errors.New("graph: dangling reference id")

	// ErrTruncated: the payload ended inside a field.
	ErrTruncated = errors.New("graph: truncated payload")

	// ErrMalformed: the payload is structurally valid bytes but does not
	// fit the expected types (wrong wire tag for a field, field count
	// drift, trailing garbage).
	ErrMalformed = errors.New("graph: malformed payload")
)

var anyType = reflect.TypeOf((*any)(nil)).Elem()

type decoder struct {
	data []byte
	off  int
	reg  *TypeRegistry
	refs map[uint32]reflect.Value
}

// Deserialize reconstructs the value graph encoded in data. Each node is
// allocated and recorded under its reference id before its fields are
// decoded, so a back-reference — including one inside the fields of the node
// it names — resolves to the already-allocated object. That single rule is
// what turns an encoded cycle back into an actual cycle.
func (s *Serializer) Deserialize(data []byte) (any, error) {
	d := &decoder{
		data: data,
		reg:  s.reg,
		refs: make(map[uint32]reflect.Value),
	}
	v, err := d.decodeInto(anyType)
	if err != nil {
		return nil, err
	}
	if d.off != len(d.data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(d.data)-d.off)
	}
	if !v.IsValid() {
		return nil, nil
	}
	return v.Interface(), nil
}

// decodeInto decodes the next value and returns it as something assignable
// to t. Decoding is type-directed: the wire tags self-describe the payload,
// and t (a struct field's static type, or any at the root) says what the
// receiver expects — a mismatch between the two is a malformed payload.
func (d *decoder) decodeInto(t reflect.Type) (reflect.Value, error) {
	tag, err := d.readByte()
	if err != nil {
		return reflect.Value{}, err
	}

	// The encoder dereferences pointers to non-struct types and encodes the
	// pointee by value, so a *int field arrives as a plain int payload.
	// Decode into the pointee type and re-wrap. Nil, object and back-reference
	// tags address the pointer itself and take the normal path.
	if t.Kind() == reflect.Ptr {
		switch tag {
		case wireNil, wireObject, wireRef:
		default:
			ev, err := d.decodeTagged(tag, t.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			pv := reflect.New(t.Elem())
			if ev.IsValid() {
				pv.Elem().Set(ev)
			}
			return pv, nil
		}
	}
	return d.decodeTagged(tag, t)
}

func (d *decoder) decodeTagged(tag byte, t reflect.Type) (reflect.Value, error) {
	switch tag {
	case wireNil:
		return reflect.Zero(t), nil

	case wireFalse, wireTrue:
		return d.fitScalar(reflect.ValueOf(tag == wireTrue), t)

	case wireInt:
		x, err := d.readUint64()
		if err != nil {
			return reflect.Value{}, err
		}
		return d.fitScalar(reflect.ValueOf(int64(x)), t)

	case wireUint:
		x, err := d.readUint64()
		if err != nil {
			return reflect.Value{}, err
		}
		return d.fitScalar(reflect.ValueOf(x), t)

	case wireFloat:
		x, err := d.readUint64()
		if err != nil {
			return reflect.Value{}, err
		}
		return d.fitScalar(reflect.ValueOf(math.Float64frombits(x)), t)

	case wireString:
		n, err := d.readUint32()
		if err != nil {
			return reflect.Value{}, err
		}
		b, err := d.readBytes(int(n))
		if err != nil {
			return reflect.Value{}, err
		}
		return d.fitScalar(reflect.ValueOf(string(b)), t)

	case wireBytes:
		n, err := d.readUint32()
		if err != nil {
			return reflect.Value{}, err
		}
		b, err := d.readBytes(int(n))
		if err != nil {
			return reflect.Value{}, err
		}
		out := make([]byte, n)
		copy(out, b)
		return d.fitScalar(reflect.ValueOf(out), t)

	case wireSlice:
		return d.decodeList(t)

	case wireMap:
		return d.decodeMap(t)

	case wireStruct:
		if t.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("%w: inline struct where %s expected", ErrMalformed, t)
		}
		sv := reflect.New(t).Elem()
		if err := d.decodeFields(sv); err != nil {
			return reflect.Value{}, err
		}
		return sv, nil

	case wireObject:
		return d.decodeObject(t)

	case wireRef:
		id, err := d.readUint32()
		if err != nil {
			return reflect.Value{}, err
		}
		rv, ok := d.refs[id]
		if !ok {
			return reflect.Value{}, fmt.Errorf("%w: %d", ErrDanglingRef, id)
		}
		return d.fit(rv, t)

	default:
		return reflect.Value{}, fmt.Errorf("%w: unknown wire tag 0x%02x", ErrMalformed, tag)
	}
}

// decodeObject handles a node's first encounter: allocate, register the
// reference id, then populate fields. Registration must happen before the
// field walk — that is the whole cycle-reconstruction mechanism.
func (d *decoder) decodeObject(t reflect.Type) (reflect.Value, error) {
	id, err := d.readUint32()
	if err != nil {
		return reflect.Value{}, err
	}
	typeTag, err := d.readUint16()
	if err != nil {
		return reflect.Value{}, err
	}
	rt, ok := d.reg.typeByTag(typeTag)
	if !ok {
		return reflect.Value{}, fmt.Errorf("%w: %d", ErrUnknownTypeTag, typeTag)
	}

	pv := reflect.New(rt)
	d.refs[id] = pv

	if err := d.decodeFields(pv.Elem()); err != nil {
		return reflect.Value{}, err
	}
	return d.fit(pv, t)
}

// decodeFields populates the exported fields of sv in declaration order,
// mirroring encodeFields. A field-count mismatch means the two sides hold
// different versions of the struct and nothing after this point can be
// trusted.
func (d *decoder) decodeFields(sv reflect.Value) error {
	t := sv.Type()
	var exported []int
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).IsExported() {
			exported = append(exported, i)
		}
	}

	count, err := d.readUint16()
	if err != nil {
		return err
	}
	if int(count) != len(exported) {
		return fmt.Errorf("%w: %s has %d exported fields, payload carries %d",
			ErrMalformed, t, len(exported), count)
	}

	for _, i := range exported {
		fv, err := d.decodeInto(t.Field(i).Type)
		if err != nil {
			return err
		}
		if fv.IsValid() {
			sv.Field(i).Set(fv)
		}
	}
	return nil
}

func (d *decoder) decodeList(t reflect.Type) (reflect.Value, error) {
	n, err := d.readUint32()
	if err != nil {
		return reflect.Value{}, err
	}
	// Every element costs at least one tag byte, so a count beyond the
	// remaining payload is a lie. Checking before the allocation keeps a
	// hostile count from requesting gigabytes up front.
	if int(n) > len(d.data)-d.off {
		return reflect.Value{}, fmt.Errorf("%w: %d elements declared, %d bytes remain", ErrTruncated, n, len(d.data)-d.off)
	}

	switch t.Kind() {
	case reflect.Slice:
		sv := reflect.MakeSlice(t, int(n), int(n))
		for i := 0; i < int(n); i++ {
			ev, err := d.decodeInto(t.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			if ev.IsValid() {
				sv.Index(i).Set(ev)
			}
		}
		return sv, nil
	case reflect.Array:
		if int(n) != t.Len() {
			return reflect.Value{}, fmt.Errorf("%w: array length %d, payload carries %d", ErrMalformed, t.Len(), n)
		}
		av := reflect.New(t).Elem()
		for i := 0; i < int(n); i++ {
			ev, err := d.decodeInto(t.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			if ev.IsValid() {
				av.Index(i).Set(ev)
			}
		}
		return av, nil
	case reflect.Interface:
		sv := make([]any, int(n))
		for i := 0; i < int(n); i++ {
			ev, err := d.decodeInto(anyType)
			if err != nil {
				return reflect.Value{}, err
			}
			if ev.IsValid() {
				sv[i] = ev.Interface()
			}
		}
		return d.fit(reflect.ValueOf(sv), t)
	default:
		return reflect.Value{}, fmt.Errorf("%w: list where %s expected", ErrMalformed, t)
	}
}

func (d *decoder) decodeMap(t reflect.Type) (reflect.Value, error) {
	n, err := d.readUint32()
	if err != nil {
		return reflect.Value{}, err
	}
	// A pair costs at least two tag bytes.
	if int(n) > (len(d.data)-d.off)/2 {
		return reflect.Value{}, fmt.Errorf("%w: %d pairs declared, %d bytes remain", ErrTruncated, n, len(d.data)-d.off)
	}

	keyType, elemType := anyType, anyType
	if t.Kind() == reflect.Map {
		keyType, elemType = t.Key(), t.Elem()
	} else if t.Kind() != reflect.Interface {
		return reflect.Value{}, fmt.Errorf("%w: map where %s expected", ErrMalformed, t)
	}

	mt := t
	if t.Kind() == reflect.Interface {
		mt = reflect.MapOf(anyType, anyType)
	}
	mv := reflect.MakeMapWithSize(mt, int(n))
	for i := 0; i < int(n); i++ {
		kv, err := d.decodeInto(keyType)
		if err != nil {
			return reflect.Value{}, err
		}
		if !kv.Comparable() {
			return reflect.Value{}, fmt.Errorf("%w: non-comparable map key %s", ErrMalformed, kv.Type())
		}
		vv, err := d.decodeInto(elemType)
		if err != nil {
			return reflect.Value{}, err
		}
		mv.SetMapIndex(kv, vv)
	}
	return d.fit(mv, t)
}

// fit returns v as something assignable to t, or a malformed-payload error.
func (d *decoder) fit(v reflect.Value, t reflect.Type) (reflect.Value, error) {
	if v.Type().AssignableTo(t) {
		return v, nil
	}
	return reflect.Value{}, fmt.Errorf("%w: %s where %s expected", ErrMalformed, v.Type(), t)
}

// fitScalar is fit plus conversion for named primitive types — an enum field
// declared as `type Kind int` decodes from its wire ordinal back to Kind,
// a `type Flag bool` from its wire bool.
func (d *decoder) fitScalar(v reflect.Value, t reflect.Type) (reflect.Value, error) {
	if v.Type().AssignableTo(t) {
		return v, nil
	}
	if v.Type().ConvertibleTo(t) && t.Kind() != reflect.Interface && sameScalarFamily(v.Kind(), t.Kind()) {
		return v.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("%w: %s where %s expected", ErrMalformed, v.Type(), t)
}

func sameScalarFamily(a, b reflect.Kind) bool {
	return family(a) != 0 && family(a) == family(b)
}

func family(k reflect.Kind) int {
	switch k {
	case reflect.Bool:
		return 1
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return 2
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return 3
	case reflect.Float32, reflect.Float64:
		return 4
	case reflect.String:
		return 5
	case reflect.Slice:
		return 6 // named []byte types
	}
	return 0
}

func (d *decoder) readByte() (byte, error) {
	if d.off >= len(d.data) {
		return 0, ErrTruncated
	}
	b := d.data[d.off]
	d.off++
	return b, nil
}

func (d *decoder) readUint16() (uint16, error) {
	b, err := d.readBytes(2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

func (d *decoder) readUint32() (uint32, error) {
	b, err := d.readBytes(4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func (d *decoder) readUint64() (uint64, error) {
	b, err := d.readBytes(8)
	if err != nil {
		return 0, err
	}
	var x uint64
	for _, c := range b {
		x = x<<8 | uint64(c)
	}
	return x, nil
}

func (d *decoder) readBytes(n int) ([]byte, error) {
	if n < 0 || d.off+n > len(d.data) {
		return nil, ErrTruncated
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}
