// Package value implements the structured values carried as application state,
// actions and outcomes. Values are plain data; their ABI shape is supplied
// separately as a descriptor string such as
//
//	tuple(address[2] players, uint256 turnNum, uint256 winner, uint256[3][3] board)
//
// and encoding is driven by that descriptor.
package value

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindUint
	KindInt
	KindBool
	KindAddress
	KindBytes
	KindFixedBytes
	KindString
	KindArray
	KindTuple
)

var kindNames = map[Kind]string{
	KindNull:       "null",
	KindUint:       "uint",
	KindInt:        "int",
	KindBool:       "bool",
	KindAddress:    "address",
	KindBytes:      "bytes",
	KindFixedBytes: "fixedBytes",
	KindString:     "string",
	KindArray:      "array",
	KindTuple:      "tuple",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Field is a named member of a tuple.
type Field struct {
	Name  string
	Value Value
}

// Value is an immutable tagged value. The zero Value is null.
type Value struct {
	kind   Kind
	num    *big.Int
	flag   bool
	addr   common.Address
	raw    []byte
	str    string
	elems  []Value
	fields []Field
}

// Null returns the null value.
func Null() Value { return Value{} }

// Uint wraps a non-negative integer.
func Uint(v *big.Int) Value {
	return Value{kind: KindUint, num: cloneInt(v)}
}

// Uint64 wraps a small unsigned integer.
func Uint64(v uint64) Value {
	return Value{kind: KindUint, num: new(big.Int).SetUint64(v)}
}

// Int wraps a signed integer.
func Int(v *big.Int) Value {
	return Value{kind: KindInt, num: cloneInt(v)}
}

// Bool wraps a boolean.
func Bool(v bool) Value { return Value{kind: KindBool, flag: v} }

// Address wraps an address.
func Address(v common.Address) Value { return Value{kind: KindAddress, addr: v} }

// Bytes wraps a dynamic byte string.
func Bytes(v []byte) Value {
	return Value{kind: KindBytes, raw: append([]byte{}, v...)}
}

// FixedBytes wraps a bytesN value.
func FixedBytes(v []byte) Value {
	return Value{kind: KindFixedBytes, raw: append([]byte{}, v...)}
}

// Hash wraps a bytes32 value.
func Hash(h common.Hash) Value { return FixedBytes(h.Bytes()) }

// String wraps a string.
func String(v string) Value { return Value{kind: KindString, str: v} }

// Array builds a fixed or dynamic array value.
func Array(elems ...Value) Value {
	return Value{kind: KindArray, elems: append([]Value{}, elems...)}
}

// Tuple builds a tuple from named fields in declaration order.
func Tuple(fields ...Field) Value {
	return Value{kind: KindTuple, fields: append([]Field{}, fields...)}
}

// F is shorthand for building a tuple field.
func F(name string, v Value) Field { return Field{Name: name, Value: v} }

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v carries no value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// BigInt returns a copy of the integer held by v, or nil for non-integers.
func (v Value) BigInt() *big.Int {
	if v.kind != KindUint && v.kind != KindInt {
		return nil
	}
	return cloneInt(v.num)
}

// Uint64 returns the integer truncated to 64 bits.
func (v Value) Uint64() uint64 {
	if v.num == nil {
		return 0
	}
	return v.num.Uint64()
}

// Bool returns the boolean held by v.
func (v Value) Bool() bool { return v.flag }

// Address returns the address held by v.
func (v Value) Address() common.Address { return v.addr }

// Bytes returns a copy of the byte payload of bytes and bytesN values.
func (v Value) Bytes() []byte { return append([]byte{}, v.raw...) }

// Str returns the string payload.
func (v Value) Str() string { return v.str }

// Len returns the number of array elements or tuple fields.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.elems)
	case KindTuple:
		return len(v.fields)
	}
	return 0
}

// Index returns the i-th array element or tuple field value.
func (v Value) Index(i int) Value {
	switch v.kind {
	case KindArray:
		if i >= 0 && i < len(v.elems) {
			return v.elems[i]
		}
	case KindTuple:
		if i >= 0 && i < len(v.fields) {
			return v.fields[i].Value
		}
	}
	return Null()
}

// Elems returns a copy of the array elements.
func (v Value) Elems() []Value { return append([]Value{}, v.elems...) }

// Fields returns a copy of the tuple fields.
func (v Value) Fields() []Field { return append([]Field{}, v.fields...) }

// Field looks a tuple member up by name.
func (v Value) Field(name string) (Value, bool) {
	for _, f := range v.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Null(), false
}

// WithField returns a copy of the tuple with the named member replaced.
func (v Value) WithField(name string, nv Value) Value {
	fields := v.Fields()
	for i := range fields {
		if fields[i].Name == name {
			fields[i].Value = nv
			return Tuple(fields...)
		}
	}
	return Tuple(append(fields, F(name, nv))...)
}

// WithIndex returns a copy of the array with element i replaced.
func (v Value) WithIndex(i int, nv Value) Value {
	elems := v.Elems()
	if i >= 0 && i < len(elems) {
		elems[i] = nv
	}
	return Array(elems...)
}

// Equal reports deep equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindUint, KindInt:
		return cloneInt(v.num).Cmp(cloneInt(o.num)) == 0
	case KindBool:
		return v.flag == o.flag
	case KindAddress:
		return v.addr == o.addr
	case KindBytes, KindFixedBytes:
		return bytes.Equal(v.raw, o.raw)
	case KindString:
		return v.str == o.str
	case KindArray:
		if len(v.elems) != len(o.elems) {
			return false
		}
		for i := range v.elems {
			if !v.elems[i].Equal(o.elems[i]) {
				return false
			}
		}
		return true
	case KindTuple:
		if len(v.fields) != len(o.fields) {
			return false
		}
		for i := range v.fields {
			if v.fields[i].Name != o.fields[i].Name || !v.fields[i].Value.Equal(o.fields[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}
