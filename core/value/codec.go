package value

import (
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrBadDescriptor = errors.New("value: malformed abi descriptor")
	ErrTypeMismatch  = errors.New("value: value does not match abi type")
)

var typeCache sync.Map // descriptor -> abi.Type

// ParseType converts a human readable descriptor into an abi.Type. Tuple
// members must be named.
func ParseType(descriptor string) (abi.Type, error) {
	desc := strings.TrimSpace(descriptor)
	if cached, ok := typeCache.Load(desc); ok {
		return cached.(abi.Type), nil
	}
	arg, err := parseTypeExpr(desc)
	if err != nil {
		return abi.Type{}, err
	}
	t, err := abi.NewType(arg.Type, "", arg.Components)
	if err != nil {
		return abi.Type{}, fmt.Errorf("%w: %q: %v", ErrBadDescriptor, desc, err)
	}
	typeCache.Store(desc, t)
	return t, nil
}

// parseTypeExpr parses a type expression without a trailing member name.
func parseTypeExpr(expr string) (abi.ArgumentMarshaling, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return abi.ArgumentMarshaling{}, fmt.Errorf("%w: empty type", ErrBadDescriptor)
	}
	if !strings.HasPrefix(expr, "tuple(") {
		if strings.ContainsAny(expr, " (),") {
			return abi.ArgumentMarshaling{}, fmt.Errorf("%w: %q", ErrBadDescriptor, expr)
		}
		return abi.ArgumentMarshaling{Type: expr}, nil
	}
	closing, err := matchParen(expr, len("tuple"))
	if err != nil {
		return abi.ArgumentMarshaling{}, err
	}
	suffix := strings.TrimSpace(expr[closing+1:])
	if strings.ContainsAny(suffix, " (),") {
		return abi.ArgumentMarshaling{}, fmt.Errorf("%w: unexpected %q after tuple", ErrBadDescriptor, suffix)
	}
	members := splitTopLevel(expr[len("tuple(") : closing])
	components := make([]abi.ArgumentMarshaling, 0, len(members))
	for _, member := range members {
		comp, err := parseMember(member)
		if err != nil {
			return abi.ArgumentMarshaling{}, err
		}
		components = append(components, comp)
	}
	return abi.ArgumentMarshaling{Type: "tuple" + suffix, Components: components}, nil
}

// parseMember parses "type name".
func parseMember(member string) (abi.ArgumentMarshaling, error) {
	member = strings.TrimSpace(member)
	var typeExpr, name string
	if strings.HasPrefix(member, "tuple(") {
		closing, err := matchParen(member, len("tuple"))
		if err != nil {
			return abi.ArgumentMarshaling{}, err
		}
		rest := member[closing+1:]
		cut := strings.IndexByte(rest, ' ')
		if cut < 0 {
			return abi.ArgumentMarshaling{}, fmt.Errorf("%w: unnamed member %q", ErrBadDescriptor, member)
		}
		typeExpr = member[:closing+1+cut]
		name = rest[cut:]
	} else {
		cut := strings.LastIndexByte(member, ' ')
		if cut < 0 {
			return abi.ArgumentMarshaling{}, fmt.Errorf("%w: unnamed member %q", ErrBadDescriptor, member)
		}
		typeExpr, name = member[:cut], member[cut:]
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return abi.ArgumentMarshaling{}, fmt.Errorf("%w: unnamed member %q", ErrBadDescriptor, member)
	}
	arg, err := parseTypeExpr(typeExpr)
	if err != nil {
		return abi.ArgumentMarshaling{}, err
	}
	arg.Name = name
	return arg, nil
}

func matchParen(s string, open int) (int, error) {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: unbalanced parentheses in %q", ErrBadDescriptor, s)
}

func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	if tail := strings.TrimSpace(s[start:]); tail != "" || len(parts) > 0 {
		parts = append(parts, s[start:])
	}
	return parts
}

// Encode ABI-encodes v according to descriptor.
func Encode(descriptor string, v Value) ([]byte, error) {
	t, err := ParseType(descriptor)
	if err != nil {
		return nil, err
	}
	return EncodeType(t, v)
}

// EncodeType ABI-encodes v as a single argument of type t.
func EncodeType(t abi.Type, v Value) ([]byte, error) {
	rv, err := toGo(t, v)
	if err != nil {
		return nil, err
	}
	return abi.Arguments{{Type: t}}.Pack(rv.Interface())
}

// Decode parses ABI-encoded data according to descriptor.
func Decode(descriptor string, data []byte) (Value, error) {
	t, err := ParseType(descriptor)
	if err != nil {
		return Null(), err
	}
	return DecodeType(t, data)
}

// DecodeType parses ABI-encoded data as a single argument of type t.
func DecodeType(t abi.Type, data []byte) (Value, error) {
	out, err := abi.Arguments{{Type: t}}.Unpack(data)
	if err != nil {
		return Null(), fmt.Errorf("value: decode %s: %w", t.String(), err)
	}
	if len(out) != 1 {
		return Null(), fmt.Errorf("value: decode %s: expected one value, got %d", t.String(), len(out))
	}
	return fromGo(t, reflect.ValueOf(out[0]))
}

func mismatch(t abi.Type, v Value) error {
	return fmt.Errorf("%w: %s cannot hold %s", ErrTypeMismatch, t.String(), v.kind)
}

func toGo(t abi.Type, v Value) (reflect.Value, error) {
	typ := t.GetType()
	switch t.T {
	case abi.UintTy, abi.IntTy:
		if v.kind != KindUint && v.kind != KindInt {
			return reflect.Value{}, mismatch(t, v)
		}
		n := cloneInt(v.num)
		if t.T == abi.UintTy && (n.Sign() < 0 || n.BitLen() > t.Size) {
			return reflect.Value{}, fmt.Errorf("%w: %s out of range for %s", ErrTypeMismatch, n, t.String())
		}
		if typ.Kind() == reflect.Ptr {
			return reflect.ValueOf(n), nil
		}
		rv := reflect.New(typ).Elem()
		if t.T == abi.UintTy {
			rv.SetUint(n.Uint64())
		} else {
			rv.SetInt(n.Int64())
		}
		return rv, nil
	case abi.BoolTy:
		if v.kind != KindBool {
			return reflect.Value{}, mismatch(t, v)
		}
		return reflect.ValueOf(v.flag), nil
	case abi.AddressTy:
		if v.kind != KindAddress {
			return reflect.Value{}, mismatch(t, v)
		}
		return reflect.ValueOf(v.addr), nil
	case abi.StringTy:
		if v.kind != KindString {
			return reflect.Value{}, mismatch(t, v)
		}
		return reflect.ValueOf(v.str), nil
	case abi.BytesTy:
		if v.kind != KindBytes && v.kind != KindFixedBytes {
			return reflect.Value{}, mismatch(t, v)
		}
		return reflect.ValueOf(append([]byte{}, v.raw...)), nil
	case abi.FixedBytesTy:
		if (v.kind != KindFixedBytes && v.kind != KindBytes) || len(v.raw) > t.Size {
			return reflect.Value{}, mismatch(t, v)
		}
		rv := reflect.New(typ).Elem()
		for i, b := range v.raw {
			rv.Index(i).SetUint(uint64(b))
		}
		return rv, nil
	case abi.SliceTy:
		if v.kind != KindArray {
			return reflect.Value{}, mismatch(t, v)
		}
		rv := reflect.MakeSlice(typ, len(v.elems), len(v.elems))
		for i, elem := range v.elems {
			ev, err := toGo(*t.Elem, elem)
			if err != nil {
				return reflect.Value{}, err
			}
			rv.Index(i).Set(ev)
		}
		return rv, nil
	case abi.ArrayTy:
		if v.kind != KindArray || len(v.elems) != t.Size {
			return reflect.Value{}, mismatch(t, v)
		}
		rv := reflect.New(typ).Elem()
		for i, elem := range v.elems {
			ev, err := toGo(*t.Elem, elem)
			if err != nil {
				return reflect.Value{}, err
			}
			rv.Index(i).Set(ev)
		}
		return rv, nil
	case abi.TupleTy:
		if v.kind != KindTuple {
			return reflect.Value{}, mismatch(t, v)
		}
		rv := reflect.New(typ).Elem()
		for i, elemType := range t.TupleElems {
			name := t.TupleRawNames[i]
			fv, ok := v.Field(name)
			if !ok {
				return reflect.Value{}, fmt.Errorf("%w: missing tuple member %q", ErrTypeMismatch, name)
			}
			ev, err := toGo(*elemType, fv)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("%s: %w", name, err)
			}
			rv.Field(i).Set(ev)
		}
		return rv, nil
	}
	return reflect.Value{}, fmt.Errorf("%w: unsupported abi type %s", ErrBadDescriptor, t.String())
}

func fromGo(t abi.Type, rv reflect.Value) (Value, error) {
	switch t.T {
	case abi.UintTy, abi.IntTy:
		var n *big.Int
		switch rv.Kind() {
		case reflect.Ptr:
			bi, ok := rv.Interface().(*big.Int)
			if !ok {
				return Null(), fmt.Errorf("%w: %s decoded as %s", ErrTypeMismatch, t.String(), rv.Type())
			}
			n = bi
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			n = new(big.Int).SetUint64(rv.Uint())
		case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n = big.NewInt(rv.Int())
		default:
			return Null(), fmt.Errorf("%w: %s decoded as %s", ErrTypeMismatch, t.String(), rv.Type())
		}
		if t.T == abi.UintTy {
			return Uint(n), nil
		}
		return Int(n), nil
	case abi.BoolTy:
		return Bool(rv.Bool()), nil
	case abi.AddressTy:
		addr, ok := rv.Interface().(common.Address)
		if !ok {
			return Null(), fmt.Errorf("%w: %s decoded as %s", ErrTypeMismatch, t.String(), rv.Type())
		}
		return Address(addr), nil
	case abi.StringTy:
		return String(rv.String()), nil
	case abi.BytesTy:
		return Bytes(rv.Bytes()), nil
	case abi.FixedBytesTy:
		raw := make([]byte, rv.Len())
		for i := range raw {
			raw[i] = byte(rv.Index(i).Uint())
		}
		return FixedBytes(raw), nil
	case abi.SliceTy, abi.ArrayTy:
		elems := make([]Value, rv.Len())
		for i := range elems {
			ev, err := fromGo(*t.Elem, rv.Index(i))
			if err != nil {
				return Null(), err
			}
			elems[i] = ev
		}
		return Array(elems...), nil
	case abi.TupleTy:
		fields := make([]Field, len(t.TupleElems))
		for i, elemType := range t.TupleElems {
			fv, err := fromGo(*elemType, rv.Field(i))
			if err != nil {
				return Null(), err
			}
			fields[i] = F(t.TupleRawNames[i], fv)
		}
		return Tuple(fields...), nil
	}
	return Null(), fmt.Errorf("%w: unsupported abi type %s", ErrBadDescriptor, t.String())
}
