package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type jsonField struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

type jsonValue struct {
	Kind   string          `json:"kind"`
	Value  json.RawMessage `json:"value,omitempty"`
	Elems  []Value         `json:"elems,omitempty"`
	Fields []jsonField     `json:"fields,omitempty"`
}

var kindsByName = func() map[string]Kind {
	out := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		out[name] = k
	}
	return out
}()

// MarshalJSON renders the value with an explicit kind tag so that decoding
// does not need the ABI descriptor.
func (v Value) MarshalJSON() ([]byte, error) {
	out := jsonValue{Kind: v.kind.String()}
	var payload interface{}
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindUint, KindInt:
		payload = cloneInt(v.num).String()
	case KindBool:
		payload = v.flag
	case KindAddress:
		payload = v.addr
	case KindBytes, KindFixedBytes:
		payload = hexutil.Bytes(v.raw)
	case KindString:
		payload = v.str
	case KindArray:
		out.Elems = v.elems
		if out.Elems == nil {
			out.Elems = []Value{}
		}
	case KindTuple:
		out.Fields = make([]jsonField, len(v.fields))
		for i, f := range v.fields {
			out.Fields[i] = jsonField{Name: f.Name, Value: f.Value}
		}
	default:
		return nil, fmt.Errorf("value: cannot marshal kind %d", v.kind)
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		out.Value = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = Null()
		return nil
	}
	var in jsonValue
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	kind, ok := kindsByName[in.Kind]
	if !ok {
		return fmt.Errorf("value: unknown kind %q", in.Kind)
	}
	switch kind {
	case KindUint, KindInt:
		var text string
		if err := json.Unmarshal(in.Value, &text); err != nil {
			return fmt.Errorf("value: integer: %w", err)
		}
		n, ok := new(big.Int).SetString(text, 10)
		if !ok {
			return fmt.Errorf("value: invalid integer %q", text)
		}
		if kind == KindUint {
			*v = Uint(n)
		} else {
			*v = Int(n)
		}
	case KindBool:
		var flag bool
		if err := json.Unmarshal(in.Value, &flag); err != nil {
			return err
		}
		*v = Bool(flag)
	case KindAddress:
		var addr common.Address
		if err := json.Unmarshal(in.Value, &addr); err != nil {
			return err
		}
		*v = Address(addr)
	case KindBytes, KindFixedBytes:
		var raw hexutil.Bytes
		if err := json.Unmarshal(in.Value, &raw); err != nil {
			return err
		}
		if kind == KindBytes {
			*v = Bytes(raw)
		} else {
			*v = FixedBytes(raw)
		}
	case KindString:
		var s string
		if err := json.Unmarshal(in.Value, &s); err != nil {
			return err
		}
		*v = String(s)
	case KindArray:
		*v = Array(in.Elems...)
	case KindTuple:
		fields := make([]Field, len(in.Fields))
		for i, f := range in.Fields {
			fields[i] = F(f.Name, f.Value)
		}
		*v = Tuple(fields...)
	default:
		*v = Null()
	}
	return nil
}
