package value

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

const ticTacToeState = "tuple(address[2] players, uint256 turnNum, uint256 winner, uint256[3][3] board)"

func sampleBoard() Value {
	row := func(a, b, c uint64) Value { return Array(Uint64(a), Uint64(b), Uint64(c)) }
	return Array(row(1, 0, 2), row(0, 1, 0), row(2, 0, 1))
}

func sampleState() Value {
	return Tuple(
		F("players", Array(
			Address(common.HexToAddress("0x1000000000000000000000000000000000000001")),
			Address(common.HexToAddress("0x2000000000000000000000000000000000000002")),
		)),
		F("turnNum", Uint64(5)),
		F("winner", Uint64(1)),
		F("board", sampleBoard()),
	)
}

func TestEncodeDecodeTupleState(t *testing.T) {
	state := sampleState()
	encoded, err := Encode(ticTacToeState, state)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// two addresses, two uints and nine board cells, all static words
	if len(encoded) != 32*13 {
		t.Fatalf("unexpected encoding length %d", len(encoded))
	}
	decoded, err := Decode(ticTacToeState, encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Equal(state) {
		t.Fatalf("decoded state differs from original")
	}
}

func TestEncodeNestedDynamicTuples(t *testing.T) {
	desc := "tuple(address[] tokenAddresses, tuple(address to, uint256 amount)[][] balances, bytes32[] activeApps)"
	transfer := func(addr string, amt int64) Value {
		return Tuple(F("to", Address(common.HexToAddress(addr))), F("amount", Uint(big.NewInt(amt))))
	}
	state := Tuple(
		F("tokenAddresses", Array(Address(common.Address{}))),
		F("balances", Array(Array(transfer("0x01", 10), transfer("0x02", 20)))),
		F("activeApps", Array(Hash(common.HexToHash("0xabc")))),
	)
	encoded, err := Encode(desc, state)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(desc, encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Equal(state) {
		t.Fatalf("nested tuple did not survive encoding")
	}
}

func TestEncodeRejectsMismatchedValues(t *testing.T) {
	if _, err := Encode("uint256", Bool(true)); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	if _, err := Encode("uint8", Uint64(300)); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected overflow to be rejected, got %v", err)
	}
	missing := Tuple(F("players", Array()))
	if _, err := Encode(ticTacToeState, missing); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected missing member error, got %v", err)
	}
}

func TestParseTypeRejectsMalformedDescriptors(t *testing.T) {
	for _, desc := range []string{"", "tuple(uint256 a", "tuple(uint256)", "uint256 x y"} {
		if _, err := ParseType(desc); !errors.Is(err, ErrBadDescriptor) {
			t.Fatalf("descriptor %q: expected ErrBadDescriptor, got %v", desc, err)
		}
	}
}

func TestJSONRoundTrip(t *testing.T) {
	values := []Value{
		Null(),
		sampleState(),
		Int(big.NewInt(-12)),
		Bytes([]byte{1, 2, 3}),
		String("hello"),
		Bool(true),
		Array(),
	}
	for _, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %s: %v", v.Kind(), err)
		}
		var decoded Value
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("unmarshal %s: %v", v.Kind(), err)
		}
		if !decoded.Equal(v) {
			t.Fatalf("kind %s did not round trip: %s", v.Kind(), raw)
		}
	}
}

func TestWithFieldDoesNotMutateReceiver(t *testing.T) {
	state := sampleState()
	next := state.WithField("turnNum", Uint64(6))
	turn, _ := state.Field("turnNum")
	if turn.Uint64() != 5 {
		t.Fatalf("receiver mutated: turnNum=%d", turn.Uint64())
	}
	nextTurn, _ := next.Field("turnNum")
	if nextTurn.Uint64() != 6 {
		t.Fatalf("expected updated turnNum, got %d", nextTurn.Uint64())
	}
}
