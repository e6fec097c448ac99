package events

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestBusFansOutToEverySubscriber(t *testing.T) {
	bus := NewBus(0, 0)
	first, cancelFirst, _ := bus.Subscribe(context.Background(), 0)
	defer cancelFirst()
	second, cancelSecond, _ := bus.Subscribe(context.Background(), 0)
	defer cancelSecond()

	id := common.HexToHash("0x01")
	bus.Emit(New("xpub-a", Install{AppIdentityHash: id}))

	for _, ch := range []<-chan Delivery{first, second} {
		select {
		case got := <-ch:
			if got.Sequence != 1 || got.Event.Type != KindInstall || got.Event.From != "xpub-a" {
				t.Fatalf("unexpected delivery: %+v", got)
			}
			if data, ok := got.Event.Data.(Install); !ok || data.AppIdentityHash != id {
				t.Fatalf("unexpected payload: %#v", got.Event.Data)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber missed the event")
		}
	}
}

func TestBusDropsForSlowSubscribers(t *testing.T) {
	bus := NewBus(0, 1)
	updates, cancel, _ := bus.Subscribe(context.Background(), 0)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Emit(New("a", RejectInstall{}))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("emit blocked on a full subscriber")
	}
	if got := <-updates; got.Sequence != 1 {
		t.Fatalf("expected the first event to be kept, got %d", got.Sequence)
	}
}

func TestBusBacklogResumesAfterCursor(t *testing.T) {
	bus := NewBus(3, 0)
	for i := 0; i < 5; i++ {
		bus.Emit(New("a", Uninstall{}))
	}
	_, cancel, backlog := bus.Subscribe(context.Background(), 3)
	defer cancel()
	if len(backlog) != 2 || backlog[0].Sequence != 4 || backlog[1].Sequence != 5 {
		t.Fatalf("unexpected backlog: %+v", backlog)
	}
	_, cancelAll, all := bus.Subscribe(context.Background(), 0)
	defer cancelAll()
	if len(all) != 3 || all[0].Sequence != 3 {
		t.Fatalf("history not trimmed to the limit: %+v", all)
	}
}

func TestBusCancelClosesSubscription(t *testing.T) {
	bus := NewBus(0, 0)
	ctx, stop := context.WithCancel(context.Background())
	updates, cancel, _ := bus.Subscribe(ctx, 0)
	stop()
	select {
	case _, ok := <-updates:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription not closed when the context ended")
	}
	cancel()
	if bus.Subscribers() != 0 {
		t.Fatalf("subscription still registered")
	}
	bus.Emit(New("a", Install{}))
}

func TestEventJSONKeepsPayloadType(t *testing.T) {
	original := New("xpub-b", DepositConfirmed{
		MultisigAddress: common.HexToAddress("0x02"),
		Amount:          big.NewInt(7),
		TxHash:          common.HexToHash("0x03"),
	})
	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Event
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	data, ok := decoded.Data.(DepositConfirmed)
	if !ok {
		t.Fatalf("payload decoded as %T", decoded.Data)
	}
	if decoded.Type != KindDepositConfirmed || data.Amount.Int64() != 7 || data.MultisigAddress != common.HexToAddress("0x02") {
		t.Fatalf("unexpected event: %+v", decoded)
	}
}

func TestUnknownKindIsRejected(t *testing.T) {
	var decoded Event
	if err := json.Unmarshal([]byte(`{"from":"a","type":"SOMETHING_ELSE","data":{}}`), &decoded); err == nil {
		t.Fatalf("expected unknown kind to fail")
	}
	if Kind("SOMETHING_ELSE").Valid() || !KindWithdrawalStarted.Valid() {
		t.Fatalf("kind validity mismatch")
	}
	if len(Kinds()) != 12 {
		t.Fatalf("expected twelve kinds, got %d", len(Kinds()))
	}
}
