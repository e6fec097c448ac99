package p2p

import (
	"context"
	"errors"
	"testing"
	"time"

	chanerrors "statechannels/core/errors"
)

type echoData struct {
	Value int `json:"value"`
}

func newPair(t *testing.T, legTimeout time.Duration) (*MemoryHub, *Router, *Router) {
	t.Helper()
	hub := NewMemoryHub()
	a := NewRouter("party-a", nil, legTimeout, nil)
	b := NewRouter("party-b", nil, legTimeout, nil)
	hub.Attach(a)
	hub.Attach(b)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return hub, a, b
}

func TestSendAndWaitReturnsCorrelatedReply(t *testing.T) {
	_, a, b := newPair(t, time.Second)
	b.SetHandler(HandlerFunc(func(ctx context.Context, msg *Message) {
		var in echoData
		if err := msg.Decode(&in); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		reply, err := msg.Reply(echoData{Value: in.Value * 2})
		if err != nil {
			t.Errorf("reply: %v", err)
			return
		}
		if err := b.Send(ctx, reply); err != nil {
			t.Errorf("send reply: %v", err)
		}
	}))

	msg, err := NewMessage("proc-1", "install", 1, "party-a", "party-b", nil, echoData{Value: 21})
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	reply, err := a.SendAndWait(context.Background(), msg)
	if err != nil {
		t.Fatalf("send and wait: %v", err)
	}
	if !reply.IsReply() || reply.From != "party-b" {
		t.Fatalf("unexpected reply envelope: %+v", reply)
	}
	var out echoData
	if err := reply.Decode(&out); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if out.Value != 42 {
		t.Fatalf("expected 42, got %d", out.Value)
	}
}

func TestSendAndWaitTimesOutAndDropsLateReply(t *testing.T) {
	hub, a, b := newPair(t, 20*time.Millisecond)
	release := make(chan struct{})
	replied := make(chan error, 1)
	b.SetHandler(HandlerFunc(func(ctx context.Context, msg *Message) {
		<-release
		reply, _ := msg.Reply(echoData{Value: 1})
		replied <- b.Send(ctx, reply)
	}))

	msg, _ := NewMessage("proc-late", "update", 1, "party-a", "party-b", nil, echoData{})
	_, err := a.SendAndWait(context.Background(), msg)
	if !errors.Is(err, chanerrors.ErrMessagingTimeout) {
		t.Fatalf("expected messaging timeout, got %v", err)
	}

	close(release)
	select {
	case err := <-replied:
		if err != nil {
			t.Fatalf("late reply should be dropped silently, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("handler never replied")
	}

	hub.SetFilter(func(*Message) bool { return false })
	msg2, _ := NewMessage("proc-filtered", "update", 1, "party-a", "party-b", nil, echoData{})
	if _, err := a.SendAndWait(context.Background(), msg2); !errors.Is(err, chanerrors.ErrMessagingTimeout) {
		t.Fatalf("expected timeout for a lost message, got %v", err)
	}
}

func TestErrorReplySurfacesRemoteSentinel(t *testing.T) {
	_, a, b := newPair(t, time.Second)
	b.SetHandler(HandlerFunc(func(ctx context.Context, msg *Message) {
		_ = b.Send(ctx, msg.ErrorReply(chanerrors.NewAppNotFound([32]byte{1}, [20]byte{2})))
	}))

	msg, _ := NewMessage("proc-err", "uninstall", 1, "party-a", "party-b", nil, echoData{})
	_, err := a.SendAndWait(context.Background(), msg)
	if !errors.Is(err, chanerrors.ErrRemoteAborted) {
		t.Fatalf("expected remote abort, got %v", err)
	}
	if !errors.Is(err, chanerrors.ErrAppNotFound) {
		t.Fatalf("expected remote app-not-found to match its sentinel, got %v", err)
	}
	var remote *chanerrors.RemoteError
	if !errors.As(err, &remote) || remote.From != "party-b" {
		t.Fatalf("expected remote error from party-b, got %#v", err)
	}
}

func TestSecondWaitOnSameProcessIsRejected(t *testing.T) {
	_, a, b := newPair(t, time.Second)
	received := make(chan *Message, 1)
	b.SetHandler(HandlerFunc(func(_ context.Context, msg *Message) {
		received <- msg
	}))

	msg, _ := NewMessage("proc-dup", "propose", 1, "party-a", "party-b", nil, echoData{})
	done := make(chan error, 1)
	go func() {
		_, err := a.SendAndWait(context.Background(), msg)
		done <- err
	}()
	first := <-received

	if _, err := a.SendAndWait(context.Background(), msg); !errors.Is(err, ErrWaitInProgress) {
		t.Fatalf("expected wait in progress, got %v", err)
	}

	reply, _ := first.Reply(echoData{Value: 7})
	if err := b.Send(context.Background(), reply); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first wait failed: %v", err)
	}
}

func TestDeliverRejectsMisaddressedMessage(t *testing.T) {
	_, a, _ := newPair(t, time.Second)
	msg, _ := NewMessage("proc", "setup", 1, "party-b", "party-c", nil, nil)
	if err := a.Deliver(msg); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected unknown peer, got %v", err)
	}
}

func TestCloseAbortsPendingWait(t *testing.T) {
	hub, a, _ := newPair(t, time.Minute)
	hub.SetFilter(func(*Message) bool { return false })

	msg, _ := NewMessage("proc-close", "setup", 1, "party-a", "party-b", nil, nil)
	done := make(chan error, 1)
	go func() {
		_, err := a.SendAndWait(context.Background(), msg)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	a.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrRouterClosed) {
			t.Fatalf("expected router closed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("pending wait survived close")
	}
}
