package hivemind

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jarbashivemind/hivemind-go/internal/codec"
	"github.com/jarbashivemind/hivemind-go/internal/crypto"
	"github.com/jarbashivemind/hivemind-go/internal/envelope"
	"github.com/jarbashivemind/hivemind-go/internal/hiveerr"
	"github.com/jarbashivemind/hivemind-go/internal/identity"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	id := &identity.Identity{Name: "node-1"}
	c, err := New(Config{
		Host:      "localhost",
		Port:      8181,
		UserAgent: "mycroft",
		AccessKey: "k3y",
		Identity:  id,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestSendEnvelopeBeforeStartFailsNotStarted(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.SendEnvelope(ctx, envelope.New(envelope.KindPing))
	var nsErr *hiveerr.NotStartedError
	if err == nil {
		t.Fatal("expected NotStartedError, got nil")
	}
	if !isNotStarted(err, &nsErr) {
		t.Fatalf("err = %v, want *hiveerr.NotStartedError", err)
	}
}

func isNotStarted(err error, target **hiveerr.NotStartedError) bool {
	e, ok := err.(*hiveerr.NotStartedError)
	if ok {
		*target = e
	}
	return ok
}

func TestOnFrameDispatchesTypedAndCatchAllEvents(t *testing.T) {
	c := newTestClient(t)

	var sawMessage, sawTyped bool
	c.On("message", func(msg any) { sawMessage = true })
	c.On(string(envelope.KindHello), func(msg any) { sawTyped = true })

	e := envelope.New(envelope.KindHello, envelope.WithPayload(envelope.HelloInfo{NodeID: "master-1", Peer: "peer-1"}))
	data, err := codec.Serialize(e)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	c.onFrame(data, false)

	if !sawMessage {
		t.Fatal("catch-all message listener did not fire")
	}
	if !sawTyped {
		t.Fatal("typed HELLO listener did not fire")
	}

	bound, masterID, _ := c.slave.Bound()
	if !bound || masterID != "master-1" {
		t.Fatalf("slave protocol was not bridged by onFrame: bound=%v masterID=%q", bound, masterID)
	}
}

func TestOnFrameUnencryptedWithKeyWarnsAndStillDispatches(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core).Sugar()

	c, err := New(Config{
		Host:      "localhost",
		Port:      8181,
		UserAgent: "mycroft",
		AccessKey: "k3y",
		Identity:  &identity.Identity{Name: "node-1", Password: "shared-pw"},
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dispatched := false
	c.On(string(envelope.KindPing), func(msg any) { dispatched = true })

	data, err := codec.Serialize(envelope.New(envelope.KindPing))
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	c.onFrame(data, false)

	if !dispatched {
		t.Fatal("plaintext frame was not dispatched despite a configured key")
	}
	if logs.FilterMessageSnippet("unencrypted").Len() == 0 {
		t.Fatal("no warning was logged for the unencrypted frame")
	}
}

func TestOnFrameDecryptsEncryptedFrame(t *testing.T) {
	c, err := New(Config{
		Host:      "localhost",
		Port:      8181,
		UserAgent: "mycroft",
		AccessKey: "k3y",
		Identity:  &identity.Identity{Name: "node-1", Password: "shared-pw"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var got *envelope.Envelope
	c.On("speak", func(msg any) { got, _ = msg.(*envelope.Envelope) })

	reply := envelope.New(envelope.KindBus, envelope.WithPayload(envelope.BusMessage{
		MsgType: "speak",
		Data:    map[string]any{"utterance": "here is one"},
	}))
	plain, err := codec.Serialize(reply)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	key, err := crypto.DeriveSessionKey("shared-pw")
	if err != nil {
		t.Fatalf("DeriveSessionKey: %v", err)
	}
	frame, err := crypto.EncryptJSON(key, plain)
	if err != nil {
		t.Fatalf("EncryptJSON: %v", err)
	}

	c.onFrame(frame, false)

	if got == nil {
		t.Fatal("encrypted BUS frame was not decrypted and dispatched")
	}
	bm := got.Payload.(envelope.BusMessage)
	if bm.Data["utterance"] != "here is one" {
		t.Fatalf("utterance = %v", bm.Data["utterance"])
	}
}

func TestOnFrameBadJSONEmitsErrorWithoutPanicking(t *testing.T) {
	c := newTestClient(t)

	var gotErr any
	c.On("error", func(msg any) { gotErr = msg })

	c.onFrame([]byte("not json"), false)

	if gotErr == nil {
		t.Fatal("expected an error event for malformed input")
	}
}

func TestSendEnvelopeStampsMsgID(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	e := envelope.New(envelope.KindPing)
	_ = c.SendEnvelope(ctx, e)
	if id, _ := e.Meta["msg_id"].(string); id == "" {
		t.Fatal("outgoing envelope was not stamped with a msg_id")
	}

	tagged := envelope.New(envelope.KindPing, envelope.WithMeta(map[string]any{"msg_id": "caller-chosen"}))
	_ = c.SendEnvelope(ctx, tagged)
	if tagged.Meta["msg_id"] != "caller-chosen" {
		t.Fatalf("msg_id = %v, caller-set value must be kept", tagged.Meta["msg_id"])
	}
}

func TestEmitBusBeforeStartFailsNotStarted(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.EmitBus(ctx, envelope.BusMessage{MsgType: "speak", Data: map[string]any{"utterance": "hi"}})
	// Transport was never started: this must fail with NotStarted, not panic,
	// proving EmitBus routed through SendEnvelope/the transport guard.
	if _, ok := err.(*hiveerr.NotStartedError); !ok {
		t.Fatalf("err = %v, want *hiveerr.NotStartedError", err)
	}
}
