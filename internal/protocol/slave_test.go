package protocol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jarbashivemind/hivemind-go/internal/bus"
	"github.com/jarbashivemind/hivemind-go/internal/codec"
	"github.com/jarbashivemind/hivemind-go/internal/dispatcher"
	"github.com/jarbashivemind/hivemind-go/internal/envelope"
	"github.com/jarbashivemind/hivemind-go/internal/hiveerr"
)

type recordingSender struct {
	mu  sync.Mutex
	env []*envelope.Envelope
}

func (s *recordingSender) SendEnvelope(ctx context.Context, e *envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env = append(s.env, e)
	return nil
}

func (s *recordingSender) sent() []*envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*envelope.Envelope, len(s.env))
	copy(out, s.env)
	return out
}

func newTestSlave(sender *recordingSender, shareBus bool) *Slave {
	return New(Config{
		NodeID:    "slave-1",
		UserAgent: "useragent",
		ShareBus:  shareBus,
		Sender:    sender,
	})
}

func TestHelloBindsMasterOnce(t *testing.T) {
	s := newTestSlave(&recordingSender{}, false)

	s.HandleIncoming(envelope.New(envelope.KindHello, envelope.WithPayload(envelope.HelloInfo{
		NodeID: "master-1", Peer: "peer-1", PubKey: "abc",
	})))

	bound, masterID, masterPeer := s.Bound()
	if !bound || masterID != "master-1" || masterPeer != "peer-1" {
		t.Fatalf("Bound() = %v %q %q", bound, masterID, masterPeer)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Ready(ctx); err != nil {
		t.Fatalf("Ready: %v", err)
	}

	// Second HELLO is ignored.
	s.HandleIncoming(envelope.New(envelope.KindHello, envelope.WithPayload(envelope.HelloInfo{
		NodeID: "master-2", Peer: "peer-2",
	})))
	_, masterID, _ = s.Bound()
	if masterID != "master-1" {
		t.Fatalf("second HELLO rebound master: masterID = %q", masterID)
	}
}

func TestReadyBlocksUntilHello(t *testing.T) {
	s := newTestSlave(&recordingSender{}, false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Ready(ctx); err == nil {
		t.Fatal("Ready should time out before any HELLO arrives")
	}
}

func TestIncomingBusInjectsIntoLocalBus(t *testing.T) {
	sender := &recordingSender{}
	s := newTestSlave(sender, false)
	s.HandleIncoming(envelope.New(envelope.KindHello, envelope.WithPayload(envelope.HelloInfo{NodeID: "master-1"})))

	b := bus.NewMemory()
	s.BindBus(b)

	var gotData, gotContext map[string]any
	b.Subscribe("speak", func(data, context map[string]any) {
		gotData = data
		gotContext = context
	})

	s.HandleIncoming(envelope.New(envelope.KindBus, envelope.WithPayload(envelope.BusMessage{
		MsgType: "speak",
		Data:    map[string]any{"utterance": "hi"},
		Context: map[string]any{},
	})))

	if gotData["utterance"] != "hi" {
		t.Fatalf("data = %v", gotData)
	}
	if gotContext[envelope.CtxSource] != "master-1" {
		t.Fatalf("context.source = %v, want master-1", gotContext[envelope.CtxSource])
	}
}

func TestIncomingBusWithoutBoundBusIsDropped(t *testing.T) {
	sender := &recordingSender{}
	s := newTestSlave(sender, false)
	// No BindBus call: should log-and-drop without panicking.
	s.HandleIncoming(envelope.New(envelope.KindBus, envelope.WithPayload(envelope.BusMessage{
		MsgType: "speak",
	})))
}

func TestBroadcastForwardsExactlyOneDownstreamEvent(t *testing.T) {
	sender := &recordingSender{}
	s := newTestSlave(sender, false)
	s.HandleIncoming(envelope.New(envelope.KindHello, envelope.WithPayload(envelope.HelloInfo{
		NodeID: "master-1", Peer: "peer-1",
	})))

	b := bus.NewMemory()
	s.BindBus(b)

	count := 0
	var gotData, gotContext map[string]any
	b.Subscribe("hive.send.downstream", func(data, context map[string]any) {
		count++
		gotData = data
		gotContext = context
	})

	s.HandleIncoming(envelope.New(envelope.KindBroadcast, envelope.WithPayload(envelope.BusMessage{MsgType: "x"})))

	if count != 1 {
		t.Fatalf("hive.send.downstream fired %d times, want 1", count)
	}
	if gotContext[envelope.CtxSource] != "master-1" || gotContext["peer"] != "peer-1" {
		t.Fatalf("context = %v", gotContext)
	}

	serialized, _ := gotData["payload"].(string)
	reparsed, err := codec.Parse([]byte(serialized))
	if err != nil {
		t.Fatalf("downstream payload is not a serialized envelope: %v", err)
	}
	if reparsed.MsgType != envelope.KindBroadcast {
		t.Fatalf("reparsed.MsgType = %v, want BROADCAST", reparsed.MsgType)
	}
}

func TestBroadcastWithoutBusProducesZeroEvents(t *testing.T) {
	sender := &recordingSender{}
	s := newTestSlave(sender, false)
	// No bus bound at all; HandleIncoming must not panic and must not send.
	s.HandleIncoming(envelope.New(envelope.KindBroadcast, envelope.WithPayload(envelope.BusMessage{MsgType: "x"})))

	if len(sender.sent()) != 0 {
		t.Fatalf("sent = %v, want none", sender.sent())
	}
}

func TestEscalateNeverProducesOutboundOrBusEvent(t *testing.T) {
	sender := &recordingSender{}
	s := newTestSlave(sender, false)

	b := bus.NewMemory()
	s.BindBus(b)
	busEvents := 0
	b.SubscribeAll(func(msgType string, data, context map[string]any) { busEvents++ })

	s.HandleIncoming(envelope.New(envelope.KindEscalate, envelope.WithPayload(envelope.BusMessage{MsgType: "x"})))

	if busEvents != 0 {
		t.Fatalf("busEvents = %d, want 0", busEvents)
	}
	if len(sender.sent()) != 0 {
		t.Fatalf("sent = %v, want none", sender.sent())
	}
}

func TestEscalateEmitsProtocolViolationError(t *testing.T) {
	d := dispatcher.New(nil)
	s := New(Config{NodeID: "slave-1", Dispatcher: d})

	var got any
	d.On("error", func(msg any) { got = msg })

	s.HandleIncoming(envelope.New(envelope.KindEscalate))

	if _, ok := got.(*hiveerr.ProtocolViolationError); !ok {
		t.Fatalf("error event = %#v, want *hiveerr.ProtocolViolationError", got)
	}
}

func TestEscalateClosesWhenConfigured(t *testing.T) {
	sender := &recordingSender{}
	closed := false
	s := New(Config{
		NodeID:        "slave-1",
		CloseOnEscape: true,
		Sender:        sender,
		OnEscalate:    func() { closed = true },
	})

	s.HandleIncoming(envelope.New(envelope.KindEscalate))

	if !closed {
		t.Fatal("OnEscalate was not invoked despite CloseOnEscape=true")
	}
}

func TestOutgoingUpstreamBuildsEnvelopeAndAcks(t *testing.T) {
	sender := &recordingSender{}
	s := newTestSlave(sender, false)

	b := bus.NewMemory()
	s.BindBus(b)

	acked := false
	b.Subscribe("hive.message.sent", func(data, context map[string]any) { acked = true })

	s.handleUpstream(map[string]any{"msg_type": "PING", "payload": map[string]any{}})

	sent := sender.sent()
	if len(sent) != 1 || sent[0].MsgType != envelope.KindPing {
		t.Fatalf("sent = %v, want one PING envelope", sent)
	}
	if !acked {
		t.Fatal("hive.message.sent was not published")
	}
}

func TestOutgoingUpstreamBroadcastIsSilentlyDropped(t *testing.T) {
	sender := &recordingSender{}
	s := newTestSlave(sender, false)
	s.handleUpstream(map[string]any{"msg_type": "BROADCAST", "payload": map[string]any{}})

	if len(sender.sent()) != 0 {
		t.Fatal("slave must never emit BROADCAST")
	}
}

func TestShareBusMirrorsLocalEventsAsSharedBus(t *testing.T) {
	sender := &recordingSender{}
	s := newTestSlave(sender, true)
	s.HandleIncoming(envelope.New(envelope.KindHello, envelope.WithPayload(envelope.HelloInfo{
		NodeID: "master-1", Peer: "peer-1",
	})))

	b := bus.NewMemory()
	s.BindBus(b)

	_ = b.Publish(context.Background(), "recognizer_loop:utterance",
		map[string]any{"utterances": []any{"hi"}}, map[string]any{})

	sent := sender.sent()
	if len(sent) != 1 || sent[0].MsgType != envelope.KindSharedBus {
		t.Fatalf("sent = %v, want one SHARED_BUS envelope", sent)
	}
	bm, ok := sent[0].Payload.(envelope.BusMessage)
	if !ok {
		t.Fatalf("payload type = %T", sent[0].Payload)
	}
	if bm.Context[envelope.CtxSource] != "useragent" || bm.Context[envelope.CtxPlatform] != "useragent" {
		t.Fatalf("auto context not applied: %v", bm.Context)
	}
	if bm.Context[envelope.CtxDestination] != hiveMindPlatform {
		t.Fatalf("destination default not applied: %v", bm.Context)
	}
}

func TestShareBusAlsoEmitsBusWhenDestinedForMaster(t *testing.T) {
	sender := &recordingSender{}
	s := newTestSlave(sender, true)
	s.HandleIncoming(envelope.New(envelope.KindHello, envelope.WithPayload(envelope.HelloInfo{
		NodeID: "master-1", Peer: "peer-1",
	})))

	b := bus.NewMemory()
	s.BindBus(b)

	_ = b.Publish(context.Background(), "speak", map[string]any{"utterance": "hi"},
		map[string]any{envelope.CtxDestination: "peer-1"})

	sent := sender.sent()
	if len(sent) != 2 {
		t.Fatalf("sent = %d envelopes, want 2 (SHARED_BUS + BUS)", len(sent))
	}
	if sent[0].MsgType != envelope.KindSharedBus || sent[1].MsgType != envelope.KindBus {
		t.Fatalf("kinds = %v, %v", sent[0].MsgType, sent[1].MsgType)
	}
}

func TestAutoContextNeverOverwritesExistingValues(t *testing.T) {
	sender := &recordingSender{}
	s := newTestSlave(sender, true)

	b := bus.NewMemory()
	s.BindBus(b)

	_ = b.Publish(context.Background(), "speak", map[string]any{},
		map[string]any{envelope.CtxSource: "explicit-source"})

	sent := sender.sent()
	bm := sent[0].Payload.(envelope.BusMessage)
	if bm.Context[envelope.CtxSource] != "explicit-source" {
		t.Fatalf("context.source = %v, want untouched explicit-source", bm.Context[envelope.CtxSource])
	}
}
