// Package protocol implements the slave-side hive state machine: which
// incoming envelope variants bind the master, which ones cross onto the
// internal bus, and how outgoing bus traffic is reshaped into envelopes
// before it reaches the transport. Grounded on core.Connection's
// onReady/callback wiring (handshake blocking) and client.WAClient's
// inbound-routing switch, retargeted from WhatsApp events to hive
// envelope variants.
package protocol

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/jarbashivemind/hivemind-go/internal/bus"
	"github.com/jarbashivemind/hivemind-go/internal/codec"
	"github.com/jarbashivemind/hivemind-go/internal/dispatcher"
	"github.com/jarbashivemind/hivemind-go/internal/envelope"
	"github.com/jarbashivemind/hivemind-go/internal/hiveerr"
)

const (
	eventSendDownstream = "hive.send.downstream"
	eventSendUpstream   = "hive.send.upstream"
	eventMessageSent    = "hive.message.sent"
	eventMessageRecv    = "hive.message.received"

	hiveMindPlatform = "HiveMind"
)

// Sender is whatever can put a frame on the wire. *hivemind.Client
// satisfies it by delegating to its transport and codec.
type Sender interface {
	SendEnvelope(ctx context.Context, e *envelope.Envelope) error
}

// Config configures a Slave.
type Config struct {
	NodeID        string
	UserAgent     string
	ShareBus      bool
	CloseOnEscape bool
	Logger        *zap.SugaredLogger
	Dispatcher    *dispatcher.Dispatcher
	Sender        Sender
	// OnEscalate is invoked (in addition to logging) when an ESCALATE
	// envelope arrives, so the caller can close the transport per
	// CloseOnEscape without protocol depending on transport directly.
	OnEscalate func()
}

// Slave is the bound, per-connection protocol state machine.
type Slave struct {
	cfg Config

	mu         sync.Mutex
	bound      bool
	masterID   string
	masterPeer string
	masterKey  string

	readyOnce sync.Once
	readyCh   chan struct{}

	bus         bus.Bus
	unsubscribe []func()
}

// New creates an unbound Slave.
func New(cfg Config) *Slave {
	return &Slave{cfg: cfg, readyCh: make(chan struct{})}
}

// Ready blocks until the first HELLO has bound the master, or ctx ends.
func (s *Slave) Ready(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BindBus attaches the internal bus collaborator, subscribing to the
// local events the outgoing direction of the protocol reacts to.
func (s *Slave) BindBus(b bus.Bus) {
	s.mu.Lock()
	s.bus = b
	s.mu.Unlock()

	unsubUp := b.Subscribe(eventSendUpstream, func(data, _ map[string]any) {
		s.handleUpstream(data)
	})
	s.unsubscribe = append(s.unsubscribe, unsubUp)

	if s.cfg.ShareBus {
		unsubAll := b.SubscribeAll(func(msgType string, data, context map[string]any) {
			if msgType == eventSendUpstream || msgType == eventSendDownstream || msgType == eventMessageSent || msgType == eventMessageRecv {
				return
			}
			s.handleLocalMirror(msgType, data, context)
		})
		s.unsubscribe = append(s.unsubscribe, unsubAll)
	}
}

// Unbind removes every local-bus subscription created by BindBus.
func (s *Slave) Unbind() {
	for _, fn := range s.unsubscribe {
		fn()
	}
	s.unsubscribe = nil
}

// HandleIncoming implements the incoming-direction table: HELLO binds
// the master once; BUS/SHARED_BUS inject onto the internal bus;
// BROADCAST/PROPAGATE forward downstream; ESCALATE is illegal and is
// logged and dropped; everything else is left to the dispatcher, which
// the caller has already invoked for every frame.
func (s *Slave) HandleIncoming(e *envelope.Envelope) {
	switch e.MsgType {
	case envelope.KindHello:
		s.bindHello(e)
	case envelope.KindBus, envelope.KindSharedBus:
		s.injectBus(e)
	case envelope.KindBroadcast, envelope.KindPropagate:
		s.forwardDownstream(e)
	case envelope.KindEscalate:
		s.handleEscalate(e)
	}
}

func (s *Slave) bindHello(e *envelope.Envelope) {
	info, ok := e.Payload.(envelope.HelloInfo)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound {
		return
	}
	s.bound = true
	s.masterID = info.NodeID
	s.masterPeer = info.Peer
	s.masterKey = info.PubKey

	s.readyOnce.Do(func() { close(s.readyCh) })
}

// Bound reports whether a HELLO has been recorded, and the bound
// master's identifiers.
func (s *Slave) Bound() (bound bool, masterID, masterPeer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound, s.masterID, s.masterPeer
}

func (s *Slave) injectBus(e *envelope.Envelope) {
	bm, ok := e.Payload.(envelope.BusMessage)
	if !ok {
		s.logf("protocol: %s envelope without a BusMessage payload", e.MsgType)
		return
	}

	s.mu.Lock()
	b := s.bus
	masterID := s.masterID
	s.mu.Unlock()

	if b == nil {
		s.logf("protocol: dropping %s, no internal bus bound", e.MsgType)
		return
	}

	ctx := cloneContext(bm.Context)
	ctx[envelope.CtxSource] = masterID

	_ = b.Publish(context.Background(), eventMessageRecv, map[string]any{"msg_type": bm.MsgType, "data": bm.Data}, ctx)

	if err := b.Publish(context.Background(), bm.MsgType, bm.Data, ctx); err != nil {
		s.logf("protocol: bus publish failed: %v", err)
	}
}

func (s *Slave) forwardDownstream(e *envelope.Envelope) {
	s.mu.Lock()
	b := s.bus
	masterID := s.masterID
	masterPeer := s.masterPeer
	s.mu.Unlock()

	if b == nil {
		s.logf("protocol: dropping %s, no local bus bound", e.MsgType)
		return
	}

	serialized, err := codec.Serialize(e)
	if err != nil {
		s.logf("protocol: cannot serialize %s for downstream: %v", e.MsgType, err)
		return
	}

	data := map[string]any{"payload": string(serialized)}
	ctx := map[string]any{
		envelope.CtxSource: masterID,
		"peer":             masterPeer,
	}
	if err := b.Publish(context.Background(), eventSendDownstream, data, ctx); err != nil {
		s.logf("protocol: downstream publish failed: %v", err)
	}
}

func (s *Slave) handleEscalate(e *envelope.Envelope) {
	violation := &hiveerr.ProtocolViolationError{Reason: "ESCALATE received from master"}
	s.logf("protocol: dropping frame: %v", violation)
	if s.cfg.Dispatcher != nil {
		s.cfg.Dispatcher.Emit("error", violation)
	}
	if s.cfg.CloseOnEscape && s.cfg.OnEscalate != nil {
		s.cfg.OnEscalate()
	}
}

// handleUpstream implements the outgoing direction for an explicit
// hive.send.upstream local event: {msg_type, payload} is turned into an
// envelope of that variant and sent. A BROADCAST from a slave is
// silently dropped; only masters may broadcast.
func (s *Slave) handleUpstream(data map[string]any) {
	kindStr, _ := data["msg_type"].(string)
	kind := envelope.Kind(kindStr)

	if kind == envelope.KindBroadcast {
		s.logf("protocol: dropping outgoing BROADCAST, slaves may not broadcast")
		return
	}

	e := envelope.New(kind, envelope.WithPayload(data["payload"]))
	s.send(e)
	s.ackSent()
}

// handleLocalMirror implements share_bus passive mirroring: every other
// local bus message is wrapped as SHARED_BUS (and, if addressed to the
// bound master, also sent as BUS).
func (s *Slave) handleLocalMirror(msgType string, data, context map[string]any) {
	bm := envelope.BusMessage{MsgType: msgType, Data: data, Context: cloneContext(context)}
	s.applyAutoContext(&bm)

	shared := envelope.New(envelope.KindSharedBus, envelope.WithPayload(bm), envelope.WithSourcePeer(s.localPeer()))
	s.send(shared)

	if s.destinedForMaster(bm.Context) {
		busEnv := envelope.New(envelope.KindBus, envelope.WithPayload(bm))
		s.send(busEnv)
	}

	s.ackSent()
}

func (s *Slave) destinedForMaster(ctx map[string]any) bool {
	s.mu.Lock()
	masterPeer := s.masterPeer
	s.mu.Unlock()
	if masterPeer == "" {
		return false
	}

	switch v := ctx[envelope.CtxDestination].(type) {
	case string:
		return v == masterPeer
	case []string:
		for _, d := range v {
			if d == masterPeer {
				return true
			}
		}
	case []any:
		for _, d := range v {
			if s, ok := d.(string); ok && s == masterPeer {
				return true
			}
		}
	}
	return false
}

// applyAutoContext fills source/platform/destination for an outgoing
// BUS/SHARED_BUS message without overwriting values already present.
func (s *Slave) applyAutoContext(bm *envelope.BusMessage) {
	if bm.Context == nil {
		bm.Context = make(map[string]any)
	}
	if _, ok := bm.Context[envelope.CtxSource]; !ok {
		bm.Context[envelope.CtxSource] = s.cfg.UserAgent
	}
	if _, ok := bm.Context[envelope.CtxPlatform]; !ok {
		bm.Context[envelope.CtxPlatform] = s.cfg.UserAgent
	}
	if _, ok := bm.Context[envelope.CtxDestination]; !ok {
		bm.Context[envelope.CtxDestination] = hiveMindPlatform
	}
}

func (s *Slave) ackSent() {
	s.mu.Lock()
	b := s.bus
	s.mu.Unlock()
	if b == nil {
		return
	}
	_ = b.Publish(context.Background(), eventMessageSent, nil, nil)
}

func (s *Slave) localPeer() string {
	return s.cfg.NodeID
}

func (s *Slave) send(e *envelope.Envelope) {
	if s.cfg.Sender == nil {
		return
	}
	if err := s.cfg.Sender.SendEnvelope(context.Background(), e); err != nil {
		s.logf("protocol: send failed: %v", err)
	}
}

func (s *Slave) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Errorf(format, args...)
	}
}

func cloneContext(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
