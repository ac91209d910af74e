// Package envelope defines the tagged hive message that every other
// component in this module passes around: the wire-level record
// carrying a msg_type, a variant payload, route history, and metadata.
package envelope

// Kind identifies the variant of a hive envelope.
type Kind string

// The full hive msg_type set.
const (
	KindHandshake  Kind = "HANDSHAKE"
	KindBus        Kind = "BUS"
	KindSharedBus  Kind = "SHARED_BUS"
	KindBroadcast  Kind = "BROADCAST"
	KindPropagate  Kind = "PROPAGATE"
	KindEscalate   Kind = "ESCALATE"
	KindHello      Kind = "HELLO"
	KindQuery      Kind = "QUERY"
	KindCascade    Kind = "CASCADE"
	KindPing       Kind = "PING"
	KindRendezvous Kind = "RENDEZVOUS"
	KindThirdParty Kind = "THIRDPRTY"
	KindBinary     Kind = "BINARY"
	KindRegistry   Kind = "REGISTRY"
)

// Kinds lists every known variant, in the fixed order used by the
// binary framer's type-id table.
var Kinds = []Kind{
	KindHandshake, KindBus, KindSharedBus, KindBroadcast, KindPropagate,
	KindEscalate, KindHello, KindQuery, KindCascade, KindPing,
	KindRendezvous, KindThirdParty, KindBinary, KindRegistry,
}

// BinarySubtype distinguishes the payload of a BINARY envelope.
type BinarySubtype uint8

const (
	BinaryUndefined BinarySubtype = iota
	BinaryRawAudio
	BinaryNumpyArray
	BinaryFile
)

// BusMessage is the inner payload carried by BUS and SHARED_BUS
// envelopes, and is the schema of the internal message bus.
type BusMessage struct {
	MsgType string         `json:"msg_type"`
	Data    map[string]any `json:"data"`
	Context map[string]any `json:"context"`
}

// Reserved BusMessage.Context keys.
const (
	CtxDestination = "destination"
	CtxSource      = "source"
	CtxPlatform    = "platform"
	CtxNodeID      = "node_id"
)

// HelloInfo is the payload of a HELLO envelope.
type HelloInfo struct {
	NodeID string `json:"node_id"`
	Peer   string `json:"peer"`
	PubKey string `json:"pubkey,omitempty"`
}

// Envelope is the tagged hive message. Payload holds one of:
// BusMessage, *Envelope (nested BROADCAST/PROPAGATE/ESCALATE), HelloInfo,
// []byte (BINARY), *registry.Action (REGISTRY), or a generic
// map[string]any for anything else.
type Envelope struct {
	MsgType    Kind
	Payload    any
	Route      []string
	SourcePeer *string
	Meta       map[string]any
}

// Option mutates an Envelope under construction.
type Option func(*Envelope)

// WithPayload sets the payload.
func WithPayload(p any) Option { return func(e *Envelope) { e.Payload = p } }

// WithRoute sets the route slice.
func WithRoute(route []string) Option { return func(e *Envelope) { e.Route = route } }

// WithSourcePeer sets source_peer.
func WithSourcePeer(peer string) Option {
	return func(e *Envelope) { e.SourcePeer = &peer }
}

// WithMeta merges keys into meta.
func WithMeta(meta map[string]any) Option {
	return func(e *Envelope) {
		if e.Meta == nil {
			e.Meta = map[string]any{}
		}
		for k, v := range meta {
			e.Meta[k] = v
		}
	}
}

// New builds an Envelope of the given kind, filling defaults for any
// field not supplied by an Option.
func New(kind Kind, opts ...Option) *Envelope {
	e := &Envelope{
		MsgType: kind,
		Route:   []string{},
		Meta:    map[string]any{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FromBusMessage wraps a BusMessage in a BUS envelope — a convenience
// conversion for sending a single bus message upstream.
func FromBusMessage(msg BusMessage) *Envelope {
	return New(KindBus, WithPayload(msg))
}
