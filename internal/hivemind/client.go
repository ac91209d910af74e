// Package hivemind is the public surface of the client: it assembles
// the identity, transport, dispatcher, and slave protocol into one
// object and exposes the API a caller actually uses. Grounded on
// client.SessionManager + client.WAClient's two-level composition and
// cmd/server/main.go's goroutine-launch-plus-signal-shutdown pattern,
// collapsed here into a single library entry point rather than a
// server process.
package hivemind

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jarbashivemind/hivemind-go/internal/binaryframe"
	"github.com/jarbashivemind/hivemind-go/internal/bus"
	"github.com/jarbashivemind/hivemind-go/internal/codec"
	"github.com/jarbashivemind/hivemind-go/internal/crypto"
	"github.com/jarbashivemind/hivemind-go/internal/dispatcher"
	"github.com/jarbashivemind/hivemind-go/internal/envelope"
	"github.com/jarbashivemind/hivemind-go/internal/hiveerr"
	"github.com/jarbashivemind/hivemind-go/internal/identity"
	"github.com/jarbashivemind/hivemind-go/internal/protocol"
	"github.com/jarbashivemind/hivemind-go/internal/transport"
)

// Config configures a Client.
type Config struct {
	Host               string
	Port               int
	TLS                bool
	InsecureSkipVerify bool
	UserAgent          string
	AccessKey          string
	UseBinaryFramer    bool
	Compress           bool
	ShareBus           bool
	CloseOnEscalate    bool
	HandshakeTimeout   time.Duration
	Logger             *zap.SugaredLogger
	Identity           *identity.Identity
}

// Client is the assembled hive slave.
type Client struct {
	cfg        Config
	identity   *identity.Identity
	transport  *transport.Transport
	dispatcher *dispatcher.Dispatcher
	slave      *protocol.Slave
	sessionKey []byte

	bus bus.Bus
}

// New assembles a Client without connecting.
func New(cfg Config) (*Client, error) {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	id := cfg.Identity
	if id == nil {
		var err error
		id, err = identity.Load()
		if err != nil {
			return nil, fmt.Errorf("hivemind: loading identity: %w", err)
		}
	}

	var sessionKey []byte
	if id.Password != "" {
		key, err := crypto.DeriveSessionKey(id.Password)
		if err != nil {
			return nil, fmt.Errorf("hivemind: deriving session key: %w", err)
		}
		sessionKey = key
	}

	c := &Client{
		cfg:        cfg,
		identity:   id,
		dispatcher: dispatcher.New(cfg.Logger),
		sessionKey: sessionKey,
	}

	c.transport = transport.New(transport.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		TLS:                cfg.TLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		UserAgent:          cfg.UserAgent,
		AccessKey:          cfg.AccessKey,
		Logger:             cfg.Logger,
		OnFrame:            c.onFrame,
		OnEvent:            c.onTransportEvent,
	})

	c.slave = protocol.New(protocol.Config{
		NodeID:        id.Name,
		UserAgent:     cfg.UserAgent,
		ShareBus:      cfg.ShareBus,
		CloseOnEscape: cfg.CloseOnEscalate,
		Logger:        cfg.Logger,
		Dispatcher:    c.dispatcher,
		Sender:        c,
		OnEscalate:    func() { _ = c.transport.Close() },
	})

	return c, nil
}

// Connect re-reads the identity, starts the transport, binds bus (if
// given), and blocks until the first HELLO is processed or the
// handshake timeout expires.
func (c *Client) Connect(ctx context.Context, b bus.Bus) error {
	if err := c.identity.Reload(); err != nil {
		return fmt.Errorf("hivemind: reloading identity: %w", err)
	}

	if b != nil {
		c.bus = b
		c.slave.BindBus(b)
	}

	if err := c.transport.Start(ctx); err != nil {
		return err
	}
	c.transport.MarkHandshaking()

	readyCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	if err := c.slave.Ready(readyCtx); err != nil {
		return &hiveerr.HandshakeTimeoutError{Waited: c.cfg.HandshakeTimeout}
	}
	c.transport.MarkReady()
	return nil
}

// Close releases the transport and bus subscription in reverse order
// of acquisition.
func (c *Client) Close() error {
	err := c.transport.Close()
	c.slave.Unbind()
	return err
}

func (c *Client) onTransportEvent(name string, err error) {
	c.dispatcher.Emit(name, err)
}

// onFrame is the transport's receive callback: decrypt (if a session
// key is set), decode (binary framer or JSON, auto-detected), dispatch
// to listeners, then hand to the slave protocol for bridging.
func (c *Client) onFrame(data []byte, isBinary bool) {
	raw := data

	if c.sessionKey != nil {
		if crypto.IsEncryptedFrame(raw) {
			plain, err := crypto.DecryptJSON(c.sessionKey, raw)
			if err != nil {
				c.dispatcher.Emit("error", err)
				return
			}
			raw = plain
		} else if c.cfg.Logger != nil {
			c.cfg.Logger.Warnf("hivemind: message was unencrypted")
		}
	}

	var e *envelope.Envelope
	var err error
	if isBinary {
		e, err = binaryframe.Decode(raw)
	} else {
		e, err = codec.Parse(raw)
	}
	if err != nil {
		c.dispatcher.Emit("error", &hiveerr.DecodeError{Cause: err})
		return
	}

	var rawMap map[string]any
	_ = json.Unmarshal(mustJSON(e), &rawMap)

	c.dispatcher.EmitFrame(rawMap, e)
	c.slave.HandleIncoming(e)
}

func mustJSON(e *envelope.Envelope) []byte {
	data, err := codec.Serialize(e)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// SendEnvelope encodes, optionally encrypts, and writes e to the wire.
// It satisfies protocol.Sender. Every outgoing envelope is stamped
// with a msg_id in its metadata (kept if the caller set one) so
// masters can correlate replies.
func (c *Client) SendEnvelope(ctx context.Context, e *envelope.Envelope) error {
	if e.Meta == nil {
		e.Meta = map[string]any{}
	}
	if _, ok := e.Meta["msg_id"]; !ok {
		e.Meta["msg_id"] = uuid.NewString()
	}

	var frame []byte
	var err error
	binary := c.cfg.UseBinaryFramer

	if binary {
		frame, err = binaryframe.Encode(e, c.cfg.Compress)
	} else {
		frame, err = codec.Serialize(e)
	}
	if err != nil {
		return err
	}

	if c.sessionKey != nil {
		frame, err = crypto.EncryptJSON(c.sessionKey, frame)
		if err != nil {
			return err
		}
		binary = false
	}

	return c.transport.Send(ctx, frame, binary)
}

// Emit sends e and does not wait for a reply.
func (c *Client) Emit(ctx context.Context, e *envelope.Envelope) error {
	return c.SendEnvelope(ctx, e)
}

// EmitBus wraps msg as a BUS envelope and sends it.
func (c *Client) EmitBus(ctx context.Context, msg envelope.BusMessage) error {
	return c.SendEnvelope(ctx, envelope.FromBusMessage(msg))
}

// On registers a listener. See dispatcher.Dispatcher.On.
func (c *Client) On(name string, h dispatcher.Handler) { c.dispatcher.On(name, h) }

// Once registers a single-shot listener.
func (c *Client) Once(name string, h dispatcher.Handler) { c.dispatcher.Once(name, h) }

// Remove unregisters a listener.
func (c *Client) Remove(name string, h dispatcher.Handler) { c.dispatcher.Remove(name, h) }

// WaitForEnvelope blocks for the next envelope of kind.
func (c *Client) WaitForEnvelope(ctx context.Context, kind envelope.Kind) (*envelope.Envelope, error) {
	return c.dispatcher.WaitForEnvelope(ctx, kind)
}

// WaitForNested blocks for the next envelope carrying a BusMessage
// whose msg_type equals payloadType. An empty kind defaults to
// THIRDPRTY.
func (c *Client) WaitForNested(ctx context.Context, payloadType string, kind envelope.Kind) (*envelope.Envelope, error) {
	if kind == "" {
		kind = envelope.KindThirdParty
	}
	return c.dispatcher.WaitForNested(ctx, payloadType, kind)
}

// WaitForResponse sends e then waits for the next envelope of
// replyKind (defaulting to e's own kind).
func (c *Client) WaitForResponse(ctx context.Context, e *envelope.Envelope, replyKind envelope.Kind) (*envelope.Envelope, error) {
	if replyKind == "" {
		replyKind = e.MsgType
	}
	if err := c.SendEnvelope(ctx, e); err != nil {
		return nil, err
	}
	return c.dispatcher.WaitForEnvelope(ctx, replyKind)
}

// WaitForNestedResponse sends e then waits for a nested BusMessage
// response matching payloadType on replyKind (defaulting to e's own
// kind).
func (c *Client) WaitForNestedResponse(ctx context.Context, e *envelope.Envelope, payloadType string, replyKind envelope.Kind) (*envelope.Envelope, error) {
	if replyKind == "" {
		replyKind = e.MsgType
	}
	if err := c.SendEnvelope(ctx, e); err != nil {
		return nil, err
	}
	return c.dispatcher.WaitForNested(ctx, payloadType, replyKind)
}
