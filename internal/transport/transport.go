// Package transport implements the WebSocket client that carries hive
// frames to and from a master: URL construction, TLS selection,
// lifecycle management, and the exponential reconnect supervisor.
// Grounded on core.Connection in the teacher (nhooyr.io/websocket
// dial/read/write, mutex-guarded state, channel-based handoff to a
// receive loop that never calls user code directly).
package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/jarbashivemind/hivemind-go/internal/hiveerr"
)

// State is one point in the transport's lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateHandshaking
	StateReady
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	initialRetry = 5 * time.Second
	maxRetry     = 60 * time.Second
	readTimeout  = 60 * time.Second
)

// Config configures a Transport.
type Config struct {
	Host               string
	Port               int
	TLS                bool
	InsecureSkipVerify bool
	UserAgent          string
	AccessKey          string
	Logger             *zap.SugaredLogger

	// OnFrame is invoked by the receive loop for every inbound frame.
	// It must not block; the reader never calls user handlers itself,
	// it only hands frames to this hook (the dispatcher lives upstream
	// of the transport).
	OnFrame func(data []byte, isBinary bool)

	// OnEvent reports lifecycle transitions ("error", "close",
	// "reconnecting") for the dispatcher to forward to listeners.
	OnEvent func(name string, err error)
}

// Transport manages one WebSocket connection plus its reconnect
// supervisor.
type Transport struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	conn    *websocket.Conn
	state   State
	readyCh chan struct{}
	started bool
	closed  bool

	sendMu sync.Mutex
	retry  time.Duration
}

// New creates a Transport in the disconnected state.
func New(cfg Config) *Transport {
	return &Transport{
		cfg:     cfg,
		logger:  cfg.Logger,
		state:   StateDisconnected,
		readyCh: make(chan struct{}),
		retry:   initialRetry,
	}
}

// URL builds the ws[s]://host:port?authorization=... endpoint.
func (t *Transport) URL() string {
	scheme := "ws"
	if t.cfg.TLS {
		scheme = "wss"
	}
	token := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%s", t.cfg.UserAgent, t.cfg.AccessKey)))
	return fmt.Sprintf("%s://%s:%d?authorization=%s", scheme, t.cfg.Host, t.cfg.Port, token)
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	prevReady := t.state == StateReady
	t.state = s
	if s == StateReady && !prevReady {
		close(t.readyCh)
	} else if s != StateReady && prevReady {
		t.readyCh = make(chan struct{})
	}
	t.mu.Unlock()
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Start dials the first connection synchronously (so malformed-URL and
// auth-rejection errors surface immediately), then launches the
// receive-and-reconnect loop in the background.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()

	if err := t.dial(ctx); err != nil {
		return err
	}

	go t.reconnectLoop(ctx)
	return nil
}

func (t *Transport) dial(ctx context.Context) error {
	t.setState(StateConnecting)

	opts := &websocket.DialOptions{}
	if t.cfg.InsecureSkipVerify {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}

	conn, _, err := websocket.Dial(ctx, t.URL(), opts)
	if err != nil {
		t.setState(StateDisconnected)
		return fmt.Errorf("hivemind: websocket dial failed: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	t.setState(StateOpen)
	return nil
}

// reconnectLoop owns the read loop for the current connection and, on
// failure, the exponential-backoff reconnect supervisor: 5s, 10s, 20s,
// 40s, 60s, 60s, ... resetting to 5s after a successful open.
func (t *Transport) reconnectLoop(ctx context.Context) {
	for {
		t.readLoop(ctx)

		t.mu.RLock()
		closed := t.closed
		t.mu.RUnlock()
		if closed {
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		t.fireEvent("close", nil)
		t.setState(StateReconnecting)
		if t.logger != nil {
			t.logger.Warnf("hivemind: connection lost, reconnecting in %s", t.retry)
		}
		t.fireEvent("reconnecting", nil)

		select {
		case <-time.After(t.retry):
		case <-ctx.Done():
			return
		}

		if err := t.dial(ctx); err != nil {
			t.fireEvent("error", err)
			t.retry = minDuration(2*t.retry, maxRetry)
			continue
		}
		t.retry = initialRetry
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (t *Transport) readLoop(ctx context.Context) {
	for {
		t.mu.RLock()
		conn := t.conn
		t.mu.RUnlock()
		if conn == nil {
			return
		}

		readCtx, cancel := context.WithTimeout(ctx, readTimeout)
		typ, data, err := conn.Read(readCtx)
		cancel()

		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			t.fireEvent("error", err)
			return
		}

		if t.cfg.OnFrame != nil {
			t.cfg.OnFrame(data, typ == websocket.MessageBinary)
		}
	}
}

func (t *Transport) fireEvent(name string, err error) {
	if t.cfg.OnEvent != nil {
		t.cfg.OnEvent(name, err)
	}
}

// Send writes a frame. It blocks until the transport reaches the ready
// state or ctx is done, and fails with *hiveerr.NotStartedError if the
// transport was never started.
func (t *Transport) Send(ctx context.Context, frame []byte, binary bool) error {
	t.mu.RLock()
	started := t.started
	closed := t.closed
	readyCh := t.readyCh
	t.mu.RUnlock()

	if !started {
		return &hiveerr.NotStartedError{}
	}
	if closed {
		return &hiveerr.TransportClosedError{}
	}

	select {
	case <-readyCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.RLock()
	conn := t.conn
	closed = t.closed
	t.mu.RUnlock()
	if closed || conn == nil {
		return &hiveerr.TransportClosedError{}
	}

	msgType := websocket.MessageText
	if binary {
		msgType = websocket.MessageBinary
	}
	return conn.Write(ctx, msgType, frame)
}

// MarkReady transitions the transport to the ready state once the
// slave protocol has bound its first HELLO.
func (t *Transport) MarkReady() {
	t.setState(StateReady)
}

// MarkHandshaking transitions to the handshaking state after open.
func (t *Transport) MarkHandshaking() {
	t.setState(StateHandshaking)
}

// Close terminates the connection and the reconnect loop. Outstanding
// waiters elsewhere are not interrupted; they observe this only at
// their own timeout.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	t.setState(StateClosed)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "closing")
	}
	return nil
}
