// Package dispatcher implements the hive client's event emitter: a
// listener registry keyed either by envelope variant or by an arbitrary
// string denoting a nested BusMessage.msg_type, plus typed waiters built
// on top of it. Grounded on the teacher's webhook.Dispatcher
// (registry + mutex + sequential fan-out), retargeted from HTTP
// delivery to in-process handler invocation.
package dispatcher

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/jarbashivemind/hivemind-go/internal/envelope"
	"github.com/jarbashivemind/hivemind-go/internal/hiveerr"
)

// MessageEvent is the reserved catch-all event name: it fires for
// every received frame with the raw decoded mapping, before the typed
// event for the same frame.
const MessageEvent = "message"

// Handler receives either the raw decoded frame (for the "message"
// catch-all), or an *envelope.Envelope (for everything else).
type Handler func(msg any)

type listener struct {
	id      uintptr
	handler Handler
	once    bool
}

func handlerID(h Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}

// Dispatcher is the hive client's listener registry.
type Dispatcher struct {
	mu       sync.Mutex
	envelope map[envelope.Kind][]*listener
	nested   map[string][]*listener
	logger   *zap.SugaredLogger
}

// New creates an empty Dispatcher.
func New(logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		envelope: make(map[envelope.Kind][]*listener),
		nested:   make(map[string][]*listener),
		logger:   logger,
	}
}

func isKnownKind(name string) (envelope.Kind, bool) {
	for _, k := range envelope.Kinds {
		if string(k) == name {
			return k, true
		}
	}
	return "", false
}

// On registers handler for name. If name parses as a known envelope
// variant, it is registered as a hive listener; otherwise it is
// registered as a nested-bus listener (including the reserved
// MessageEvent catch-all).
func (d *Dispatcher) On(name string, h Handler) {
	d.add(name, h, false)
}

// Once registers a single-shot handler for name.
func (d *Dispatcher) Once(name string, h Handler) {
	d.add(name, h, true)
}

func (d *Dispatcher) add(name string, h Handler, once bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	l := &listener{id: handlerID(h), handler: h, once: once}
	if kind, ok := isKnownKind(name); ok {
		d.envelope[kind] = append(d.envelope[kind], l)
		return
	}
	d.nested[name] = append(d.nested[name], l)
}

// Remove unregisters the given handler from name's listener list.
func (d *Dispatcher) Remove(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := handlerID(h)
	if kind, ok := isKnownKind(name); ok {
		d.envelope[kind] = removeListener(d.envelope[kind], id)
		return
	}
	d.nested[name] = removeListener(d.nested[name], id)
}

// RemoveAll unregisters every handler for name.
func (d *Dispatcher) RemoveAll(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if kind, ok := isKnownKind(name); ok {
		delete(d.envelope, kind)
		return
	}
	delete(d.nested, name)
}

func removeListener(list []*listener, id uintptr) []*listener {
	out := list[:0:0]
	for _, l := range list {
		if l.id != id {
			out = append(out, l)
		}
	}
	return out
}

// Emit fires every listener registered for name, in registration order.
// A handler that panics is recovered and logged, and does not block the
// remaining handlers. name may be an
// envelope variant, a nested bus msg_type, or MessageEvent.
func (d *Dispatcher) Emit(name string, msg any) {
	if kind, ok := isKnownKind(name); ok {
		d.fire(d.snapshotEnvelope(kind), name, msg)
		return
	}
	d.fire(d.snapshotNested(name), name, msg)
}

// EmitFrame dispatches one received frame: the catch-all "message"
// event fires with raw first, then the typed envelope event, then any
// nested-bus listener matching the envelope's BusMessage payload.
func (d *Dispatcher) EmitFrame(raw map[string]any, e *envelope.Envelope) {
	d.Emit(MessageEvent, raw)
	d.Emit(string(e.MsgType), e)

	if bm, ok := nestedOf(e); ok {
		d.Emit(bm.MsgType, e)
	}
}

// nestedOf extracts the BusMessage carried by e, whether the payload
// decoded to a typed BusMessage (BUS/SHARED_BUS) or to a generic map
// that happens to have the bus schema (THIRDPRTY and friends).
func nestedOf(e *envelope.Envelope) (envelope.BusMessage, bool) {
	switch p := e.Payload.(type) {
	case envelope.BusMessage:
		return p, true
	case map[string]any:
		msgType, ok := p["msg_type"].(string)
		if !ok || msgType == "" {
			return envelope.BusMessage{}, false
		}
		bm := envelope.BusMessage{MsgType: msgType}
		if data, ok := p["data"].(map[string]any); ok {
			bm.Data = data
		}
		if ctx, ok := p["context"].(map[string]any); ok {
			bm.Context = ctx
		}
		return bm, true
	default:
		return envelope.BusMessage{}, false
	}
}

func (d *Dispatcher) snapshotEnvelope(kind envelope.Kind) []*listener {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := append([]*listener(nil), d.envelope[kind]...)
	if hasOnce(snap) {
		d.envelope[kind] = removeOnce(d.envelope[kind])
	}
	return snap
}

func (d *Dispatcher) snapshotNested(name string) []*listener {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := append([]*listener(nil), d.nested[name]...)
	if hasOnce(snap) {
		d.nested[name] = removeOnce(d.nested[name])
	}
	return snap
}

func hasOnce(list []*listener) bool {
	for _, l := range list {
		if l.once {
			return true
		}
	}
	return false
}

func removeOnce(list []*listener) []*listener {
	out := list[:0:0]
	for _, l := range list {
		if !l.once {
			out = append(out, l)
		}
	}
	return out
}

func (d *Dispatcher) fire(snap []*listener, name string, msg any) {
	for _, l := range snap {
		d.invoke(l, name, msg)
	}
}

func (d *Dispatcher) invoke(l *listener, name string, msg any) {
	defer func() {
		if r := recover(); r != nil {
			herr := &hiveerr.HandlerError{Event: name, Cause: panicToError(r)}
			if d.logger != nil {
				d.logger.Errorf("%v", herr)
			}
		}
	}()
	l.handler(msg)
}

func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}

// WaitForEnvelope registers a one-shot listener for kind and blocks
// until a matching envelope arrives or ctx is done. On timeout it
// returns (nil, nil): a later delivery for this waiter is silently
// dropped, other listeners are unaffected.
func (d *Dispatcher) WaitForEnvelope(ctx context.Context, kind envelope.Kind) (*envelope.Envelope, error) {
	ch := make(chan *envelope.Envelope, 1)
	h := Handler(func(msg any) {
		if e, ok := msg.(*envelope.Envelope); ok {
			select {
			case ch <- e:
			default:
			}
		}
	})

	d.Once(string(kind), h)

	select {
	case e := <-ch:
		return e, nil
	case <-ctx.Done():
		d.Remove(string(kind), h)
		return nil, nil
	}
}

// WaitForNested blocks until an envelope arrives whose nested
// BusMessage payload has msg_type == payloadType. It watches two
// registries at once: the nested-bus registry keyed by payloadType
// (so a match inside any envelope variant resolves it) and the
// envelope registry for kind (Client.WaitForNested passes THIRDPRTY
// when the caller gives no kind), where a delivery with a non-matching
// payload re-arms the listener for another try.
func (d *Dispatcher) WaitForNested(ctx context.Context, payloadType string, kind envelope.Kind) (*envelope.Envelope, error) {
	ch := make(chan *envelope.Envelope, 1)
	var h Handler
	h = func(msg any) {
		e, ok := msg.(*envelope.Envelope)
		if !ok {
			return
		}
		bm, ok := nestedOf(e)
		if ok && bm.MsgType == payloadType {
			select {
			case ch <- e:
			default:
			}
			return
		}
		d.Once(string(kind), h)
	}

	d.Once(payloadType, h)
	d.Once(string(kind), h)

	defer func() {
		d.Remove(payloadType, h)
		d.Remove(string(kind), h)
	}()

	select {
	case e := <-ch:
		return e, nil
	case <-ctx.Done():
		return nil, nil
	}
}
