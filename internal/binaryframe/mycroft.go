package binaryframe

import (
	"github.com/jarbashivemind/hivemind-go/internal/binaryframe/registry"
	"github.com/jarbashivemind/hivemind-go/internal/envelope"
)

// EnvelopeForBusMessage translates a local bus message into the most
// compact envelope the registry can express: a "speak" message becomes
// a REGISTRY execute_tts action, anything else wraps as plain BUS. This
// is not hive-native functionality, only a convenience for the common
// voice-assistant case.
func EnvelopeForBusMessage(bm envelope.BusMessage) (*envelope.Envelope, error) {
	if bm.MsgType != "speak" {
		return envelope.New(envelope.KindBus,
			envelope.WithPayload(bm),
			envelope.WithMeta(bm.Context),
		), nil
	}

	action, err := registry.NewAction("execute_tts", bm.Data)
	if err != nil {
		return nil, err
	}
	return envelope.New(envelope.KindRegistry,
		envelope.WithPayload(action),
		envelope.WithMeta(bm.Context),
	), nil
}
