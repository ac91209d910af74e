package envelope

import "testing"

func TestNewAppliesDefaults(t *testing.T) {
	e := New(KindPing)
	if e.Route == nil {
		t.Fatal("Route should default to an empty slice, not nil")
	}
	if e.Meta == nil {
		t.Fatal("Meta should default to an empty map, not nil")
	}
}

func TestOptionsApply(t *testing.T) {
	e := New(KindBus,
		WithPayload("x"),
		WithRoute([]string{"peer-a", "peer-b"}),
		WithSourcePeer("peer-a"),
		WithMeta(map[string]any{"k": "v"}),
	)
	if e.Payload != "x" {
		t.Fatalf("Payload = %v", e.Payload)
	}
	if len(e.Route) != 2 || e.Route[0] != "peer-a" {
		t.Fatalf("Route = %v", e.Route)
	}
	if e.SourcePeer == nil || *e.SourcePeer != "peer-a" {
		t.Fatalf("SourcePeer = %v", e.SourcePeer)
	}
	if e.Meta["k"] != "v" {
		t.Fatalf("Meta[k] = %v", e.Meta["k"])
	}
}

func TestWithMetaMergesWithoutClobbering(t *testing.T) {
	e := New(KindPing, WithMeta(map[string]any{"a": 1}), WithMeta(map[string]any{"b": 2}))
	if e.Meta["a"] != 1 || e.Meta["b"] != 2 {
		t.Fatalf("Meta = %v", e.Meta)
	}
}

func TestFromBusMessage(t *testing.T) {
	bm := BusMessage{MsgType: "speak", Data: map[string]any{"utterance": "hi"}}
	e := FromBusMessage(bm)
	if e.MsgType != KindBus {
		t.Fatalf("MsgType = %v, want BUS", e.MsgType)
	}
	got, ok := e.Payload.(BusMessage)
	if !ok || got.MsgType != "speak" {
		t.Fatalf("Payload = %+v", e.Payload)
	}
}

func TestKindsListIsComplete(t *testing.T) {
	if len(Kinds) != 14 {
		t.Fatalf("len(Kinds) = %d, want 14", len(Kinds))
	}
	seen := make(map[Kind]bool)
	for _, k := range Kinds {
		if seen[k] {
			t.Fatalf("duplicate kind %v in Kinds", k)
		}
		seen[k] = true
	}
}
