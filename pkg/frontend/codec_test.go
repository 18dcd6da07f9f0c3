package frontend

import (
	"bytes"
	"testing"

	"github.com/driftdb/driftdb/pkg/types"
	"github.com/driftdb/driftdb/pkg/wire"
)

func TestClientOpRoundTrip(t *testing.T) {
	op := types.ClientOp{
		ID:          "op-1",
		MapName:     "widgets",
		Key:         "k1",
		Action:      types.OpSet,
		Value:       []byte("hello"),
		TTLMs:       5000,
		HasTTL:      true,
		Consistency: types.ConsistencyQuorum,
	}
	payload := wire.EncodeFields(clientOpToFields(op))
	got, err := decodeClientOp(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != op.ID || got.MapName != op.MapName || got.Key != op.Key || got.Action != op.Action ||
		!bytes.Equal(got.Value, op.Value) || got.TTLMs != op.TTLMs || got.HasTTL != op.HasTTL || got.Consistency != op.Consistency {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, op)
	}
}

func TestQuerySubFieldsDoNotCollideWithMapName(t *testing.T) {
	f := wire.Fields{}
	f.SetString(fQueryID, "q1")
	f.SetUint64(fSubType, 1)
	f.SetString(fQSMapName, "widgets")
	f.SetBytes(fPredicate, []byte("pred"))
	payload := wire.EncodeFields(f)

	msg, err := decodeQuerySub(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.queryID != "q1" || msg.subType != 1 || msg.mapName != "widgets" || string(msg.predicate) != "pred" {
		t.Fatalf("unexpected decode: %+v", msg)
	}
}

func TestQueryRespFieldsDoNotCollideRegisteredAndFailed(t *testing.T) {
	payload := encodeQueryResp("q1", []resultWire{{key: "k1", value: []byte("v1")}}, []string{"node-a"}, []string{"node-b"})
	f, err := wire.DecodeFields(payload)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	registered, _ := f.GetList(fRegistered)
	failed, _ := f.GetList(fQRFailedNodes)
	if len(registered) != 1 || len(failed) != 1 {
		t.Fatalf("expected one registered and one failed node, got %d/%d", len(registered), len(failed))
	}
	regID, _ := registered[0].GetString(fID)
	failID, _ := failed[0].GetString(fID)
	if regID != "node-a" || failID != "node-b" {
		t.Fatalf("registered/failed values crossed: %q/%q", regID, failID)
	}
}

func TestServerEventFieldsDoNotCollideKeyAndEventType(t *testing.T) {
	payload := encodeServerEvent("widgets", "k1", 2, []byte("v1"))
	f, err := wire.DecodeFields(payload)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	key, _ := f.GetString(fKey)
	eventType, _ := f.GetUint64(fEventType)
	value, _ := f.GetBytes(fValue)
	if key != "k1" || eventType != 2 || string(value) != "v1" {
		t.Fatalf("unexpected decode: key=%q eventType=%d value=%q", key, eventType, value)
	}
}
