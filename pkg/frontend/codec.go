package frontend

import (
	"fmt"

	"github.com/driftdb/driftdb/pkg/types"
	"github.com/driftdb/driftdb/pkg/wire"
)

// Field tags are scoped to one message's Fields set: a tag value is only
// meaningful relative to the other tags present in the same encode/decode
// call, so the same number is reused across unrelated message shapes
// below (never two different meanings within one Fields instance).
const (
	fToken      uint8 = 1 // authMsg
	fReason     uint8 = 1 // AUTH_FAIL

	fTimestamp  uint8 = 1 // pingMsg / PONG
	fServerTime uint8 = 2 // PONG

	// types.ClientOp, standalone or nested inside OP_BATCH/QUERY_RESP etc.
	fID          uint8 = 1
	fMapName     uint8 = 2
	fKey         uint8 = 3
	fAction      uint8 = 4
	fValue       uint8 = 5
	fTTLMs       uint8 = 6
	fHasTTL      uint8 = 7
	fConsistency uint8 = 8

	fOps uint8 = 1 // OP_BATCH

	fLastID      uint8 = 1 // OP_ACK
	fRejected    uint8 = 2
	fFailedNodes uint8 = 3
	fCode        uint8 = 2 // rejected entry / ERROR

	fQueryID   uint8 = 1 // QUERY_SUB / QUERY_UNSUB / QUERY_RESP / QUERY_UPDATE
	fSubType   uint8 = 2
	fQSMapName uint8 = 3
	fPredicate uint8 = 4

	fResults       uint8 = 2 // QUERY_RESP / SEARCH_RESP
	fRegistered    uint8 = 3 // QUERY_RESP
	fQRFailedNodes uint8 = 4 // QUERY_RESP (distinct from fRegistered, both present at once)
	fChangeType    uint8 = 2 // QUERY_UPDATE

	fQueryText  uint8 = 3 // SEARCH
	fLimit      uint8 = 4
	fScore      uint8 = 2 // search result entry
	fTotalCount uint8 = 3

	fEventType uint8 = 4 // SERVER_EVENT (mapName=2, key=3, value=5 also present)

	fMessage uint8 = 3 // ERROR (code=2 also present)

	fRetryAfterMs uint8 = 1 // SHUTDOWN_PENDING
)

type authMsg struct{ token string }

func decodeAuth(payload []byte) (authMsg, error) {
	f, err := wire.DecodeFields(payload)
	if err != nil {
		return authMsg{}, fmt.Errorf("frontend: decode AUTH: %w", err)
	}
	token, _ := f.GetString(fToken)
	return authMsg{token: token}, nil
}

func encodeAuthAck() []byte { return wire.EncodeFields(wire.Fields{}) }

func encodeAuthFail(reason string) []byte {
	f := wire.Fields{}
	f.SetString(fReason, reason)
	return wire.EncodeFields(f)
}

type pingMsg struct{ timestamp uint64 }

func decodePing(payload []byte) (pingMsg, error) {
	f, err := wire.DecodeFields(payload)
	if err != nil {
		return pingMsg{}, fmt.Errorf("frontend: decode PING: %w", err)
	}
	ts, _ := f.GetUint64(fTimestamp)
	return pingMsg{timestamp: ts}, nil
}

func encodePong(clientTimestamp, serverTime uint64) []byte {
	f := wire.Fields{}
	f.SetUint64(fTimestamp, clientTimestamp)
	f.SetUint64(fServerTime, serverTime)
	return wire.EncodeFields(f)
}

func clientOpToFields(op types.ClientOp) wire.Fields {
	f := wire.Fields{}
	f.SetString(fID, op.ID)
	f.SetString(fMapName, op.MapName)
	f.SetString(fKey, op.Key)
	f.SetUint64(fAction, uint64(op.Action))
	f.SetBytes(fValue, op.Value)
	f.SetUint64(fTTLMs, uint64(op.TTLMs))
	f.SetBool(fHasTTL, op.HasTTL)
	f.SetUint64(fConsistency, uint64(op.Consistency))
	return f
}

func clientOpFromFields(f wire.Fields) types.ClientOp {
	var op types.ClientOp
	op.ID, _ = f.GetString(fID)
	op.MapName, _ = f.GetString(fMapName)
	op.Key, _ = f.GetString(fKey)
	action, _ := f.GetUint64(fAction)
	op.Action = types.OpAction(action)
	op.Value, _ = f.GetBytes(fValue)
	ttl, _ := f.GetUint64(fTTLMs)
	op.TTLMs = uint32(ttl)
	op.HasTTL, _ = f.GetBool(fHasTTL)
	consistency, _ := f.GetUint64(fConsistency)
	op.Consistency = types.WriteConcern(consistency)
	return op
}

func decodeClientOp(payload []byte) (types.ClientOp, error) {
	f, err := wire.DecodeFields(payload)
	if err != nil {
		return types.ClientOp{}, fmt.Errorf("frontend: decode CLIENT_OP: %w", err)
	}
	return clientOpFromFields(f), nil
}

func decodeOpBatch(payload []byte) ([]types.ClientOp, error) {
	f, err := wire.DecodeFields(payload)
	if err != nil {
		return nil, fmt.Errorf("frontend: decode OP_BATCH: %w", err)
	}
	list, _ := f.GetList(fOps)
	ops := make([]types.ClientOp, 0, len(list))
	for _, item := range list {
		ops = append(ops, clientOpFromFields(item))
	}
	return ops, nil
}

type rejectedWire struct {
	id   string
	code string
}

func encodeOpAck(lastID string, rejected []rejectedWire, failedNodes []string) []byte {
	f := wire.Fields{}
	f.SetString(fLastID, lastID)
	list := make([]wire.Fields, 0, len(rejected))
	for _, r := range rejected {
		rf := wire.Fields{}
		rf.SetString(fID, r.id)
		rf.SetString(fCode, r.code)
		list = append(list, rf)
	}
	f.SetList(fRejected, list)
	strList := make([]wire.Fields, 0, len(failedNodes))
	for _, n := range failedNodes {
		nf := wire.Fields{}
		nf.SetString(fID, n)
		strList = append(strList, nf)
	}
	f.SetList(fFailedNodes, strList)
	return wire.EncodeFields(f)
}

type querySubMsg struct {
	queryID    string
	subType    uint64
	mapName    string
	predicate  []byte
}

func decodeQuerySub(payload []byte) (querySubMsg, error) {
	f, err := wire.DecodeFields(payload)
	if err != nil {
		return querySubMsg{}, fmt.Errorf("frontend: decode QUERY_SUB: %w", err)
	}
	var m querySubMsg
	m.queryID, _ = f.GetString(fQueryID)
	m.subType, _ = f.GetUint64(fSubType)
	m.mapName, _ = f.GetString(fQSMapName)
	m.predicate, _ = f.GetBytes(fPredicate)
	return m, nil
}

type queryUnsubMsg struct{ queryID string }

func decodeQueryUnsub(payload []byte) (queryUnsubMsg, error) {
	f, err := wire.DecodeFields(payload)
	if err != nil {
		return queryUnsubMsg{}, fmt.Errorf("frontend: decode QUERY_UNSUB: %w", err)
	}
	id, _ := f.GetString(fQueryID)
	return queryUnsubMsg{queryID: id}, nil
}

type resultWire struct {
	key   string
	value []byte
}

func encodeQueryResp(queryID string, results []resultWire, registeredNodes, failedNodes []string) []byte {
	f := wire.Fields{}
	f.SetString(fQueryID, queryID)
	resList := make([]wire.Fields, 0, len(results))
	for _, r := range results {
		rf := wire.Fields{}
		rf.SetString(fKey, r.key)
		rf.SetBytes(fValue, r.value)
		resList = append(resList, rf)
	}
	f.SetList(fResults, resList)
	f.SetList(fRegistered, stringList(registeredNodes))
	f.SetList(fQRFailedNodes, stringList(failedNodes))
	return wire.EncodeFields(f)
}

func encodeQueryUpdate(queryID string, changeType uint64, key string, value []byte) []byte {
	f := wire.Fields{}
	f.SetString(fQueryID, queryID)
	f.SetUint64(fChangeType, changeType)
	f.SetString(fKey, key)
	f.SetBytes(fValue, value)
	return wire.EncodeFields(f)
}

type searchMsg struct {
	requestID string
	mapName   string
	queryText string
	limit     uint64
}

func decodeSearch(payload []byte) (searchMsg, error) {
	f, err := wire.DecodeFields(payload)
	if err != nil {
		return searchMsg{}, fmt.Errorf("frontend: decode SEARCH: %w", err)
	}
	var m searchMsg
	m.requestID, _ = f.GetString(fID)
	m.mapName, _ = f.GetString(fMapName)
	m.queryText, _ = f.GetString(fQueryText)
	m.limit, _ = f.GetUint64(fLimit)
	return m, nil
}

type searchResultWire struct {
	key   string
	score float64
}

func encodeSearchResp(requestID string, results []searchResultWire, totalCount uint64) []byte {
	f := wire.Fields{}
	f.SetString(fID, requestID)
	list := make([]wire.Fields, 0, len(results))
	for _, r := range results {
		rf := wire.Fields{}
		rf.SetString(fKey, r.key)
		rf.SetFloat64(fScore, r.score)
		list = append(list, rf)
	}
	f.SetList(fResults, list)
	f.SetUint64(fTotalCount, totalCount)
	return wire.EncodeFields(f)
}

func encodeServerEvent(mapName, key string, eventType uint64, value []byte) []byte {
	f := wire.Fields{}
	f.SetString(fMapName, mapName)
	f.SetString(fKey, key)
	f.SetUint64(fEventType, eventType)
	f.SetBytes(fValue, value)
	return wire.EncodeFields(f)
}

func encodeError(code uint64, message string) []byte {
	f := wire.Fields{}
	f.SetUint64(fCode, code)
	f.SetString(fMessage, message)
	return wire.EncodeFields(f)
}

func encodeSyncResetRequired(mapName string) []byte {
	f := wire.Fields{}
	f.SetString(fMapName, mapName)
	return wire.EncodeFields(f)
}

func encodeShutdownPending(retryAfterMs uint64) []byte {
	f := wire.Fields{}
	f.SetUint64(fRetryAfterMs, retryAfterMs)
	return wire.EncodeFields(f)
}

func stringList(ss []string) []wire.Fields {
	out := make([]wire.Fields, 0, len(ss))
	for _, s := range ss {
		f := wire.Fields{}
		f.SetString(fID, s)
		out = append(out, f)
	}
	return out
}
