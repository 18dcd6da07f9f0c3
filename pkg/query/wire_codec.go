package query

import (
	"fmt"

	"github.com/driftdb/driftdb/pkg/wire"
)

const (
	fieldSubID       uint8 = 1
	fieldCoordNode   uint8 = 2
	fieldMapName     uint8 = 3
	fieldPredicate   uint8 = 4
	fieldSuccess     uint8 = 2
	fieldTotalHits   uint8 = 3
	fieldResultList  uint8 = 4
	fieldResultKey   uint8 = 1
	fieldResultValue uint8 = 2
	fieldChangeType  uint8 = 2
	fieldKey         uint8 = 3
	fieldValue       uint8 = 4
)

type subRegisterMsg struct {
	subID             string
	coordinatorNodeID string
	mapName           string
	predicateFields   wire.Fields
}

func encodeSubRegister(subID, coordinatorNodeID, mapName string, predicateFields wire.Fields) []byte {
	f := wire.Fields{}
	f.SetString(fieldSubID, subID)
	f.SetString(fieldCoordNode, coordinatorNodeID)
	f.SetString(fieldMapName, mapName)
	f.SetMessage(fieldPredicate, predicateFields)
	return wire.EncodeFields(f)
}

func decodeSubRegister(data []byte) (subRegisterMsg, error) {
	f, err := wire.DecodeFields(data)
	if err != nil {
		return subRegisterMsg{}, fmt.Errorf("query: decode sub register: %w", err)
	}
	var m subRegisterMsg
	m.subID, _ = f.GetString(fieldSubID)
	m.coordinatorNodeID, _ = f.GetString(fieldCoordNode)
	m.mapName, _ = f.GetString(fieldMapName)
	m.predicateFields, _ = f.GetMessage(fieldPredicate)
	return m, nil
}

func encodeSubAck(subID string, success bool, totalHits int, results []Result) []byte {
	f := wire.Fields{}
	f.SetString(fieldSubID, subID)
	f.SetBool(fieldSuccess, success)
	f.SetUint64(fieldTotalHits, uint64(totalHits))
	list := make([]wire.Fields, 0, len(results))
	for _, r := range results {
		rf := wire.Fields{}
		rf.SetString(fieldResultKey, r.Key)
		rf.SetBytes(fieldResultValue, r.Value)
		list = append(list, rf)
	}
	f.SetList(fieldResultList, list)
	return wire.EncodeFields(f)
}

type subAckMsg struct {
	subID     string
	success   bool
	totalHits int
	results   []Result
}

func decodeSubAck(data []byte) (subAckMsg, error) {
	f, err := wire.DecodeFields(data)
	if err != nil {
		return subAckMsg{}, fmt.Errorf("query: decode sub ack: %w", err)
	}
	var m subAckMsg
	m.subID, _ = f.GetString(fieldSubID)
	m.success, _ = f.GetBool(fieldSuccess)
	if hits, ok := f.GetUint64(fieldTotalHits); ok {
		m.totalHits = int(hits)
	}
	if list, ok := f.GetList(fieldResultList); ok {
		for _, item := range list {
			key, _ := item.GetString(fieldResultKey)
			value, _ := item.GetBytes(fieldResultValue)
			m.results = append(m.results, Result{Key: key, Value: value})
		}
	}
	return m, nil
}

func encodeSubUpdate(subID string, changeType ChangeType, key string, value []byte) []byte {
	f := wire.Fields{}
	f.SetString(fieldSubID, subID)
	f.SetUint64(fieldChangeType, uint64(changeType))
	f.SetString(fieldKey, key)
	if value != nil {
		f.SetBytes(fieldValue, value)
	}
	return wire.EncodeFields(f)
}

type subUpdateMsg struct {
	subID      string
	changeType ChangeType
	key        string
	value      []byte
}

func decodeSubUpdate(data []byte) (subUpdateMsg, error) {
	f, err := wire.DecodeFields(data)
	if err != nil {
		return subUpdateMsg{}, fmt.Errorf("query: decode sub update: %w", err)
	}
	var m subUpdateMsg
	m.subID, _ = f.GetString(fieldSubID)
	if ct, ok := f.GetUint64(fieldChangeType); ok {
		m.changeType = ChangeType(ct)
	}
	m.key, _ = f.GetString(fieldKey)
	m.value, _ = f.GetBytes(fieldValue)
	return m, nil
}

func encodeSubUnregister(subID string) []byte {
	f := wire.Fields{}
	f.SetString(fieldSubID, subID)
	return wire.EncodeFields(f)
}

func decodeSubUnregister(data []byte) (string, error) {
	f, err := wire.DecodeFields(data)
	if err != nil {
		return "", fmt.Errorf("query: decode sub unregister: %w", err)
	}
	subID, _ := f.GetString(fieldSubID)
	return subID, nil
}
