package replication

import (
	"fmt"

	"github.com/driftdb/driftdb/pkg/wire"
)

// OpType identifies which CRDT mutation a forwarded Op carries. Replication
// itself is content-agnostic — it only needs enough of the op to batch,
// forward, and let the receiving node re-apply it locally.
type OpType uint8

const (
	OpLWWMerge OpType = iota + 1
	OpORApply
	OpORRemove
	OpORTombstone
)

func (t OpType) String() string {
	switch t {
	case OpLWWMerge:
		return "LWW_MERGE"
	case OpORApply:
		return "OR_APPLY"
	case OpORRemove:
		return "OR_REMOVE"
	case OpORTombstone:
		return "OR_TOMBSTONE"
	default:
		return fmt.Sprintf("OpType(%d)", t)
	}
}

// Op is one CRDT mutation queued for forwarding to a partition's backup
// owners. Payload is the already-encoded (pkg/crdt codec) record relevant
// to Type. An OpORTombstone carries its tag in Tag; its Key names the key
// the tag was removed from for a client remove, and is empty for a
// tombstone produced by GC.
type Op struct {
	ID      string
	MapName string
	Key     string
	Type    OpType
	Payload []byte
	Tag     string // OpORRemove (value match happens via Payload) / OpORTombstone
}

const (
	fieldOpID      uint8 = 1
	fieldMapName   uint8 = 2
	fieldKey       uint8 = 3
	fieldType      uint8 = 4
	fieldPayload   uint8 = 5
	fieldTag       uint8 = 6
	fieldOpList    uint8 = 1
	fieldAckerID   uint8 = 1
	fieldAckedIDs  uint8 = 2
)

func encodeOp(op Op) wire.Fields {
	f := wire.Fields{}
	f.SetString(fieldOpID, op.ID)
	f.SetString(fieldMapName, op.MapName)
	f.SetString(fieldKey, op.Key)
	f.SetUint64(fieldType, uint64(op.Type))
	if op.Payload != nil {
		f.SetBytes(fieldPayload, op.Payload)
	}
	if op.Tag != "" {
		f.SetString(fieldTag, op.Tag)
	}
	return f
}

func decodeOp(f wire.Fields) (Op, error) {
	id, _ := f.GetString(fieldOpID)
	mapName, _ := f.GetString(fieldMapName)
	key, _ := f.GetString(fieldKey)
	typ, ok := f.GetUint64(fieldType)
	if !ok {
		return Op{}, fmt.Errorf("replication: op missing type")
	}
	payload, _ := f.GetBytes(fieldPayload)
	tag, _ := f.GetString(fieldTag)
	return Op{ID: id, MapName: mapName, Key: key, Type: OpType(typ), Payload: payload, Tag: tag}, nil
}

// encodeBatch builds an OP_FORWARD payload carrying every op in ops.
func encodeBatch(ops []Op) []byte {
	list := make([]wire.Fields, 0, len(ops))
	for _, op := range ops {
		list = append(list, encodeOp(op))
	}
	f := wire.Fields{}
	f.SetList(fieldOpList, list)
	return wire.EncodeFields(f)
}

func decodeBatch(data []byte) ([]Op, error) {
	f, err := wire.DecodeFields(data)
	if err != nil {
		return nil, fmt.Errorf("replication: decode batch: %w", err)
	}
	list, ok := f.GetList(fieldOpList)
	if !ok {
		return nil, nil
	}
	out := make([]Op, 0, len(list))
	for _, item := range list {
		op, err := decodeOp(item)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

// encodeAck builds an OP_ACK_CLUSTER payload: the acking node's id plus
// every op id it accepted from this batch.
func encodeAck(ackerID string, opIDs []string) []byte {
	f := wire.Fields{}
	f.SetString(fieldAckerID, ackerID)
	list := make([]wire.Fields, 0, len(opIDs))
	for _, id := range opIDs {
		idf := wire.Fields{}
		idf.SetString(fieldOpID, id)
		list = append(list, idf)
	}
	f.SetList(fieldAckedIDs, list)
	return wire.EncodeFields(f)
}

func decodeAck(data []byte) (ackerID string, opIDs []string, err error) {
	f, err := wire.DecodeFields(data)
	if err != nil {
		return "", nil, fmt.Errorf("replication: decode ack: %w", err)
	}
	ackerID, _ = f.GetString(fieldAckerID)
	list, _ := f.GetList(fieldAckedIDs)
	for _, item := range list {
		if id, ok := item.GetString(fieldOpID); ok {
			opIDs = append(opIDs, id)
		}
	}
	return ackerID, opIDs, nil
}
