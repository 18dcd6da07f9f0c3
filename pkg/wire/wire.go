// Package wire implements the binary-framed, tagged envelope shared by the
// client<->server WebSocket protocol and the peer<->peer cluster
// transport: a closed, versioned sum of message types rather than a
// runtime-duck-typed payload, so dispatch is a type switch plus a
// registry lookup instead of reflection.
package wire

import (
	"encoding/binary"
	"fmt"
)

// MessageType identifies the envelope's payload kind.
type MessageType uint16

// Client<->server message types.
const (
	MsgAuth MessageType = iota + 1
	MsgAuthAck
	MsgAuthFail
	MsgPing
	MsgPong
	MsgClientOp
	MsgOpBatch
	MsgOpAck
	MsgQuerySub
	MsgQueryUnsub
	MsgQueryResp
	MsgQueryUpdate
	MsgSearch
	MsgSearchSub
	MsgSearchResp
	MsgSearchUpdate
	MsgServerEvent
	MsgSyncResetRequired
	MsgShutdownPending
	MsgError
)

// Peer<->peer message types.
const (
	MsgClusterHello MessageType = iota + 100
	MsgClusterMembers
	MsgPartitionMapUpdate
	MsgOpForward
	MsgOpAckCluster
	MsgClusterSubRegister
	MsgClusterSubAck
	MsgClusterSubUpdate
	MsgClusterSubUnregister
	MsgClusterQueryExec
	MsgNodeLeaving
	MsgClusterGCHint
	MsgLWWSyncInit
	MsgLWWMerkleReqBucket
	MsgLWWDiffRequest
	MsgLWWPushDiff
	MsgORMapSyncInit
	MsgORMapMerkleReqBucket
	MsgORMapDiffRequest
	MsgORMapPushDiff
)

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", t)
}

var typeNames = map[MessageType]string{
	MsgAuth: "AUTH", MsgAuthAck: "AUTH_ACK", MsgAuthFail: "AUTH_FAIL",
	MsgPing: "PING", MsgPong: "PONG",
	MsgClientOp: "CLIENT_OP", MsgOpBatch: "OP_BATCH", MsgOpAck: "OP_ACK",
	MsgQuerySub: "QUERY_SUB", MsgQueryUnsub: "QUERY_UNSUB", MsgQueryResp: "QUERY_RESP", MsgQueryUpdate: "QUERY_UPDATE",
	MsgSearch: "SEARCH", MsgSearchSub: "SEARCH_SUB", MsgSearchResp: "SEARCH_RESP", MsgSearchUpdate: "SEARCH_UPDATE",
	MsgServerEvent: "SERVER_EVENT", MsgSyncResetRequired: "SYNC_RESET_REQUIRED",
	MsgShutdownPending: "SHUTDOWN_PENDING", MsgError: "ERROR",

	MsgClusterHello: "CLUSTER_HELLO", MsgClusterMembers: "CLUSTER_MEMBERS",
	MsgPartitionMapUpdate: "PARTITION_MAP_UPDATE", MsgOpForward: "OP_FORWARD",
	MsgOpAckCluster: "OP_ACK_CLUSTER",
	MsgClusterSubRegister: "CLUSTER_SUB_REGISTER", MsgClusterSubAck: "CLUSTER_SUB_ACK",
	MsgClusterSubUpdate: "CLUSTER_SUB_UPDATE", MsgClusterSubUnregister: "CLUSTER_SUB_UNREGISTER",
	MsgClusterQueryExec: "CLUSTER_QUERY_EXEC", MsgNodeLeaving: "NODE_LEAVING",
	MsgClusterGCHint: "CLUSTER_GC_HINT",
	MsgLWWSyncInit: "SYNC_INIT", MsgLWWMerkleReqBucket: "MERKLE_REQ_BUCKET",
	MsgLWWDiffRequest: "DIFF_REQUEST", MsgLWWPushDiff: "PUSH_DIFF",
	MsgORMapSyncInit: "ORMAP_SYNC_INIT", MsgORMapMerkleReqBucket: "ORMAP_MERKLE_REQ_BUCKET",
	MsgORMapDiffRequest: "ORMAP_DIFF_REQUEST", MsgORMapPushDiff: "ORMAP_PUSH_DIFF",
}

// headerSize is the fixed-size envelope header: 2 bytes type + 4 bytes
// payload length.
const headerSize = 6

// maxFrameSize bounds a single frame's payload to guard against a
// corrupted or malicious length prefix allocating unbounded memory.
const maxFrameSize = 64 << 20

// Envelope is one framed message: a type tag plus its TLV-encoded payload.
type Envelope struct {
	Type    MessageType
	Payload []byte
}

// Encode serializes e as [type(2) | length(4) | payload].
func Encode(e Envelope) []byte {
	buf := make([]byte, headerSize+len(e.Payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(e.Type))
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(e.Payload)))
	copy(buf[headerSize:], e.Payload)
	return buf
}

// DecodeHeader parses the fixed-size header from buf, returning the
// message type and the expected payload length.
func DecodeHeader(buf []byte) (MessageType, uint32, error) {
	if len(buf) < headerSize {
		return 0, 0, fmt.Errorf("wire: short header (%d bytes)", len(buf))
	}
	t := MessageType(binary.BigEndian.Uint16(buf[0:2]))
	length := binary.BigEndian.Uint32(buf[2:6])
	if length > maxFrameSize {
		return 0, 0, fmt.Errorf("wire: frame length %d exceeds max %d", length, maxFrameSize)
	}
	return t, length, nil
}

// HeaderSize is exported for transports that read the header and payload
// as two separate reads.
func HeaderSize() int { return headerSize }
