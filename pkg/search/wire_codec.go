package search

import (
	"fmt"

	"github.com/driftdb/driftdb/pkg/wire"
)

// CLUSTER_QUERY_EXEC carries both the search request and its response: the
// responder distinguishes the two by the isResponse flag rather than by a
// second message type, since the wire protocol declares only one exec
// message for cross-node search/query execution.
const (
	fieldRequestID  uint8 = 1
	fieldIsResponse uint8 = 2
	fieldMapName    uint8 = 3
	fieldQueryText  uint8 = 4
	fieldLimit      uint8 = 5
	fieldHitList    uint8 = 6
	fieldHitKey     uint8 = 1
	fieldHitScore   uint8 = 2
	fieldHitRank    uint8 = 3
)

type execRequest struct {
	requestID string
	mapName   string
	queryText string
	limit     int
}

func encodeExecRequest(r execRequest) []byte {
	f := wire.Fields{}
	f.SetString(fieldRequestID, r.requestID)
	f.SetBool(fieldIsResponse, false)
	f.SetString(fieldMapName, r.mapName)
	f.SetString(fieldQueryText, r.queryText)
	f.SetUint64(fieldLimit, uint64(r.limit))
	return wire.EncodeFields(f)
}

// rankedHit is one result as exchanged between nodes: only its rank within
// the responding node's own result list matters for RRF merging, not its
// raw score, since scores aren't comparable across nodes' independently
// built indexes.
type rankedHit struct {
	key  string
	rank int
}

type execResponse struct {
	requestID string
	hits      []rankedHit
}

func encodeExecResponse(r execResponse) []byte {
	f := wire.Fields{}
	f.SetString(fieldRequestID, r.requestID)
	f.SetBool(fieldIsResponse, true)
	list := make([]wire.Fields, 0, len(r.hits))
	for _, h := range r.hits {
		hf := wire.Fields{}
		hf.SetString(fieldHitKey, h.key)
		hf.SetUint64(fieldHitRank, uint64(h.rank))
		list = append(list, hf)
	}
	f.SetList(fieldHitList, list)
	return wire.EncodeFields(f)
}

// decodeExecEnvelope sniffs the isResponse flag and decodes into whichever
// of execRequest/execResponse applies.
func decodeExecEnvelope(data []byte) (isResponse bool, req execRequest, resp execResponse, err error) {
	f, derr := wire.DecodeFields(data)
	if derr != nil {
		return false, execRequest{}, execResponse{}, fmt.Errorf("search: decode exec envelope: %w", derr)
	}
	isResponse, _ = f.GetBool(fieldIsResponse)
	requestID, _ := f.GetString(fieldRequestID)
	if isResponse {
		resp.requestID = requestID
		if list, ok := f.GetList(fieldHitList); ok {
			for _, item := range list {
				key, _ := item.GetString(fieldHitKey)
				rank := 0
				if r, ok := item.GetUint64(fieldHitRank); ok {
					rank = int(r)
				}
				resp.hits = append(resp.hits, rankedHit{key: key, rank: rank})
			}
		}
		return true, execRequest{}, resp, nil
	}
	req.requestID = requestID
	req.mapName, _ = f.GetString(fieldMapName)
	req.queryText, _ = f.GetString(fieldQueryText)
	if limit, ok := f.GetUint64(fieldLimit); ok {
		req.limit = int(limit)
	}
	return false, req, execResponse{}, nil
}
