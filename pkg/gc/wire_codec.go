package gc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/klauspost/compress/s2"

	"github.com/driftdb/driftdb/pkg/wire"
)

const (
	fieldMapName    uint8 = 1
	fieldRootHash   uint8 = 2
	fieldPath       uint8 = 3
	fieldIsResponse uint8 = 4
	fieldBucketList uint8 = 5
	fieldEntryList  uint8 = 6
	fieldEntryKey   uint8 = 1
	fieldEntryTag   uint8 = 2
	fieldEntryData  uint8 = 3
)

func encodePath(path []int) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

func decodePath(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, _ := strconv.Atoi(p)
		out = append(out, n)
	}
	return out
}

type syncInitMsg struct {
	mapName  string
	rootHash uint64
}

func encodeSyncInit(mapName string, rootHash uint64) []byte {
	f := wire.Fields{}
	f.SetString(fieldMapName, mapName)
	f.SetUint64(fieldRootHash, rootHash)
	return wire.EncodeFields(f)
}

func decodeSyncInit(data []byte) (syncInitMsg, error) {
	f, err := wire.DecodeFields(data)
	if err != nil {
		return syncInitMsg{}, fmt.Errorf("gc: decode sync init: %w", err)
	}
	var m syncInitMsg
	m.mapName, _ = f.GetString(fieldMapName)
	m.rootHash, _ = f.GetUint64(fieldRootHash)
	return m, nil
}

type bucketReqMsg struct {
	mapName    string
	path       []int
	isResponse bool
	hashes     []uint64
}

func encodeBucketRequest(mapName string, path []int) []byte {
	f := wire.Fields{}
	f.SetString(fieldMapName, mapName)
	f.SetString(fieldPath, encodePath(path))
	f.SetBool(fieldIsResponse, false)
	return wire.EncodeFields(f)
}

func encodeBucketResponse(mapName string, path []int, hashes []uint64) []byte {
	f := wire.Fields{}
	f.SetString(fieldMapName, mapName)
	f.SetString(fieldPath, encodePath(path))
	f.SetBool(fieldIsResponse, true)
	list := make([]wire.Fields, 0, len(hashes))
	for _, h := range hashes {
		hf := wire.Fields{}
		hf.SetUint64(1, h)
		list = append(list, hf)
	}
	f.SetList(fieldBucketList, list)
	return wire.EncodeFields(f)
}

func decodeBucketMsg(data []byte) (bucketReqMsg, error) {
	f, err := wire.DecodeFields(data)
	if err != nil {
		return bucketReqMsg{}, fmt.Errorf("gc: decode bucket msg: %w", err)
	}
	var m bucketReqMsg
	m.mapName, _ = f.GetString(fieldMapName)
	m.path = decodePath(mustString(f, fieldPath))
	m.isResponse, _ = f.GetBool(fieldIsResponse)
	if list, ok := f.GetList(fieldBucketList); ok {
		for _, item := range list {
			h, _ := item.GetUint64(1)
			m.hashes = append(m.hashes, h)
		}
	}
	return m, nil
}

func mustString(f wire.Fields, tag uint8) string {
	s, _ := f.GetString(tag)
	return s
}

// leafEntry is one record carried in a leaf transfer: tag is empty for an
// LWW-Map entry (keyed purely by key) and set to the OR-Map tag for an
// OR-Map entry (multiple tagged entries can share a key).
type leafEntry struct {
	key     string
	tag     string
	payload []byte
}

type leafTransferMsg struct {
	mapName    string
	path       []int
	isResponse bool
	entries    []leafEntry
}

// encodeLeafTransfer TLV-encodes the entry batch and then s2-compresses
// it: a leaf transfer is the one message in the anti-entropy protocol that
// can carry a whole Merkle bucket's worth of full CRDT record payloads in
// one shot, so it's the payload worth spending compression cycles on.
func encodeLeafTransfer(mapName string, path []int, isResponse bool, entries []leafEntry) []byte {
	f := wire.Fields{}
	f.SetString(fieldMapName, mapName)
	f.SetString(fieldPath, encodePath(path))
	f.SetBool(fieldIsResponse, isResponse)
	list := make([]wire.Fields, 0, len(entries))
	for _, e := range entries {
		ef := wire.Fields{}
		ef.SetString(fieldEntryKey, e.key)
		ef.SetString(fieldEntryTag, e.tag)
		ef.SetBytes(fieldEntryData, e.payload)
		list = append(list, ef)
	}
	f.SetList(fieldEntryList, list)
	return s2.Encode(nil, wire.EncodeFields(f))
}

func decodeLeafTransfer(data []byte) (leafTransferMsg, error) {
	raw, err := s2.Decode(nil, data)
	if err != nil {
		return leafTransferMsg{}, fmt.Errorf("gc: decompress leaf transfer: %w", err)
	}
	f, err := wire.DecodeFields(raw)
	if err != nil {
		return leafTransferMsg{}, fmt.Errorf("gc: decode leaf transfer: %w", err)
	}
	var m leafTransferMsg
	m.mapName, _ = f.GetString(fieldMapName)
	m.path = decodePath(mustString(f, fieldPath))
	m.isResponse, _ = f.GetBool(fieldIsResponse)
	if list, ok := f.GetList(fieldEntryList); ok {
		for _, item := range list {
			var e leafEntry
			e.key, _ = item.GetString(fieldEntryKey)
			e.tag, _ = item.GetString(fieldEntryTag)
			e.payload, _ = item.GetBytes(fieldEntryData)
			m.entries = append(m.entries, e)
		}
	}
	return m, nil
}
