// Package search implements the Search Coordinator: a per-node inverted
// index built by tokenizing configured fields on every write, local
// ranked search, and cluster fan-out with Reciprocal-Rank-Fusion merging
// across nodes.
package search

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/driftdb/driftdb/pkg/crdt"
	"github.com/driftdb/driftdb/pkg/query"
	"github.com/driftdb/driftdb/pkg/storagemgr"
)

// Config names, per map, which document fields get tokenized and indexed.
// Mirrors the core configuration's `fullTextSearch { mapName -> { fields[] } }`.
type Config struct {
	Fields map[string][]string
}

func (c Config) fieldsFor(mapName string) []string {
	return c.Fields[mapName]
}

// Result is one ranked local search hit.
type Result struct {
	Key          string
	Score        float64
	MatchedTerms []string
}

// Options tunes a local Search call.
type Options struct {
	Limit        int
	MatchedTerms bool
}

// mapIndex is one map's inverted index: postings[term][key] = term
// frequency within that document's indexed fields, and docTerms[key] is
// the same information keyed the other way so a re-index or removal can
// subtract a document's old postings before applying its new ones.
type mapIndex struct {
	mu        sync.RWMutex
	postings  map[string]map[string]int
	docTerms  map[string]map[string]int
	docCount  int
}

func newMapIndex() *mapIndex {
	return &mapIndex{
		postings: make(map[string]map[string]int),
		docTerms: make(map[string]map[string]int),
	}
}

func (idx *mapIndex) removeLocked(key string) {
	old, ok := idx.docTerms[key]
	if !ok {
		return
	}
	for term := range old {
		if posting := idx.postings[term]; posting != nil {
			delete(posting, key)
			if len(posting) == 0 {
				delete(idx.postings, term)
			}
		}
	}
	delete(idx.docTerms, key)
	idx.docCount--
}

func (idx *mapIndex) upsert(key string, terms map[string]int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, existed := idx.docTerms[key]
	idx.removeLocked(key)
	if len(terms) == 0 {
		return
	}
	idx.docTerms[key] = terms
	for term, freq := range terms {
		if idx.postings[term] == nil {
			idx.postings[term] = make(map[string]int)
		}
		idx.postings[term][key] = freq
	}
	idx.docCount++
	_ = existed
}

func (idx *mapIndex) remove(key string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(key)
}

// Index is the per-node Search Coordinator: it owns one inverted index
// per configured map and re-tokenizes a document whenever a write lands.
type Index struct {
	cfg     Config
	storage *storagemgr.Manager

	mu   sync.RWMutex
	maps map[string]*mapIndex
}

// New builds an Index. storage supplies the live document value on every
// OnWrite call, the same way pkg/query's Coordinator reads live values
// for predicate re-evaluation.
func New(cfg Config, storage *storagemgr.Manager) *Index {
	return &Index{cfg: cfg, storage: storage, maps: make(map[string]*mapIndex)}
}

func (ix *Index) mapIndexFor(mapName string) *mapIndex {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	mi := ix.maps[mapName]
	if mi == nil {
		mi = newMapIndex()
		ix.maps[mapName] = mi
	}
	return mi
}

// OnWrite re-tokenizes mapName/key's configured fields after a write
// lands, replacing any previously indexed postings for that key. Wired
// alongside pkg/query.Coordinator.HandleWrite as a second NotifyFunc
// consumer.
func (ix *Index) OnWrite(mapName, key string) {
	fields := ix.cfg.fieldsFor(mapName)
	if len(fields) == 0 {
		return
	}
	mi := ix.mapIndexFor(mapName)

	value, live := ix.currentValue(mapName, key)
	if !live {
		mi.remove(key)
		return
	}
	doc := query.Document(value)
	if doc == nil {
		mi.remove(key)
		return
	}

	terms := make(map[string]int)
	for _, field := range fields {
		v, ok := doc[field]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		for _, term := range tokenize(s) {
			terms[term]++
		}
	}
	mi.upsert(key, terms)
}

func (ix *Index) currentValue(mapName, key string) ([]byte, bool) {
	m := ix.storage.GetMap(mapName, crdt.KindLWW)
	switch t := m.(type) {
	case *crdt.LWWMap:
		return t.Get(key, nowMillis())
	case *crdt.ORMap:
		vs := t.Get(key, nowMillis())
		if len(vs) == 0 {
			return nil, false
		}
		return vs[0], true
	default:
		return nil, false
	}
}

// Search ranks mapName's locally indexed documents against query by a
// smoothed per-term TF-IDF score, idf * (1 + ln tf) with
// idf = ln(1 + N/df). The scoring has no tunable; ClusterConfig.RRFK
// governs only cross-node merging.
func (ix *Index) Search(mapName, queryText string, opts Options) []Result {
	ix.mu.RLock()
	mi := ix.maps[mapName]
	ix.mu.RUnlock()
	if mi == nil {
		return nil
	}

	terms := tokenize(queryText)
	if len(terms) == 0 {
		return nil
	}

	mi.mu.RLock()
	defer mi.mu.RUnlock()

	scores := make(map[string]float64)
	matched := make(map[string]map[string]struct{})
	totalDocs := float64(mi.docCount)
	for _, term := range terms {
		posting := mi.postings[term]
		if len(posting) == 0 {
			continue
		}
		idf := math.Log(1 + totalDocs/float64(len(posting)))
		for key, freq := range posting {
			scores[key] += idf * (1 + math.Log(float64(freq)))
			if opts.MatchedTerms {
				if matched[key] == nil {
					matched[key] = make(map[string]struct{})
				}
				matched[key][term] = struct{}{}
			}
		}
	}

	out := make([]Result, 0, len(scores))
	for key, score := range scores {
		r := Result{Key: key, Score: score}
		if opts.MatchedTerms {
			for term := range matched[key] {
				r.MatchedTerms = append(r.MatchedTerms, term)
			}
			sort.Strings(r.MatchedTerms)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// tokenize lowercases and splits on runs of non-letter/non-digit runes.
func tokenize(s string) []string {
	var terms []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			terms = append(terms, b.String())
			b.Reset()
		}
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()
	return terms
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}
