package search

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/pkg/cluster"
	"github.com/driftdb/driftdb/pkg/log"
	"github.com/driftdb/driftdb/pkg/wire"
)

// ClusterConfig configures a Coordinator. RRFK is the Reciprocal-Rank-Fusion
// smoothing constant: rrf(key) = sum over responding nodes of
// 1 / (RRFK + rank_on_that_node(key)). A single tunable k (rather than
// per-field BM25/TF-IDF weighting) is the scoring approach chosen here,
// since no per-field importance is configured anywhere upstream.
type ClusterConfig struct {
	SelfNodeID string
	RRFK       float64
	ExecTimeout time.Duration
}

func (c ClusterConfig) withDefaults() ClusterConfig {
	if c.RRFK <= 0 {
		c.RRFK = 60
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 2 * time.Second
	}
	return c
}

// ClusterResult is one ranked hit after RRF merging across every node that
// responded to a cluster-wide search.
type ClusterResult struct {
	Key   string
	Score float64
}

// Coordinator fans a one-shot search out to every cluster member, merging
// each node's ranked local hits by Reciprocal-Rank-Fusion. Unlike
// pkg/query's subscription coordinator this holds no long-lived
// registration state: each Search call is a self-contained round trip.
type Coordinator struct {
	cfg     ClusterConfig
	cluster *cluster.Manager
	index   *Index
	logger  zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan execResponse

	sub    cluster.Subscriber
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewCoordinator(cfg ClusterConfig, clusterMgr *cluster.Manager, index *Index) *Coordinator {
	return &Coordinator{
		cfg:     cfg.withDefaults(),
		cluster: clusterMgr,
		index:   index,
		logger:  log.WithComponent("search"),
		pending: make(map[string]chan execResponse),
		stopCh:  make(chan struct{}),
	}
}

func (c *Coordinator) Start() {
	c.sub = c.cluster.Subscribe()
	c.wg.Add(1)
	go c.listenLoop()
}

func (c *Coordinator) Stop() {
	close(c.stopCh)
	c.cluster.Unsubscribe(c.sub)
	c.wg.Wait()
}

func (c *Coordinator) listenLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case ev, ok := <-c.sub:
			if !ok {
				return
			}
			if ev.Type == cluster.EventMessage && ev.Message != nil && ev.Message.Envelope.Type == wire.MsgClusterQueryExec {
				c.handleEnvelope(ev.Message.FromNodeID, ev.Message.Envelope.Payload)
			}
		}
	}
}

func (c *Coordinator) handleEnvelope(fromNodeID string, payload []byte) {
	isResponse, req, resp, err := decodeExecEnvelope(payload)
	if err != nil {
		c.logger.Warn().Err(err).Str("node", fromNodeID).Msg("bad search exec envelope")
		return
	}
	if isResponse {
		c.mu.Lock()
		ch := c.pending[resp.requestID]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- resp:
			default:
			}
		}
		return
	}
	c.handleExecRequest(fromNodeID, req)
}

func (c *Coordinator) handleExecRequest(fromNodeID string, req execRequest) {
	local := c.index.Search(req.mapName, req.queryText, Options{Limit: req.limit})
	hits := make([]rankedHit, 0, len(local))
	for i, r := range local {
		hits = append(hits, rankedHit{key: r.Key, rank: i + 1})
	}
	env := wire.Envelope{Type: wire.MsgClusterQueryExec, Payload: encodeExecResponse(execResponse{requestID: req.requestID, hits: hits})}
	if err := c.cluster.Send(fromNodeID, env); err != nil {
		c.logger.Warn().Err(err).Str("node", fromNodeID).Msg("search exec response send failed")
	}
}

// Search runs mapName/queryText against every cluster member's local
// index (including this node's own) and merges the per-node ranked hit
// lists with Reciprocal-Rank-Fusion.
func (c *Coordinator) Search(ctx context.Context, mapName, queryText string, limit int) []ClusterResult {
	requestID := newRequestID()
	members := c.cluster.Members()

	events := make(chan execResponse, len(members))
	c.mu.Lock()
	c.pending[requestID] = events
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	rrf := make(map[string]float64)
	remote := 0
	for _, node := range members {
		if node == c.cfg.SelfNodeID {
			local := c.index.Search(mapName, queryText, Options{Limit: limit})
			for i, r := range local {
				rrf[r.Key] += 1 / (c.cfg.RRFK + float64(i+1))
			}
			continue
		}
		env := wire.Envelope{Type: wire.MsgClusterQueryExec, Payload: encodeExecRequest(execRequest{requestID: requestID, mapName: mapName, queryText: queryText, limit: limit})}
		if err := c.cluster.Send(node, env); err != nil {
			c.logger.Warn().Err(err).Str("node", node).Msg("search exec send failed")
			continue
		}
		remote++
	}

	if remote > 0 {
		timer := time.NewTimer(c.cfg.ExecTimeout)
		defer timer.Stop()
	waitLoop:
		for remote > 0 {
			select {
			case resp := <-events:
				remote--
				for _, h := range resp.hits {
					rrf[h.key] += 1 / (c.cfg.RRFK + float64(h.rank))
				}
			case <-timer.C:
				break waitLoop
			case <-ctx.Done():
				break waitLoop
			}
		}
	}

	out := make([]ClusterResult, 0, len(rrf))
	for key, score := range rrf {
		out = append(out, ClusterResult{Key: key, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

var (
	requestIDCounter uint64
	requestIDMu      sync.Mutex
)

// newRequestID is a process-local monotonic counter rather than a random
// UUID: request IDs only need to be unique among this node's own
// in-flight searches, never across the cluster.
func newRequestID() string {
	requestIDMu.Lock()
	defer requestIDMu.Unlock()
	requestIDCounter++
	return fmt.Sprintf("search-%d", requestIDCounter)
}
