package frontend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/pkg/drifterr"
	"github.com/driftdb/driftdb/pkg/hlc"
	"github.com/driftdb/driftdb/pkg/log"
	"github.com/driftdb/driftdb/pkg/ophandler"
	"github.com/driftdb/driftdb/pkg/query"
	"github.com/driftdb/driftdb/pkg/search"
	"github.com/driftdb/driftdb/pkg/stripe"
	"github.com/driftdb/driftdb/pkg/types"
	"github.com/driftdb/driftdb/pkg/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Deps wires the Connection/WS Frontend to the subsystems it dispatches
// decoded client messages to.
type Deps struct {
	Ops      *ophandler.Handler
	Queries  *query.Coordinator
	Search   *search.Coordinator
	Verifier TokenVerifier
	Clock    *hlc.Clock
	Cutoff   ActiveTracker
}

// ActiveTracker is the subset of gc.CutoffTracker the frontend touches on
// every client heartbeat, kept as an interface so this package doesn't
// import pkg/gc directly.
type ActiveTracker interface {
	RecordActive(id string, ts hlc.Timestamp)
	Forget(id string)
}

// Server is one node's Connection/WS Frontend: HTTP upgrade endpoint,
// per-socket accept/dispatch loop, heartbeat eviction, and backpressure
// accounting.
type Server struct {
	cfg  Config
	deps Deps

	reg   *registry
	hb    *heartbeat
	bp    *backpressure
	http  *http.Server
	logger zerolog.Logger
}

// New creates a Server bound to cfg.BindAddr; call Serve to run it.
func New(cfg Config, deps Deps) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		reg:    newRegistry(),
		bp:     newBackpressure(cfg.Backpressure),
		logger: log.WithComponent("frontend"),
	}
	s.hb = newHeartbeat(s.reg, cfg.ClientTimeout)

	router := mux.NewRouter()
	router.HandleFunc("/ws", s.handleUpgrade)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.http = &http.Server{Addr: cfg.BindAddr, Handler: router}
	return s
}

// Serve starts the heartbeat evictor and blocks serving HTTP until the
// listener is closed.
func (s *Server) Serve() error {
	s.hb.start(s.cfg.HeartbeatInterval)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("frontend: serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting new connections and tears down every open one.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hb.stop()
	for _, c := range s.reg.snapshot() {
		_ = c.Close()
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	writer := newCoalescingWriter(conn, s.cfg.WriteBatch)
	client := types.NewClientConnection(uuid.NewString(), writer)
	s.reg.add(client)
	s.logger.Debug().Str("conn", client.ID).Msg("client connected")

	if !s.awaitAuth(conn, client) {
		s.reg.remove(client.ID)
		_ = client.Close()
		return
	}

	s.readLoop(conn, client)
}

// awaitAuth blocks for the first frame on conn, requiring it be an AUTH
// within the configured deadline; any other message, a bad token, or a
// timeout drops the connection.
func (s *Server) awaitAuth(conn *websocket.Conn, client *types.ClientConnection) bool {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.AuthDeadline))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return false
	}
	env, err := decodeFrame(payload)
	if err != nil || env.Type != wire.MsgAuth {
		_ = client.Writer.Enqueue(wire.Encode(wire.Envelope{Type: wire.MsgAuthFail, Payload: encodeAuthFail("expected AUTH")}), true)
		return false
	}
	msg, err := decodeAuth(env.Payload)
	if err != nil {
		return false
	}
	principal, err := s.deps.Verifier.Verify(msg.token)
	if err != nil {
		_ = client.Writer.Enqueue(wire.Encode(wire.Envelope{Type: wire.MsgAuthFail, Payload: encodeAuthFail("invalid token")}), true)
		return false
	}
	client.Authenticate(principal)
	client.TouchPing(time.Now())
	_ = conn.SetReadDeadline(time.Time{})
	return client.Writer.Enqueue(wire.Encode(wire.Envelope{Type: wire.MsgAuthAck, Payload: encodeAuthAck()}), true) == nil
}

// decodeFrame parses a single frame already read whole off a WebSocket
// binary message (no length-prefix re-sync needed: gorilla/websocket
// preserves message boundaries for us).
func decodeFrame(payload []byte) (wire.Envelope, error) {
	typ, length, err := wire.DecodeHeader(payload)
	if err != nil {
		return wire.Envelope{}, err
	}
	body := payload[wire.HeaderSize():]
	if uint32(len(body)) < length {
		return wire.Envelope{}, fmt.Errorf("frontend: truncated frame")
	}
	return wire.Envelope{Type: typ, Payload: body[:length]}, nil
}

func (s *Server) readLoop(conn *websocket.Conn, client *types.ClientConnection) {
	defer func() {
		s.deps.Queries.DisconnectClient(client)
		if s.deps.Cutoff != nil {
			s.deps.Cutoff.Forget(client.ID)
		}
		s.reg.remove(client.ID)
		_ = client.Close()
		s.logger.Debug().Str("conn", client.ID).Msg("client disconnected")
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		for len(payload) > 0 {
			env, rest, err := splitFrame(payload)
			if err != nil {
				return
			}
			s.dispatch(client, env)
			payload = rest
		}
	}
}

// splitFrame peels one framed envelope off the front of buf (the
// Coalescing Writer may concatenate several frames into one WebSocket
// message, and a client is free to do the same), returning what remains.
func splitFrame(buf []byte) (wire.Envelope, []byte, error) {
	typ, length, err := wire.DecodeHeader(buf)
	if err != nil {
		return wire.Envelope{}, nil, err
	}
	end := wire.HeaderSize() + int(length)
	if end > len(buf) {
		return wire.Envelope{}, nil, fmt.Errorf("frontend: truncated frame")
	}
	return wire.Envelope{Type: typ, Payload: buf[wire.HeaderSize():end]}, buf[end:], nil
}

func (s *Server) dispatch(client *types.ClientConnection, env wire.Envelope) {
	ctx := context.Background()
	switch env.Type {
	case wire.MsgPing:
		s.handlePing(client, env.Payload)
	case wire.MsgClientOp:
		s.handleClientOp(ctx, client, env.Payload)
	case wire.MsgOpBatch:
		s.handleOpBatch(ctx, client, env.Payload)
	case wire.MsgQuerySub:
		s.handleQuerySub(ctx, client, env.Payload)
	case wire.MsgQueryUnsub:
		s.handleQueryUnsub(client, env.Payload)
	case wire.MsgSearch:
		s.handleSearch(ctx, client, env.Payload)
	default:
		s.sendError(client, drifterr.ErrValidation.Code, fmt.Sprintf("unexpected message type %s", env.Type))
	}
}

func (s *Server) handlePing(client *types.ClientConnection, payload []byte) {
	msg, err := decodePing(payload)
	if err != nil {
		return
	}
	client.TouchPing(time.Now())
	if s.deps.Cutoff != nil {
		client.TouchActiveHlc(s.deps.Clock.Now())
		s.deps.Cutoff.RecordActive(client.ID, client.LastActiveHlc())
	}
	now := uint64(time.Now().UnixMilli())
	_ = client.Writer.Enqueue(wire.Encode(wire.Envelope{Type: wire.MsgPong, Payload: encodePong(msg.timestamp, now)}), false)
}

func (s *Server) handleClientOp(ctx context.Context, client *types.ClientConnection, payload []byte) {
	op, err := decodeClientOp(payload)
	if err != nil {
		s.sendError(client, drifterr.ErrValidation.Code, err.Error())
		return
	}
	stripe := stripeKey(op.MapName, op.Key)
	s.bp.Admit(stripe)
	defer s.bp.Release(stripe)

	result, err := s.deps.Ops.HandleOp(ctx, client, op)
	if err != nil {
		code := codeFor(err)
		ack := encodeOpAck(op.ID, []rejectedWire{{id: op.ID, code: code}}, nil)
		_ = client.Writer.Enqueue(wire.Encode(wire.Envelope{Type: wire.MsgOpAck, Payload: ack}), false)
		return
	}
	ack := encodeOpAck(result.ID, nil, result.FailedNodes)
	_ = client.Writer.Enqueue(wire.Encode(wire.Envelope{Type: wire.MsgOpAck, Payload: ack}), false)
}

func (s *Server) handleOpBatch(ctx context.Context, client *types.ClientConnection, payload []byte) {
	ops, err := decodeOpBatch(payload)
	if err != nil {
		s.sendError(client, drifterr.ErrValidation.Code, err.Error())
		return
	}
	for _, op := range ops {
		stripe := stripeKey(op.MapName, op.Key)
		s.bp.Admit(stripe)
		s.bp.Release(stripe)
	}
	result := s.deps.Ops.HandleBatch(ctx, client, ops)
	rejected := make([]rejectedWire, 0, len(result.Rejected))
	for _, r := range result.Rejected {
		rejected = append(rejected, rejectedWire{id: r.ID, code: string(r.Code)})
	}
	ack := encodeOpAck(result.LastID, rejected, result.FailedNodes)
	_ = client.Writer.Enqueue(wire.Encode(wire.Envelope{Type: wire.MsgOpAck, Payload: ack}), false)
}

func (s *Server) handleQuerySub(ctx context.Context, client *types.ClientConnection, payload []byte) {
	msg, err := decodeQuerySub(payload)
	if err != nil {
		s.sendError(client, drifterr.ErrValidation.Code, err.Error())
		return
	}
	pred, err := query.DecodePredicateBytes(msg.predicate)
	if err != nil {
		s.sendError(client, drifterr.ErrValidation.Code, err.Error())
		return
	}
	_, results, failedNodes, err := s.deps.Queries.Subscribe(ctx, client, msg.queryID, types.SubscriptionType(msg.subType), msg.mapName, pred)
	if err != nil {
		s.sendError(client, drifterr.ErrFatal.Code, err.Error())
		return
	}
	client.AddSubscription(msg.queryID)
	resWire := make([]resultWire, 0, len(results))
	for _, r := range results {
		resWire = append(resWire, resultWire{key: r.Key, value: r.Value})
	}
	resp := encodeQueryResp(msg.queryID, resWire, nil, failedNodes)
	_ = client.Writer.Enqueue(wire.Encode(wire.Envelope{Type: wire.MsgQueryResp, Payload: resp}), false)
}

func (s *Server) handleQueryUnsub(client *types.ClientConnection, payload []byte) {
	msg, err := decodeQueryUnsub(payload)
	if err != nil {
		return
	}
	s.deps.Queries.Unsubscribe(msg.queryID)
	client.RemoveSubscription(msg.queryID)
}

func (s *Server) handleSearch(ctx context.Context, client *types.ClientConnection, payload []byte) {
	msg, err := decodeSearch(payload)
	if err != nil {
		s.sendError(client, drifterr.ErrValidation.Code, err.Error())
		return
	}
	limit := int(msg.limit)
	if limit <= 0 {
		limit = 25
	}
	execCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	results := s.deps.Search.Search(execCtx, msg.mapName, msg.queryText, limit)
	wireResults := make([]searchResultWire, 0, len(results))
	for _, r := range results {
		wireResults = append(wireResults, searchResultWire{key: r.Key, score: r.Score})
	}
	resp := encodeSearchResp(msg.requestID, wireResults, uint64(len(results)))
	_ = client.Writer.Enqueue(wire.Encode(wire.Envelope{Type: wire.MsgSearchResp, Payload: resp}), false)
}

func (s *Server) sendError(client *types.ClientConnection, code int, message string) {
	_ = client.Writer.Enqueue(wire.Encode(wire.Envelope{Type: wire.MsgError, Payload: encodeError(uint64(code), message)}), true)
}

// codeFor maps a pipeline error back to the short code carried in an
// OP_ACK rejection entry.
func codeFor(err error) string {
	var de *drifterr.DriftError
	if drifterr.As(err, &de) {
		return string(de.Kind)
	}
	return string(drifterr.KindFatal)
}

// DeliverQueryUpdate is the query.DeliverFunc a node wires into its
// query.Coordinator: it pushes one QUERY_UPDATE frame straight to the
// subscribing client's own Coalescing Writer, bypassing the dispatch loop
// entirely since this runs from whatever goroutine observed the write.
func DeliverQueryUpdate(sub *types.Subscription, change query.ChangeType, key string, value []byte) {
	if sub == nil || sub.ClientConn == nil {
		return
	}
	frame := wire.Encode(wire.Envelope{Type: wire.MsgQueryUpdate, Payload: encodeQueryUpdate(sub.ID, uint64(change), key, value)})
	_ = sub.ClientConn.Writer.Enqueue(frame, false)
}

// stripeKey mirrors the Operation Handler's own per-key striping so the
// frontend's backpressure accounting lines up with where ops actually
// serialize.
func stripeKey(mapName, key string) uint64 {
	return stripe.For(mapName, key)
}
