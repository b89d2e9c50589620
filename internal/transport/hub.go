// Package transport implements the bot-transport hub of spec.md §4.C:
// a bidirectional request/response layer over long-lived persistent
// connections, with cross-instance routing when the target bot is
// attached to a peer.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"crab.casa/debate-arena/internal/apperrors"
	"crab.casa/debate-arena/internal/bus"
	"crab.casa/debate-arena/internal/envelope"
	"crab.casa/debate-arena/internal/ids"
	"crab.casa/debate-arena/internal/kv"
	"crab.casa/debate-arena/internal/logging"
)

// Conn is the minimal shape the hub needs from a persistent
// connection; *websocket.Conn satisfies it via a thin adapter in
// wsserver.
type Conn interface {
	WriteEnvelope(env envelope.Envelope) error
	Close(code int, reason string) error
	IsOpen() bool
}

// Result is what a caller of Request gets back.
type Result struct {
	Message string
	Err     error
}

type pendingReply struct {
	resultCh chan Result
	timer    *time.Timer
}

const (
	attachmentTTL     = 120 * time.Second
	attachmentKVPrefix = "bot:connected:"
)

// Hub tracks locally-attached bots and correlates requests with
// replies, routing to peer instances over the bus when needed.
type Hub struct {
	instanceID string
	kvStore    kv.Store
	busClient  bus.Bus
	logger     logging.Logger

	resolveToken func(ctx context.Context, token string) (botID, botName string, err error)
	onDetach     func(botID string)

	mu       sync.Mutex
	conns    map[string]Conn              // botID -> connection
	pending  map[string]*pendingReply      // requestID -> pending

	stop    chan struct{}
	stopped chan struct{}
}

// New builds a Hub. resolveToken maps a connect token to a bot
// identity via the repository; onDetach is invoked (e.g. to evict the
// matchmaker queue entry) whenever a bot's connection is torn down.
func New(instanceID string, kvStore kv.Store, busClient bus.Bus, logger logging.Logger,
	resolveToken func(ctx context.Context, token string) (string, string, error),
	onDetach func(botID string),
) *Hub {
	return &Hub{
		instanceID:   instanceID,
		kvStore:      kvStore,
		busClient:    busClient,
		logger:       logger,
		resolveToken: resolveToken,
		onDetach:     onDetach,
		conns:        make(map[string]Conn),
		pending:      make(map[string]*pendingReply),
		stop:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
}

// Start subscribes to this instance's private bus channel and begins
// the heartbeat loop.
func (h *Hub) Start(ctx context.Context) error {
	sub, err := h.busClient.Subscribe(ctx, crossInstanceChannel(h.instanceID))
	if err != nil {
		return fmt.Errorf("subscribe cross-instance channel: %w", err)
	}

	go h.runCrossInstanceReceiver(ctx, sub)
	go h.runHeartbeats(ctx)
	return nil
}

// Stop halts background loops. Connections themselves are closed by
// the websocket layer on shutdown.
func (h *Hub) Stop() {
	close(h.stop)
}

func crossInstanceChannel(instanceID string) string { return "bot:instance:" + instanceID }
func responseChannel(requestID string) string       { return "bot:response:" + requestID }
func attachmentKey(botID string) string              { return attachmentKVPrefix + botID }

// Attach resolves token to a bot identity, replaces any existing local
// connection for that bot (closed with code 4003), records the KV
// attachment, and sends the welcome envelope.
func (h *Hub) Attach(ctx context.Context, token string, conn Conn) (botID string, err error) {
	botID, botName, err := h.resolveToken(ctx, token)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	if prev, ok := h.conns[botID]; ok {
		_ = prev.Close(4003, "replaced")
	}
	h.conns[botID] = conn
	h.mu.Unlock()

	if err := h.kvStore.Set(ctx, attachmentKey(botID), h.instanceID, attachmentTTL); err != nil {
		h.logger.WithField("bot_id", botID).WithField("error", err.Error()).Warn("failed to write attachment record")
	}

	welcome := envelope.MustNew(envelope.TypeConnected, envelope.ConnectedPayload{BotID: botID, BotName: botName})
	if err := conn.WriteEnvelope(welcome); err != nil {
		h.logger.WithField("bot_id", botID).Warn("failed to send welcome envelope")
	}

	return botID, nil
}

// Detach removes conn from the attached-bots map if it is still the
// current connection for botID (not already replaced), deletes the KV
// attachment, and notifies onDetach so the matchmaker queue can evict
// the bot.
func (h *Hub) Detach(ctx context.Context, botID string, conn Conn) {
	h.mu.Lock()
	current, ok := h.conns[botID]
	stillCurrent := ok && current == conn
	if stillCurrent {
		delete(h.conns, botID)
	}
	h.mu.Unlock()

	if !stillCurrent {
		return
	}

	if _, err := h.kvStore.DeleteIfMatch(ctx, attachmentKey(botID), h.instanceID); err != nil {
		h.logger.WithField("bot_id", botID).WithField("error", err.Error()).Warn("failed to delete attachment record")
	}

	if h.onDetach != nil {
		h.onDetach(botID)
	}
}

// IsAttachedLocally reports whether botID has a live local connection,
// used as the matchmaker's liveness predicate together with the KV
// attachment record for cross-instance liveness.
func (h *Hub) IsAttachedLocally(botID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[botID]
	return ok && c.IsOpen()
}

// IsAttachedAnywhere checks the local map first, then KV, for use as
// the matchmaker's liveness predicate across the whole cluster.
func (h *Hub) IsAttachedAnywhere(ctx context.Context, botID string) bool {
	if h.IsAttachedLocally(botID) {
		return true
	}
	_, err := h.kvStore.Get(ctx, attachmentKey(botID))
	return err == nil
}

// runHeartbeats pings every attached bot every 30s, refreshes the KV
// TTL, and prunes connections whose transport is no longer open.
func (h *Hub) runHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			h.heartbeatOnce(ctx)
		}
	}
}

func (h *Hub) heartbeatOnce(ctx context.Context) {
	h.mu.Lock()
	snapshot := make(map[string]Conn, len(h.conns))
	for botID, c := range h.conns {
		snapshot[botID] = c
	}
	h.mu.Unlock()

	ping := envelope.Envelope{Type: envelope.TypePing}
	for botID, c := range snapshot {
		if !c.IsOpen() {
			h.Detach(ctx, botID, c)
			continue
		}
		if err := c.WriteEnvelope(ping); err != nil {
			h.logger.WithField("bot_id", botID).Warn("heartbeat ping failed")
			continue
		}
		if err := h.kvStore.Set(ctx, attachmentKey(botID), h.instanceID, attachmentTTL); err != nil {
			h.logger.WithField("bot_id", botID).WithField("error", err.Error()).Warn("heartbeat TTL refresh failed")
		}
	}
}

// OnPong refreshes the KV attachment TTL; any inbound pong is
// sufficient, per spec.md §4.C.
func (h *Hub) OnPong(ctx context.Context, botID string) {
	if err := h.kvStore.Set(ctx, attachmentKey(botID), h.instanceID, attachmentTTL); err != nil {
		h.logger.WithField("bot_id", botID).WithField("error", err.Error()).Warn("pong TTL refresh failed")
	}
}

// Request sends payload to botID and blocks until a reply arrives,
// times out, or a transport-level failure occurs, per spec.md §4.C's
// three-branch request path.
func (h *Hub) Request(ctx context.Context, botID string, payload envelope.DebateRequestPayload, timeout time.Duration) Result {
	requestID := ids.NewRequestID(h.instanceID, botID)
	payload.RequestID = requestID

	h.mu.Lock()
	conn, attachedLocally := h.conns[botID]
	h.mu.Unlock()

	if attachedLocally && conn.IsOpen() {
		return h.sendLocal(ctx, conn, botID, requestID, payload, timeout)
	}

	owner, err := h.kvStore.Get(ctx, attachmentKey(botID))
	if err != nil {
		return Result{Err: apperrors.ErrBotNotConnected}
	}
	if owner == h.instanceID {
		// KV says we own it but the local map disagrees (e.g. a missed
		// detach): treat as not connected rather than routing to ourselves.
		return Result{Err: apperrors.ErrBotNotConnected}
	}

	return h.sendCrossInstance(ctx, owner, botID, requestID, payload, timeout)
}

func (h *Hub) sendLocal(ctx context.Context, conn Conn, botID, requestID string, payload envelope.DebateRequestPayload, timeout time.Duration) Result {
	resultCh := make(chan Result, 1)
	pr := &pendingReply{resultCh: resultCh}

	h.mu.Lock()
	h.pending[requestID] = pr
	h.mu.Unlock()

	pr.timer = time.AfterFunc(timeout, func() {
		h.completeLocal(requestID, Result{Err: apperrors.ErrBotTimeout})
	})

	env, err := envelope.New(envelope.TypeDebateRequest, payload)
	if err != nil {
		h.completeLocal(requestID, Result{Err: apperrors.ErrMarshal})
		return <-resultCh
	}
	if err := conn.WriteEnvelope(env); err != nil {
		h.completeLocal(requestID, Result{Err: apperrors.ErrBotTransport})
		return <-resultCh
	}

	return <-resultCh
}

func (h *Hub) completeLocal(requestID string, res Result) {
	h.mu.Lock()
	pr, ok := h.pending[requestID]
	if ok {
		delete(h.pending, requestID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	if pr.timer != nil {
		pr.timer.Stop()
	}
	pr.resultCh <- res
}

// sendCrossInstance publishes a request envelope onto the target
// instance's private channel, subscribing to the ephemeral response
// channel before publishing (per spec.md §9's ordering requirement).
func (h *Hub) sendCrossInstance(ctx context.Context, targetInstance, botID, requestID string, payload envelope.DebateRequestPayload, timeout time.Duration) Result {
	respChannel := responseChannel(requestID)
	sub, err := h.busClient.Subscribe(ctx, respChannel)
	if err != nil {
		return Result{Err: apperrors.ErrBusUnavailable}
	}
	defer sub.Close()

	reqEnv := envelope.BotRequestEnvelope{
		RequestID:      requestID,
		BotID:          botID,
		Payload:        payload,
		TimeoutMillis:  int(timeout.Milliseconds()),
		SourceInstance: h.instanceID,
	}
	raw, err := json.Marshal(reqEnv)
	if err != nil {
		return Result{Err: apperrors.ErrMarshal}
	}
	if err := h.busClient.Publish(ctx, crossInstanceChannel(targetInstance), string(raw)); err != nil {
		return Result{Err: apperrors.ErrBusUnavailable}
	}

	select {
	case msg, ok := <-sub.Channel():
		if !ok {
			return Result{Err: apperrors.ErrCrossInstanceTimeout}
		}
		var respEnv envelope.BotResponseEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &respEnv); err != nil {
			return Result{Err: apperrors.ErrMalformedReply}
		}
		if respEnv.Error != "" {
			return Result{Err: fmt.Errorf("%s", respEnv.Error)}
		}
		return Result{Message: respEnv.Message}
	case <-time.After(timeout):
		return Result{Err: apperrors.ErrCrossInstanceTimeout}
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

// runCrossInstanceReceiver handles bot_request envelopes forwarded
// from peers on this instance's private channel.
func (h *Hub) runCrossInstanceReceiver(ctx context.Context, sub bus.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			h.handleCrossInstanceRequest(ctx, msg.Payload)
		}
	}
}

func (h *Hub) handleCrossInstanceRequest(ctx context.Context, raw string) {
	var reqEnv envelope.BotRequestEnvelope
	if err := json.Unmarshal([]byte(raw), &reqEnv); err != nil {
		h.logger.WithField("error", err.Error()).Warn("malformed cross-instance bot_request envelope, dropping")
		return
	}

	h.mu.Lock()
	conn, ok := h.conns[reqEnv.BotID]
	h.mu.Unlock()

	if !ok || !conn.IsOpen() {
		h.publishError(ctx, reqEnv.RequestID, "bot not connected")
		return
	}

	env, err := envelope.New(envelope.TypeDebateRequest, reqEnv.Payload)
	if err != nil {
		h.publishError(ctx, reqEnv.RequestID, "marshal failure")
		return
	}
	// No local pending-reply is registered: the reply will arrive via
	// the bot's normal inbound reply path and be routed back over the
	// response channel because no local pending entry exists for it.
	if err := conn.WriteEnvelope(env); err != nil {
		h.publishError(ctx, reqEnv.RequestID, "bot transport error")
	}
}

func (h *Hub) publishError(ctx context.Context, requestID, message string) {
	respEnv := envelope.BotResponseEnvelope{RequestID: requestID, Error: message}
	raw, err := json.Marshal(respEnv)
	if err != nil {
		return
	}
	if err := h.busClient.Publish(ctx, responseChannel(requestID), string(raw)); err != nil {
		h.logger.WithField("error", err.Error()).Warn("failed to publish cross-instance error envelope")
	}
}

// OnReply is called by the websocket layer whenever an attached bot
// sends a debate_response envelope. It validates the payload, then
// resolves a local pending-reply if present, or otherwise republishes
// it on the ephemeral response channel so a cross-instance forwarded
// request can complete.
func (h *Hub) OnReply(ctx context.Context, botID string, payload envelope.DebateReplyPayload) {
	if err := payload.Validate(); err != nil {
		h.resolveOrForward(ctx, payload.RequestID, Result{Err: apperrors.ErrMalformedReply}, "")
		return
	}
	h.resolveOrForward(ctx, payload.RequestID, Result{Message: payload.Message}, payload.Message)
}

func (h *Hub) resolveOrForward(ctx context.Context, requestID string, res Result, message string) {
	h.mu.Lock()
	_, isLocal := h.pending[requestID]
	h.mu.Unlock()

	if isLocal {
		h.completeLocal(requestID, res)
		return
	}

	respEnv := envelope.BotResponseEnvelope{RequestID: requestID, Message: message}
	if res.Err != nil {
		respEnv.Error = res.Err.Error()
	}
	raw, err := json.Marshal(respEnv)
	if err != nil {
		return
	}
	if err := h.busClient.Publish(ctx, responseChannel(requestID), string(raw)); err != nil {
		h.logger.WithField("error", err.Error()).Warn("failed to publish reply envelope")
	}
}
