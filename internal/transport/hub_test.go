package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crab.casa/debate-arena/internal/bus"
	"crab.casa/debate-arena/internal/envelope"
	"crab.casa/debate-arena/internal/kv"
	"crab.casa/debate-arena/internal/logging"
)

type fakeConn struct {
	open     bool
	written  []envelope.Envelope
	onWrite  func(envelope.Envelope)
}

func (c *fakeConn) WriteEnvelope(env envelope.Envelope) error {
	c.written = append(c.written, env)
	if c.onWrite != nil {
		c.onWrite(env)
	}
	return nil
}
func (c *fakeConn) Close(code int, reason string) error { c.open = false; return nil }
func (c *fakeConn) IsOpen() bool                        { return c.open }

func resolver(botID, botName string) func(context.Context, string) (string, string, error) {
	return func(ctx context.Context, token string) (string, string, error) {
		return botID, botName, nil
	}
}

func TestRequestSuccessResolvesViaReply(t *testing.T) {
	store := kv.NewMemoryStore()
	busInst := bus.NewMemoryBus()
	h := New("inst-a", store, busInst, logging.NewNop(), resolver("bot1", "Bot One"), nil)
	ctx := context.Background()
	require.NoError(t, h.Start(ctx))

	conn := &fakeConn{open: true}
	conn.onWrite = func(env envelope.Envelope) {
		if env.Type != envelope.TypeDebateRequest {
			return
		}
		var p envelope.DebateRequestPayload
		require.NoError(t, env.Decode(&p))
		go h.OnReply(ctx, "bot1", envelope.DebateReplyPayload{RequestID: p.RequestID, Message: "hello"})
	}

	_, err := h.Attach(ctx, "tok", conn)
	require.NoError(t, err)

	res := h.Request(ctx, "bot1", envelope.DebateRequestPayload{}, 2*time.Second)
	require.NoError(t, res.Err)
	require.Equal(t, "hello", res.Message)
}

func TestRequestTimesOutWhenBotNeverReplies(t *testing.T) {
	store := kv.NewMemoryStore()
	busInst := bus.NewMemoryBus()
	h := New("inst-a", store, busInst, logging.NewNop(), resolver("bot1", "Bot One"), nil)
	ctx := context.Background()
	require.NoError(t, h.Start(ctx))

	conn := &fakeConn{open: true}
	_, err := h.Attach(ctx, "tok", conn)
	require.NoError(t, err)

	res := h.Request(ctx, "bot1", envelope.DebateRequestPayload{}, 50*time.Millisecond)
	require.Error(t, res.Err)
}

func TestRequestFailsWhenBotNotConnected(t *testing.T) {
	store := kv.NewMemoryStore()
	busInst := bus.NewMemoryBus()
	h := New("inst-a", store, busInst, logging.NewNop(), resolver("bot1", "Bot One"), nil)
	ctx := context.Background()
	require.NoError(t, h.Start(ctx))

	res := h.Request(ctx, "ghost", envelope.DebateRequestPayload{}, 50*time.Millisecond)
	require.Error(t, res.Err)
}

func TestAttachReplacesPreviousConnectionWithCode4003(t *testing.T) {
	store := kv.NewMemoryStore()
	busInst := bus.NewMemoryBus()
	h := New("inst-a", store, busInst, logging.NewNop(), resolver("bot1", "Bot One"), nil)
	ctx := context.Background()
	require.NoError(t, h.Start(ctx))

	first := &fakeConn{open: true}
	_, err := h.Attach(ctx, "tok", first)
	require.NoError(t, err)

	second := &fakeConn{open: true}
	_, err = h.Attach(ctx, "tok", second)
	require.NoError(t, err)

	require.False(t, first.open)
	require.True(t, h.IsAttachedLocally("bot1"))
}

func TestDetachRemovesQueueAttachmentAndInvokesOnDetach(t *testing.T) {
	store := kv.NewMemoryStore()
	busInst := bus.NewMemoryBus()
	detached := ""
	h := New("inst-a", store, busInst, logging.NewNop(), resolver("bot1", "Bot One"), func(botID string) {
		detached = botID
	})
	ctx := context.Background()
	require.NoError(t, h.Start(ctx))

	conn := &fakeConn{open: true}
	_, err := h.Attach(ctx, "tok", conn)
	require.NoError(t, err)

	h.Detach(ctx, "bot1", conn)

	require.Equal(t, "bot1", detached)
	require.False(t, h.IsAttachedLocally("bot1"))
	_, err = store.Get(ctx, attachmentKey("bot1"))
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestCrossInstanceRequestRoutesThroughBus(t *testing.T) {
	store := kv.NewMemoryStore()
	busInst := bus.NewMemoryBus()
	ctx := context.Background()

	hostA := New("inst-a", store, busInst, logging.NewNop(), resolver("bot1", "Bot One"), nil)
	require.NoError(t, hostA.Start(ctx))
	conn := &fakeConn{open: true}
	conn.onWrite = func(env envelope.Envelope) {
		if env.Type != envelope.TypeDebateRequest {
			return
		}
		var p envelope.DebateRequestPayload
		require.NoError(t, env.Decode(&p))
		go hostA.OnReply(ctx, "bot1", envelope.DebateReplyPayload{RequestID: p.RequestID, Message: "cross-instance hi"})
	}
	_, err := hostA.Attach(ctx, "tok", conn)
	require.NoError(t, err)

	hostB := New("inst-b", store, busInst, logging.NewNop(), resolver("unused", ""), nil)
	require.NoError(t, hostB.Start(ctx))

	res := hostB.Request(ctx, "bot1", envelope.DebateRequestPayload{}, 2*time.Second)
	require.NoError(t, res.Err)
	require.Equal(t, "cross-instance hi", res.Message)
}
