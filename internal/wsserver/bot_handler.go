package wsserver

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"crab.casa/debate-arena/internal/envelope"
	"crab.casa/debate-arena/internal/ids"
)

// Close codes of spec.md §6's bot connection contract.
const (
	closeBadURL   = 4001
	closeBadToken = 4002
)

// handleBotConnect upgrades a request at /bot/connect/<64-hex> and
// attaches it to the transport hub.
func (s *Server) handleBotConnect(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithField("error", err.Error()).Warn("bot websocket upgrade failed")
		return
	}
	conn := newWSConn(raw)

	if !ids.IsHex64(token) {
		_ = conn.Close(closeBadURL, "connect token must be 64 hex characters")
		return
	}

	ctx := r.Context()
	botID, err := s.hub.Attach(ctx, token, conn)
	if err != nil {
		_ = conn.Close(closeBadToken, "token did not resolve to a bot")
		return
	}

	s.readBotLoop(ctx, botID, conn)
}

// readBotLoop pumps inbound envelopes from an attached bot until the
// connection closes, per spec.md §4.C's detachment contract.
func (s *Server) readBotLoop(ctx context.Context, botID string, conn *wsConn) {
	defer s.hub.Detach(ctx, botID, conn)
	defer func() {
		if s.matchmaker != nil {
			s.matchmaker.Leave(botID)
		}
	}()

	for {
		var env envelope.Envelope
		if err := conn.raw.ReadJSON(&env); err != nil {
			return
		}

		switch env.Type {
		case envelope.TypePong:
			s.hub.OnPong(ctx, botID)

		case envelope.TypeDebateReply:
			var payload envelope.DebateReplyPayload
			if err := env.Decode(&payload); err != nil {
				s.logger.WithField("bot_id", botID).Warn("malformed debate_response envelope, dropping")
				continue
			}
			s.hub.OnReply(ctx, botID, payload)

		case envelope.TypeQueueJoin:
			var payload envelope.QueueJoinPayload
			if err := env.Decode(&payload); err != nil {
				s.logger.WithField("bot_id", botID).Warn("malformed queue_join envelope, dropping")
				continue
			}
			s.handleQueueJoin(ctx, botID, payload)

		case envelope.TypeQueueLeave:
			if s.matchmaker != nil {
				s.matchmaker.Leave(botID)
			}

		default:
			s.logger.WithField("bot_id", botID).WithField("type", env.Type).Warn("unrecognized bot envelope, dropping")
		}
	}
}

func (s *Server) handleQueueJoin(ctx context.Context, botID string, payload envelope.QueueJoinPayload) {
	if s.matchmaker == nil {
		return
	}

	bot, err := s.bots.Get(ctx, botID)
	if err != nil {
		s.logger.WithField("bot_id", botID).WithField("error", err.Error()).Warn("queue_join: failed to resolve bot")
		return
	}

	presetID := s.presets.Default()
	if payload.PresetID != nil {
		presetID = *payload.PresetID
	}
	stake := 0
	if payload.Stake != nil {
		stake = *payload.Stake
	}

	entryID, err := uuid.NewRandom()
	if err != nil {
		s.logger.WithField("error", err.Error()).Warn("queue_join: failed to mint entry id")
		return
	}

	s.matchmaker.Join(entryID.String(), botID, botID, presetID, bot.Rating, stake)
}
