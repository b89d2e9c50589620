package wsserver

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"crab.casa/debate-arena/internal/apperrors"
	"crab.casa/debate-arena/internal/broadcaster"
	"crab.casa/debate-arena/internal/domain"
)

// handleSpectatorConnect upgrades a request at /debates/<id>/spectate
// and joins the caller to that contest's broadcaster, re-attaching it
// to the orchestrator's in-memory state if this instance currently
// owns (or has just recovered) the contest, per spec.md §4.F.
func (s *Server) handleSpectatorConnect(w http.ResponseWriter, r *http.Request) {
	contestID := mux.Vars(r)["id"]

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithField("error", err.Error()).Warn("spectator websocket upgrade failed")
		return
	}
	conn := newWSConn(raw)

	sink := s.BroadcasterFor(contestID)
	s.orchestrator.AttachSpectatorSink(contestID, sink)
	sink.Join(conn)

	s.readSpectatorLoop(conn, sink)
}

// readSpectatorLoop discards inbound frames; a spectator's only
// meaningful action (voting) goes over the HTTP vote endpoint below,
// not the socket. The loop exists only to detect disconnect so the
// broadcaster drops the sink; a failed Send alone does not remove it.
func (s *Server) readSpectatorLoop(conn *wsConn, b *broadcaster.Broadcaster) {
	defer b.Leave(conn)
	for {
		if _, _, err := conn.raw.ReadMessage(); err != nil {
			return
		}
	}
}

type voteRequest struct {
	RoundIndex int    `json:"roundIndex"`
	VoterID    string `json:"voterId"`
	Choice     string `json:"choice"`
}

type voteResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// handleSubmitVote is the thin HTTP translation of
// contest.Orchestrator.SubmitVote; the API surface proper (auth,
// request schema) is explicitly out of scope (spec.md §1), so this is
// the minimal entry point that exercises the operation.
func (s *Server) handleSubmitVote(w http.ResponseWriter, r *http.Request) {
	contestID := mux.Vars(r)["id"]

	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeVoteResponse(w, http.StatusBadRequest, voteResponse{Error: apperrors.CodeOf(apperrors.ErrInvalidInput)})
		return
	}

	choice := domain.Side(req.Choice)
	if choice != domain.SidePro && choice != domain.SideCon {
		writeVoteResponse(w, http.StatusBadRequest, voteResponse{Error: apperrors.CodeOf(apperrors.ErrInvalidInput)})
		return
	}

	accepted, err := s.orchestrator.SubmitVote(r.Context(), contestID, req.RoundIndex, req.VoterID, choice)
	if err != nil {
		writeVoteResponse(w, http.StatusConflict, voteResponse{Accepted: false, Error: apperrors.CodeOf(err)})
		return
	}
	writeVoteResponse(w, http.StatusOK, voteResponse{Accepted: accepted})
}

func writeVoteResponse(w http.ResponseWriter, status int, resp voteResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
