// Package wsserver implements the HTTP/WebSocket surface of spec.md
// §6: bot connect, spectator connect, vote submission, and health,
// built on gorilla/mux for routing and gorilla/websocket for the
// persistent bidirectional connections (both grounded in the
// retrieval pack's convinceme_back and fantasy-esports reference
// files, real-time Go services using this exact pairing).
package wsserver

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"crab.casa/debate-arena/internal/broadcaster"
	"crab.casa/debate-arena/internal/contest"
	"crab.casa/debate-arena/internal/envelope"
	"crab.casa/debate-arena/internal/logging"
	"crab.casa/debate-arena/internal/matchmaker"
	"crab.casa/debate-arena/internal/repo"
	"crab.casa/debate-arena/internal/transport"
)

// Server wires the hub, matchmaker, and orchestrator onto an HTTP
// mux. One Server runs per instance.
type Server struct {
	hub          *transport.Hub
	orchestrator *contest.Orchestrator
	bots         repo.BotRepo
	presets      repo.PresetRegistry
	logger       logging.Logger
	upgrader     websocket.Upgrader

	// matchmaker is set after construction via SetMatchmaker, since the
	// matchmaker's own Creator callback is built from this Server's
	// broadcaster registry and cannot exist before the Server does.
	matchmaker *matchmaker.Matchmaker

	topicIDs  []string
	topicNext uint64

	mu           sync.Mutex
	broadcasters map[string]*broadcaster.Broadcaster
}

// New builds a Server. topicIDs is the fixed pool assigned round-robin
// to newly created contests — topic selection policy is explicitly a
// black box beyond the core (spec.md §1's Non-goals).
func New(hub *transport.Hub, orch *contest.Orchestrator, bots repo.BotRepo, presets repo.PresetRegistry, logger logging.Logger, topicIDs []string) *Server {
	return &Server{
		hub:          hub,
		orchestrator: orch,
		bots:         bots,
		presets:      presets,
		logger:       logger,
		topicIDs:     topicIDs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		broadcasters: make(map[string]*broadcaster.Broadcaster),
	}
}

// SetMatchmaker completes the two-phase wiring needed because the
// matchmaker's Creator callback is built from this Server.
func (s *Server) SetMatchmaker(mm *matchmaker.Matchmaker) {
	s.matchmaker = mm
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/bot/connect/{token}", s.handleBotConnect)
	r.HandleFunc("/debates/{id}/spectate", s.handleSpectatorConnect)
	r.HandleFunc("/debates/{id}/votes", s.handleSubmitVote).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// BroadcasterFor returns the spectator broadcaster for contestID,
// creating it on first use. Its onChange callback publishes
// spectator_count, per spec.md §4.F.
func (s *Server) BroadcasterFor(contestID string) *broadcaster.Broadcaster {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.broadcasters[contestID]; ok {
		return b
	}

	var b *broadcaster.Broadcaster
	b = broadcaster.New(func(count int) {
		env, err := envelope.New(envelope.TypeSpectatorCount, envelope.SpectatorCountPayload{DebateID: contestID, Count: count})
		if err != nil {
			return
		}
		b.Broadcast(env)
	})
	s.broadcasters[contestID] = b
	return b
}

// nextTopicID assigns topics round-robin from the fixed pool.
func (s *Server) nextTopicID() string {
	if len(s.topicIDs) == 0 {
		return ""
	}
	i := s.topicNext % uint64(len(s.topicIDs))
	s.topicNext++
	return s.topicIDs[i]
}

// CreateMatch is the matchmaker.Creator passed to matchmaker.New: it
// creates and starts a contest for a paired entry, wiring in the
// shared broadcaster for the new contest id so spectators that
// connect immediately after pairing see every subsequent envelope.
func (s *Server) CreateMatch(ctx context.Context, a, b matchmaker.Entry) error {
	proEntry, conEntry := a, b
	if proEntry.BotID > conEntry.BotID {
		// stable pro/con assignment: lower bot id speaks pro, so a given
		// pair is not re-ordered across sweeps.
		proEntry, conEntry = conEntry, proEntry
	}

	stake := proEntry.Stake
	if conEntry.Stake < stake {
		stake = conEntry.Stake
	}

	c, err := s.orchestrator.Create(ctx, proEntry.BotID, conEntry.BotID, s.nextTopicID(), stake, proEntry.PresetID)
	if err != nil {
		return err
	}

	sink := s.BroadcasterFor(c.ID)
	return s.orchestrator.Start(ctx, c.ID, sink)
}
