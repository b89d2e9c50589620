// Package contest implements the per-contest state machine of
// spec.md §4.E: phase transitions, bot invocations, vote collection
// windows, result persistence, spectator broadcast, and finalization.
// Exactly one orchestrator runs per active contest, on the instance
// that holds its ownership lease.
package contest

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"crab.casa/debate-arena/internal/apperrors"
	"crab.casa/debate-arena/internal/broadcaster"
	"crab.casa/debate-arena/internal/domain"
	"crab.casa/debate-arena/internal/envelope"
	"crab.casa/debate-arena/internal/kv"
	"crab.casa/debate-arena/internal/logging"
	"crab.casa/debate-arena/internal/rating"
	"crab.casa/debate-arena/internal/repo"
	"crab.casa/debate-arena/internal/transport"
)

// settledKey guards settleStakes against running twice for the same
// contest across a recovery replay, adapted from the teacher's
// match-result cache (SPEC_FULL.md "Idempotent settlement cache").
func settledKey(contestID string) string { return "debate:settled:" + contestID }

// Settler is the pluggable stake-settlement hook invoked at
// finalization; payout logic itself lives outside the core per
// spec.md §1.
type Settler interface {
	SettleStakes(ctx context.Context, contestID string, winner domain.Side) ([]envelope.Payout, error)
}

// Hub is the subset of transport.Hub the orchestrator calls.
type Hub interface {
	Request(ctx context.Context, botID string, payload envelope.DebateRequestPayload, timeout time.Duration) transport.Result
}

// active holds the in-memory state of one running contest, per
// spec.md §4.E.
type active struct {
	mu sync.Mutex

	snapshot domain.Contest
	preset   domain.Preset
	proBot   domain.Bot
	conBot   domain.Bot
	topic    domain.Topic

	messages []domain.Message
	votes    map[int]map[string]domain.Side // roundIndex -> voterID -> choice

	sink      *broadcaster.Broadcaster
	cancelled bool
	resumed   bool // set by Recover; consumed once a spectator sink attaches
}

// Orchestrator runs every active contest on this instance.
type Orchestrator struct {
	instanceID string
	repos      repo.Repositories
	hub        Hub
	settler    Settler
	ratingCfg  rating.Config
	logger     logging.Logger
	kvStore    kv.Store

	claim   func(ctx context.Context, contestID string) (bool, error)
	release func(ctx context.Context, contestID string) error

	mu      sync.Mutex
	running map[string]*active
}

// New builds an Orchestrator. claim/release are the ownership
// manager's Claim/Release, injected to avoid an import cycle (ownership
// depends on nothing contest-specific; contest depends on ownership's
// primitives only through these two functions).
func New(instanceID string, repos repo.Repositories, hub Hub, settler Settler, ratingCfg rating.Config, logger logging.Logger, kvStore kv.Store,
	claim func(ctx context.Context, contestID string) (bool, error),
	release func(ctx context.Context, contestID string) error,
) *Orchestrator {
	return &Orchestrator{
		instanceID: instanceID,
		repos:      repos,
		hub:        hub,
		settler:    settler,
		ratingCfg:  ratingCfg,
		logger:     logger,
		kvStore:    kvStore,
		claim:      claim,
		release:    release,
		running:    make(map[string]*active),
	}
}

// Create validates the preset and inserts the contest row with
// status=pending, per spec.md §4.E.
func (o *Orchestrator) Create(ctx context.Context, proBotID, conBotID, topicID string, stake int, presetID string) (domain.Contest, error) {
	if _, ok := o.repos.Presets.Get(presetID); !ok {
		return domain.Contest{}, apperrors.ErrUnknownPreset
	}

	c := domain.Contest{
		ID:              newContestID(),
		ProBotID:        proBotID,
		ConBotID:        conBotID,
		TopicID:         topicID,
		PresetID:        presetID,
		Status:          domain.StatusPending,
		CurrentRoundIdx: 0,
		RoundStatus:     domain.RoundPending,
		Stake:           stake,
		CreatedAt:       time.Now(),
	}
	return o.repos.Contests.Create(ctx, c)
}

// Start claims ownership, attaches in-memory state, and launches the
// run loop in a background goroutine, per spec.md §4.E.
func (o *Orchestrator) Start(ctx context.Context, contestID string, sink *broadcaster.Broadcaster) error {
	c, err := o.repos.Contests.Get(ctx, contestID)
	if err != nil {
		return err
	}
	preset, ok := o.repos.Presets.Get(c.PresetID)
	if !ok {
		return apperrors.ErrUnknownPreset
	}
	proBot, err := o.repos.Bots.Get(ctx, c.ProBotID)
	if err != nil {
		return err
	}
	conBot, err := o.repos.Bots.Get(ctx, c.ConBotID)
	if err != nil {
		return err
	}
	topic, err := o.repos.Topics.Get(ctx, c.TopicID)
	if err != nil {
		return err
	}

	claimed, err := o.claim(ctx, contestID)
	if err != nil {
		return err
	}
	if !claimed {
		return apperrors.ErrAlreadyOwned
	}

	now := time.Now()
	c.Status = domain.StatusInProgress
	c.StartedAt = &now
	if err := o.repos.Contests.UpdateStatus(ctx, contestID, domain.StatusInProgress, &now, nil, nil); err != nil {
		return err
	}

	a := &active{
		snapshot: c,
		preset:   preset,
		proBot:   proBot,
		conBot:   conBot,
		topic:    topic,
		votes:    make(map[int]map[string]domain.Side),
		sink:     sink,
	}
	o.mu.Lock()
	o.running[contestID] = a
	o.mu.Unlock()

	o.emit(a, envelope.TypeDebateStarted, envelope.DebateStartedPayload{
		DebateID: contestID, ProBot: proBot.ID, ConBot: conBot.ID, Topic: topic.Text,
	})

	go o.runFrom(ctx, a, 0)
	return nil
}

// runFrom drives the run loop starting at startRound, sleeping
// preset.prepTime first only when starting from round 0 (a fresh
// start, or a recovery that resumes before any round has a result).
func (o *Orchestrator) runFrom(ctx context.Context, a *active, startRound int) {
	if startRound == 0 {
		time.Sleep(time.Duration(a.preset.PrepTime) * time.Second)
	}

	for i := startRound; i < len(a.preset.Rounds); i++ {
		if o.isCancelled(a) {
			return
		}
		a.mu.Lock()
		a.snapshot.CurrentRoundIdx = i
		a.mu.Unlock()
		if err := o.repos.Contests.UpdateRoundState(ctx, a.snapshot.ID, i, domain.RoundBotResponding); err != nil {
			o.logger.WithField("contest_id", a.snapshot.ID).WithField("error", err.Error()).Warn("failed to persist round index")
		}

		o.runRound(ctx, a, i, a.preset.Rounds[i])

		if o.isCancelled(a) {
			return
		}
	}

	o.finalize(ctx, a)
}

func (o *Orchestrator) isCancelled(a *active) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

// runRound implements spec.md §4.E's per-round sequence: bot turns,
// then the voting window, then the round-result close.
func (o *Orchestrator) runRound(ctx context.Context, a *active, roundIdx int, cfg domain.RoundConfig) {
	o.emit(a, envelope.TypeRoundStarted, envelope.RoundStartedPayload{
		DebateID: a.snapshot.ID, Round: cfg.Name, RoundIndex: roundIdx, TimeLimit: cfg.TimeLimit,
	})
	if err := o.repos.Contests.UpdateRoundState(ctx, a.snapshot.ID, roundIdx, domain.RoundBotResponding); err != nil {
		o.logger.WithField("contest_id", a.snapshot.ID).WithField("error", err.Error()).Warn("failed to persist round status")
	}

	exchanges := cfg.Exchanges
	if exchanges <= 0 {
		exchanges = 1
	}
	for n := 0; n < exchanges; n++ {
		if o.isCancelled(a) {
			return
		}
		switch cfg.Speaker {
		case domain.SidePro:
			o.getBotResponse(ctx, a, roundIdx, cfg, domain.SidePro, a.proBot)
		case domain.SideCon:
			o.getBotResponse(ctx, a, roundIdx, cfg, domain.SideCon, a.conBot)
		case domain.SideBoth:
			o.getBotResponse(ctx, a, roundIdx, cfg, domain.SidePro, a.proBot)
			if o.isCancelled(a) {
				return
			}
			o.getBotResponse(ctx, a, roundIdx, cfg, domain.SideCon, a.conBot)
		}
	}

	if o.isCancelled(a) {
		return
	}

	if err := o.repos.Contests.UpdateRoundState(ctx, a.snapshot.ID, roundIdx, domain.RoundVoting); err != nil {
		o.logger.WithField("contest_id", a.snapshot.ID).WithField("error", err.Error()).Warn("failed to persist round status")
	}
	o.runVotingWindow(ctx, a, roundIdx)
}

// getBotResponse implements spec.md §4.E's request-envelope
// construction and fallback-on-failure policy.
func (o *Orchestrator) getBotResponse(ctx context.Context, a *active, roundIdx int, cfg domain.RoundConfig, position domain.Side, bot domain.Bot) {
	o.emit(a, envelope.TypeBotTyping, envelope.BotTypingPayload{
		DebateID: a.snapshot.ID, Position: string(position), BotID: bot.ID,
	})

	payload := envelope.DebateRequestPayload{
		DebateID:            a.snapshot.ID,
		Round:               cfg.Name,
		RoundIndex:          roundIdx,
		Topic:               a.topic.Text,
		Position:            string(position),
		OpponentLastMessage: o.lastOpponentMessage(a, position),
		TimeLimitSeconds:    cfg.TimeLimit,
		WordLimit:           envelope.WordLimit{Min: cfg.WordLimit.Min, Max: cfg.WordLimit.Max},
		CharLimit:           envelope.CharLimit{Min: cfg.WordLimit.Min * 4, Max: cfg.WordLimit.Max * 7},
		MessagesSoFar:       o.messagesSoFar(a),
	}

	timeout := time.Duration(cfg.TimeLimit) * time.Second
	result := o.hub.Request(ctx, bot.ID, payload, timeout)

	content := result.Message
	if result.Err != nil {
		content = fmt.Sprintf("[Bot failed to respond: %s]", fallbackReason(result.Err, cfg.TimeLimit))
	}

	msg := domain.Message{
		ContestID:  a.snapshot.ID,
		RoundIndex: roundIdx,
		Position:   position,
		BotID:      bot.ID,
		Content:    content,
		CreatedAt:  time.Now(),
	}
	a.mu.Lock()
	a.messages = append(a.messages, msg)
	a.mu.Unlock()

	if err := o.repos.Messages.Append(ctx, msg); err != nil {
		o.logger.WithField("contest_id", a.snapshot.ID).WithField("error", err.Error()).Warn("failed to persist message")
	}

	o.emit(a, envelope.TypeBotMessage, envelope.BotMessagePayload{
		DebateID: a.snapshot.ID, Round: cfg.Name, RoundIndex: roundIdx,
		Position: string(position), BotID: bot.ID, Content: content, IsComplete: true,
	})
}

func fallbackReason(err error, timeLimit int) string {
	if apperrors.Is(err, apperrors.ErrBotTimeout) || apperrors.Is(err, apperrors.ErrCrossInstanceTimeout) {
		return fmt.Sprintf("Bot timed out after %dms", timeLimit*1000)
	}
	if apperrors.Is(err, apperrors.ErrBotNotConnected) {
		return "Bot not connected"
	}
	if apperrors.Is(err, apperrors.ErrMalformedReply) {
		return "Bot reply failed validation"
	}
	return "Bot transport error"
}

// lastOpponentMessage returns the last prior message authored by the
// opposing position across all rounds, or nil.
func (o *Orchestrator) lastOpponentMessage(a *active, position domain.Side) *string {
	opponent := domain.SideCon
	if position == domain.SideCon {
		opponent = domain.SidePro
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.messages) - 1; i >= 0; i-- {
		if a.messages[i].Position == opponent {
			content := a.messages[i].Content
			return &content
		}
	}
	return nil
}

func (o *Orchestrator) messagesSoFar(a *active) []envelope.MessageSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]envelope.MessageSummary, 0, len(a.messages))
	for _, m := range a.messages {
		out = append(out, envelope.MessageSummary{
			Round: fmt.Sprintf("%d", m.RoundIndex), Position: string(m.Position), Content: m.Content,
		})
	}
	return out
}

// runVotingWindow implements the 1s-tick countdown, vote_update
// emission, and round-result close of spec.md §4.E.
func (o *Orchestrator) runVotingWindow(ctx context.Context, a *active, roundIdx int) {
	a.mu.Lock()
	a.votes[roundIdx] = make(map[string]domain.Side)
	a.mu.Unlock()

	o.emit(a, envelope.TypeVotingStarted, envelope.VotingStartedPayload{
		DebateID: a.snapshot.ID, RoundIndex: roundIdx, TimeLimit: a.preset.VoteWindow,
	})

	ticks := int(math.Ceil(float64(a.preset.VoteWindow)))
	for i := 0; i < ticks; i++ {
		if o.isCancelled(a) {
			return
		}
		time.Sleep(1 * time.Second)
		pro, con, err := o.repos.Votes.Tally(ctx, a.snapshot.ID, roundIdx)
		if err != nil {
			o.logger.WithField("contest_id", a.snapshot.ID).WithField("error", err.Error()).Warn("vote tally failed")
			continue
		}
		o.emit(a, envelope.TypeVoteUpdate, envelope.VoteUpdatePayload{
			DebateID: a.snapshot.ID, RoundIndex: roundIdx, ProVotes: pro, ConVotes: con,
		})
	}

	if o.isCancelled(a) {
		return
	}

	pro, con, err := o.repos.Votes.Tally(ctx, a.snapshot.ID, roundIdx)
	if err != nil {
		o.logger.WithField("contest_id", a.snapshot.ID).WithField("error", err.Error()).Warn("final vote tally failed")
	}
	winner := domain.SideCon
	if pro >= con {
		winner = domain.SidePro // ties favor pro, per spec.md §4.E
	}

	rr := domain.RoundResult{ContestID: a.snapshot.ID, RoundIndex: roundIdx, ProVotes: pro, ConVotes: con, Winner: winner}
	if _, err := o.repos.RoundResults.Insert(ctx, rr); err != nil {
		o.logger.WithField("contest_id", a.snapshot.ID).WithField("error", err.Error()).Warn("failed to persist round result")
	}

	cumPro, cumCon := o.cumulativeScore(ctx, a, roundIdx, rr)

	o.emit(a, envelope.TypeRoundEnded, envelope.RoundEndedPayload{
		DebateID: a.snapshot.ID,
		Result: envelope.RoundResultPayload{
			RoundIndex: roundIdx, ProVotes: pro, ConVotes: con, Winner: string(winner),
		},
		CumulativePro: cumPro, CumulativeCon: cumCon,
	})

	if err := o.repos.Contests.UpdateRoundState(ctx, a.snapshot.ID, roundIdx, domain.RoundCompleted); err != nil {
		o.logger.WithField("contest_id", a.snapshot.ID).WithField("error", err.Error()).Warn("failed to persist round status")
	}
}

func (o *Orchestrator) cumulativeScore(ctx context.Context, a *active, upToRound int, latest domain.RoundResult) (int, int) {
	results, err := o.repos.RoundResults.ListByContest(ctx, a.snapshot.ID)
	if err != nil {
		if latest.Winner == domain.SidePro {
			return 1, 0
		}
		return 0, 1
	}
	var pro, con int
	for _, r := range results {
		if r.Winner == domain.SidePro {
			pro++
		} else {
			con++
		}
	}
	return pro, con
}

// SubmitVote implements spec.md §4.E's submitVote: accepted only while
// the contest is active locally and currently voting on roundIndex.
func (o *Orchestrator) SubmitVote(ctx context.Context, contestID string, roundIndex int, voterID string, choice domain.Side) (bool, error) {
	o.mu.Lock()
	a, ok := o.running[contestID]
	o.mu.Unlock()
	if !ok {
		return false, apperrors.ErrNotVotingPhase
	}

	a.mu.Lock()
	currentRound := a.snapshot.CurrentRoundIdx
	a.mu.Unlock()
	if currentRound != roundIndex {
		return false, apperrors.ErrRoundMismatch
	}

	cur, err := o.repos.Contests.Get(ctx, contestID)
	if err != nil {
		return false, err
	}
	if cur.RoundStatus != domain.RoundVoting {
		return false, apperrors.ErrNotVotingPhase
	}

	accepted, err := o.repos.Votes.Insert(ctx, domain.Vote{ContestID: contestID, RoundIndex: roundIndex, VoterID: voterID, Choice: choice})
	if err != nil {
		return false, err
	}
	return accepted, nil
}

// finalize implements spec.md §4.E's finalize: overall winner,
// rating deltas, stake settlement, persistence, and emission.
func (o *Orchestrator) finalize(ctx context.Context, a *active) {
	results, err := o.repos.RoundResults.ListByContest(ctx, a.snapshot.ID)
	if err != nil {
		o.logger.WithField("contest_id", a.snapshot.ID).WithField("error", err.Error()).Warn("finalize: failed to list round results")
	}
	var proWins, conWins int
	for _, r := range results {
		if r.Winner == domain.SidePro {
			proWins++
		} else {
			conWins++
		}
	}
	winner := domain.SideCon
	if proWins >= conWins {
		winner = domain.SidePro // ties favor pro, per spec.md §4.E
	}

	winnerBot, loserBot := a.proBot, a.conBot
	if winner == domain.SideCon {
		winnerBot, loserBot = a.conBot, a.proBot
	}
	deltas := rating.MatchDeltas(winnerBot.Rating, loserBot.Rating, o.ratingCfg)

	if err := o.repos.Bots.UpdateAfterMatch(ctx, winnerBot.ID, deltas.Winner, true); err != nil {
		o.logger.WithField("bot_id", winnerBot.ID).WithField("error", err.Error()).Warn("failed to persist winner rating")
	}
	if err := o.repos.Bots.UpdateAfterMatch(ctx, loserBot.ID, deltas.Loser, false); err != nil {
		o.logger.WithField("bot_id", loserBot.ID).WithField("error", err.Error()).Warn("failed to persist loser rating")
	}

	var payouts []envelope.Payout
	alreadySettled := false
	if o.kvStore != nil {
		won, setErr := o.kvStore.SetIfAbsent(ctx, settledKey(a.snapshot.ID), o.instanceID, 0)
		if setErr != nil {
			o.logger.WithField("contest_id", a.snapshot.ID).WithField("error", setErr.Error()).Warn("settlement marker check failed, settling anyway")
		} else {
			alreadySettled = !won
		}
	}
	if o.settler != nil && !alreadySettled {
		payouts, err = o.settler.SettleStakes(ctx, a.snapshot.ID, winner)
		if err != nil {
			o.logger.WithField("contest_id", a.snapshot.ID).WithField("error", err.Error()).Warn("stake settlement failed")
		}
	}

	now := time.Now()
	w := winner
	if err := o.repos.Contests.UpdateStatus(ctx, a.snapshot.ID, domain.StatusCompleted, nil, &now, &w); err != nil {
		o.logger.WithField("contest_id", a.snapshot.ID).WithField("error", err.Error()).Warn("failed to persist completion")
	}

	o.emit(a, envelope.TypeDebateEnded, envelope.DebateEndedPayload{
		DebateID: a.snapshot.ID,
		Winner:   string(winner),
		FinalScore: envelope.RoundResultPayload{
			ProVotes: proWins, ConVotes: conWins, Winner: string(winner),
		},
		Deltas: []envelope.RatingDelta{
			{BotID: winnerBot.ID, OldRating: winnerBot.Rating, NewRating: deltas.Winner, Delta: deltas.Winner - winnerBot.Rating},
			{BotID: loserBot.ID, OldRating: loserBot.Rating, NewRating: deltas.Loser, Delta: deltas.Loser - loserBot.Rating},
		},
		Payouts: payouts,
	})

	o.detach(a.snapshot.ID)
	if err := o.release(ctx, a.snapshot.ID); err != nil {
		o.logger.WithField("contest_id", a.snapshot.ID).WithField("error", err.Error()).Warn("failed to release ownership after finalize")
	}
}

// Cancel implements spec.md §4.E's cancel: emits an error envelope,
// marks cancelled, detaches, releases ownership. Any in-flight
// runRound/voting-window check observes cancelled and exits promptly.
func (o *Orchestrator) Cancel(ctx context.Context, contestID, reason string) {
	o.mu.Lock()
	a, ok := o.running[contestID]
	o.mu.Unlock()
	if !ok {
		return
	}

	a.mu.Lock()
	a.cancelled = true
	a.mu.Unlock()

	o.emit(a, envelope.TypeError, envelope.ErrorPayload{DebateID: contestID, Code: apperrors.CodeDebateCancelled, Message: reason})

	if err := o.repos.Contests.UpdateStatus(ctx, contestID, domain.StatusCancelled, nil, nil, nil); err != nil {
		o.logger.WithField("contest_id", contestID).WithField("error", err.Error()).Warn("failed to persist cancellation")
	}

	o.detach(contestID)
	if err := o.release(ctx, contestID); err != nil {
		o.logger.WithField("contest_id", contestID).WithField("error", err.Error()).Warn("failed to release ownership after cancel")
	}
}

func (o *Orchestrator) detach(contestID string) {
	o.mu.Lock()
	delete(o.running, contestID)
	o.mu.Unlock()
}

func (o *Orchestrator) emit(a *active, typ string, payload interface{}) {
	if a.sink == nil {
		return
	}
	env, err := envelope.New(typ, payload)
	if err != nil {
		o.logger.WithField("error", err.Error()).Warn("failed to marshal outbound envelope")
		return
	}
	a.sink.Broadcast(env)
}

var contestSeq = newSeqCounter()

func newContestID() string {
	return fmt.Sprintf("debate-%d-%d", time.Now().UnixNano(), contestSeq.next())
}
