package contest

import (
	"context"
	"time"

	"crab.casa/debate-arena/internal/broadcaster"
	"crab.casa/debate-arena/internal/domain"
	"crab.casa/debate-arena/internal/envelope"
)

// ListStuckContests and ListActiveContests satisfy ownership.Recoverer
// by delegating to the contest repository.
func (o *Orchestrator) ListStuckContests(ctx context.Context, olderThan time.Duration) ([]string, error) {
	return o.repos.Contests.ListStuckInProgress(ctx, olderThan)
}

func (o *Orchestrator) ListActiveContests(ctx context.Context) ([]string, error) {
	return o.repos.Contests.ListActive(ctx)
}

// Recover implements spec.md §4.E's recover: re-hydrate state from
// storage, resume at the first round missing a result row, or return
// false if the contest is not in_progress (already completed/cancelled
// or not yet started — nothing to recover).
//
// Recovery re-runs the voting window for the resume round rather than
// attempting to preserve partial in-flight votes verbatim: vote tallies
// are authoritative in the database (spec.md §4.E), so re-running the
// window only re-reads and re-emits tallies that already reflect every
// vote cast so far, and a round whose result row already exists is
// skipped outright. This resolves spec.md §9's open question in favor
// of the simpler, already-described behavior.
func (o *Orchestrator) Recover(ctx context.Context, contestID string) (bool, error) {
	c, err := o.repos.Contests.Get(ctx, contestID)
	if err != nil {
		return false, err
	}
	if c.Status != domain.StatusInProgress {
		return false, nil
	}

	preset, ok := o.repos.Presets.Get(c.PresetID)
	if !ok {
		return false, nil
	}
	proBot, err := o.repos.Bots.Get(ctx, c.ProBotID)
	if err != nil {
		return false, err
	}
	conBot, err := o.repos.Bots.Get(ctx, c.ConBotID)
	if err != nil {
		return false, err
	}
	topic, err := o.repos.Topics.Get(ctx, c.TopicID)
	if err != nil {
		return false, err
	}
	messages, err := o.repos.Messages.ListByContest(ctx, contestID)
	if err != nil {
		return false, err
	}
	results, err := o.repos.RoundResults.ListByContest(ctx, contestID)
	if err != nil {
		return false, err
	}

	resolved := make(map[int]bool, len(results))
	for _, r := range results {
		resolved[r.RoundIndex] = true
	}
	resumeRound := len(preset.Rounds)
	for i := range preset.Rounds {
		if !resolved[i] {
			resumeRound = i
			break
		}
	}

	a := &active{
		snapshot: c,
		preset:   preset,
		proBot:   proBot,
		conBot:   conBot,
		topic:    topic,
		messages: messages,
		votes:    make(map[int]map[string]domain.Side),
		resumed:  true,
	}
	o.mu.Lock()
	o.running[contestID] = a
	o.mu.Unlock()

	if resumeRound >= len(preset.Rounds) {
		go o.finalize(ctx, a)
		return true, nil
	}

	go o.runFrom(ctx, a, resumeRound)
	return true, nil
}

// AttachSpectatorSink lets the websocket layer register the
// broadcaster for a contest recovered onto this instance, so
// reconnecting spectators see subsequent envelopes (spec.md §4.E).
func (o *Orchestrator) AttachSpectatorSink(contestID string, sink *broadcaster.Broadcaster) {
	o.mu.Lock()
	a, ok := o.running[contestID]
	o.mu.Unlock()
	if !ok {
		return
	}
	a.mu.Lock()
	a.sink = sink
	justResumed := a.resumed
	a.resumed = false
	roundIdx := a.snapshot.CurrentRoundIdx
	a.mu.Unlock()

	if justResumed {
		o.emit(a, envelope.TypeDebateResumed, envelope.DebateResumedPayload{DebateID: contestID, RoundIndex: roundIdx})
	}
}
