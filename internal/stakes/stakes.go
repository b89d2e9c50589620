// Package stakes implements the pluggable settleStakes hook spec.md
// §4.E's finalize step invokes at completion: a winner-take-all
// transfer of the contest's stake, expressed as additive per-bot
// deltas in the shape of the teacher's RewardPayload domains (discrete
// deltas, not absolute totals, so settlement stays safe to retry).
package stakes

import (
	"context"
	"fmt"

	"crab.casa/debate-arena/internal/domain"
	"crab.casa/debate-arena/internal/envelope"
	"crab.casa/debate-arena/internal/repo"
)

// Settler is the teacher-idiom, winner-take-all implementation of
// contest.Settler: the stake is a flat amount staked by both sides,
// and the winner's bot receives it from the loser's bot.
type Settler struct {
	contests repo.ContestRepo
}

// New builds a Settler backed by the contest repository, which is the
// only place the stake amount is recorded (spec.md §3's Contest.stake).
func New(contests repo.ContestRepo) *Settler {
	return &Settler{contests: contests}
}

// SettleStakes returns a two-entry payout slice: +stake for the winner,
// -stake for the loser. The relational schema beyond contests.stake is
// explicitly out of scope (spec.md §1's Non-goals), so no wallet or
// ledger write happens here; the caller (contest.finalize) is
// responsible for emitting these as part of debate_ended.
func (s *Settler) SettleStakes(ctx context.Context, contestID string, winner domain.Side) ([]envelope.Payout, error) {
	c, err := s.contests.Get(ctx, contestID)
	if err != nil {
		return nil, fmt.Errorf("settle stakes: load contest %s: %w", contestID, err)
	}

	winnerBot, loserBot := c.ProBotID, c.ConBotID
	if winner == domain.SideCon {
		winnerBot, loserBot = c.ConBotID, c.ProBotID
	}

	if c.Stake == 0 {
		return []envelope.Payout{{BotID: winnerBot, Amount: 0}, {BotID: loserBot, Amount: 0}}, nil
	}

	return []envelope.Payout{
		{BotID: winnerBot, Amount: c.Stake},
		{BotID: loserBot, Amount: -c.Stake},
	}, nil
}
