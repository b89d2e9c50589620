// Package repo defines the persistence interfaces the orchestrator and
// transport hub depend on, and a Postgres-backed implementation
// following the teacher's *sql.DB-injected style. Contests,
// debate_messages, round_results, and votes are the authoritative
// writes of spec.md §6; queue state is in-memory only (matchmaker
// package) and has no repository.
package repo

import (
	"context"
	"time"

	"crab.casa/debate-arena/internal/domain"
)

// ContestRepo covers the contests table.
type ContestRepo interface {
	Create(ctx context.Context, c domain.Contest) (domain.Contest, error)
	Get(ctx context.Context, id string) (domain.Contest, error)
	UpdateStatus(ctx context.Context, id string, status domain.ContestStatus, startedAt, completedAt *time.Time, winner *domain.Side) error
	UpdateRoundState(ctx context.Context, id string, roundIdx int, roundStatus domain.RoundStatus) error
	ListStuckInProgress(ctx context.Context, olderThan time.Duration) ([]string, error)
	ListActive(ctx context.Context) ([]string, error)
	TouchHeartbeat(ctx context.Context, id string) error
}

// MessageRepo covers debate_messages.
type MessageRepo interface {
	Append(ctx context.Context, m domain.Message) error
	ListByContest(ctx context.Context, contestID string) ([]domain.Message, error)
}

// VoteRepo covers votes, enforcing the at-most-one-per-(contest,round,voter)
// invariant at the persistence layer.
type VoteRepo interface {
	// Insert returns (true, nil) if the vote was recorded, (false, nil)
	// if a vote for this (contest, round, voter) already existed.
	Insert(ctx context.Context, v domain.Vote) (bool, error)
	Tally(ctx context.Context, contestID string, roundIndex int) (proVotes, conVotes int, err error)
}

// RoundResultRepo covers round_results.
type RoundResultRepo interface {
	// Insert returns (true, nil) if the row was recorded, (false, nil)
	// if a result for this (contest, round) already existed.
	Insert(ctx context.Context, r domain.RoundResult) (bool, error)
	Get(ctx context.Context, contestID string, roundIndex int) (domain.RoundResult, bool, error)
	ListByContest(ctx context.Context, contestID string) ([]domain.RoundResult, error)
}

// BotRepo resolves bot identity and rating.
type BotRepo interface {
	Get(ctx context.Context, id string) (domain.Bot, error)
	ResolveToken(ctx context.Context, token string) (domain.Bot, error)
	UpdateAfterMatch(ctx context.Context, id string, newRating int, won bool) error
}

// TopicRepo resolves a topic by id.
type TopicRepo interface {
	Get(ctx context.Context, id string) (domain.Topic, error)
}

// PresetRegistry resolves preset configuration by id. Presets are
// immutable at contest start (spec.md §3) and are typically loaded
// once at startup rather than queried per-request.
type PresetRegistry interface {
	Get(id string) (domain.Preset, bool)
	Default() string
}

// Repositories bundles every repository the orchestrator needs.
type Repositories struct {
	Contests     ContestRepo
	Messages     MessageRepo
	Votes        VoteRepo
	RoundResults RoundResultRepo
	Bots         BotRepo
	Topics       TopicRepo
	Presets      PresetRegistry
}
