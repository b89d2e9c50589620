// Package domain holds the data model of spec.md §3: the types every
// other package (repo, contest, matchmaker) shares. Kept dependency-
// free so it can sit under both the persistence layer and the
// orchestrator without an import cycle.
package domain

import "time"

// ContestStatus is the top-level lifecycle state of a Contest.
type ContestStatus string

const (
	StatusPending    ContestStatus = "pending"
	StatusInProgress ContestStatus = "in_progress"
	StatusVoting     ContestStatus = "voting"
	StatusCompleted  ContestStatus = "completed"
	StatusCancelled  ContestStatus = "cancelled"
)

// RoundStatus is the within-round phase of the current round.
type RoundStatus string

const (
	RoundPending       RoundStatus = "pending"
	RoundBotResponding RoundStatus = "bot_responding"
	RoundVoting        RoundStatus = "voting"
	RoundCompleted     RoundStatus = "completed"
)

// Side is a debate position.
type Side string

const (
	SidePro  Side = "pro"
	SideCon  Side = "con"
	SideBoth Side = "both"
)

// Contest is the scheduled pairing of spec.md §3.
type Contest struct {
	ID               string
	ProBotID         string
	ConBotID         string
	TopicID          string
	PresetID         string
	Status           ContestStatus
	CurrentRoundIdx  int
	RoundStatus      RoundStatus
	Stake            int
	SpectatorCount   int
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	Winner           *Side
}

// WordLimit bounds a turn's word count.
type WordLimit struct {
	Min int
	Max int
}

// RoundConfig is one entry in a Preset's round sequence.
type RoundConfig struct {
	Name       string
	Speaker    Side
	TimeLimit  int // seconds
	WordLimit  WordLimit
	Exchanges  int // default 1
}

// Preset is the immutable round-sequence/timings description of
// spec.md §3; a contest snapshots its preset at start.
type Preset struct {
	ID          string
	Rounds      []RoundConfig
	PrepTime    int // seconds
	VoteWindow  int // seconds
}

// Message is a single turn, per spec.md §3.
type Message struct {
	ContestID  string
	RoundIndex int
	Position   Side
	BotID      string
	Content    string
	CreatedAt  time.Time
}

// Vote is a single spectator ballot for a round.
type Vote struct {
	ContestID  string
	RoundIndex int
	VoterID    string
	Choice     Side
}

// RoundResult is the closed tally for one round.
type RoundResult struct {
	ContestID  string
	RoundIndex int
	ProVotes   int
	ConVotes   int
	Winner     Side
}

// QueueEntry is a waiting matchmaker entry, persisted only in memory
// per spec.md §3 ("queue state is in-memory").
type QueueEntry struct {
	EntryID       string
	BotID         string
	UserID        string
	PresetID      string
	Rating        int
	Stake         int
	JoinedAt      time.Time
	ExpandedRange int
}

// Bot is the minimal identity/rating record the orchestrator and
// matchmaker need; wallet, cosmetics, etc. live outside the core.
type Bot struct {
	ID     string
	Name   string
	Rating int
	Wins   int
	Losses int
}

// Topic is an assigned debate subject.
type Topic struct {
	ID   string
	Text string
}
