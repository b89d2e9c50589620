// Package envelope defines the tagged-variant wire messages of
// spec.md §6 and §9's "dynamic JSON envelopes" redesign note: every
// message carries a discriminator and a strict payload shape, so
// invalid payloads are rejected at the boundary instead of flowing
// through as untyped maps.
package envelope

import (
	"encoding/json"
	"fmt"
)

// ServerToBot discriminators.
const (
	TypeConnected      = "connected"
	TypePing           = "ping"
	TypeDebateRequest  = "debate_request"
	TypeDebateComplete = "debate_complete"
)

// BotToServer discriminators.
const (
	TypePong          = "pong"
	TypeDebateReply   = "debate_response"
	TypeQueueJoin     = "queue_join"
	TypeQueueLeave    = "queue_leave"
)

// SpectatorEvent discriminators.
const (
	TypeDebateStarted   = "debate_started"
	TypeRoundStarted    = "round_started"
	TypeBotTyping       = "bot_typing"
	TypeBotMessage      = "bot_message"
	TypeVotingStarted   = "voting_started"
	TypeVoteUpdate      = "vote_update"
	TypeRoundEnded      = "round_ended"
	TypeDebateEnded     = "debate_ended"
	TypeSpectatorCount  = "spectator_count"
	TypeError           = "error"
	TypeDebateResumed   = "debate_resumed"
)

// Envelope is the outer shape for every wire message in both
// directions: a discriminator plus an opaque payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals env.Payload into v.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %q has empty payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// New builds an Envelope with v marshaled into Payload.
func New(typ string, v interface{}) (Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Payload: raw}, nil
}

// MustNew is New but panics on marshal failure; safe for payloads we
// construct ourselves from known-good fields.
func MustNew(typ string, v interface{}) Envelope {
	env, err := New(typ, v)
	if err != nil {
		panic(err)
	}
	return env
}

// --- Server -> Bot payloads ---

type ConnectedPayload struct {
	BotID   string `json:"botId"`
	BotName string `json:"botName"`
}

type WordLimit struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

type CharLimit struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

type MessageSummary struct {
	Round    string `json:"round"`
	Position string `json:"position"`
	Content  string `json:"content"`
}

type DebateRequestPayload struct {
	RequestID           string           `json:"requestId"`
	DebateID             string           `json:"debate_id"`
	Round                string           `json:"round"`
	RoundIndex           int              `json:"roundIndex"`
	Topic                string           `json:"topic"`
	Position             string           `json:"position"`
	OpponentLastMessage  *string          `json:"opponent_last_message"`
	TimeLimitSeconds     int              `json:"time_limit_seconds"`
	WordLimit            WordLimit        `json:"word_limit"`
	CharLimit            CharLimit        `json:"char_limit"`
	MessagesSoFar        []MessageSummary `json:"messages_so_far"`
}

type DebateCompletePayload struct {
	DebateID  string `json:"debateId"`
	Won       *bool  `json:"won"`
	EloChange int    `json:"eloChange"`
}

// --- Bot -> Server payloads ---

type DebateReplyPayload struct {
	RequestID  string   `json:"requestId"`
	Message    string   `json:"message"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Validate enforces the strict reply shape of spec.md §4.C: message
// non-empty, confidence (if present) in [0,1].
func (p DebateReplyPayload) Validate() error {
	if p.Message == "" {
		return fmt.Errorf("message must be non-empty")
	}
	if p.Confidence != nil && (*p.Confidence < 0 || *p.Confidence > 1) {
		return fmt.Errorf("confidence must be within [0,1]")
	}
	return nil
}

type QueueJoinPayload struct {
	Stake    *int    `json:"stake,omitempty"`
	PresetID *string `json:"presetId,omitempty"`
}

// --- Spectator payloads ---

type DebateStartedPayload struct {
	DebateID string `json:"debateId"`
	ProBot   string `json:"proBot"`
	ConBot   string `json:"conBot"`
	Topic    string `json:"topic"`
}

// DebateResumedPayload is emitted after ownership handover, so a
// spectator reconnecting after a crash/recovery sees where the new
// owning instance picked the contest back up (spec.md §4.E's recover).
type DebateResumedPayload struct {
	DebateID   string `json:"debateId"`
	RoundIndex int    `json:"roundIndex"`
}

type RoundStartedPayload struct {
	DebateID   string `json:"debateId"`
	Round      string `json:"round"`
	RoundIndex int    `json:"roundIndex"`
	TimeLimit  int    `json:"timeLimit"`
}

type BotTypingPayload struct {
	DebateID string `json:"debateId"`
	Position string `json:"position"`
	BotID    string `json:"botId"`
}

type BotMessagePayload struct {
	DebateID   string `json:"debateId"`
	Round      string `json:"round"`
	RoundIndex int    `json:"roundIndex"`
	Position   string `json:"position"`
	BotID      string `json:"botId"`
	Content    string `json:"content"`
	IsComplete bool   `json:"isComplete"`
}

type VotingStartedPayload struct {
	DebateID  string `json:"debateId"`
	RoundIndex int   `json:"roundIndex"`
	TimeLimit int    `json:"timeLimit"`
}

type VoteUpdatePayload struct {
	DebateID   string `json:"debateId"`
	RoundIndex int    `json:"roundIndex"`
	ProVotes   int    `json:"proVotes"`
	ConVotes   int    `json:"conVotes"`
}

type RoundResultPayload struct {
	RoundIndex int    `json:"roundIndex"`
	ProVotes   int    `json:"proVotes"`
	ConVotes   int    `json:"conVotes"`
	Winner     string `json:"winner"`
}

type RoundEndedPayload struct {
	DebateID      string             `json:"debateId"`
	Result        RoundResultPayload `json:"result"`
	CumulativePro int                `json:"cumulativeProWins"`
	CumulativeCon int                `json:"cumulativeConWins"`
}

type RatingDelta struct {
	BotID     string `json:"botId"`
	OldRating int    `json:"oldRating"`
	NewRating int    `json:"newRating"`
	Delta     int    `json:"delta"`
}

type Payout struct {
	BotID  string `json:"botId"`
	Amount int    `json:"amount"`
}

type DebateEndedPayload struct {
	DebateID    string        `json:"debateId"`
	Winner      string        `json:"winner"`
	FinalScore  RoundResultPayload `json:"finalScore"`
	Deltas      []RatingDelta `json:"deltas"`
	Payouts     []Payout      `json:"payouts"`
}

type SpectatorCountPayload struct {
	DebateID string `json:"debateId"`
	Count    int    `json:"count"`
}

type ErrorPayload struct {
	DebateID string `json:"debateId,omitempty"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// --- Cross-instance bus envelopes (internal wire shape, not exposed
// to bots or spectators directly, but carried as JSON over BUS) ---

// BotRequestEnvelope is published on bot:instance:<targetInstance>.
type BotRequestEnvelope struct {
	RequestID      string                 `json:"requestId"`
	BotID          string                 `json:"botId"`
	Payload        DebateRequestPayload   `json:"payload"`
	TimeoutMillis  int                    `json:"timeoutMillis"`
	SourceInstance string                 `json:"sourceInstance"`
}

// BotResponseEnvelope is published on bot:response:<requestId>.
type BotResponseEnvelope struct {
	RequestID string  `json:"requestId"`
	Message   string  `json:"message,omitempty"`
	Error     string  `json:"error,omitempty"`
}
