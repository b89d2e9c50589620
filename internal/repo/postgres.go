package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"crab.casa/debate-arena/internal/apperrors"
	"crab.casa/debate-arena/internal/domain"
)

// Open connects to Postgres via the pgx stdlib driver, following the
// teacher's pattern of handing callers a plain *sql.DB.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrDatabaseUnreachable, err)
	}
	return db, nil
}

// PostgresContestRepo implements ContestRepo over *sql.DB.
type PostgresContestRepo struct{ DB *sql.DB }

func (r *PostgresContestRepo) Create(ctx context.Context, c domain.Contest) (domain.Contest, error) {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO contests (id, pro_bot_id, con_bot_id, topic_id, preset_id, status,
			current_round_index, round_status, stake, spectator_count, created_at, heartbeat_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
	`, c.ID, c.ProBotID, c.ConBotID, c.TopicID, c.PresetID, c.Status,
		c.CurrentRoundIdx, c.RoundStatus, c.Stake, c.SpectatorCount, c.CreatedAt)
	if err != nil {
		return domain.Contest{}, fmt.Errorf("insert contest: %w", err)
	}
	return c, nil
}

func (r *PostgresContestRepo) Get(ctx context.Context, id string) (domain.Contest, error) {
	var c domain.Contest
	var winner sql.NullString
	var startedAt, completedAt sql.NullTime
	err := r.DB.QueryRowContext(ctx, `
		SELECT id, pro_bot_id, con_bot_id, topic_id, preset_id, status,
			current_round_index, round_status, stake, spectator_count,
			created_at, started_at, completed_at, winner
		FROM contests WHERE id = $1
	`, id).Scan(&c.ID, &c.ProBotID, &c.ConBotID, &c.TopicID, &c.PresetID, &c.Status,
		&c.CurrentRoundIdx, &c.RoundStatus, &c.Stake, &c.SpectatorCount,
		&c.CreatedAt, &startedAt, &completedAt, &winner)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Contest{}, fmt.Errorf("contest %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return domain.Contest{}, fmt.Errorf("get contest: %w", err)
	}
	if startedAt.Valid {
		c.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	if winner.Valid {
		s := domain.Side(winner.String)
		c.Winner = &s
	}
	return c, nil
}

func (r *PostgresContestRepo) UpdateStatus(ctx context.Context, id string, status domain.ContestStatus, startedAt, completedAt *time.Time, winner *domain.Side) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE contests SET status = $2, started_at = COALESCE($3, started_at),
			completed_at = COALESCE($4, completed_at), winner = COALESCE($5, winner)
		WHERE id = $1
	`, id, status, startedAt, completedAt, winner)
	if err != nil {
		return fmt.Errorf("update contest status: %w", err)
	}
	return nil
}

func (r *PostgresContestRepo) UpdateRoundState(ctx context.Context, id string, roundIdx int, roundStatus domain.RoundStatus) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE contests SET current_round_index = $2, round_status = $3, heartbeat_at = now()
		WHERE id = $1
	`, id, roundIdx, roundStatus)
	if err != nil {
		return fmt.Errorf("update round state: %w", err)
	}
	return nil
}

func (r *PostgresContestRepo) ListStuckInProgress(ctx context.Context, olderThan time.Duration) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id FROM contests WHERE status = $1 AND heartbeat_at < $2
	`, domain.StatusInProgress, time.Now().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("list stuck contests: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (r *PostgresContestRepo) ListActive(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id FROM contests WHERE status NOT IN ($1, $2)
	`, domain.StatusCompleted, domain.StatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("list active contests: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (r *PostgresContestRepo) TouchHeartbeat(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE contests SET heartbeat_at = now() WHERE id = $1`, id)
	return err
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PostgresMessageRepo implements MessageRepo over *sql.DB.
type PostgresMessageRepo struct{ DB *sql.DB }

func (r *PostgresMessageRepo) Append(ctx context.Context, m domain.Message) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO debate_messages (contest_id, round_index, position, bot_id, content, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, m.ContestID, m.RoundIndex, m.Position, m.BotID, m.Content, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (r *PostgresMessageRepo) ListByContest(ctx context.Context, contestID string) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT contest_id, round_index, position, bot_id, content, created_at
		FROM debate_messages WHERE contest_id = $1 ORDER BY created_at ASC
	`, contestID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ContestID, &m.RoundIndex, &m.Position, &m.BotID, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PostgresVoteRepo implements VoteRepo over *sql.DB, relying on a
// unique constraint on (contest_id, round_index, voter_id) to enforce
// the at-most-one-vote invariant.
type PostgresVoteRepo struct{ DB *sql.DB }

func (r *PostgresVoteRepo) Insert(ctx context.Context, v domain.Vote) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		INSERT INTO votes (contest_id, round_index, voter_id, choice)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (contest_id, round_index, voter_id) DO NOTHING
	`, v.ContestID, v.RoundIndex, v.VoterID, v.Choice)
	if err != nil {
		return false, fmt.Errorf("insert vote: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresVoteRepo) Tally(ctx context.Context, contestID string, roundIndex int) (int, int, error) {
	var pro, con int
	err := r.DB.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE choice = $3),
			COUNT(*) FILTER (WHERE choice = $4)
		FROM votes WHERE contest_id = $1 AND round_index = $2
	`, contestID, roundIndex, domain.SidePro, domain.SideCon).Scan(&pro, &con)
	if err != nil {
		return 0, 0, fmt.Errorf("tally votes: %w", err)
	}
	return pro, con, nil
}

// PostgresRoundResultRepo implements RoundResultRepo over *sql.DB.
type PostgresRoundResultRepo struct{ DB *sql.DB }

func (r *PostgresRoundResultRepo) Insert(ctx context.Context, res domain.RoundResult) (bool, error) {
	result, err := r.DB.ExecContext(ctx, `
		INSERT INTO round_results (contest_id, round_index, pro_votes, con_votes, winner)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (contest_id, round_index) DO NOTHING
	`, res.ContestID, res.RoundIndex, res.ProVotes, res.ConVotes, res.Winner)
	if err != nil {
		return false, fmt.Errorf("insert round result: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresRoundResultRepo) Get(ctx context.Context, contestID string, roundIndex int) (domain.RoundResult, bool, error) {
	var rr domain.RoundResult
	err := r.DB.QueryRowContext(ctx, `
		SELECT contest_id, round_index, pro_votes, con_votes, winner
		FROM round_results WHERE contest_id = $1 AND round_index = $2
	`, contestID, roundIndex).Scan(&rr.ContestID, &rr.RoundIndex, &rr.ProVotes, &rr.ConVotes, &rr.Winner)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RoundResult{}, false, nil
	}
	if err != nil {
		return domain.RoundResult{}, false, fmt.Errorf("get round result: %w", err)
	}
	return rr, true, nil
}

func (r *PostgresRoundResultRepo) ListByContest(ctx context.Context, contestID string) ([]domain.RoundResult, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT contest_id, round_index, pro_votes, con_votes, winner
		FROM round_results WHERE contest_id = $1 ORDER BY round_index ASC
	`, contestID)
	if err != nil {
		return nil, fmt.Errorf("list round results: %w", err)
	}
	defer rows.Close()

	var out []domain.RoundResult
	for rows.Next() {
		var rr domain.RoundResult
		if err := rows.Scan(&rr.ContestID, &rr.RoundIndex, &rr.ProVotes, &rr.ConVotes, &rr.Winner); err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

// PostgresBotRepo implements BotRepo over *sql.DB.
type PostgresBotRepo struct{ DB *sql.DB }

func (r *PostgresBotRepo) Get(ctx context.Context, id string) (domain.Bot, error) {
	var b domain.Bot
	err := r.DB.QueryRowContext(ctx, `SELECT id, name, rating, wins, losses FROM bots WHERE id = $1`, id).
		Scan(&b.ID, &b.Name, &b.Rating, &b.Wins, &b.Losses)
	if err != nil {
		return domain.Bot{}, fmt.Errorf("get bot: %w", err)
	}
	return b, nil
}

func (r *PostgresBotRepo) ResolveToken(ctx context.Context, token string) (domain.Bot, error) {
	var b domain.Bot
	err := r.DB.QueryRowContext(ctx, `
		SELECT id, name, rating, wins, losses FROM bots WHERE connect_token = $1
	`, token).Scan(&b.ID, &b.Name, &b.Rating, &b.Wins, &b.Losses)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Bot{}, apperrors.ErrNoUserIDInToken
	}
	if err != nil {
		return domain.Bot{}, fmt.Errorf("resolve token: %w", err)
	}
	return b, nil
}

func (r *PostgresBotRepo) UpdateAfterMatch(ctx context.Context, id string, newRating int, won bool) error {
	col := "losses"
	if won {
		col = "wins"
	}
	_, err := r.DB.ExecContext(ctx, fmt.Sprintf(`
		UPDATE bots SET rating = $2, %s = %s + 1 WHERE id = $1
	`, col, col), id, newRating)
	if err != nil {
		return fmt.Errorf("update bot after match: %w", err)
	}
	return nil
}

// PostgresTopicRepo implements TopicRepo over *sql.DB.
type PostgresTopicRepo struct{ DB *sql.DB }

func (r *PostgresTopicRepo) Get(ctx context.Context, id string) (domain.Topic, error) {
	var t domain.Topic
	err := r.DB.QueryRowContext(ctx, `SELECT id, text FROM topics WHERE id = $1`, id).Scan(&t.ID, &t.Text)
	if err != nil {
		return domain.Topic{}, fmt.Errorf("get topic: %w", err)
	}
	return t, nil
}
