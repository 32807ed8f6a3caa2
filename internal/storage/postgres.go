package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"boardroom-orchestrator/internal/domain"
)

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateDecision(ctx context.Context, d domain.Decision, first domain.Round) (domain.Decision, domain.Round, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Decision{}, domain.Round{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO decisions (id, title, description, status, participants, personas, max_rounds,
		                       min_votes, min_margin, require_majority, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, d.ID, d.Title, d.Description, d.Status, pq.Array(d.Participants), pq.Array(d.Personas), d.MaxRounds,
		d.Rule.MinVotes, d.Rule.MinMargin, d.Rule.RequireMajority, d.CreatedBy)
	if err := row.Scan(&d.CreatedAt, &d.UpdatedAt); err != nil {
		return domain.Decision{}, domain.Round{}, mapError("create decision", err)
	}

	first.DecisionID = d.ID
	if err := insertRound(ctx, tx, &first); err != nil {
		return domain.Decision{}, domain.Round{}, mapError("create round", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Decision{}, domain.Round{}, err
	}
	return d, first, nil
}

func (s *PostgresStore) GetDecision(ctx context.Context, id string) (domain.Decision, error) {
	var d domain.Decision
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, status, participants, personas, max_rounds,
		       min_votes, min_margin, require_majority, COALESCE(final_value, ''), created_by,
		       created_at, updated_at
		FROM decisions
		WHERE id = $1
	`, id)
	if err := row.Scan(
		&d.ID,
		&d.Title,
		&d.Description,
		&d.Status,
		pq.Array(&d.Participants),
		pq.Array(&d.Personas),
		&d.MaxRounds,
		&d.Rule.MinVotes,
		&d.Rule.MinMargin,
		&d.Rule.RequireMajority,
		&d.FinalValue,
		&d.CreatedBy,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Decision{}, domain.NotFound("get decision", "decision", id)
		}
		return domain.Decision{}, err
	}
	return d, nil
}

func (s *PostgresStore) UpdateDecisionStatus(ctx context.Context, id string, status domain.DecisionStatus, finalValue string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE decisions
		SET status = $2, final_value = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1
	`, id, status, finalValue)
	if err != nil {
		return err
	}
	return requireRow(res, "update decision", "decision", id)
}

const roundColumns = `id, decision_id, round_number, options, opens_at, closes_at, status, created_at`

func (s *PostgresStore) GetRound(ctx context.Context, id string) (domain.Round, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id)
	r, err := scanRound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Round{}, domain.NotFound("get round", "round", id)
	}
	return r, err
}

func (s *PostgresStore) LatestRound(ctx context.Context, decisionID string) (domain.Round, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+roundColumns+`
		FROM rounds
		WHERE decision_id = $1
		ORDER BY round_number DESC
		LIMIT 1
	`, decisionID)
	r, err := scanRound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Round{}, domain.NotFound("latest round", "round for decision", decisionID)
	}
	return r, err
}

func (s *PostgresStore) ListRounds(ctx context.Context, decisionID string) ([]domain.Round, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+roundColumns+`
		FROM rounds
		WHERE decision_id = $1
		ORDER BY round_number ASC
	`, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rounds := make([]domain.Round, 0)
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rounds, nil
}

func (s *PostgresStore) CreateRound(ctx context.Context, r domain.Round) (domain.Round, error) {
	if err := insertRound(ctx, s.db, &r); err != nil {
		return domain.Round{}, mapError("create round", err)
	}
	return r, nil
}

func (s *PostgresStore) CloseRound(ctx context.Context, roundID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rounds SET status = $2 WHERE id = $1`, roundID, domain.RoundClosed)
	if err != nil {
		return err
	}
	return requireRow(res, "close round", "round", roundID)
}

// UpdateRoundOptions replaces a round's options while it has no votes. The vote check and the
// update share a transaction holding the round row lock, so a concurrent vote cannot slip in.
func (s *PostgresStore) UpdateRoundOptions(ctx context.Context, roundID string, options []string) (domain.Round, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Round{}, err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := scanRound(tx.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1 FOR UPDATE`, roundID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Round{}, domain.NotFound("update round options", "round", roundID)
		}
		return domain.Round{}, err
	}

	var votes int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM votes WHERE round_id = $1`, roundID).Scan(&votes); err != nil {
		return domain.Round{}, fmt.Errorf("count votes: %w", err)
	}
	if votes > 0 {
		return domain.Round{}, domain.Conflict("update round options", "round %s already has votes", roundID)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE rounds SET options = $2 WHERE id = $1`, roundID, pq.Array(options)); err != nil {
		return domain.Round{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Round{}, err
	}
	r.Options = append([]string(nil), options...)
	return r, nil
}

// RecordVote inserts a vote. The round's row lock orders it against UpdateRoundOptions, and
// the (round_id, voter_id) unique key rejects duplicates without overwriting.
func (s *PostgresStore) RecordVote(ctx context.Context, v domain.Vote) (domain.Vote, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Vote{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM rounds WHERE id = $1 FOR SHARE`, v.RoundID).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Vote{}, domain.NotFound("record vote", "round", v.RoundID)
		}
		return domain.Vote{}, err
	}

	if v.CastAt.IsZero() {
		v.CastAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO votes (id, round_id, voter_id, option, rationale, cast_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, v.ID, v.RoundID, v.VoterID, v.Option, v.Rationale, v.CastAt)
	if err != nil {
		return domain.Vote{}, mapError("record vote", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Vote{}, err
	}
	return v, nil
}

func (s *PostgresStore) ListVotesForRound(ctx context.Context, roundID string) ([]domain.Vote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, round_id, voter_id, option, rationale, cast_at
		FROM votes
		WHERE round_id = $1
		ORDER BY cast_at ASC, id ASC
	`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	votes := make([]domain.Vote, 0)
	for rows.Next() {
		var v domain.Vote
		if err := rows.Scan(&v.ID, &v.RoundID, &v.VoterID, &v.Option, &v.Rationale, &v.CastAt); err != nil {
			return nil, err
		}
		votes = append(votes, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return votes, nil
}

type execQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertRound(ctx context.Context, q execQuerier, r *domain.Round) error {
	var closesAt sql.NullTime
	if r.ClosesAt != nil {
		closesAt = sql.NullTime{Time: *r.ClosesAt, Valid: true}
	}
	row := q.QueryRowContext(ctx, `
		INSERT INTO rounds (id, decision_id, round_number, options, opens_at, closes_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, r.ID, r.DecisionID, r.Number, pq.Array(r.Options), r.OpensAt, closesAt, r.Status)
	return row.Scan(&r.CreatedAt)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRound(row rowScanner) (domain.Round, error) {
	var (
		r        domain.Round
		closesAt sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.DecisionID, &r.Number, pq.Array(&r.Options), &r.OpensAt, &closesAt, &r.Status, &r.CreatedAt); err != nil {
		return domain.Round{}, err
	}
	if closesAt.Valid {
		t := closesAt.Time
		r.ClosesAt = &t
	}
	return r, nil
}

func requireRow(res sql.Result, op, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NotFound(op, what, id)
	}
	return nil
}

// mapError translates constraint violations into domain errors.
func mapError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqUniqueViolation:
			return &domain.Error{Kind: domain.ErrConflict, Op: op, Message: pqErr.Constraint, Err: err}
		case pqForeignKeyViolation:
			return &domain.Error{Kind: domain.ErrNotFound, Op: op, Message: pqErr.Constraint, Err: err}
		}
	}
	return err
}
