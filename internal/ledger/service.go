package ledger

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/eduel/internal/domain"
	"github.com/victornm/eduel/internal/errors"
	"github.com/victornm/eduel/internal/event"
)

type Config struct {
	EventBus *event.Bus
	DB       *pgxpool.Pool
	Now      func() time.Time
}

// Service is the reference ledger backed by Postgres. It grades answers against the stored answer key.
type Service struct {
	eb  *event.Bus
	db  *pgxpool.Pool
	now func() time.Time
}

func NewService(c Config) *Service {
	if c.Now == nil {
		c.Now = time.Now
	}

	return &Service{
		eb:  c.EventBus,
		db:  c.DB,
		now: c.Now,
	}
}

// SubmitAnswer records the outcome of one question and returns the player's cumulative score.
// A question is recorded at most once per player; repeating it returns the stored outcome.
func (s *Service) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) (*SubmitAnswerResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	count, err := s.questionCount(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	if req.QuestionIndex > count {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("question %d out of range: session=%s has %d questions", req.QuestionIndex, req.SessionID, count))
	}

	correct, err := s.grade(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := s.insertAnswer(ctx, req, correct)
	if err != nil {
		return nil, err
	}

	if !resp.Duplicate {
		s.eb.Publish(ctx, domain.EventAnswerSettled{
			SessionID:     req.SessionID,
			PlayerID:      req.PlayerID,
			QuestionIndex: req.QuestionIndex,
			QuestionCount: count,
			IsCorrect:     resp.IsCorrect,
			TotalScore:    resp.NewScore,
		})
	}

	return resp, nil
}

// Forfeit records that the player quit the duel. Forfeiting twice is a no-op.
func (s *Service) Forfeit(ctx context.Context, req ForfeitRequest) error {
	const stmt = `
INSERT INTO duel_forfeits (session_id, player_id, create_time)
SELECT session_id, $2, $3 FROM duel_players WHERE session_id = $1 AND player_id = $2
ON CONFLICT (session_id) DO NOTHING;`

	tag, err := s.db.Exec(ctx, stmt, req.SessionID, req.PlayerID, s.now())
	if err != nil {
		return fmt.Errorf("ledger: insert forfeit: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return nil
	}

	s.eb.Publish(ctx, domain.EventDuelForfeited{
		SessionID: req.SessionID,
		PlayerID:  req.PlayerID,
	})

	return nil
}

func (s *Service) questionCount(ctx context.Context, session string) (int, error) {
	const stmt = `SELECT COUNT(*) FROM duel_questions WHERE session_id = $1;`

	var n int
	if err := s.db.QueryRow(ctx, stmt, session).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger: count questions: %w", err)
	}

	if n == 0 {
		return 0, errors.New(errors.CodeNotFound, errors.WithMessagef("duel not found: session=%s", session))
	}

	return n, nil
}

func (s *Service) grade(ctx context.Context, req SubmitAnswerRequest) (bool, error) {
	if req.IsTimeout {
		return false, nil
	}

	const stmt = `
SELECT is_correct FROM duel_options
WHERE session_id = $1 AND question_index = $2 AND option_id = $3;`

	var correct bool
	err := s.db.QueryRow(ctx, stmt, req.SessionID, req.QuestionIndex, *req.OptionID).Scan(&correct)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return false, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unknown option %s for question %d", *req.OptionID, req.QuestionIndex))
	}
	if err != nil {
		return false, fmt.Errorf("ledger: grade answer: %w", err)
	}

	return correct, nil
}

func (s *Service) insertAnswer(ctx context.Context, req SubmitAnswerRequest, correct bool) (*SubmitAnswerResponse, error) {
	const stmt = `
WITH inserted AS (
	INSERT INTO duel_answers (session_id, player_id, question_index, option_id, is_correct, is_timeout, is_skip, score, create_time)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
)
SELECT COALESCE(SUM(score), 0) AS score FROM duel_answers WHERE session_id = $1 AND player_id = $2;`

	score := 0
	if correct {
		score = PointsPerCorrectAnswer
	}

	var total int
	err := s.db.QueryRow(ctx, stmt,
		req.SessionID, req.PlayerID, req.QuestionIndex, req.OptionID, correct, req.IsTimeout, req.IsSkip, score, s.now(),
	).Scan(&total)

	var pgErr *pgconn.PgError
	const codeUniqueViolation = "23505"
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return s.storedAnswer(ctx, req)
	}

	if err != nil {
		return nil, fmt.Errorf("ledger: insert answer: %w", err)
	}

	return &SubmitAnswerResponse{
		IsCorrect: correct,
		NewScore:  total + score,
	}, nil
}

func (s *Service) storedAnswer(ctx context.Context, req SubmitAnswerRequest) (*SubmitAnswerResponse, error) {
	const stmt = `
SELECT
	(SELECT is_correct FROM duel_answers WHERE session_id = $1 AND player_id = $2 AND question_index = $3),
	(SELECT COALESCE(SUM(score), 0) FROM duel_answers WHERE session_id = $1 AND player_id = $2);`

	resp := &SubmitAnswerResponse{Duplicate: true}
	if err := s.db.QueryRow(ctx, stmt, req.SessionID, req.PlayerID, req.QuestionIndex).Scan(&resp.IsCorrect, &resp.NewScore); err != nil {
		return nil, fmt.Errorf("ledger: load stored answer: %w", err)
	}

	return resp, nil
}
