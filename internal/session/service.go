package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/victornm/eduel/internal/domain"
	"github.com/victornm/eduel/internal/errors"
)

type Config struct {
	DB  *pgxpool.Pool
	Now func() time.Time
}

// Service stores duels once two players are matched and loads them for the duel screen.
type Service struct {
	db  *pgxpool.Pool
	now func() time.Time
}

func NewService(c Config) *Service {
	if c.Now == nil {
		c.Now = time.Now
	}

	return &Service{
		db:  c.DB,
		now: c.Now,
	}
}

// CreateDuelRequest represents a request to create a duel between two matched players.
type CreateDuelRequest struct {
	Players   [2]domain.PlayerRef
	Questions []domain.Question
	Stake     decimal.Decimal
}

// CreateDuel validates and stores a new duel.
func (s *Service) CreateDuel(ctx context.Context, req CreateDuelRequest) (*domain.DuelSession, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session ID: %w", err)
	}

	ds := &domain.DuelSession{
		SessionID: id.String(),
		Questions: req.Questions,
		Players:   req.Players,
		Stake:     req.Stake,
		CreatedAt: s.now(),
	}

	if err := ds.Validate(req.Players[0].PlayerID); err != nil {
		return nil, err
	}

	if err := s.insertDuel(ctx, ds); err != nil {
		return nil, err
	}

	return ds, nil
}

func (s *Service) insertDuel(ctx context.Context, ds *domain.DuelSession) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const (
		insDuelStmt     = `INSERT INTO duels (session_id, stake, create_time) VALUES ($1, $2, $3);`
		insPlayerStmt   = `INSERT INTO duel_players (session_id, slot, player_id, nickname, avatar_ref) VALUES ($1, $2, $3, $4, $5);`
		insQuestionStmt = `INSERT INTO duel_questions (session_id, question_index, question_id, question_text) VALUES ($1, $2, $3, $4);`
		insOptionStmt   = `INSERT INTO duel_options (session_id, question_index, option_index, option_id, option_text, is_correct) VALUES ($1, $2, $3, $4, $5, $6);`
	)

	if _, err = tx.Exec(ctx, insDuelStmt, ds.SessionID, ds.Stake, ds.CreatedAt); err != nil {
		return fmt.Errorf("insert duel: %w", err)
	}

	batch := new(pgx.Batch)
	for i, p := range ds.Players {
		batch.Queue(insPlayerStmt, ds.SessionID, i+1, p.PlayerID, p.Nickname, p.AvatarRef)
	}
	for i, q := range ds.Questions {
		batch.Queue(insQuestionStmt, ds.SessionID, i+1, q.QuestionID, q.QuestionText)
		for j, o := range q.Options {
			batch.Queue(insOptionStmt, ds.SessionID, i+1, j+1, o.OptionID, o.OptionText, o.IsCorrect)
		}
	}

	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert duel rows: %w", err)
	}

	return tx.Commit(ctx)
}

// LoadDuel returns the duel validated for localPlayer.
func (s *Service) LoadDuel(ctx context.Context, sessionID, localPlayer string) (*domain.DuelSession, error) {
	ds := &domain.DuelSession{SessionID: sessionID}

	const duelStmt = `SELECT stake, create_time FROM duels WHERE session_id = $1;`
	err := s.db.QueryRow(ctx, duelStmt, sessionID).Scan(&ds.Stake, &ds.CreatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("duel not found: session=%s", sessionID))
	}
	if err != nil {
		return nil, fmt.Errorf("session: load duel: %w", err)
	}

	const forfeitStmt = `SELECT EXISTS (SELECT 1 FROM duel_forfeits WHERE session_id = $1);`
	var forfeited bool
	if err := s.db.QueryRow(ctx, forfeitStmt, sessionID).Scan(&forfeited); err != nil {
		return nil, fmt.Errorf("session: load forfeit: %w", err)
	}
	if forfeited {
		return nil, errors.New(errors.CodeAborted, errors.WithMessagef("duel was abandoned: session=%s", sessionID))
	}

	if ds.Players, err = s.Players(ctx, sessionID); err != nil {
		return nil, err
	}

	if ds.Questions, err = s.questions(ctx, sessionID); err != nil {
		return nil, err
	}

	if err := ds.Validate(localPlayer); err != nil {
		return nil, err
	}

	return ds, nil
}

// Progress returns the answers the ledger settled for the player, so a restarted duel resumes after them.
func (s *Service) Progress(ctx context.Context, sessionID, playerID string) (domain.Progress, error) {
	const stmt = `
SELECT question_index, option_id, is_correct, is_timeout, is_skip, score FROM duel_answers
WHERE session_id = $1 AND player_id = $2;`

	p := domain.Progress{Answers: make(map[int]domain.AnswerResult)}

	rows, err := s.db.Query(ctx, stmt, sessionID, playerID)
	if err != nil {
		return p, fmt.Errorf("session: query answers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			index, score     int
			timeout, skipped bool
			a                domain.AnswerResult
		)
		if err := rows.Scan(&index, &a.ChosenOptionID, &a.IsCorrect, &timeout, &skipped, &score); err != nil {
			return p, fmt.Errorf("session: scan answer: %w", err)
		}

		a.Skipped = skipped
		a.Timeout = timeout && !skipped
		p.Answers[index] = a
		p.Score += score
	}

	if err := rows.Err(); err != nil {
		return p, fmt.Errorf("session: read answers: %w", err)
	}

	return p, nil
}

// Players returns both participants ordered by slot.
func (s *Service) Players(ctx context.Context, sessionID string) ([2]domain.PlayerRef, error) {
	const stmt = `
SELECT player_id, nickname, avatar_ref FROM duel_players
WHERE session_id = $1
ORDER BY slot;`

	var players [2]domain.PlayerRef

	rows, err := s.db.Query(ctx, stmt, sessionID)
	if err != nil {
		return players, fmt.Errorf("session: query players: %w", err)
	}

	refs, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.PlayerRef, error) {
		var p domain.PlayerRef
		err := r.Scan(&p.PlayerID, &p.Nickname, &p.AvatarRef)
		return p, err
	})
	if err != nil {
		return players, fmt.Errorf("session: scan players: %w", err)
	}

	if len(refs) != len(players) {
		return players, errors.New(errors.CodeNotFound,
			errors.WithMessagef("duel %s has %d players", sessionID, len(refs)))
	}

	copy(players[:], refs)
	return players, nil
}

func (s *Service) questions(ctx context.Context, sessionID string) ([]domain.Question, error) {
	const stmt = `
SELECT q.question_index, q.question_id, q.question_text, o.option_id, o.option_text, o.is_correct
FROM duel_questions q
JOIN duel_options o ON o.session_id = q.session_id AND o.question_index = q.question_index
WHERE q.session_id = $1
ORDER BY q.question_index, o.option_index;`

	rows, err := s.db.Query(ctx, stmt, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: query questions: %w", err)
	}
	defer rows.Close()

	var (
		questions []domain.Question
		last      int
	)
	for rows.Next() {
		var (
			index int
			q     domain.Question
			o     domain.Option
		)
		if err := rows.Scan(&index, &q.QuestionID, &q.QuestionText, &o.OptionID, &o.OptionText, &o.IsCorrect); err != nil {
			return nil, fmt.Errorf("session: scan question: %w", err)
		}

		if index != last {
			questions = append(questions, q)
			last = index
		}
		cur := &questions[len(questions)-1]
		cur.Options = append(cur.Options, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: read questions: %w", err)
	}

	return questions, nil
}
