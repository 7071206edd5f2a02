package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/eduel/internal/errors"
)

// Phase is the lifecycle of a duel seen from one participant.
type Phase string

const (
	PhasePlaying  Phase = "playing"
	PhaseFinished Phase = "finished"
	PhaseAborted  Phase = "aborted"
)

// Terminal reports whether no further local mutation is accepted.
func (p Phase) Terminal() bool {
	return p == PhaseFinished || p == PhaseAborted
}

// PlayerRef identifies a duel participant. Nickname and avatar are carried for display only.
type PlayerRef struct {
	PlayerID  string
	Nickname  string
	AvatarRef string
}

// Question is a multiple-choice question with exactly one correct option.
type Question struct {
	QuestionID   string
	QuestionText string
	Options      []Option
}

type Option struct {
	OptionID   string
	OptionText string
	IsCorrect  bool
}

// HasOption reports whether id is one of the question's options.
func (q Question) HasOption(id string) bool {
	for _, o := range q.Options {
		if o.OptionID == id {
			return true
		}
	}
	return false
}

// Validate checks the closed structure of a question.
func (q Question) Validate() error {
	if q.QuestionID == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("question id is empty"))
	}

	if len(q.Options) < 2 {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("question %s: want at least 2 options, got %d", q.QuestionID, len(q.Options)))
	}

	var (
		seen    = make(map[string]bool, len(q.Options))
		correct int
	)
	for _, o := range q.Options {
		if o.OptionID == "" {
			return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("question %s: option id is empty", q.QuestionID))
		}
		if seen[o.OptionID] {
			return errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("question %s: duplicate option %s", q.QuestionID, o.OptionID))
		}
		seen[o.OptionID] = true
		if o.IsCorrect {
			correct++
		}
	}

	if correct != 1 {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("question %s: want exactly 1 correct option, got %d", q.QuestionID, correct))
	}

	return nil
}

// DuelSession is a two-player match over a fixed, ordered question set.
type DuelSession struct {
	SessionID string
	Questions []Question
	Players   [2]PlayerRef
	Stake     decimal.Decimal
	CreatedAt time.Time
}

// Validate checks the session before it is loaded into a controller for localPlayer.
func (s DuelSession) Validate(localPlayer string) error {
	if s.SessionID == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("session id is empty"))
	}

	if len(s.Questions) == 0 {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("session %s has no questions", s.SessionID))
	}

	for i, q := range s.Questions {
		if err := q.Validate(); err != nil {
			return fmt.Errorf("question %d: %w", i+1, err)
		}
	}

	p1, p2 := s.Players[0].PlayerID, s.Players[1].PlayerID
	if p1 == "" || p2 == "" || p1 == p2 {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("session %s needs two distinct players, got %q and %q", s.SessionID, p1, p2))
	}

	if _, ok := s.Slot(localPlayer); !ok {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("player %s is not part of session %s", localPlayer, s.SessionID))
	}

	if s.Stake.IsNegative() {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("stake must not be negative: %s", s.Stake))
	}

	return nil
}

// Slot returns the 0-based position of the player in Players.
func (s DuelSession) Slot(playerID string) (int, bool) {
	for i, p := range s.Players {
		if p.PlayerID == playerID {
			return i, true
		}
	}
	return -1, false
}

// Opponent returns the other participant.
func (s DuelSession) Opponent(playerID string) PlayerRef {
	if s.Players[0].PlayerID == playerID {
		return s.Players[1]
	}
	return s.Players[0]
}

// AnswerResult is the settled outcome of one question for the local player.
type AnswerResult struct {
	ChosenOptionID *string
	IsCorrect      bool
	Timeout        bool
	Skipped        bool
}

// Progress is what the ledger holds for one player of a duel.
type Progress struct {
	Answers map[int]AnswerResult
	Score   int
}

// Next returns the first question without a settled answer, or 0 when all of count are answered.
func (p Progress) Next(count int) int {
	for i := 1; i <= count; i++ {
		if _, ok := p.Answers[i]; !ok {
			return i
		}
	}
	return 0
}

// Skips returns how many answers were skips.
func (p Progress) Skips() int {
	var n int
	for _, a := range p.Answers {
		if a.Skipped {
			n++
		}
	}
	return n
}

// SnapshotStatus is the session status carried by the change-feed.
type SnapshotStatus string

const (
	SnapshotActive   SnapshotStatus = "active"
	SnapshotFinished SnapshotStatus = "finished"
)

// Snapshot is the remote state of a duel published on the change-feed.
// Player 1 is Players[0] of the session.
type Snapshot struct {
	SessionID            string         `json:"session_id"`
	Player1ID            string         `json:"player1_id"`
	Player2ID            string         `json:"player2_id"`
	Player1Score         int            `json:"player1_score"`
	Player2Score         int            `json:"player2_score"`
	Player1QuestionIndex int            `json:"player1_question_index"`
	Player2QuestionIndex int            `json:"player2_question_index"`
	Status               SnapshotStatus `json:"status"`
	WinnerID             string         `json:"winner_id,omitempty"`
}

// Score returns the score and progress recorded for the player at slot.
func (s Snapshot) Score(slot int) (score, questionIndex int) {
	if slot == 0 {
		return s.Player1Score, s.Player1QuestionIndex
	}
	return s.Player2Score, s.Player2QuestionIndex
}

// Side returns the slot the snapshot records playerID under.
func (s Snapshot) Side(playerID string) (int, bool) {
	switch {
	case playerID == "":
		return -1, false
	case s.Player1ID == playerID:
		return 0, true
	case s.Player2ID == playerID:
		return 1, true
	default:
		return -1, false
	}
}

// Anonymous reports whether the snapshot carries no player ids.
func (s Snapshot) Anonymous() bool {
	return s.Player1ID == "" && s.Player2ID == ""
}

// Result is reported once when a duel ends for the local player.
type Result struct {
	SessionID   string
	PlayerID    string
	Winner      bool
	LocalScore  int
	RemoteScore int
	Aborted     bool
	// Forfeited is the stake handed to the opponent on a voluntary quit.
	Forfeited decimal.Decimal
	Reason    string
}
