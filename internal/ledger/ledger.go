// Package ledger is the match ledger boundary: the authority on answer correctness and duel scores.
package ledger

import (
	"context"

	"github.com/victornm/eduel/internal/errors"
)

// PointsPerCorrectAnswer is awarded by the reference ledger for every correct answer.
const PointsPerCorrectAnswer = 1

// Client submits answers and forfeits to the ledger.
type Client interface {
	SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) (*SubmitAnswerResponse, error)
	Forfeit(ctx context.Context, req ForfeitRequest) error
}

// SubmitAnswerRequest settles one question for one player. OptionID is nil for a timeout or a skip.
type SubmitAnswerRequest struct {
	// RequestID identifies the attempt in logs. Retries of the same question reuse the ledger row, not the ID.
	RequestID     string
	SessionID     string
	PlayerID      string
	QuestionIndex int
	OptionID      *string
	// IsTimeout is set for every submission without an answer. IsSkip tells a skip from an expired countdown.
	IsTimeout bool
	IsSkip    bool
}

func (r SubmitAnswerRequest) Validate() error {
	if r.SessionID == "" || r.PlayerID == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("session and player are required"))
	}

	if r.QuestionIndex < 1 {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("question index must be 1-based, got %d", r.QuestionIndex))
	}

	if r.IsSkip && !r.IsTimeout {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("a skip carries no answer"))
	}

	if !r.IsTimeout && r.OptionID == nil {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("option is required unless the question timed out"))
	}

	return nil
}

// SubmitAnswerResponse carries the ledger's verdict and the player's cumulative score.
type SubmitAnswerResponse struct {
	IsCorrect bool
	NewScore  int
	// Duplicate is set when the question had already been settled; the stored outcome is returned.
	Duplicate bool
}

type ForfeitRequest struct {
	SessionID string
	PlayerID  string
}
