package domain

const (
	EventNameAnswerSettled = "answer.settled"
	EventNameDuelForfeited = "duel.forfeited"
	EventNameDuelFinished  = "duel.finished"
)

// EventAnswerSettled is published by the ledger after it records an answer.
type EventAnswerSettled struct {
	SessionID     string
	PlayerID      string
	QuestionIndex int
	QuestionCount int
	IsCorrect     bool
	TotalScore    int
}

func (EventAnswerSettled) Name() string { return EventNameAnswerSettled }

// EventDuelForfeited is published by the ledger when a player quits.
type EventDuelForfeited struct {
	SessionID string
	PlayerID  string
}

func (EventDuelForfeited) Name() string { return EventNameDuelForfeited }

// EventDuelFinished is published by a controller host once the result is known.
type EventDuelFinished struct {
	Result Result
}

func (EventDuelFinished) Name() string { return EventNameDuelFinished }
