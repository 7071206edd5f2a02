package duel

import (
	"slices"

	"github.com/shopspring/decimal"

	"github.com/victornm/eduel/internal/domain"
)

// Stage is the progress of the current question.
type Stage string

const (
	StageAwaitingAnswer Stage = "awaiting_answer"
	StageSubmitting     Stage = "submitting"
	StageSettled        Stage = "settled"
	StageWaiting        Stage = "awaiting_opponent"
	StageFinished       Stage = "finished"
	StageAborted        Stage = "aborted"
)

// Notice is a user-facing message about the last transition.
type Notice string

const (
	NoticeNone         Notice = ""
	NoticeCorrect      Notice = "correct"
	NoticeWrong        Notice = "wrong"
	NoticeTimeUp       Notice = "time_up"
	NoticeSkipped      Notice = "skipped"
	NoticeSubmitFailed Notice = "submit_failed"
	NoticeSkipDenied   Notice = "skip_denied"
	NoticeLowTime      Notice = "low_time"
)

// QuitPrompt names what is lost when a quit is confirmed.
type QuitPrompt struct {
	Stake    decimal.Decimal
	Opponent domain.PlayerRef
}

// State is a read-only copy of a controller's state.
type State struct {
	SessionID   string
	LocalPlayer string
	Phase       domain.Phase
	Stage       Stage

	QuestionCount        int
	CurrentQuestionIndex int
	AnsweredQuestions    []int
	AnswerResults        map[int]domain.AnswerResult
	Selected             *string

	LocalScore          int
	RemoteScore         int
	RemoteQuestionIndex int

	SkipsUsed int
	SkipsLeft int

	Remaining int
	TimeUp    bool
	// RetryPending is set when a timeout or skip submission failed and RetryPending can re-issue it.
	RetryPending bool

	Notice        Notice
	FeedConnected bool
	QuitRequested bool

	// Result is set once the duel has been reported.
	Result *domain.Result
}

// Answered reports whether the local player has settled the question at index.
func (s State) Answered(index int) bool {
	_, ok := slices.BinarySearch(s.AnsweredQuestions, index)
	return ok
}

// session is the loop-owned mutable state of a duel.
type session struct {
	stage Stage
	phase domain.Phase

	index    int
	answered map[int]bool
	results  map[int]domain.AnswerResult
	selected *string

	localScore  int
	remoteScore int
	remoteIndex int
	skipsUsed   int

	remaining int
	expired   bool

	notice        Notice
	feedConnected bool
	quitRequested bool

	inflight *submission
	pending  *submission

	result   *domain.Result
	reported bool
}

func (c *Controller) snapshotState() State {
	st := c.st

	answered := make([]int, 0, len(st.answered))
	for i := range st.answered {
		answered = append(answered, i)
	}
	slices.Sort(answered)

	results := make(map[int]domain.AnswerResult, len(st.results))
	for i, r := range st.results {
		results[i] = r
	}

	s := State{
		SessionID:            c.session.SessionID,
		LocalPlayer:          c.local,
		Phase:                st.phase,
		Stage:                st.stage,
		QuestionCount:        len(c.session.Questions),
		CurrentQuestionIndex: st.index,
		AnsweredQuestions:    answered,
		AnswerResults:        results,
		LocalScore:           st.localScore,
		RemoteScore:          st.remoteScore,
		RemoteQuestionIndex:  st.remoteIndex,
		SkipsUsed:            st.skipsUsed,
		SkipsLeft:            max(c.maxSkips-st.skipsUsed, 0),
		Remaining:            st.remaining,
		TimeUp:               st.expired,
		RetryPending:         st.pending != nil,
		Notice:               st.notice,
		FeedConnected:        st.feedConnected,
		QuitRequested:        st.quitRequested,
	}

	if st.selected != nil {
		id := *st.selected
		s.Selected = &id
	}

	if st.result != nil && st.reported {
		r := *st.result
		s.Result = &r
	}

	return s
}
