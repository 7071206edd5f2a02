package api

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/victornm/eduel/internal/domain"
	"github.com/victornm/eduel/internal/duel"
	"github.com/victornm/eduel/internal/session"
)

type (
	CreateDuelRequest struct {
		Players   [2]Player       `json:"players" binding:"required,dive"`
		Questions []Question      `json:"questions" binding:"required,min=1,dive"`
		Stake     decimal.Decimal `json:"stake"`
	}

	Player struct {
		PlayerID  string `json:"player_id" binding:"required"`
		Nickname  string `json:"nickname"`
		AvatarRef string `json:"avatar_ref"`
	}

	Question struct {
		QuestionID   string   `json:"question_id" binding:"required"`
		QuestionText string   `json:"question_text"`
		Options      []Option `json:"options" binding:"required,min=2,dive"`
	}

	Option struct {
		OptionID   string `json:"option_id" binding:"required"`
		OptionText string `json:"option_text"`
		IsCorrect  bool   `json:"is_correct,omitempty"`
	}

	SelectAnswerRequest struct {
		OptionID string `json:"option_id" binding:"required"`
	}

	QuitPromptResponse struct {
		Stake      string `json:"stake"`
		OpponentID string `json:"opponent_id"`
		Nickname   string `json:"nickname,omitempty"`
	}

	StateResponse struct {
		SessionID            string         `json:"session_id"`
		PlayerID             string         `json:"player_id"`
		Phase                domain.Phase   `json:"phase"`
		Stage                duel.Stage     `json:"stage"`
		QuestionCount        int            `json:"question_count"`
		CurrentQuestionIndex int            `json:"current_question_index"`
		Question             *Question      `json:"question,omitempty"`
		Selected             *string        `json:"selected,omitempty"`
		Answers              []AnswerResult `json:"answers"`
		LocalScore           int            `json:"local_score"`
		RemoteScore          int            `json:"remote_score"`
		RemoteQuestionIndex  int            `json:"remote_question_index"`
		SkipsLeft            int            `json:"skips_left"`
		Remaining            int            `json:"remaining"`
		TimeUp               bool           `json:"time_up"`
		RetryPending         bool           `json:"retry_pending"`
		Notice               duel.Notice    `json:"notice,omitempty"`
		FeedConnected        bool           `json:"feed_connected"`
		QuitRequested        bool           `json:"quit_requested"`
		Result               *Result        `json:"result,omitempty"`
	}

	AnswerResult struct {
		QuestionIndex  int     `json:"question_index"`
		ChosenOptionID *string `json:"chosen_option_id"`
		IsCorrect      bool    `json:"is_correct"`
		Timeout        bool    `json:"timeout,omitempty"`
		Skipped        bool    `json:"skipped,omitempty"`
	}

	Result struct {
		Winner      bool   `json:"winner"`
		LocalScore  int    `json:"local_score"`
		RemoteScore int    `json:"remote_score"`
		Aborted     bool   `json:"aborted,omitempty"`
		Forfeited   string `json:"forfeited,omitempty"`
		Reason      string `json:"reason"`
	}
)

func (r CreateDuelRequest) toDomain() session.CreateDuelRequest {
	req := session.CreateDuelRequest{Stake: r.Stake}

	for i, p := range r.Players {
		req.Players[i] = domain.PlayerRef{PlayerID: p.PlayerID, Nickname: p.Nickname, AvatarRef: p.AvatarRef}
	}

	for _, q := range r.Questions {
		dq := domain.Question{QuestionID: q.QuestionID, QuestionText: q.QuestionText}
		for _, o := range q.Options {
			dq.Options = append(dq.Options, domain.Option{OptionID: o.OptionID, OptionText: o.OptionText, IsCorrect: o.IsCorrect})
		}
		req.Questions = append(req.Questions, dq)
	}

	return req
}

// newStateResponse renders the state. The current question is included without its answer key while it is open.
func newStateResponse(ds *domain.DuelSession, s duel.State) StateResponse {
	resp := StateResponse{
		SessionID:            s.SessionID,
		PlayerID:             s.LocalPlayer,
		Phase:                s.Phase,
		Stage:                s.Stage,
		QuestionCount:        s.QuestionCount,
		CurrentQuestionIndex: s.CurrentQuestionIndex,
		Selected:             s.Selected,
		Answers:              make([]AnswerResult, 0, len(s.AnswerResults)),
		LocalScore:           s.LocalScore,
		RemoteScore:          s.RemoteScore,
		RemoteQuestionIndex:  s.RemoteQuestionIndex,
		SkipsLeft:            s.SkipsLeft,
		Remaining:            s.Remaining,
		TimeUp:               s.TimeUp,
		RetryPending:         s.RetryPending,
		Notice:               s.Notice,
		FeedConnected:        s.FeedConnected,
		QuitRequested:        s.QuitRequested,
	}

	if ds != nil && s.Phase == domain.PhasePlaying {
		q := ds.Questions[s.CurrentQuestionIndex-1]
		resp.Question = &Question{QuestionID: q.QuestionID, QuestionText: q.QuestionText}
		for _, o := range q.Options {
			resp.Question.Options = append(resp.Question.Options, Option{OptionID: o.OptionID, OptionText: o.OptionText})
		}
	}

	for i, r := range s.AnswerResults {
		resp.Answers = append(resp.Answers, AnswerResult{
			QuestionIndex:  i,
			ChosenOptionID: r.ChosenOptionID,
			IsCorrect:      r.IsCorrect,
			Timeout:        r.Timeout,
			Skipped:        r.Skipped,
		})
	}
	sort.Slice(resp.Answers, func(i, j int) bool { return resp.Answers[i].QuestionIndex < resp.Answers[j].QuestionIndex })

	if r := s.Result; r != nil {
		resp.Result = &Result{
			Winner:      r.Winner,
			LocalScore:  r.LocalScore,
			RemoteScore: r.RemoteScore,
			Aborted:     r.Aborted,
			Reason:      r.Reason,
		}
		if r.Aborted {
			resp.Result.Forfeited = r.Forfeited.String()
		}
	}

	return resp
}
