package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/eduel/internal/api"
	"github.com/victornm/eduel/internal/domain"
	"github.com/victornm/eduel/internal/errors"
	"github.com/victornm/eduel/internal/event"
	"github.com/victornm/eduel/internal/ledger"
	"github.com/victornm/eduel/internal/session"
)

type fakeSessions struct {
	mu        sync.Mutex
	duels     map[string]domain.DuelSession
	forfeited map[string]bool
	progress  map[string]domain.Progress
}

func (f *fakeSessions) CreateDuel(_ context.Context, req session.CreateDuelRequest) (*domain.DuelSession, error) {
	ds := domain.DuelSession{
		SessionID: "d1",
		Questions: req.Questions,
		Players:   req.Players,
		Stake:     req.Stake,
	}
	if err := ds.Validate(req.Players[0].PlayerID); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.duels[ds.SessionID] = ds

	return &ds, nil
}

func (f *fakeSessions) LoadDuel(_ context.Context, id, player string) (*domain.DuelSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ds, ok := f.duels[id]
	if !ok {
		return nil, errors.New(errors.CodeNotFound)
	}
	if f.forfeited[id] {
		return nil, errors.New(errors.CodeAborted)
	}
	if err := ds.Validate(player); err != nil {
		return nil, err
	}

	return &ds, nil
}

func (f *fakeSessions) Progress(_ context.Context, id, player string) (domain.Progress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.progress[id+"/"+player], nil
}

type fakeLedger struct {
	mu    sync.Mutex
	score map[string]int
}

func (f *fakeLedger) SubmitAnswer(_ context.Context, req ledger.SubmitAnswerRequest) (*ledger.SubmitAnswerResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	correct := req.OptionID != nil && *req.OptionID == "a"
	if correct {
		f.score[req.PlayerID]++
	}

	return &ledger.SubmitAnswerResponse{IsCorrect: correct, NewScore: f.score[req.PlayerID]}, nil
}

func (*fakeLedger) Forfeit(context.Context, ledger.ForfeitRequest) error { return nil }

type fixture struct {
	srv      *httptest.Server
	clock    *clockwork.FakeClock
	sessions *fakeSessions
}

func makeFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	eb := event.NewBus()
	t.Cleanup(eb.Stop)

	f := &fixture{
		clock: clockwork.NewFakeClock(),
		sessions: &fakeSessions{
			duels:     make(map[string]domain.DuelSession),
			forfeited: make(map[string]bool),
			progress:  make(map[string]domain.Progress),
		},
	}

	e := gin.New()
	a := api.New(api.Config{
		Router:   e,
		EventBus: eb,
		Sessions: f.sessions,
		Ledger:   &fakeLedger{score: make(map[string]int)},
		Clock:    f.clock,
		Duel:     api.DuelConfig{QuestionSeconds: 30, SettleDelay: time.Second},
	})

	f.srv = httptest.NewServer(e)
	t.Cleanup(f.srv.Close)
	t.Cleanup(a.Close)
	return f
}

func makeServer(t *testing.T) *httptest.Server {
	t.Helper()
	return makeFixture(t).srv
}

// answer submits option on the current question and lets the settle delay pass.
func (f *fixture) answer(t *testing.T, player, option string) {
	t.Helper()

	require.Equal(t, http.StatusOK, call(t, f.srv, http.MethodPost, player+"/select", api.SelectAnswerRequest{OptionID: option}, nil))
	require.Equal(t, http.StatusOK, call(t, f.srv, http.MethodPost, player+"/submit", nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(time.Second)
}

func call(t *testing.T, srv *httptest.Server, method, path string, body any, out any) int {
	t.Helper()

	var r bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&r).Encode(body))
	}

	req, err := http.NewRequest(method, srv.URL+path, &r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp.StatusCode
}

var duelRequest = api.CreateDuelRequest{
	Players: [2]api.Player{{PlayerID: "p1", Nickname: "ann"}, {PlayerID: "p2", Nickname: "bob"}},
	Questions: []api.Question{
		{QuestionID: "q1", QuestionText: "2+2", Options: []api.Option{{OptionID: "a", OptionText: "4", IsCorrect: true}, {OptionID: "b", OptionText: "5"}}},
		{QuestionID: "q2", QuestionText: "3+3", Options: []api.Option{{OptionID: "a", OptionText: "6", IsCorrect: true}, {OptionID: "b", OptionText: "7"}}},
	},
}

func TestAPI_DuelLifecycle(t *testing.T) {
	srv := makeServer(t)
	const player = "/v1/duels/d1/players/p1"

	req := duelRequest
	req.Stake = decimal.NewFromInt(50)

	var created map[string]string
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/v1/duels", req, &created))
	require.Equal(t, "d1", created["session_id"])

	var st api.StateResponse
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, player+"/start", nil, &st))
	assert.Equal(t, domain.PhasePlaying, st.Phase)
	assert.Equal(t, 1, st.CurrentQuestionIndex)
	require.NotNil(t, st.Question)
	for _, o := range st.Question.Options {
		assert.False(t, o.IsCorrect, "answer key must not be exposed")
	}

	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, player+"/start", nil, &st), "start is idempotent")

	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, player+"/select", api.SelectAnswerRequest{OptionID: "a"}, &st))
	require.NotNil(t, st.Selected)
	assert.Equal(t, "a", *st.Selected)

	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, player+"/submit", nil, &st))
	assert.Equal(t, 1, st.LocalScore)
	assert.Equal(t, "settled", string(st.Stage))
	require.Len(t, st.Answers, 1)
	assert.True(t, st.Answers[0].IsCorrect)

	var e errors.Error
	assert.Equal(t, http.StatusConflict, call(t, srv, http.MethodPost, player+"/skip", nil, &e))
	assert.Equal(t, errors.CodeFailedPrecondition, e.Code)

	var prompt api.QuitPromptResponse
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, player+"/quit", nil, &prompt))
	assert.Equal(t, "50", prompt.Stake)
	assert.Equal(t, "p2", prompt.OpponentID)

	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, player+"/quit/confirm", nil, &st))
	assert.Equal(t, domain.PhaseAborted, st.Phase)
	require.NotNil(t, st.Result)
	assert.True(t, st.Result.Aborted)
	assert.Equal(t, "50", st.Result.Forfeited)

	// The final state stays readable once the duel is released.
	require.Eventually(t, func() bool {
		var st api.StateResponse
		return call(t, srv, http.MethodGet, player, nil, &st) == http.StatusOK && st.Phase == domain.PhaseAborted
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return call(t, srv, http.MethodPost, player+"/select", api.SelectAnswerRequest{OptionID: "a"}, &e) == http.StatusGone
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAPI_Errors(t *testing.T) {
	tests := map[string]struct {
		method string
		path   string
		body   any
		status int
	}{
		"state of a duel that is not running": {
			method: http.MethodGet,
			path:   "/v1/duels/d1/players/p1",
			status: http.StatusNotFound,
		},
		"start an unknown duel": {
			method: http.MethodPost,
			path:   "/v1/duels/nope/players/p1/start",
			status: http.StatusNotFound,
		},
		"create a duel without questions": {
			method: http.MethodPost,
			path:   "/v1/duels",
			body:   api.CreateDuelRequest{Players: duelRequest.Players},
			status: http.StatusBadRequest,
		},
		"select without an option": {
			method: http.MethodPost,
			path:   "/v1/duels/d1/players/p1/select",
			body:   map[string]string{},
			status: http.StatusBadRequest,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			srv := makeServer(t)

			var e errors.Error
			assert.Equal(t, tt.status, call(t, srv, tt.method, tt.path, tt.body, &e))
		})
	}
}

func TestAPI_LeaveDuel(t *testing.T) {
	srv := makeServer(t)
	const player = "/v1/duels/d1/players/p2"

	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/v1/duels", duelRequest, nil))
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, player+"/start", nil, nil))

	assert.Equal(t, http.StatusNoContent, call(t, srv, http.MethodDelete, player, nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, srv, http.MethodGet, player, nil, nil))
}

func TestAPI_StartAfterEnd(t *testing.T) {
	const player = "/v1/duels/d1/players/p1"

	tests := map[string]struct {
		end        func(t *testing.T, f *fixture)
		wantPhase  domain.Phase
		wantStatus int
	}{
		"after a quit": {
			end: func(t *testing.T, f *fixture) {
				require.Equal(t, http.StatusOK, call(t, f.srv, http.MethodPost, player+"/quit", nil, nil))
				require.Equal(t, http.StatusOK, call(t, f.srv, http.MethodPost, player+"/quit/confirm", nil, nil))
			},
			wantPhase:  domain.PhaseAborted,
			wantStatus: http.StatusGone,
		},
		"after every question is answered": {
			end: func(t *testing.T, f *fixture) {
				f.answer(t, player, "a")
				require.Eventually(t, func() bool {
					var st api.StateResponse
					return call(t, f.srv, http.MethodGet, player, nil, &st) == http.StatusOK && st.CurrentQuestionIndex == 2
				}, 2*time.Second, 10*time.Millisecond)
				f.answer(t, player, "b")
			},
			wantPhase:  domain.PhaseFinished,
			wantStatus: http.StatusConflict,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := makeFixture(t)
			require.Equal(t, http.StatusCreated, call(t, f.srv, http.MethodPost, "/v1/duels", duelRequest, nil))
			require.Equal(t, http.StatusCreated, call(t, f.srv, http.MethodPost, player+"/start", nil, nil))

			tt.end(t, f)

			// Released once the result is reported.
			require.Eventually(t, func() bool {
				var st api.StateResponse
				return call(t, f.srv, http.MethodGet, player, nil, &st) == http.StatusOK && st.Phase == tt.wantPhase && st.Result != nil
			}, 2*time.Second, 10*time.Millisecond)

			var st api.StateResponse
			require.Equal(t, http.StatusOK, call(t, f.srv, http.MethodPost, player+"/start", nil, &st))
			assert.Equal(t, tt.wantPhase, st.Phase, "an ended duel is never started again")
			require.NotNil(t, st.Result)

			var e errors.Error
			assert.Equal(t, tt.wantStatus, call(t, f.srv, http.MethodPost, player+"/select", api.SelectAnswerRequest{OptionID: "a"}, &e))
		})
	}
}

func TestAPI_StartFromStoredProgress(t *testing.T) {
	const player = "/v1/duels/d1/players/p1"
	opt := "a"

	tests := map[string]struct {
		arrange    func(s *fakeSessions)
		wantStatus int
		assert     func(t *testing.T, st api.StateResponse)
	}{
		"resumes after the stored answers": {
			arrange: func(s *fakeSessions) {
				s.progress["d1/p1"] = domain.Progress{
					Answers: map[int]domain.AnswerResult{1: {ChosenOptionID: &opt, IsCorrect: true}},
					Score:   1,
				}
			},
			wantStatus: http.StatusCreated,
			assert: func(t *testing.T, st api.StateResponse) {
				assert.Equal(t, 2, st.CurrentQuestionIndex)
				assert.Equal(t, 1, st.LocalScore)
				require.Len(t, st.Answers, 1)
				assert.True(t, st.Answers[0].IsCorrect)
			},
		},
		"every question already answered": {
			arrange: func(s *fakeSessions) {
				s.progress["d1/p1"] = domain.Progress{Answers: map[int]domain.AnswerResult{
					1: {Timeout: true},
					2: {Skipped: true},
				}}
			},
			wantStatus: http.StatusConflict,
		},
		"forfeited duel": {
			arrange: func(s *fakeSessions) {
				s.forfeited["d1"] = true
			},
			wantStatus: http.StatusGone,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := makeFixture(t)
			require.Equal(t, http.StatusCreated, call(t, f.srv, http.MethodPost, "/v1/duels", duelRequest, nil))
			tt.arrange(f.sessions)

			var st api.StateResponse
			code := call(t, f.srv, http.MethodPost, player+"/start", nil, &st)
			require.Equal(t, tt.wantStatus, code)
			if tt.assert != nil {
				tt.assert(t, st)
			}
		})
	}
}
