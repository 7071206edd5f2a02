package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"github.com/victornm/eduel/internal/domain"
	"github.com/victornm/eduel/internal/duel"
	"github.com/victornm/eduel/internal/errors"
	"github.com/victornm/eduel/internal/event"
	"github.com/victornm/eduel/internal/ledger"
	"github.com/victornm/eduel/internal/session"
)

// finishedRetention is how long the final state of a duel stays readable after it ended.
const finishedRetention = 10 * time.Minute

type Sessions interface {
	CreateDuel(ctx context.Context, req session.CreateDuelRequest) (*domain.DuelSession, error)
	LoadDuel(ctx context.Context, sessionID, localPlayer string) (*domain.DuelSession, error)
	Progress(ctx context.Context, sessionID, playerID string) (domain.Progress, error)
}

type DuelConfig struct {
	QuestionSeconds  int
	ThresholdSeconds int
	SettleDelay      time.Duration
	MaxSkips         int
}

type Config struct {
	Router   gin.IRouter
	EventBus *event.Bus
	Sessions Sessions
	Ledger   ledger.Client
	// Feed is optional.
	Feed  duel.Feed
	Clock clockwork.Clock
	Duel  DuelConfig
}

type duelKey struct {
	session string
	player  string
}

type finishedDuel struct {
	state   duel.State
	endTime time.Time
}

// API hosts one duel controller per participant and maps HTTP intents onto it.
type API struct {
	eb       *event.Bus
	sessions Sessions
	ledger   ledger.Client
	feed     duel.Feed
	clock    clockwork.Clock
	dc       DuelConfig

	mu       sync.Mutex
	duels    map[duelKey]*hostedDuel
	finished map[duelKey]finishedDuel
}

type hostedDuel struct {
	ctrl    *duel.Controller
	session *domain.DuelSession
}

func New(c Config) *API {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	a := &API{
		eb:       c.EventBus,
		sessions: c.Sessions,
		ledger:   c.Ledger,
		feed:     c.Feed,
		clock:    c.Clock,
		dc:       c.Duel,
		duels:    make(map[duelKey]*hostedDuel),
		finished: make(map[duelKey]finishedDuel),
	}

	c.EventBus.Subscribe(domain.EventNameDuelFinished, "api.duels", func(ctx context.Context, e event.Event) error {
		a.release(ctx, e.(domain.EventDuelFinished).Result)
		return nil
	})

	v1 := c.Router.Group("/v1/duels")
	v1.POST("", a.CreateDuel)

	p := v1.Group("/:session/players/:player")
	p.POST("/start", a.StartDuel)
	p.GET("", a.GetState)
	p.DELETE("", a.LeaveDuel)
	p.POST("/select", a.SelectAnswer)
	p.POST("/submit", a.intent((*duel.Controller).SubmitSelected))
	p.POST("/skip", a.intent((*duel.Controller).Skip))
	p.POST("/retry", a.intent((*duel.Controller).RetryPending))
	p.POST("/quit", a.RequestQuit)
	p.DELETE("/quit", a.intent((*duel.Controller).CancelQuit))
	p.POST("/quit/confirm", a.intent((*duel.Controller).ConfirmQuit))

	return a
}

func (a *API) CreateDuel(c *gin.Context) {
	var req CreateDuelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("%s", err)))
		return
	}

	ds, err := a.sessions.CreateDuel(c.Request.Context(), req.toDomain())
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session_id": ds.SessionID})
}

// StartDuel loads the duel and starts the participant's controller at the first question the ledger has
// no answer for. Starting a running or ended duel returns its state.
func (a *API) StartDuel(c *gin.Context) {
	ctx := c.Request.Context()
	key := keyOf(c)

	a.mu.Lock()
	h, running := a.duels[key]
	f, finished := a.finished[key]
	a.mu.Unlock()

	switch {
	case running:
		c.JSON(http.StatusOK, newStateResponse(h.session, h.ctrl.State()))
		return
	case finished:
		c.JSON(http.StatusOK, newStateResponse(nil, f.state))
		return
	}

	ds, err := a.sessions.LoadDuel(ctx, key.session, key.player)
	if err != nil {
		abort(c, err)
		return
	}

	progress, err := a.sessions.Progress(ctx, key.session, key.player)
	if err != nil {
		abort(c, err)
		return
	}

	ctrl, err := duel.New(duel.Config{
		Session:          *ds,
		LocalPlayer:      key.player,
		Ledger:           a.ledger,
		Feed:             a.feed,
		Clock:            a.clock,
		QuestionSeconds:  a.dc.QuestionSeconds,
		ThresholdSeconds: a.dc.ThresholdSeconds,
		SettleDelay:      a.dc.SettleDelay,
		MaxSkips:         a.dc.MaxSkips,
		Resume:           progress,
		OnFinished: func(r domain.Result) {
			a.eb.Publish(context.Background(), domain.EventDuelFinished{Result: r})
		},
	})
	if err != nil {
		abort(c, err)
		return
	}

	a.mu.Lock()
	if running, ok := a.duels[key]; ok {
		// Lost a race with a concurrent start.
		a.mu.Unlock()
		ctrl.Close()
		c.JSON(http.StatusOK, newStateResponse(running.session, running.ctrl.State()))
		return
	}
	if f, ok := a.finished[key]; ok {
		a.mu.Unlock()
		ctrl.Close()
		c.JSON(http.StatusOK, newStateResponse(nil, f.state))
		return
	}
	a.duels[key] = &hostedDuel{ctrl: ctrl, session: ds}
	a.mu.Unlock()

	c.JSON(http.StatusCreated, newStateResponse(ds, ctrl.State()))
}

func (a *API) GetState(c *gin.Context) {
	key := keyOf(c)

	a.mu.Lock()
	h, running := a.duels[key]
	f, finished := a.finished[key]
	a.mu.Unlock()

	switch {
	case running:
		c.JSON(http.StatusOK, newStateResponse(h.session, h.ctrl.State()))
	case finished:
		c.JSON(http.StatusOK, newStateResponse(nil, f.state))
	default:
		abort(c, notHosted(key))
	}
}

// LeaveDuel tears the controller down without reporting a result.
func (a *API) LeaveDuel(c *gin.Context) {
	key := keyOf(c)

	a.mu.Lock()
	h, ok := a.duels[key]
	delete(a.duels, key)
	a.mu.Unlock()

	if !ok {
		abort(c, notHosted(key))
		return
	}

	h.ctrl.Close()
	c.Status(http.StatusNoContent)
}

func (a *API) SelectAnswer(c *gin.Context) {
	var req SelectAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("%s", err)))
		return
	}

	a.intent(func(ctrl *duel.Controller, ctx context.Context) error {
		return ctrl.SelectAnswer(ctx, req.OptionID)
	})(c)
}

func (a *API) RequestQuit(c *gin.Context) {
	h, err := a.hosted(keyOf(c))
	if err != nil {
		abort(c, err)
		return
	}

	prompt, err := h.ctrl.RequestQuit(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, QuitPromptResponse{
		Stake:      prompt.Stake.String(),
		OpponentID: prompt.Opponent.PlayerID,
		Nickname:   prompt.Opponent.Nickname,
	})
}

// intent adapts a controller operation into a handler answering with the resulting state.
func (a *API) intent(op func(*duel.Controller, context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		h, err := a.hosted(keyOf(c))
		if err != nil {
			abort(c, err)
			return
		}

		if err := op(h.ctrl, c.Request.Context()); err != nil {
			abort(c, err)
			return
		}

		c.JSON(http.StatusOK, newStateResponse(h.session, h.ctrl.State()))
	}
}

func (a *API) hosted(key duelKey) (*hostedDuel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	h, ok := a.duels[key]
	if !ok {
		if f, done := a.finished[key]; done {
			if f.state.Phase == domain.PhaseAborted {
				return nil, errors.New(errors.CodeAborted, errors.WithMessagef("duel was abandoned"))
			}
			return nil, errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("duel is finished"))
		}
		return nil, notHosted(key)
	}

	return h, nil
}

// release stops hosting a reported duel and keeps its final state readable for a while.
func (a *API) release(ctx context.Context, r domain.Result) {
	key := duelKey{session: r.SessionID, player: r.PlayerID}
	now := a.clock.Now()

	a.mu.Lock()
	h, ok := a.duels[key]
	delete(a.duels, key)
	if ok {
		a.finished[key] = finishedDuel{state: h.ctrl.State(), endTime: now}
	}
	for k, f := range a.finished {
		if now.Sub(f.endTime) > finishedRetention {
			delete(a.finished, k)
		}
	}
	a.mu.Unlock()

	if ok {
		h.ctrl.Close()
	}

	slog.InfoContext(ctx, "api: duel released",
		"session_id", r.SessionID,
		"player_id", r.PlayerID,
		"winner", r.Winner,
		"aborted", r.Aborted,
	)
}

// Close tears down every hosted duel without reporting results.
func (a *API) Close() {
	a.mu.Lock()
	duels := a.duels
	a.duels = make(map[duelKey]*hostedDuel)
	a.mu.Unlock()

	for _, h := range duels {
		h.ctrl.Close()
	}
}

func keyOf(c *gin.Context) duelKey {
	return duelKey{session: c.Param("session"), player: c.Param("player")}
}

func notHosted(key duelKey) error {
	return errors.New(errors.CodeNotFound,
		errors.WithMessagef("duel is not running: session=%s player=%s", key.session, key.player))
}

func abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c.Request.Context(), "api: request failed", "path", c.FullPath(), "error", err)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}
