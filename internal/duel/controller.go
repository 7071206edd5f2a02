// Package duel runs one participant's side of a duel: the per-question state machine, its countdown,
// ledger submissions and the merge of remote snapshots.
package duel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/eduel/internal/countdown"
	"github.com/victornm/eduel/internal/domain"
	"github.com/victornm/eduel/internal/errors"
	"github.com/victornm/eduel/internal/ledger"
)

const (
	DefaultQuestionSeconds  = 30
	DefaultThresholdSeconds = 10
	DefaultSettleDelay      = 1500 * time.Millisecond
	DefaultMaxSkips         = 2

	forfeitTimeout = 10 * time.Second
)

// Feed delivers remote snapshots of a duel until ctx is cancelled or the feed is lost.
type Feed interface {
	Subscribe(ctx context.Context, session string) (<-chan domain.Snapshot, error)
}

type Config struct {
	Session     domain.DuelSession
	LocalPlayer string

	Ledger ledger.Client
	// Feed is optional. Without it the duel runs on local state only.
	Feed Feed

	Clock            clockwork.Clock
	QuestionSeconds  int
	ThresholdSeconds int
	SettleDelay      time.Duration
	MaxSkips         int
	// FinishWait bounds how long a player who settled every question waits for the final snapshot
	// before the local scores decide. Defaults to the time the opponent needs for every question.
	FinishWait time.Duration

	// Resume holds the answers the ledger already settled for the local player. The duel continues
	// at the first question without one.
	Resume domain.Progress

	// OnFinished is called exactly once when the duel finishes or is abandoned, never after Close.
	// It runs on the controller's goroutine and must not call back into the controller except State.
	OnFinished func(domain.Result)
}

// Controller owns one duel for the local player. All mutations run on a single goroutine; the exported
// methods hand intents to it and wait for the outcome.
type Controller struct {
	session  domain.DuelSession
	local    string
	slot     int
	ledger   ledger.Client
	clock    clockwork.Clock
	timer    *countdown.Countdown
	settle   time.Duration
	maxSkips int
	duration int
	wait     time.Duration

	onFinished func(domain.Result)

	ctx    context.Context
	cancel context.CancelFunc

	intents   chan intent
	submitted chan submitDone
	mailbox   *mailbox
	feed      <-chan domain.Snapshot

	// replies are sent after the state they produced has been published.
	replies []pendingReply

	// timerIndex is the question the countdown currently runs for.
	timerIndex atomic.Int64
	// settleTimer fires the advance after a settled question, or the end of the wait for the opponent.
	settleTimer clockwork.Timer

	st session

	view     sync.RWMutex
	state    State
	finished chan struct{}
	exited   chan struct{}
}

// New validates the session, subscribes to its feed and starts the first unanswered question.
func New(c Config) (*Controller, error) {
	if err := c.Session.Validate(c.LocalPlayer); err != nil {
		return nil, err
	}

	if c.Ledger == nil {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("duel: ledger client is required"))
	}

	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.QuestionSeconds <= 0 {
		c.QuestionSeconds = DefaultQuestionSeconds
	}
	if c.ThresholdSeconds <= 0 {
		c.ThresholdSeconds = DefaultThresholdSeconds
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.MaxSkips <= 0 {
		c.MaxSkips = DefaultMaxSkips
	}
	if c.FinishWait <= 0 {
		perQuestion := time.Duration(c.QuestionSeconds)*time.Second + c.SettleDelay
		c.FinishWait = time.Duration(len(c.Session.Questions)) * perQuestion
	}
	if c.OnFinished == nil {
		c.OnFinished = func(domain.Result) {}
	}

	first := c.Resume.Next(len(c.Session.Questions))
	if first == 0 {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("every question of session %s is answered", c.Session.SessionID))
	}

	slot, _ := c.Session.Slot(c.LocalPlayer)
	ctx, cancel := context.WithCancel(context.Background())

	ctrl := &Controller{
		session:    c.Session,
		local:      c.LocalPlayer,
		slot:       slot,
		ledger:     c.Ledger,
		clock:      c.Clock,
		settle:     c.SettleDelay,
		maxSkips:   c.MaxSkips,
		duration:   c.QuestionSeconds,
		wait:       c.FinishWait,
		onFinished: c.OnFinished,
		ctx:        ctx,
		cancel:     cancel,
		intents:    make(chan intent),
		submitted:  make(chan submitDone),
		mailbox:    newMailbox(),
		finished:   make(chan struct{}),
		exited:     make(chan struct{}),
		st: session{
			stage:      StageAwaitingAnswer,
			phase:      domain.PhasePlaying,
			index:      first,
			answered:   make(map[int]bool, len(c.Resume.Answers)),
			results:    make(map[int]domain.AnswerResult, len(c.Resume.Answers)),
			localScore: c.Resume.Score,
			skipsUsed:  c.Resume.Skips(),
			remaining:  c.QuestionSeconds,
		},
	}
	for i, r := range c.Resume.Answers {
		ctrl.st.answered[i] = true
		ctrl.st.results[i] = r
	}

	timer, err := countdown.New(countdown.Config{
		Clock:     c.Clock,
		Duration:  c.QuestionSeconds,
		Threshold: c.ThresholdSeconds,
		OnTick: func(remaining int) {
			ctrl.mailbox.post(tickEvent{index: ctrl.timerQuestion(), remaining: remaining})
		},
		OnThreshold: func() {
			ctrl.mailbox.post(thresholdEvent{index: ctrl.timerQuestion()})
		},
		OnExpire: func() {
			ctrl.mailbox.post(expireEvent{index: ctrl.timerQuestion()})
		},
	})
	if err != nil {
		cancel()
		return nil, err
	}
	ctrl.timer = timer

	if c.Feed != nil {
		feed, err := c.Feed.Subscribe(ctx, c.Session.SessionID)
		if err != nil {
			slog.WarnContext(ctx, "duel: change-feed unavailable, opponent progress will not refresh",
				"session_id", c.Session.SessionID, "error", err)
		} else {
			ctrl.feed = feed
			ctrl.st.feedConnected = true
		}
	}

	ctrl.startQuestion(first)
	ctrl.publish()

	go ctrl.run()

	slog.InfoContext(ctx, "duel: started",
		"session_id", c.Session.SessionID,
		"player_id", c.LocalPlayer,
		"questions", len(c.Session.Questions),
		"question_index", first,
	)

	return ctrl, nil
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	c.view.RLock()
	defer c.view.RUnlock()

	return c.state
}

// Done is closed once the result has been reported.
func (c *Controller) Done() <-chan struct{} {
	return c.finished
}

// Close tears the controller down: the feed is unsubscribed, timers are stopped and in-flight ledger
// calls are cancelled. A result not yet reported is never reported. Close is idempotent.
func (c *Controller) Close() {
	c.cancel()
	<-c.exited
}

// SelectAnswer marks optionID as the local player's choice for the current question.
func (c *Controller) SelectAnswer(ctx context.Context, optionID string) error {
	return c.do(ctx, func(reply chan<- error) {
		c.respond(reply, c.selectAnswer(optionID))
	})
}

// SubmitSelected sends the selected option to the ledger and waits for its verdict. A failed submission
// leaves the question unanswered with the selection kept, so it can be submitted again.
func (c *Controller) SubmitSelected(ctx context.Context) error {
	return c.do(ctx, c.submitSelected)
}

// Skip settles the current question without an answer. At most MaxSkips questions can be skipped.
func (c *Controller) Skip(ctx context.Context) error {
	return c.do(ctx, c.skip)
}

// RetryPending re-issues a timeout or skip submission that failed.
func (c *Controller) RetryPending(ctx context.Context) error {
	return c.do(ctx, c.retryPending)
}

// RequestQuit opens the quit confirmation and names the stake at risk.
func (c *Controller) RequestQuit(ctx context.Context) (QuitPrompt, error) {
	var prompt QuitPrompt
	err := c.do(ctx, func(reply chan<- error) {
		if err := c.checkPlaying(); err != nil {
			c.respond(reply, err)
			return
		}

		c.st.quitRequested = true
		prompt = QuitPrompt{
			Stake:    c.session.Stake,
			Opponent: c.session.Opponent(c.local),
		}
		c.respond(reply, nil)
	})

	return prompt, err
}

// CancelQuit closes the quit confirmation.
func (c *Controller) CancelQuit(ctx context.Context) error {
	return c.do(ctx, func(reply chan<- error) {
		if err := c.checkPlaying(); err != nil {
			c.respond(reply, err)
			return
		}

		c.st.quitRequested = false
		c.respond(reply, nil)
	})
}

// ConfirmQuit abandons the duel. The whole stake is forfeited to the opponent.
func (c *Controller) ConfirmQuit(ctx context.Context) error {
	return c.do(ctx, func(reply chan<- error) {
		c.respond(reply, c.confirmQuit())
	})
}

type intent struct {
	apply func(reply chan<- error)
	reply chan error
}

// do runs fn on the loop and waits for its reply. fn may keep reply and answer later.
func (c *Controller) do(ctx context.Context, fn func(reply chan<- error)) error {
	in := intent{apply: fn, reply: make(chan error, 1)}

	select {
	case c.intents <- in:
	case <-c.exited:
		return c.exitedErr()
	case <-ctx.Done():
		return errors.New(errors.CodeCanceled, errors.WithCause(ctx.Err()))
	}

	select {
	case err := <-in.reply:
		return err
	case <-c.exited:
		return c.exitedErr()
	case <-ctx.Done():
		return errors.New(errors.CodeCanceled, errors.WithCause(ctx.Err()))
	}
}

func (c *Controller) exitedErr() error {
	switch c.State().Phase {
	case domain.PhaseAborted:
		return errors.New(errors.CodeAborted, errors.WithMessagef("duel was abandoned"))
	case domain.PhaseFinished:
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("duel is finished"))
	default:
		return errors.New(errors.CodeCanceled, errors.WithMessagef("duel controller is closed"))
	}
}

func (c *Controller) run() {
	defer c.shutdown()

	for {
		select {
		case <-c.ctx.Done():
			return
		case in := <-c.intents:
			in.apply(in.reply)
		case <-c.mailbox.wake:
			for _, e := range c.mailbox.drain() {
				c.handle(e)
			}
		case d := <-c.submitted:
			c.onSubmitted(d)
		case snap, ok := <-c.feed:
			if !ok {
				c.onFeedLost()
				break
			}
			c.merge(snap)
		}

		c.publish()
		c.flush()

		if c.st.reported && c.st.inflight == nil {
			return
		}
	}
}

func (c *Controller) shutdown() {
	c.timer.Stop()
	c.stopSettle()
	c.cancel()

	c.st.feedConnected = false
	c.publish()
	close(c.exited)

	slog.DebugContext(c.ctx, "duel: controller stopped", "session_id", c.session.SessionID, "player_id", c.local)
}

func (c *Controller) publish() {
	s := c.snapshotState()

	c.view.Lock()
	c.state = s
	c.view.Unlock()
}

type pendingReply struct {
	ch  chan<- error
	err error
}

func (c *Controller) respond(ch chan<- error, err error) {
	if ch != nil {
		c.replies = append(c.replies, pendingReply{ch: ch, err: err})
	}
}

// flush never blocks: every reply channel is buffered and answered once.
func (c *Controller) flush() {
	for _, r := range c.replies {
		r.ch <- r.err
	}
	c.replies = nil
}

func (c *Controller) handle(e loopEvent) {
	switch e := e.(type) {
	case tickEvent:
		if e.index == c.st.index && !c.st.phase.Terminal() {
			c.st.remaining = e.remaining
		}
	case thresholdEvent:
		if e.index == c.st.index && c.st.stage == StageAwaitingAnswer && !c.st.phase.Terminal() {
			c.st.notice = NoticeLowTime
		}
	case expireEvent:
		c.onExpire(e.index)
	case advanceEvent:
		c.onAdvance(e.index)
	case waitOverEvent:
		c.onWaitOver()
	}
}

func (c *Controller) onFeedLost() {
	c.feed = nil
	c.st.feedConnected = false

	slog.WarnContext(c.ctx, "duel: change-feed lost, continuing on local state",
		"session_id", c.session.SessionID, "player_id", c.local)

	if c.st.stage == StageWaiting {
		c.complete()
	}
}

func (c *Controller) checkPlaying() error {
	switch c.st.phase {
	case domain.PhaseAborted:
		return errors.New(errors.CodeAborted, errors.WithMessagef("duel was abandoned"))
	case domain.PhaseFinished:
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("duel is finished"))
	default:
		return nil
	}
}

func (c *Controller) question() domain.Question {
	return c.session.Questions[c.st.index-1]
}

func (c *Controller) timerQuestion() int {
	return int(c.timerIndex.Load())
}

// startQuestion resets the per-question state and restarts the countdown for index.
func (c *Controller) startQuestion(index int) {
	c.timer.Deactivate()

	c.st.index = index
	c.st.stage = StageAwaitingAnswer
	c.st.selected = nil
	c.st.expired = false
	c.st.pending = nil
	c.st.remaining = c.duration

	c.timerIndex.Store(int64(index))
	c.timer.Activate()
}

func (c *Controller) onAdvance(index int) {
	c.settleTimer = nil

	if index != c.st.index || c.st.phase.Terminal() {
		return
	}

	next := index + 1
	for next <= len(c.session.Questions) && c.st.answered[next] {
		next++
	}

	if next <= len(c.session.Questions) {
		c.startQuestion(next)
		return
	}

	if c.feed == nil {
		c.complete()
		return
	}

	// The opponent may still be playing: the final snapshot names the winner.
	c.st.stage = StageWaiting
	c.settleTimer = c.clock.AfterFunc(c.wait, func() {
		c.mailbox.post(waitOverEvent{})
	})

	slog.InfoContext(c.ctx, "duel: waiting for opponent",
		"session_id", c.session.SessionID,
		"player_id", c.local,
		"remote_index", c.st.remoteIndex,
		"wait", c.wait,
	)
}

func (c *Controller) onWaitOver() {
	c.settleTimer = nil

	if c.st.stage != StageWaiting || c.st.phase.Terminal() {
		return
	}

	slog.WarnContext(c.ctx, "duel: no final snapshot, local scores decide",
		"session_id", c.session.SessionID,
		"player_id", c.local,
	)
	c.complete()
}

// complete finishes the duel on the scores known locally.
func (c *Controller) complete() {
	c.finish(c.st.localScore, c.st.remoteScore, c.st.localScore > c.st.remoteScore, "completed")
	c.report()
}

func (c *Controller) stopSettle() {
	if c.settleTimer != nil {
		c.settleTimer.Stop()
		c.settleTimer = nil
	}
}

type loopEvent any

type (
	tickEvent struct {
		index     int
		remaining int
	}
	thresholdEvent struct{ index int }
	expireEvent    struct{ index int }
	advanceEvent   struct{ index int }
	waitOverEvent  struct{}
)

// mailbox queues timer events for the loop. Posting never blocks, so timer callbacks cannot stall
// on a loop that is itself waiting for the timer.
type mailbox struct {
	mu     sync.Mutex
	events []loopEvent
	wake   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) post(e loopEvent) {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []loopEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.events
	m.events = nil
	return events
}
