package duel

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/victornm/eduel/internal/domain"
	"github.com/victornm/eduel/internal/errors"
	"github.com/victornm/eduel/internal/ledger"
	"github.com/victornm/eduel/internal/telemetry"
)

type submitKind string

const (
	kindAnswer  submitKind = "answer"
	kindTimeout submitKind = "timeout"
	kindSkip    submitKind = "skip"
)

type submission struct {
	kind     submitKind
	index    int
	optionID *string
	// reply is the waiting caller, nil for submissions started by the countdown.
	reply chan<- error
}

type submitDone struct {
	sub  *submission
	resp *ledger.SubmitAnswerResponse
	err  error
}

func (c *Controller) selectAnswer(optionID string) error {
	if err := c.checkAwaiting(); err != nil {
		return err
	}

	if !c.question().HasOption(optionID) {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("option %s is not part of question %d", optionID, c.st.index))
	}

	c.st.selected = &optionID
	return nil
}

func (c *Controller) submitSelected(reply chan<- error) {
	if err := c.checkAwaiting(); err != nil {
		c.respond(reply, err)
		return
	}

	if c.st.selected == nil {
		c.respond(reply, errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("no answer selected")))
		return
	}

	id := *c.st.selected
	c.submit(&submission{kind: kindAnswer, index: c.st.index, optionID: &id, reply: reply})
}

func (c *Controller) skip(reply chan<- error) {
	if err := c.checkAwaiting(); err != nil {
		c.respond(reply, err)
		return
	}

	if c.st.skipsUsed >= c.maxSkips {
		c.st.notice = NoticeSkipDenied
		c.respond(reply, errors.New(errors.CodeResourceExhausted,
			errors.WithMessagef("no skips left: used %d of %d", c.st.skipsUsed, c.maxSkips)))
		return
	}

	c.submit(&submission{kind: kindSkip, index: c.st.index, reply: reply})
}

func (c *Controller) retryPending(reply chan<- error) {
	if err := c.checkPlaying(); err != nil {
		c.respond(reply, err)
		return
	}

	p := c.st.pending
	if p == nil || c.st.stage != StageAwaitingAnswer {
		c.respond(reply, errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("no submission to retry")))
		return
	}

	c.submit(&submission{kind: p.kind, index: p.index, reply: reply})
}

// checkAwaiting allows an answer intent only while the current question is open.
func (c *Controller) checkAwaiting() error {
	if err := c.checkPlaying(); err != nil {
		return err
	}

	switch {
	case c.st.answered[c.st.index]:
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("question %d is already answered", c.st.index))
	case c.st.stage == StageSubmitting:
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("question %d is being submitted", c.st.index))
	case c.st.stage != StageAwaitingAnswer:
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("question %d is settled", c.st.index))
	case c.st.expired:
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("time is up for question %d", c.st.index))
	}

	return nil
}

// submit calls the ledger on its own goroutine. The outcome is applied by onSubmitted on the loop.
func (c *Controller) submit(sub *submission) {
	c.st.stage = StageSubmitting
	c.st.inflight = sub
	c.st.pending = nil
	c.st.notice = NoticeNone

	req := ledger.SubmitAnswerRequest{
		RequestID:     uuid.NewString(),
		SessionID:     c.session.SessionID,
		PlayerID:      c.local,
		QuestionIndex: sub.index,
		OptionID:      sub.optionID,
		IsTimeout:     sub.kind != kindAnswer,
		IsSkip:        sub.kind == kindSkip,
	}

	slog.DebugContext(c.ctx, "duel: submitting",
		"session_id", req.SessionID,
		"player_id", req.PlayerID,
		"question_index", req.QuestionIndex,
		"kind", string(sub.kind),
		"request_id", req.RequestID,
	)

	go func(ctx context.Context) {
		resp, err := c.ledger.SubmitAnswer(ctx, req)

		select {
		case c.submitted <- submitDone{sub: sub, resp: resp, err: err}:
		case <-ctx.Done():
		}
	}(c.ctx)
}

func (c *Controller) onSubmitted(d submitDone) {
	c.st.inflight = nil

	if d.err == nil && d.resp == nil {
		d.err = errors.New(errors.CodeInternal, errors.WithMessagef("ledger returned no response"))
	}

	if d.err != nil {
		c.onSubmitFailed(d.sub, d.err)
		return
	}

	sub, resp := d.sub, d.resp
	if c.st.phase == domain.PhaseAborted {
		c.respond(sub.reply, c.checkPlaying())
		return
	}

	if c.st.answered[sub.index] {
		c.respond(sub.reply, nil)
		return
	}

	result := domain.AnswerResult{
		ChosenOptionID: sub.optionID,
		IsCorrect:      resp.IsCorrect,
		Timeout:        sub.kind == kindTimeout,
		Skipped:        sub.kind == kindSkip,
	}
	c.st.answered[sub.index] = true
	c.st.results[sub.index] = result
	if sub.kind == kindSkip {
		c.st.skipsUsed++
	}

	outcome := settleOutcome(result)
	telemetry.RecordSettled(string(outcome))

	slog.InfoContext(c.ctx, "duel: question settled",
		"session_id", c.session.SessionID,
		"player_id", c.local,
		"question_index", sub.index,
		"outcome", string(outcome),
		"score", resp.NewScore,
		"duplicate", resp.Duplicate,
	)

	// A terminal snapshot arrived while this was in flight: the answer is kept, the scores are not.
	if c.st.phase.Terminal() {
		c.respond(sub.reply, nil)
		c.report()
		return
	}

	c.st.localScore = resp.NewScore
	c.st.notice = outcome
	c.st.stage = StageSettled
	c.timer.Deactivate()

	index := sub.index
	c.settleTimer = c.clock.AfterFunc(c.settle, func() {
		c.mailbox.post(advanceEvent{index: index})
	})

	c.respond(sub.reply, nil)
}

func (c *Controller) onSubmitFailed(sub *submission, err error) {
	telemetry.RecordLedgerFailure(string(sub.kind))

	slog.WarnContext(c.ctx, "duel: submission failed",
		"session_id", c.session.SessionID,
		"player_id", c.local,
		"question_index", sub.index,
		"kind", string(sub.kind),
		"error", err,
	)

	e := errors.Convert(err)
	if errors.IsRetryable(err) {
		e = errors.New(errors.CodeUnavailable,
			errors.WithMessagef("submission of question %d failed, try again", sub.index),
			errors.WithCause(err))
	}

	if c.st.phase.Terminal() {
		c.respond(sub.reply, e)
		c.report()
		return
	}

	c.st.stage = StageAwaitingAnswer
	c.st.notice = NoticeSubmitFailed

	switch {
	case sub.kind != kindTimeout && c.st.expired:
		// Time ran out while the answer was in flight.
		c.submit(&submission{kind: kindTimeout, index: sub.index})
	case sub.kind != kindAnswer:
		c.st.pending = sub
	}

	c.respond(sub.reply, e)
}

// onExpire settles the current question as timed out unless it is already settled or being submitted.
func (c *Controller) onExpire(index int) {
	if index != c.st.index || c.st.answered[index] || c.st.phase.Terminal() {
		slog.DebugContext(c.ctx, "duel: stale timeout ignored", "session_id", c.session.SessionID, "question_index", index)
		return
	}

	c.st.expired = true
	c.st.remaining = 0

	if c.st.inflight != nil {
		return
	}

	c.submit(&submission{kind: kindTimeout, index: index})
}

func (c *Controller) confirmQuit() error {
	if err := c.checkPlaying(); err != nil {
		return err
	}

	if !c.st.quitRequested {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("quit was not requested"))
	}

	c.st.phase = domain.PhaseAborted
	c.st.stage = StageAborted
	c.st.quitRequested = false
	c.timer.Deactivate()
	c.stopSettle()

	c.st.result = &domain.Result{
		SessionID:   c.session.SessionID,
		PlayerID:    c.local,
		LocalScore:  c.st.localScore,
		RemoteScore: c.st.remoteScore,
		Aborted:     true,
		Forfeited:   c.session.Stake,
		Reason:      "quit",
	}

	req := ledger.ForfeitRequest{SessionID: c.session.SessionID, PlayerID: c.local}
	go func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), forfeitTimeout)
		defer cancel()

		if err := c.ledger.Forfeit(ctx, req); err != nil {
			telemetry.RecordLedgerFailure("forfeit")
			slog.ErrorContext(ctx, "duel: notify forfeit failed",
				"session_id", req.SessionID,
				"player_id", req.PlayerID,
				"error", err,
			)
		}
	}(c.ctx)

	c.report()
	return nil
}

func settleOutcome(r domain.AnswerResult) Notice {
	switch {
	case r.Skipped:
		return NoticeSkipped
	case r.Timeout:
		return NoticeTimeUp
	case r.IsCorrect:
		return NoticeCorrect
	default:
		return NoticeWrong
	}
}
