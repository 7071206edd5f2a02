package duel

import (
	"log/slog"

	"github.com/victornm/eduel/internal/domain"
	"github.com/victornm/eduel/internal/telemetry"
)

// merge applies a remote snapshot. Remote progress only moves forward; a finished snapshot always wins
// and carries the final scores of both players.
func (c *Controller) merge(snap domain.Snapshot) {
	if snap.SessionID != c.session.SessionID || c.st.reported {
		return
	}

	slot, ok := snap.Side(c.local)
	if !ok {
		if !snap.Anonymous() {
			slog.WarnContext(c.ctx, "duel: snapshot for other players ignored",
				"session_id", c.session.SessionID,
				"player1_id", snap.Player1ID,
				"player2_id", snap.Player2ID,
			)
			return
		}
		slot = c.slot
	}

	var (
		localScore, _        = snap.Score(slot)
		remoteScore, remoteI = snap.Score(1 - slot)
	)

	if snap.Status == domain.SnapshotFinished {
		// Repeated terminal snapshots keep correcting the scores until the result is reported.
		telemetry.RecordSnapshot("terminal")

		c.st.remoteIndex = max(c.st.remoteIndex, remoteI)

		winner := localScore > remoteScore
		if snap.WinnerID != "" {
			winner = snap.WinnerID == c.local
		}

		reason := "remote_finished"
		if len(c.st.answered) == len(c.session.Questions) {
			reason = "completed"
		}
		c.finish(localScore, remoteScore, winner, reason)

		slog.InfoContext(c.ctx, "duel: finished by remote snapshot",
			"session_id", c.session.SessionID,
			"player_id", c.local,
			"winner_id", snap.WinnerID,
			"question_index", c.st.index,
		)

		// The in-flight submission completes first; the report follows it.
		if c.st.inflight == nil {
			c.report()
		}
		return
	}

	if c.st.phase.Terminal() {
		return
	}

	if remoteI < c.st.remoteIndex {
		telemetry.RecordSnapshot("stale")
		slog.DebugContext(c.ctx, "duel: stale snapshot ignored",
			"session_id", c.session.SessionID,
			"remote_index", remoteI,
			"known_index", c.st.remoteIndex,
		)
		return
	}

	telemetry.RecordSnapshot("applied")
	c.st.remoteIndex = remoteI
	c.st.remoteScore = remoteScore
}

// finish moves the duel to Finished with the given scores. The result is reported separately.
func (c *Controller) finish(localScore, remoteScore int, winner bool, reason string) {
	c.st.phase = domain.PhaseFinished
	c.st.stage = StageFinished
	c.st.quitRequested = false
	c.st.localScore = localScore
	c.st.remoteScore = remoteScore
	c.timer.Deactivate()
	c.stopSettle()

	c.st.result = &domain.Result{
		SessionID:   c.session.SessionID,
		PlayerID:    c.local,
		Winner:      winner,
		LocalScore:  localScore,
		RemoteScore: remoteScore,
		Reason:      reason,
	}
}

// report hands the result to the host exactly once.
func (c *Controller) report() {
	if c.st.reported || c.st.result == nil {
		return
	}
	c.st.reported = true

	r := *c.st.result
	telemetry.RecordDuelFinished(outcomeLabel(r))

	slog.InfoContext(c.ctx, "duel: result reported",
		"session_id", r.SessionID,
		"player_id", r.PlayerID,
		"winner", r.Winner,
		"local_score", r.LocalScore,
		"remote_score", r.RemoteScore,
		"aborted", r.Aborted,
		"reason", r.Reason,
	)

	c.publish()
	c.onFinished(r)
	close(c.finished)
}

func outcomeLabel(r domain.Result) string {
	switch {
	case r.Aborted:
		return "aborted"
	case r.Winner:
		return "won"
	case r.LocalScore == r.RemoteScore:
		return "tied"
	default:
		return "lost"
	}
}
