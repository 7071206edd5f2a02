package feed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/eduel/internal/domain"
	"github.com/victornm/eduel/internal/event"
)

const progressTTL = 24 * time.Hour

// Roster resolves the two players of a duel in their session order.
type Roster interface {
	Players(ctx context.Context, session string) ([2]domain.PlayerRef, error)
}

type PublisherConfig struct {
	EventBus *event.Bus
	Roster   Roster
	Redis    redis.UniversalClient
	Prefix   string
}

// Publisher keeps the progress of every duel in Redis and publishes a snapshot after each change.
type Publisher struct {
	roster Roster
	redis  redis.UniversalClient
	prefix string
}

func NewPublisher(c PublisherConfig) *Publisher {
	p := &Publisher{
		roster: c.Roster,
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	c.EventBus.Subscribe(domain.EventNameAnswerSettled, "feed.publisher", func(ctx context.Context, e event.Event) error {
		return p.UpdateProgress(ctx, e.(domain.EventAnswerSettled))
	})

	c.EventBus.Subscribe(domain.EventNameDuelForfeited, "feed.publisher", func(ctx context.Context, e event.Event) error {
		return p.Forfeit(ctx, e.(domain.EventDuelForfeited))
	})

	return p
}

// progressScript records one settle and declares the duel finished once both players settled every question.
// A finished duel is never touched again and a player's index never moves backwards. It returns the whole
// progress hash after a change and nil otherwise.
//
// KEYS[1] progress hash. ARGV: player, score, index, count, player1, player2, ttl seconds.
var progressScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('HGET', key, 'status') == 'finished' then
	return false
end

local index = tonumber(ARGV[3])
if index < tonumber(redis.call('HGET', key, ARGV[1] .. ':index') or '0') then
	return false
end

local count = tonumber(ARGV[4])
redis.call('HSET', key, ARGV[1] .. ':score', ARGV[2], ARGV[1] .. ':index', index, 'count', count)
redis.call('EXPIRE', key, ARGV[7])

local function field(player, name)
	return tonumber(redis.call('HGET', key, player .. ':' .. name) or '0')
end

if count > 0 and field(ARGV[5], 'index') >= count and field(ARGV[6], 'index') >= count then
	local s1, s2 = field(ARGV[5], 'score'), field(ARGV[6], 'score')
	local winner = ''
	if s1 > s2 then
		winner = ARGV[5]
	elseif s2 > s1 then
		winner = ARGV[6]
	end
	redis.call('HSET', key, 'status', 'finished', 'winner', winner)
end

return redis.call('HGETALL', key)
`)

// forfeitScript finishes a duel that is still running in favour of ARGV[1].
//
// KEYS[1] progress hash. ARGV: winner, ttl seconds.
var forfeitScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('HGET', key, 'status') == 'finished' then
	return false
end

redis.call('HSET', key, 'status', 'finished', 'winner', ARGV[1])
redis.call('EXPIRE', key, ARGV[2])

return redis.call('HGETALL', key)
`)

// UpdateProgress records the player's score and progress and declares the duel finished once both
// players have settled every question. Settles of a finished duel and out-of-order settles are not published.
func (p *Publisher) UpdateProgress(ctx context.Context, e domain.EventAnswerSettled) error {
	players, err := p.roster.Players(ctx, e.SessionID)
	if err != nil {
		return fmt.Errorf("feed: get players: session=%s: %w", e.SessionID, err)
	}

	h, err := p.run(ctx, progressScript, e.SessionID,
		e.PlayerID, e.TotalScore, e.QuestionIndex, e.QuestionCount,
		players[0].PlayerID, players[1].PlayerID, int(progressTTL.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("feed: update progress: %w", err)
	}
	if h == nil {
		return nil
	}

	return p.publish(ctx, newSnapshot(e.SessionID, players, h))
}

// Forfeit ends a running duel in favour of the opponent of the forfeiting player.
func (p *Publisher) Forfeit(ctx context.Context, e domain.EventDuelForfeited) error {
	players, err := p.roster.Players(ctx, e.SessionID)
	if err != nil {
		return fmt.Errorf("feed: get players: session=%s: %w", e.SessionID, err)
	}

	winnerID := players[0].PlayerID
	if winnerID == e.PlayerID {
		winnerID = players[1].PlayerID
	}

	h, err := p.run(ctx, forfeitScript, e.SessionID, winnerID, int(progressTTL.Seconds()))
	if err != nil {
		return fmt.Errorf("feed: forfeit: %w", err)
	}
	if h == nil {
		return nil
	}

	return p.publish(ctx, newSnapshot(e.SessionID, players, h))
}

// run executes a progress script and returns the resulting hash, or nil when the script changed nothing.
func (p *Publisher) run(ctx context.Context, script *redis.Script, session string, args ...any) (map[string]string, error) {
	kv, err := script.Run(ctx, p.redis, []string{p.progressKey(session)}, args...).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	h := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		h[kv[i]] = kv[i+1]
	}

	return h, nil
}

// Snapshot returns the current remote state of a duel.
func (p *Publisher) Snapshot(ctx context.Context, session string) (domain.Snapshot, error) {
	players, err := p.roster.Players(ctx, session)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("feed: get players: session=%s: %w", session, err)
	}

	h, err := p.redis.HGetAll(ctx, p.progressKey(session)).Result()
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("feed: get progress: %w", err)
	}

	return newSnapshot(session, players, h), nil
}

func newSnapshot(session string, players [2]domain.PlayerRef, h map[string]string) domain.Snapshot {
	p1, p2 := players[0].PlayerID, players[1].PlayerID
	snap := domain.Snapshot{
		SessionID:            session,
		Player1ID:            p1,
		Player2ID:            p2,
		Player1Score:         atoi(h[scoreField(p1)]),
		Player2Score:         atoi(h[scoreField(p2)]),
		Player1QuestionIndex: atoi(h[indexField(p1)]),
		Player2QuestionIndex: atoi(h[indexField(p2)]),
		Status:               domain.SnapshotActive,
		WinnerID:             h["winner"],
	}

	if h["status"] == string(domain.SnapshotFinished) {
		snap.Status = domain.SnapshotFinished
	}

	return snap
}

func (p *Publisher) publish(ctx context.Context, snap domain.Snapshot) error {
	b, err := encodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("feed: publish %s: %w", snap.SessionID, err)
	}

	return p.redis.Publish(ctx, Channel(p.prefix, snap.SessionID), b).Err()
}

func (p *Publisher) progressKey(session string) string {
	return fmt.Sprintf("%s:duel:%s:progress", p.prefix, session)
}

func scoreField(player string) string { return player + ":score" }
func indexField(player string) string { return player + ":index" }

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
