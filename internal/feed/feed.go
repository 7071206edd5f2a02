// Package feed carries duel snapshots from the ledger side to the players over Redis pub/sub.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/eduel/internal/domain"
)

const (
	EventNameSnapshot = "duel.snapshot"

	defaultBuffer = 16
)

// Notification is the envelope of every message on a duel channel.
type Notification struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Channel returns the pub/sub channel of a duel.
func Channel(prefix, session string) string {
	return fmt.Sprintf("%s:duel:%s", prefix, session)
}

// Snapshotter returns the current state of a duel.
type Snapshotter interface {
	Snapshot(ctx context.Context, session string) (domain.Snapshot, error)
}

type SubscriberConfig struct {
	Redis  redis.UniversalClient
	Prefix string
	// Buffer is the number of undelivered snapshots kept per subscription.
	Buffer int
	// Seed is optional. When set, every subscription starts with the duel's current state.
	Seed Snapshotter
}

type Subscriber struct {
	redis  redis.UniversalClient
	prefix string
	buffer int
	seed   Snapshotter
}

func NewSubscriber(c SubscriberConfig) *Subscriber {
	if c.Buffer <= 0 {
		c.Buffer = defaultBuffer
	}

	return &Subscriber{
		redis:  c.Redis,
		prefix: c.Prefix,
		buffer: c.Buffer,
		seed:   c.Seed,
	}
}

// Subscribe delivers the snapshots of a duel until ctx is cancelled or the connection is lost,
// then closes the returned channel. Snapshots published after Subscribe returns are not missed.
// With a seed the first snapshot is the state at subscription time; it may be older than the next one.
func (s *Subscriber) Subscribe(ctx context.Context, session string) (<-chan domain.Snapshot, error) {
	ch := Channel(s.prefix, session)

	sub := s.redis.Subscribe(ctx, ch)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("feed: subscribe %s: %w", ch, err)
	}

	// A blocked read is not interrupted by ctx, closing the subscription is.
	stop := context.AfterFunc(ctx, func() { _ = sub.Close() })

	out := make(chan domain.Snapshot, s.buffer)
	go func() {
		defer close(out)
		defer stop()
		defer sub.Close()

		if s.seed != nil {
			snap, err := s.seed.Snapshot(ctx, session)
			if err != nil {
				slog.WarnContext(ctx, "feed: initial snapshot unavailable", "channel", ch, "error", err)
			} else {
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}

		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.WarnContext(ctx, "feed: subscription lost", "channel", ch, "error", err)
				}
				return
			}

			snap, err := decodeSnapshot(msg.Payload)
			if err != nil {
				slog.WarnContext(ctx, "feed: drop undecodable message", "channel", ch, "error", err)
				continue
			}

			if snap.SessionID != session {
				continue
			}

			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func decodeSnapshot(payload string) (domain.Snapshot, error) {
	var n Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return domain.Snapshot{}, fmt.Errorf("unmarshal notification: %w", err)
	}

	if n.Event != EventNameSnapshot {
		return domain.Snapshot{}, fmt.Errorf("unexpected event %q", n.Event)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(n.Data, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return snap, nil
}

func encodeSnapshot(snap domain.Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	return json.Marshal(Notification{Event: EventNameSnapshot, Data: data})
}
