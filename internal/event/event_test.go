package event_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/eduel/internal/domain"
	"github.com/victornm/eduel/internal/event"
)

var (
	settledQ1 = domain.EventAnswerSettled{SessionID: "d1", PlayerID: "p1", QuestionIndex: 1, QuestionCount: 3, IsCorrect: true, TotalScore: 1}
	settledQ2 = domain.EventAnswerSettled{SessionID: "d1", PlayerID: "p2", QuestionIndex: 2, QuestionCount: 3, TotalScore: 0}
	forfeited = domain.EventDuelForfeited{SessionID: "d1", PlayerID: "p2"}
	finished  = domain.EventDuelFinished{Result: domain.Result{SessionID: "d1", PlayerID: "p1", Winner: true, Reason: "remote_finished"}}
)

// recorder collects what each named subscriber handled.
type recorder struct {
	mu       sync.Mutex
	received map[string][]event.Event
}

func (r *recorder) handler(subscriber string) event.Handler {
	return func(_ context.Context, e event.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.received[subscriber] = append(r.received[subscriber], e)
		return nil
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	type subscription struct {
		subscriber string
		events     []string
	}

	tests := map[string]struct {
		subscriptions []subscription
		published     []event.Event
		assert        func(t *testing.T, received map[string][]event.Event)
	}{
		"the ledger feed only sees settles and forfeits": {
			subscriptions: []subscription{
				{subscriber: "feed.publisher", events: []string{domain.EventNameAnswerSettled, domain.EventNameDuelForfeited}},
			},
			published: []event.Event{settledQ1, finished, forfeited},
			assert: func(t *testing.T, received map[string][]event.Event) {
				assert.ElementsMatch(t, []event.Event{settledQ1, forfeited}, received["feed.publisher"])
			},
		},
		"every settle of a duel is delivered": {
			subscriptions: []subscription{
				{subscriber: "feed.publisher", events: []string{domain.EventNameAnswerSettled}},
			},
			published: []event.Event{settledQ1, settledQ2, settledQ1},
			assert: func(t *testing.T, received map[string][]event.Event) {
				assert.ElementsMatch(t, []event.Event{settledQ1, settledQ2, settledQ1}, received["feed.publisher"])
			},
		},
		"a finished duel reaches every host": {
			subscriptions: []subscription{
				{subscriber: "api.duels", events: []string{domain.EventNameDuelFinished}},
				{subscriber: "audit", events: []string{domain.EventNameDuelFinished}},
			},
			published: []event.Event{finished},
			assert: func(t *testing.T, received map[string][]event.Event) {
				assert.Equal(t, []event.Event{finished}, received["api.duels"])
				assert.Equal(t, []event.Event{finished}, received["audit"])
			},
		},
		"mixed events are routed by name": {
			subscriptions: []subscription{
				{subscriber: "feed.publisher", events: []string{domain.EventNameAnswerSettled, domain.EventNameDuelForfeited}},
				{subscriber: "api.duels", events: []string{domain.EventNameDuelFinished}},
				{subscriber: "audit", events: []string{domain.EventNameDuelForfeited, domain.EventNameDuelFinished}},
			},
			published: []event.Event{settledQ1, forfeited, settledQ2, finished},
			assert: func(t *testing.T, received map[string][]event.Event) {
				assert.ElementsMatch(t, []event.Event{settledQ1, forfeited, settledQ2}, received["feed.publisher"])
				assert.ElementsMatch(t, []event.Event{finished}, received["api.duels"])
				assert.ElementsMatch(t, []event.Event{forfeited, finished}, received["audit"])
			},
		},
		"an event without subscribers is a no-op": {
			subscriptions: []subscription{
				{subscriber: "api.duels", events: []string{domain.EventNameDuelFinished}},
			},
			published: []event.Event{settledQ1},
			assert: func(t *testing.T, received map[string][]event.Event) {
				assert.Empty(t, received)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			r := &recorder{received: make(map[string][]event.Event)}

			b := event.NewBus()
			for _, s := range tt.subscriptions {
				for _, e := range s.events {
					b.Subscribe(e, s.subscriber, r.handler(s.subscriber))
				}
			}

			for _, e := range tt.published {
				b.Publish(context.Background(), e)
			}
			b.Stop()

			tt.assert(t, r.received)
		})
	}
}

func TestBus_FailingHandlerDoesNotAffectOthers(t *testing.T) {
	r := &recorder{received: make(map[string][]event.Event)}

	b := event.NewBus()
	b.Subscribe(domain.EventNameDuelForfeited, "broken", func(context.Context, event.Event) error {
		return errors.New("redis unavailable")
	})
	b.Subscribe(domain.EventNameDuelForfeited, "panicking", func(context.Context, event.Event) error {
		panic("nil roster")
	})
	b.Subscribe(domain.EventNameDuelForfeited, "feed.publisher", r.handler("feed.publisher"))

	b.Publish(context.Background(), forfeited)
	b.Publish(context.Background(), forfeited)
	b.Stop()

	assert.Equal(t, []event.Event{forfeited, forfeited}, r.received["feed.publisher"])
}

func TestBus_HandlerContextOutlivesPublisher(t *testing.T) {
	done := make(chan error, 1)

	b := event.NewBus()
	b.Subscribe(domain.EventNameDuelFinished, "api.duels", func(ctx context.Context, _ event.Event) error {
		done <- ctx.Err()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Publish(ctx, finished)
	b.Stop()

	require.Len(t, done, 1)
	assert.NoError(t, <-done, "a cancelled request must not cancel its event handlers")
}

func TestBus_PublishAfterStopIsDropped(t *testing.T) {
	r := &recorder{received: make(map[string][]event.Event)}

	b := event.NewBus()
	b.Subscribe(domain.EventNameAnswerSettled, "feed.publisher", r.handler("feed.publisher"))

	b.Publish(context.Background(), settledQ1)
	b.Stop()
	b.Publish(context.Background(), settledQ2)

	assert.Equal(t, []event.Event{settledQ1}, r.received["feed.publisher"])
}

func TestBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	var (
		release = make(chan struct{})
		fast    = make(chan event.Event, 1)
	)

	b := event.NewBus()
	b.Subscribe(domain.EventNameDuelFinished, "slow", func(context.Context, event.Event) error {
		<-release
		return nil
	})
	b.Subscribe(domain.EventNameDuelFinished, "api.duels", func(_ context.Context, e event.Event) error {
		fast <- e
		return nil
	})

	b.Publish(context.Background(), finished)

	select {
	case e := <-fast:
		assert.Equal(t, finished, e)
	case <-time.After(time.Second):
		t.Fatal("api.duels should receive the event while the slow subscriber is busy")
	}

	close(release)
	b.Stop()
}
