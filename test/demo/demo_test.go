//go:build integration_test

package demo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/eduel/internal/api"
	"github.com/victornm/eduel/internal/domain"
	"github.com/victornm/eduel/internal/feed"
)

const (
	addr   = "http://localhost:8080"
	prefix = "eduel"
)

func TestDuel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var (
		players   = []string{"u1", "u2"}
		questions = 3
	)

	// Create new duel
	var session string
	{
		req := api.CreateDuelRequest{
			Players: [2]api.Player{{PlayerID: players[0], Nickname: "alice"}, {PlayerID: players[1], Nickname: "bob"}},
		}
		for i := 1; i <= questions; i++ {
			req.Questions = append(req.Questions, api.Question{
				QuestionID:   fmt.Sprintf("q%d", i),
				QuestionText: fmt.Sprintf("question %d", i),
				Options: []api.Option{
					{OptionID: "A", OptionText: "right", IsCorrect: true},
					{OptionID: "B", OptionText: "wrong"},
				},
			})
		}

		var resp map[string]string
		require.Equal(t, http.StatusCreated, call(t, http.MethodPost, "/v1/duels", req, &resp))
		session = resp["session_id"]
	}

	// Watch the change-feed as a third party
	snapshots, err := feed.NewSubscriber(feed.SubscriberConfig{Redis: makeRedis(t), Prefix: prefix}).Subscribe(ctx, session)
	require.NoError(t, err)

	for _, p := range players {
		require.Equal(t, http.StatusCreated, call(t, http.MethodPost, path(session, p, "/start"), nil, nil))
	}

	// u1 answers everything right, u2 picks the wrong option on the first question
	var eg errgroup.Group
	for _, p := range players {
		p := p
		eg.Go(func() error {
			for i := 1; i <= questions; i++ {
				option := "A"
				if p == "u2" && i == 1 {
					option = "B"
				}

				var st api.StateResponse
				if code := call(t, http.MethodPost, path(session, p, "/select"), api.SelectAnswerRequest{OptionID: option}, &st); code != http.StatusOK {
					return fmt.Errorf("player %q select on question %d: status %d", p, i, code)
				}
				if code := call(t, http.MethodPost, path(session, p, "/submit"), nil, &st); code != http.StatusOK {
					return fmt.Errorf("player %q submit on question %d: status %d", p, i, code)
				}

				t.Logf("Player %q settled question %d: score=%d, remote=%d", p, i, st.LocalScore, st.RemoteScore)

				if i < questions {
					if err := waitQuestion(ctx, session, p, i+1); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	var last domain.Snapshot
	for last.Status != domain.SnapshotFinished {
		select {
		case snap, ok := <-snapshots:
			require.True(t, ok, "feed closed before the duel finished")
			t.Logf("Snapshot: %+v", snap)
			last = snap
		case <-ctx.Done():
			t.Fatal("no terminal snapshot")
		}
	}
	assert.Equal(t, "u1", last.WinnerID)

	var st api.StateResponse
	require.Eventually(t, func() bool {
		return call(t, http.MethodGet, path(session, "u1", ""), nil, &st) == http.StatusOK && st.Result != nil
	}, 10*time.Second, 100*time.Millisecond)
	assert.True(t, st.Result.Winner)
	assert.Equal(t, questions, st.Result.LocalScore)
}

func waitQuestion(ctx context.Context, session, player string, index int) error {
	for {
		var st api.StateResponse
		if call(nil, http.MethodGet, path(session, player, ""), nil, &st) == http.StatusOK && st.CurrentQuestionIndex >= index {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("player %q never reached question %d", player, index)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func path(session, player, action string) string {
	return fmt.Sprintf("/v1/duels/%s/players/%s%s", session, player, action)
}

// call returns 0 when the request itself fails. t may be nil.
func call(t *testing.T, method, p string, body, out any) int {
	var r bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&r).Encode(body); err != nil {
			return 0
		}
	}

	req, err := http.NewRequest(method, addr+p, &r)
	if err != nil {
		return 0
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if t != nil {
			t.Logf("%s %s: %v", method, p, err)
		}
		return 0
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < http.StatusBadRequest {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}

	return resp.StatusCode
}

func makeRedis(t *testing.T) redis.UniversalClient {
	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{"localhost:6379"},
	})
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Ping(ctx).Err(); err != nil {
		t.Fatal(err)
	}

	return r
}
