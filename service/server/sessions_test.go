package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/txscope/service/history"
	"github.com/brojonat/txscope/service/metrics"
	natspkg "github.com/brojonat/txscope/service/nats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertActiveSessions(t *testing.T, reg *prometheus.Registry, n int) {
	t.Helper()
	expected := fmt.Sprintf(`
# HELP active_sessions Number of accounts with a live transaction session
# TYPE active_sessions gauge
active_sessions %d
`, n)
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "active_sessions"))
}

func TestSessions_GetOrCreate(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	built := 0
	sessions := NewSessions(func(account string) *history.Session {
		built++
		return history.NewSession(history.SessionConfig{Account: account, Fetcher: &pagedFetcher{}})
	}, m)

	first, created := sessions.GetOrCreate(tracked)
	require.True(t, created)
	second, created := sessions.GetOrCreate(tracked)
	assert.False(t, created)
	assert.Same(t, first, second)
	assert.Equal(t, 1, built)

	got, err := sessions.Get(tracked)
	require.NoError(t, err)
	assert.Same(t, first, got)

	_, err = sessions.Get(counterpart)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, _ = sessions.GetOrCreate(counterpart)
	assert.Equal(t, 2, sessions.Len())
	assertActiveSessions(t, reg, 2)

	require.NoError(t, sessions.Delete(tracked))
	assert.ErrorIs(t, sessions.Delete(tracked), ErrSessionNotFound)
	assert.Equal(t, 1, sessions.Len())
	assertActiveSessions(t, reg, 1)

	// A dropped account starts over with a fresh session.
	fresh, created := sessions.GetOrCreate(tracked)
	assert.True(t, created)
	assert.NotSame(t, first, fresh)
}

func TestSessionFactory_PublishesPages(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pub := natspkg.NewMockPublisher()
	factory := NewSessionFactory(
		history.SessionConfig{Fetcher: &pagedFetcher{pages: testPages()}, Logger: logger},
		natspkg.PageObserver(pub, logger),
		nil,
	)

	sess := factory(tracked)
	assert.Equal(t, tracked, sess.Account())

	res := sess.LoadMore(context.Background())
	require.Equal(t, 2, res.Kept)

	events := pub.GetPublishedEventsForAccount(tracked)
	require.Len(t, events, 1)
	require.Len(t, events[0].Transactions, 2)
	assert.Equal(t, "S1", events[0].Transactions[0].Signature)
	assert.Equal(t, []string{usdcMint}, events[0].Transactions[0].Mints)

	// Exhaustion appends nothing and publishes nothing.
	sess.LoadMore(context.Background())
	sess.LoadMore(context.Background())
	assert.Len(t, pub.GetPublishedEvents(), 2)
}

func TestSessions_EvictIdle(t *testing.T) {
	reg := prometheus.NewRegistry()
	sessions := NewSessions(func(account string) *history.Session {
		return history.NewSession(history.SessionConfig{Account: account, Fetcher: &pagedFetcher{}})
	}, metrics.NewMetrics(reg))

	_, _ = sessions.GetOrCreate(tracked)
	time.Sleep(20 * time.Millisecond)
	recent, _ := sessions.GetOrCreate(counterpart)
	sessions.now = func() time.Time { return recent.LastAccess().Add(time.Millisecond) }

	assert.Equal(t, 1, sessions.EvictIdle(10*time.Millisecond))
	assert.Equal(t, 1, sessions.Len())
	_, err := sessions.Get(tracked)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = sessions.Get(counterpart)
	assert.NoError(t, err)
	assertActiveSessions(t, reg, 1)

	assert.Equal(t, 0, sessions.EvictIdle(10*time.Millisecond))
}

func TestSessions_RunEviction(t *testing.T) {
	sessions := NewSessions(func(account string) *history.Session {
		return history.NewSession(history.SessionConfig{Account: account, Fetcher: &pagedFetcher{}})
	}, nil)
	sessions.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, _ = sessions.GetOrCreate(tracked)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sessions.RunEviction(ctx, time.Millisecond, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	require.Eventually(t, func() bool { return sessions.Len() == 0 }, time.Second, time.Millisecond)
	cancel()
	<-done
}
