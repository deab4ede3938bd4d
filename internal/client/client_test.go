package client

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"amm-sandbox/internal/api"
	"amm-sandbox/internal/engine"
	"amm-sandbox/internal/model"
	"amm-sandbox/internal/notify"
	"amm-sandbox/internal/ws"
)

type stack struct {
	client *Client
	hub    *ws.Hub
}

func newStack(t *testing.T) *stack {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	entry := logrus.NewEntry(l)

	hub := ws.NewHub()
	n := notify.New(64, []notify.Sink{hub}, notify.WithLogger(entry))
	ctx, cancel := context.WithCancel(context.Background())
	go n.Run(ctx)

	mgr := engine.NewManager(engine.Config{Seed: 3}, n.Publish, engine.WithManagerLogger(entry))
	t.Cleanup(func() {
		mgr.Close()
		cancel()
	})
	_, err := mgr.CreateMarket(context.Background(), model.MarketParams{Key: "mkt", TokenSupply: 1_000_000, PooledQuote: 100, Fee: 0.0001})
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	srv := httptest.NewServer(api.NewServer(mgr, hub, nil, api.Options{JWTSecret: "s", OperatorHash: hash}).Router())
	t.Cleanup(srv.Close)
	return &stack{client: New(srv.URL + "/"), hub: hub}
}

func TestClientTradingRoundTrip(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	price, err := s.client.Price(ctx, "mkt")
	require.NoError(t, err)
	assert.InDelta(t, 0.0001, price, 1e-12)

	bought, err := s.client.Buy(ctx, "mkt", "w1", 10)
	require.NoError(t, err)
	assert.Equal(t, model.SideBuy, bought.Type)

	bal, err := s.client.Balance(ctx, "mkt", "w1")
	require.NoError(t, err)
	assert.InDelta(t, bought.AmountOut, bal.TokenBalance, 1e-9)

	_, err = s.client.Sell(ctx, "mkt", "w1", bought.AmountOut)
	require.NoError(t, err)

	r, err := s.client.Reserves(ctx, "mkt")
	require.NoError(t, err)
	assert.InDelta(t, 1_000_000, r.Token, 1e-6)

	trades, err := s.client.Trades(ctx, "mkt")
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestClientErrors(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	_, err := s.client.Buy(ctx, "missing", "w1", 1)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.Status)

	_, err = s.client.Reset(ctx, "mkt")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 401, apiErr.Status)

	_, err = s.client.Login(ctx, "nope")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 401, apiErr.Status)
}

func TestClientAdminFlow(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	_, err := s.client.Login(ctx, "pw")
	require.NoError(t, err)

	info, err := s.client.CreateMarket(ctx, model.MarketParams{Key: "two", TokenSupply: 1000, PooledQuote: 10})
	require.NoError(t, err)
	assert.Equal(t, "two", info.Key)

	trades, err := s.client.Distribute(ctx, "two", model.DistributionPlan{Wallets: []string{"a", "b"}, QuoteAmountEach: 1, HoldersRatio: 1})
	require.NoError(t, err)
	assert.Len(t, trades, 2)

	changes, err := s.client.Changes(ctx, "two")
	require.NoError(t, err)
	assert.Len(t, changes, 2)

	pool, err := s.client.RegisterPool(ctx, "two", model.RandomPool{Wallets: []string{"p1", "p2"}, QuoteAmountEach: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, pool)

	run, err := s.client.StartRandomTrades(ctx, "two", 2, time.Millisecond, model.RegimeBuy)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := s.client.Run(ctx, run.ID)
		return err == nil && got.Status == model.RunCompleted
	}, 5*time.Second, 10*time.Millisecond)

	runs, err := s.client.Runs(ctx, "two")
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	markets, err := s.client.Markets(ctx)
	require.NoError(t, err)
	assert.Len(t, markets, 2)
}

func TestClientWatch(t *testing.T) {
	s := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan model.OrderNotification, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.client.Watch(ctx, "mkt", func(n model.OrderNotification) {
			select {
			case got <- n:
			default:
			}
		})
	}()

	require.Eventually(t, func() bool { return s.hub.Subscribers("mkt") == 1 }, 2*time.Second, 5*time.Millisecond)
	trade, err := s.client.Buy(context.Background(), "mkt", "watcher", 1)
	require.NoError(t, err)

	select {
	case n := <-got:
		assert.Equal(t, trade.ID, n.ID)
		assert.True(t, n.IsBuy)
	case <-ctx.Done():
		t.Fatal("no order received")
	}
	cancel()
	assert.NoError(t, <-done)
}
