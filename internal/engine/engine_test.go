package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amm-sandbox/internal/model"
)

type recorder struct {
	mu    sync.Mutex
	notes []model.OrderNotification
}

func (r *recorder) publish(n model.OrderNotification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes)
}

func newTestManager(t *testing.T) (*Manager, *recorder) {
	t.Helper()
	rec := &recorder{}
	m := NewManager(Config{Seed: 42, MaxAttempts: 200}, rec.publish, WithManagerLogger(quietLogger()))
	t.Cleanup(m.Close)
	return m, rec
}

func defaultParams(key string) model.MarketParams {
	return model.MarketParams{Key: key, TokenSupply: 1_000_000, PooledQuote: 1000, Decimals: 9, Fee: 0.0001}
}

func TestManagerCreateAndLookup(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	info, err := m.CreateMarket(ctx, defaultParams("0xde0b295669a9fd93d5f28d9ec85e40f4cb697bae"))
	require.NoError(t, err)
	assert.Equal(t, "0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe", info.Key)
	assert.Equal(t, 0.001, info.InitialPrice)

	// lookups are case-insensitive for address keys
	_, err = m.Engine("0xDE0B295669A9FD93D5F28D9EC85E40F4CB697BAE")
	require.NoError(t, err)

	_, err = m.CreateMarket(ctx, defaultParams(info.Key))
	assert.True(t, errors.Is(err, ErrMarketExists), "got %v", err)

	_, err = m.Engine("0x0000000000000000000000000000000000000001")
	assert.True(t, errors.Is(err, ErrUnknownMarket), "got %v", err)

	_, err = m.CreateMarket(ctx, defaultParams(""))
	assert.True(t, errors.Is(err, ErrInvalidKey), "got %v", err)
}

func TestManagerMarketsAreIndependent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateMarket(ctx, defaultParams("a"))
	require.NoError(t, err)
	_, err = m.CreateMarket(ctx, defaultParams("b"))
	require.NoError(t, err)

	_, err = m.Buy(ctx, "a", "w1", 100)
	require.NoError(t, err)

	a, err := m.Sandbox("a")
	require.NoError(t, err)
	b, err := m.Sandbox("b")
	require.NoError(t, err)
	assert.Equal(t, 1100.0, a.Reserves().Quote)
	assert.Equal(t, 1000.0, b.Reserves().Quote)
	assert.Equal(t, 0.0, b.Balance("w1"))
	assert.Len(t, m.Markets(), 2)
}

func TestManagerBuySellPublishes(t *testing.T) {
	m, rec := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateMarket(ctx, defaultParams("mkt"))
	require.NoError(t, err)

	bought, err := m.Buy(ctx, "mkt", "w1", 100)
	require.NoError(t, err)
	sold, err := m.Sell(ctx, "mkt", "w1", bought.AmountOut)
	require.NoError(t, err)

	_, err = m.Buy(ctx, "mkt", "w1", -1)
	assert.True(t, errors.Is(err, ErrInvalidAmount))

	require.Equal(t, 2, rec.count())
	first, second := rec.notes[0], rec.notes[1]
	assert.Equal(t, bought.ID, first.ID)
	assert.True(t, first.IsBuy)
	assert.Equal(t, "mkt", first.MarketKey)
	assert.Equal(t, 100.0, first.AmountIn)
	assert.Equal(t, sold.ID, second.ID)
	assert.False(t, second.IsBuy)
	assert.Equal(t, sold.Timestamp.UnixMilli(), second.Timestamp)
}

func TestManagerSerializesConcurrentTrades(t *testing.T) {
	m, rec := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateMarket(ctx, defaultParams("mkt"))
	require.NoError(t, err)
	sb, err := m.Sandbox("mkt")
	require.NoError(t, err)

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := fmt.Sprintf("w%d", i)
			for j := 0; j < perWorker; j++ {
				_, err := m.Buy(ctx, "mkt", w, 1)
				assert.NoError(t, err)
				info := sb.Info()
				assert.InDelta(t, info.Reserves.Quote-1000, float64(info.Trades), 1e-9)
			}
		}(i)
	}
	wg.Wait()

	total := workers * perWorker
	assert.Len(t, sb.TransactionLog(), total)
	assert.Len(t, sb.PriceHistory(), total+1)
	assert.Equal(t, total, rec.count())

	r := sb.Reserves()
	assert.InDelta(t, 1000+float64(total), r.Quote, 1e-9)
	var held float64
	for _, w := range sb.Wallets() {
		held += sb.TokenBalance(w)
	}
	assert.InDelta(t, 1_000_000-r.Token, held, 1e-6)

	hist := sb.PriceHistory()
	for i := 1; i < len(hist); i++ {
		assert.Greater(t, hist[i].Price, hist[i-1].Price)
	}
}

func TestManagerCreateWithPoolAndDistribution(t *testing.T) {
	m, rec := newTestManager(t)
	ctx := context.Background()
	params := defaultParams("seeded")
	params.RandomPool = &model.RandomPool{Size: 4, QuoteAmountEach: 3}
	params.Distribution = &model.DistributionPlan{Wallets: walletList(10), QuoteAmountEach: 1, HoldersRatio: 0.4}

	info, err := m.CreateMarket(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, 4, info.PoolSize)
	assert.Equal(t, 4, info.Trades)
	assert.Equal(t, 4, rec.count())

	sb, err := m.Sandbox("seeded")
	require.NoError(t, err)
	assert.Len(t, sb.Wallets(), 10)
	for _, p := range sb.Pool() {
		assert.Equal(t, 3.0, sb.Balance(p))
	}

	trades, err := m.Reset(ctx, "seeded")
	require.NoError(t, err)
	assert.Len(t, trades, 4)
	assert.Equal(t, 8, rec.count())
}

func TestGenerateRandomTradesCompletes(t *testing.T) {
	m, rec := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateMarket(ctx, defaultParams("gen"))
	require.NoError(t, err)
	require.NoError(t, m.RegisterPool(ctx, "gen", []string{"p1", "p2", "p3"}, 50))

	run, err := m.GenerateRandomTrades("gen", 5, time.Millisecond, model.RegimeBuy)
	require.NoError(t, err)

	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("generator did not finish")
	}
	info := run.Info()
	assert.Equal(t, model.RunCompleted, info.Status)
	assert.Equal(t, 5, info.Completed)
	assert.NotNil(t, info.FinishedAt)
	assert.Equal(t, 5, rec.count())

	runs := m.Runs("gen")
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID(), runs[0].ID)
}

func TestGenerateRandomTradesInfeasiblePoolFails(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateMarket(ctx, defaultParams("dry"))
	require.NoError(t, err)
	require.NoError(t, m.RegisterPool(ctx, "dry", []string{"p1", "p2"}, 0))

	run, err := m.GenerateRandomTrades("dry", 5, 0, model.RegimeBuy)
	require.NoError(t, err)

	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("infeasible run did not terminate")
	}
	info := run.Info()
	assert.Equal(t, model.RunFailed, info.Status)
	assert.Equal(t, 0, info.Completed)
	assert.Contains(t, info.Error, ErrNoFeasibleWallet.Error())
}

func TestCancelRun(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateMarket(ctx, defaultParams("slow"))
	require.NoError(t, err)
	require.NoError(t, m.RegisterPool(ctx, "slow", []string{"p1"}, 50))

	run, err := m.GenerateRandomTrades("slow", 3, time.Hour, model.RegimeBuy)
	require.NoError(t, err)

	info, err := m.CancelRun(run.ID())
	require.NoError(t, err)
	assert.Equal(t, model.RunCanceled, info.Status)
	assert.LessOrEqual(t, info.Completed, 1)

	_, err = m.CancelRun("missing")
	assert.True(t, errors.Is(err, ErrUnknownRun))
}

func TestGenerateRandomTradesValidates(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateMarket(context.Background(), defaultParams("v"))
	require.NoError(t, err)

	_, err = m.GenerateRandomTrades("v", 1, 0, model.Regime("hodl"))
	assert.True(t, errors.Is(err, ErrInvalidRegime))
	_, err = m.GenerateRandomTrades("v", 0, 0, model.RegimeBuy)
	assert.True(t, errors.Is(err, ErrInvalidAmount))
	_, err = m.GenerateRandomTrades("nope", 1, 0, model.RegimeBuy)
	assert.True(t, errors.Is(err, ErrUnknownMarket))
}

func TestMarketSeedMixesWholeKey(t *testing.T) {
	// same length, different keys
	assert.NotEqual(t, marketSeed("aa"), marketSeed("bb"))
	assert.Equal(t, marketSeed("aa"), marketSeed("aa"))

	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateMarket(ctx, defaultParams("aa"))
	require.NoError(t, err)
	_, err = m.CreateMarket(ctx, defaultParams("bb"))
	require.NoError(t, err)

	a, err := m.Sandbox("aa")
	require.NoError(t, err)
	b, err := m.Sandbox("bb")
	require.NoError(t, err)
	assert.NotEqual(t, a.rng.Uint64(), b.rng.Uint64())
}

func waitRun(t *testing.T, run *Run) {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("generator did not finish")
	}
}

func TestFinishedRunsExpire(t *testing.T) {
	m := NewManager(Config{Seed: 42, MaxAttempts: 200, RunRetention: time.Nanosecond}, nil, WithManagerLogger(quietLogger()))
	t.Cleanup(m.Close)
	ctx := context.Background()
	_, err := m.CreateMarket(ctx, defaultParams("ret"))
	require.NoError(t, err)
	require.NoError(t, m.RegisterPool(ctx, "ret", []string{"p1", "p2"}, 50))

	first, err := m.GenerateRandomTrades("ret", 1, 0, model.RegimeBuy)
	require.NoError(t, err)
	waitRun(t, first)
	time.Sleep(time.Millisecond)

	second, err := m.GenerateRandomTrades("ret", 2, time.Hour, model.RegimeBuy)
	require.NoError(t, err)

	_, err = m.Run(first.ID())
	assert.True(t, errors.Is(err, ErrUnknownRun), "got %v", err)
	_, err = m.Run(second.ID())
	assert.NoError(t, err, "running runs are kept")
	second.Cancel()
}

func TestRunsCappedOldestFirst(t *testing.T) {
	m := NewManager(Config{Seed: 42, MaxAttempts: 200, MaxRuns: 2}, nil, WithManagerLogger(quietLogger()))
	t.Cleanup(m.Close)
	ctx := context.Background()
	_, err := m.CreateMarket(ctx, defaultParams("cap"))
	require.NoError(t, err)
	require.NoError(t, m.RegisterPool(ctx, "cap", []string{"p1", "p2"}, 50))

	var ids []string
	for i := 0; i < 3; i++ {
		run, err := m.GenerateRandomTrades("cap", 1, 0, model.RegimeBuy)
		require.NoError(t, err)
		waitRun(t, run)
		ids = append(ids, run.ID())
		time.Sleep(time.Millisecond)
	}

	runs := m.Runs("cap")
	require.Len(t, runs, 2)
	assert.Equal(t, []string{ids[2], ids[1]}, []string{runs[0].ID, runs[1].ID})
	_, err = m.Run(ids[0])
	assert.True(t, errors.Is(err, ErrUnknownRun))
}

func TestManagerQueriesByKey(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateMarket(ctx, defaultParams("q"))
	require.NoError(t, err)

	trade, err := m.Buy(ctx, "q", "w1", 10)
	require.NoError(t, err)

	price, err := m.Price("q")
	require.NoError(t, err)
	assert.Equal(t, trade.Price, price)

	r, err := m.Reserves("q")
	require.NoError(t, err)
	assert.InDelta(t, 1010.0, r.Quote, tolerance)

	bal, err := m.Balance("q", "w1")
	require.NoError(t, err)
	assert.InDelta(t, -10.0, bal, 1e-3)

	tok, err := m.TokenBalance("q", "w1")
	require.NoError(t, err)
	assert.Equal(t, trade.AmountOut, tok)

	wallets, err := m.Wallets("q")
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, wallets)

	all, err := m.AllBalances("q")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	hist, err := m.PriceHistory("q")
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	txs, err := m.TransactionLog("q")
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	snap, err := m.Snapshot("q")
	require.NoError(t, err)
	assert.NotNil(t, snap)

	_, err = m.WalletChanges("q")
	require.NoError(t, err)

	info, err := m.Info("q")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Trades)

	_, err = m.Price("missing")
	assert.True(t, errors.Is(err, ErrUnknownMarket))
	_, err = m.Reserves("missing")
	assert.True(t, errors.Is(err, ErrUnknownMarket))
	_, err = m.Info("missing")
	assert.True(t, errors.Is(err, ErrUnknownMarket))
}
