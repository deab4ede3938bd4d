package engine

import (
	"context"
	"hash/fnv"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"amm-sandbox/internal/model"
	"amm-sandbox/internal/wallet"
)

// PublishFunc hands an order notification to the delivery layer. It must not
// block.
type PublishFunc func(n model.OrderNotification)

// Observer receives engine events, typically for metrics. Implementations
// must not block.
type Observer interface {
	TradeExecuted(t model.Trade, r model.Reserves)
	TradeRejected(market string, side model.Side, err error)
	RunStarted(market string)
	RunFinished(market string, status model.RunStatus)
}

type nopObserver struct{}

func (nopObserver) TradeExecuted(model.Trade, model.Reserves) {}
func (nopObserver) TradeRejected(string, model.Side, error)   {}
func (nopObserver) RunStarted(string)                         {}
func (nopObserver) RunFinished(string, model.RunStatus)       {}

type Config struct {
	CommandBuffer int
	MaxAttempts   int

	// Seed makes shuffles and random trades reproducible when non-zero.
	Seed uint64

	// RunRetention is how long a finished generator run stays queryable.
	RunRetention time.Duration
	// MaxRuns caps finished runs kept in memory; the oldest go first.
	MaxRuns int
}

const (
	defaultRunRetention = time.Hour
	defaultMaxRuns      = 1000
)

// ── Manager ──────────────────────────────────────────

// Manager owns every market in the process, keyed by contract address.
type Manager struct {
	mu      sync.RWMutex
	engines map[string]*MarketEngine
	runs    map[string]*Run

	cfg      Config
	publish  PublishFunc
	observer Observer
	log      *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ManagerOption func(*Manager)

func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

func WithManagerLogger(l *logrus.Entry) ManagerOption {
	return func(m *Manager) { m.log = l }
}

func NewManager(cfg Config, pub PublishFunc, opts ...ManagerOption) *Manager {
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = 64
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RunRetention <= 0 {
		cfg.RunRetention = defaultRunRetention
	}
	if cfg.MaxRuns <= 0 {
		cfg.MaxRuns = defaultMaxRuns
	}
	if pub == nil {
		pub = func(model.OrderNotification) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		engines:  make(map[string]*MarketEngine),
		runs:     make(map[string]*Run),
		cfg:      cfg,
		publish:  pub,
		observer: nopObserver{},
		log:      logrus.WithField("component", "engine"),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// CreateMarket registers a new market and starts its command loop, then
// seeds the random pool and runs the distribution plan if params carry them.
func (m *Manager) CreateMarket(ctx context.Context, params model.MarketParams) (model.MarketInfo, error) {
	key, err := wallet.NormalizeMarketKey(params.Key)
	if err != nil {
		return model.MarketInfo{}, errors.Wrap(ErrInvalidKey, err.Error())
	}
	params.Key = key

	opts := []SandboxOption{WithLogger(m.log)}
	if m.cfg.Seed != 0 {
		opts = append(opts, WithRand(rand.New(rand.NewPCG(m.cfg.Seed, marketSeed(key)))))
	}
	sb, err := NewSandbox(params, opts...)
	if err != nil {
		return model.MarketInfo{}, errors.Wrapf(err, "market %s", key)
	}

	m.mu.Lock()
	if _, ok := m.engines[key]; ok {
		m.mu.Unlock()
		return model.MarketInfo{}, errors.Wrapf(ErrMarketExists, "%s", key)
	}
	eng := newMarketEngine(sb, m)
	m.engines[key] = eng
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		eng.run(m.ctx)
	}()

	if pool := params.RandomPool; pool != nil {
		wallets := pool.Wallets
		if len(wallets) == 0 && pool.Size > 0 {
			if wallets, err = wallet.GenerateAddresses(pool.Size); err != nil {
				return model.MarketInfo{}, errors.Wrapf(err, "market %s: random pool", key)
			}
		}
		if err := eng.RegisterPool(ctx, wallets, pool.QuoteAmountEach); err != nil {
			return model.MarketInfo{}, err
		}
	}
	if plan := params.Distribution; plan != nil {
		if _, err := eng.Distribute(ctx, *plan); err != nil {
			return model.MarketInfo{}, err
		}
	}

	m.log.Infof("market %s created: supply=%v pooled=%v fee=%v", key, params.TokenSupply, params.PooledQuote, params.Fee)
	return sb.Info(), nil
}

// marketSeed derives the second PCG word from the market key so markets
// sharing a seed still draw independent streams.
func marketSeed(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return h.Sum64()
}

// Engine returns the market's engine or ErrUnknownMarket.
func (m *Manager) Engine(key string) (*MarketEngine, error) {
	norm, err := wallet.NormalizeMarketKey(key)
	if err != nil {
		return nil, errors.Wrapf(ErrUnknownMarket, "%q", key)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	eng, ok := m.engines[norm]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownMarket, "%s", norm)
	}
	return eng, nil
}

func (m *Manager) Markets() []model.MarketInfo {
	m.mu.RLock()
	engines := make([]*MarketEngine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.RUnlock()

	out := make([]model.MarketInfo, len(engines))
	for i, e := range engines {
		out[i] = e.sandbox.Info()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ── Market operations by key ─────────────────────────

func (m *Manager) Buy(ctx context.Context, key, wallet string, quoteIn float64) (model.Trade, error) {
	eng, err := m.Engine(key)
	if err != nil {
		return model.Trade{}, err
	}
	return eng.Buy(ctx, wallet, quoteIn)
}

func (m *Manager) Sell(ctx context.Context, key, wallet string, tokenIn float64) (model.Trade, error) {
	eng, err := m.Engine(key)
	if err != nil {
		return model.Trade{}, err
	}
	return eng.Sell(ctx, wallet, tokenIn)
}

func (m *Manager) Distribute(ctx context.Context, key string, plan model.DistributionPlan) ([]model.Trade, error) {
	eng, err := m.Engine(key)
	if err != nil {
		return nil, err
	}
	return eng.Distribute(ctx, plan)
}

func (m *Manager) Reset(ctx context.Context, key string) ([]model.Trade, error) {
	eng, err := m.Engine(key)
	if err != nil {
		return nil, err
	}
	return eng.Reset(ctx)
}

func (m *Manager) RegisterPool(ctx context.Context, key string, wallets []string, quoteEach float64) error {
	eng, err := m.Engine(key)
	if err != nil {
		return err
	}
	return eng.RegisterPool(ctx, wallets, quoteEach)
}

// ── Queries by key ───────────────────────────────────

// Sandbox returns the market state for read-only queries.
func (m *Manager) Sandbox(key string) (*Sandbox, error) {
	eng, err := m.Engine(key)
	if err != nil {
		return nil, err
	}
	return eng.sandbox, nil
}

func (m *Manager) Price(key string) (float64, error) {
	sb, err := m.Sandbox(key)
	if err != nil {
		return 0, err
	}
	return sb.Price()
}

func (m *Manager) Reserves(key string) (model.Reserves, error) {
	return query(m, key, (*Sandbox).Reserves)
}

func (m *Manager) Balance(key, wallet string) (float64, error) {
	sb, err := m.Sandbox(key)
	if err != nil {
		return 0, err
	}
	return sb.Balance(wallet), nil
}

func (m *Manager) TokenBalance(key, wallet string) (float64, error) {
	sb, err := m.Sandbox(key)
	if err != nil {
		return 0, err
	}
	return sb.TokenBalance(wallet), nil
}

func (m *Manager) Wallets(key string) ([]string, error) {
	return query(m, key, (*Sandbox).Wallets)
}

func (m *Manager) AllBalances(key string) ([]model.WalletBalance, error) {
	return query(m, key, (*Sandbox).AllBalances)
}

func (m *Manager) PriceHistory(key string) ([]model.PricePoint, error) {
	return query(m, key, (*Sandbox).PriceHistory)
}

func (m *Manager) TransactionLog(key string) ([]model.Trade, error) {
	return query(m, key, (*Sandbox).TransactionLog)
}

func (m *Manager) Snapshot(key string) (map[string]model.SnapshotEntry, error) {
	return query(m, key, (*Sandbox).Snapshot)
}

func (m *Manager) WalletChanges(key string) ([]model.WalletChange, error) {
	return query(m, key, (*Sandbox).WalletChanges)
}

func (m *Manager) Info(key string) (model.MarketInfo, error) {
	return query(m, key, (*Sandbox).Info)
}

func query[T any](m *Manager, key string, read func(*Sandbox) T) (T, error) {
	sb, err := m.Sandbox(key)
	if err != nil {
		var zero T
		return zero, err
	}
	return read(sb), nil
}

// GenerateRandomTrades starts a background run and returns its handle
// immediately.
func (m *Manager) GenerateRandomTrades(key string, numTrades int, interval time.Duration, regime model.Regime) (*Run, error) {
	if !regime.Valid() {
		return nil, errors.Wrapf(ErrInvalidRegime, "%q", regime)
	}
	if numTrades <= 0 || interval < 0 {
		return nil, errors.Wrapf(ErrInvalidAmount, "num trades %d interval %s", numTrades, interval)
	}
	eng, err := m.Engine(key)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(m.ctx)
	run := newRun(eng.key, regime, numTrades, interval, cancel)
	m.mu.Lock()
	m.pruneRunsLocked(time.Now())
	m.runs[run.ID()] = run
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		eng.generate(ctx, run, numTrades, interval, regime)
	}()
	return run, nil
}

// Runs lists generator runs for a market, newest first. An empty key lists
// all markets.
func (m *Manager) Runs(key string) []model.GeneratorRun {
	if key != "" {
		if norm, err := wallet.NormalizeMarketKey(key); err == nil {
			key = norm
		}
	}
	m.mu.RLock()
	out := make([]model.GeneratorRun, 0, len(m.runs))
	for _, r := range m.runs {
		info := r.Info()
		if key == "" || info.MarketKey == key {
			out = append(out, info)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (m *Manager) Run(id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownRun, "%s", id)
	}
	return r, nil
}

func (m *Manager) CancelRun(id string) (model.GeneratorRun, error) {
	r, err := m.Run(id)
	if err != nil {
		return model.GeneratorRun{}, err
	}
	r.Cancel()
	<-r.Done()
	return r.Info(), nil
}

// pruneRunsLocked forgets finished runs older than the retention window,
// then the oldest finished runs while more than MaxRuns remain. Running
// runs are never pruned.
func (m *Manager) pruneRunsLocked(now time.Time) {
	var finished []model.GeneratorRun
	for id, r := range m.runs {
		info := r.Info()
		if info.FinishedAt == nil {
			continue
		}
		if now.Sub(*info.FinishedAt) >= m.cfg.RunRetention {
			delete(m.runs, id)
			continue
		}
		finished = append(finished, info)
	}
	excess := len(m.runs) - m.cfg.MaxRuns + 1
	if excess <= 0 {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].FinishedAt.Before(*finished[j].FinishedAt) })
	for i := 0; i < excess && i < len(finished); i++ {
		delete(m.runs, finished[i].ID)
	}
}

// Close stops all runs and market loops and waits for them to exit.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// ── MarketEngine ─────────────────────────────────────

// MarketEngine serializes every mutation of one market through a single
// goroutine. Reads go straight to the sandbox.
type MarketEngine struct {
	key         string
	sandbox     *Sandbox
	cmdCh       chan command
	stopped     chan struct{}
	publish     PublishFunc
	observer    Observer
	maxAttempts int
	log         *logrus.Entry
}

func newMarketEngine(sb *Sandbox, m *Manager) *MarketEngine {
	return &MarketEngine{
		key:         sb.Key(),
		sandbox:     sb,
		cmdCh:       make(chan command, m.cfg.CommandBuffer),
		stopped:     make(chan struct{}),
		publish:     m.publish,
		observer:    m.observer,
		maxAttempts: m.cfg.MaxAttempts,
		log:         m.log.WithField("market", sb.Key()),
	}
}

func (e *MarketEngine) Key() string { return e.key }

func (e *MarketEngine) Sandbox() *Sandbox { return e.sandbox }

func (e *MarketEngine) run(ctx context.Context) {
	defer close(e.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmdCh:
			cmd.exec(e)
		}
	}
}

// commit publishes executed trades. Runs on the engine goroutine after the
// sandbox lock is released.
func (e *MarketEngine) commit(trades []model.Trade) {
	if len(trades) == 0 {
		return
	}
	r := e.sandbox.Reserves()
	for _, t := range trades {
		e.observer.TradeExecuted(t, r)
		e.publish(model.NotificationFor(t))
	}
}

// ── Commands ─────────────────────────────────────────

type command interface{ exec(e *MarketEngine) }

type tradeResult struct {
	trade model.Trade
	err   error
}

type batchResult struct {
	trades []model.Trade
	err    error
}

type buyCmd struct {
	wallet string
	amount float64
	ch     chan<- tradeResult
}

type sellCmd struct {
	wallet string
	amount float64
	ch     chan<- tradeResult
}

type randomCmd struct {
	regime model.Regime
	ch     chan<- tradeResult
}

type distributeCmd struct {
	plan model.DistributionPlan
	ch   chan<- batchResult
}

type resetCmd struct {
	ch chan<- batchResult
}

type poolCmd struct {
	wallets []string
	amount  float64
	ch      chan<- error
}

func (c buyCmd) exec(e *MarketEngine) {
	t, err := e.sandbox.Buy(c.wallet, c.amount)
	c.ch <- e.settle(model.SideBuy, t, err)
}

func (c sellCmd) exec(e *MarketEngine) {
	t, err := e.sandbox.Sell(c.wallet, c.amount)
	c.ch <- e.settle(model.SideSell, t, err)
}

func (c randomCmd) exec(e *MarketEngine) {
	t, err := e.sandbox.RandomTrade(c.regime, e.maxAttempts)
	side := t.Type
	if err != nil {
		side = model.Side(c.regime)
	}
	c.ch <- e.settle(side, t, err)
}

func (c distributeCmd) exec(e *MarketEngine) {
	trades, err := e.sandbox.Distribute(c.plan)
	e.commit(trades)
	c.ch <- batchResult{trades: trades, err: err}
}

func (c resetCmd) exec(e *MarketEngine) {
	trades, err := e.sandbox.Reset()
	e.commit(trades)
	c.ch <- batchResult{trades: trades, err: err}
}

func (c poolCmd) exec(e *MarketEngine) {
	c.ch <- e.sandbox.RegisterPool(c.wallets, c.amount)
}

func (e *MarketEngine) settle(side model.Side, t model.Trade, err error) tradeResult {
	if err != nil {
		e.observer.TradeRejected(e.key, side, err)
		return tradeResult{err: err}
	}
	e.commit([]model.Trade{t})
	return tradeResult{trade: t}
}

// submit enqueues cmd. Once accepted, a command always runs to completion.
func (e *MarketEngine) submit(ctx context.Context, cmd command) error {
	select {
	case e.cmdCh <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return errors.Errorf("market %s stopped", e.key)
	}
}

func awaitResult[T any](e *MarketEngine, ch <-chan T) (T, error) {
	select {
	case r := <-ch:
		return r, nil
	case <-e.stopped:
		var zero T
		return zero, errors.Errorf("market %s stopped", e.key)
	}
}

func (e *MarketEngine) tradeCmd(ctx context.Context, build func(chan<- tradeResult) command) (model.Trade, error) {
	ch := make(chan tradeResult, 1)
	if err := e.submit(ctx, build(ch)); err != nil {
		return model.Trade{}, err
	}
	r, err := awaitResult(e, ch)
	if err != nil {
		return model.Trade{}, err
	}
	return r.trade, r.err
}

func (e *MarketEngine) batchCmd(ctx context.Context, build func(chan<- batchResult) command) ([]model.Trade, error) {
	ch := make(chan batchResult, 1)
	if err := e.submit(ctx, build(ch)); err != nil {
		return nil, err
	}
	r, err := awaitResult(e, ch)
	if err != nil {
		return nil, err
	}
	return r.trades, r.err
}

func (e *MarketEngine) Buy(ctx context.Context, wallet string, quoteIn float64) (model.Trade, error) {
	return e.tradeCmd(ctx, func(ch chan<- tradeResult) command {
		return buyCmd{wallet: wallet, amount: quoteIn, ch: ch}
	})
}

func (e *MarketEngine) Sell(ctx context.Context, wallet string, tokenIn float64) (model.Trade, error) {
	return e.tradeCmd(ctx, func(ch chan<- tradeResult) command {
		return sellCmd{wallet: wallet, amount: tokenIn, ch: ch}
	})
}

func (e *MarketEngine) RandomTrade(ctx context.Context, regime model.Regime) (model.Trade, error) {
	return e.tradeCmd(ctx, func(ch chan<- tradeResult) command {
		return randomCmd{regime: regime, ch: ch}
	})
}

func (e *MarketEngine) Distribute(ctx context.Context, plan model.DistributionPlan) ([]model.Trade, error) {
	return e.batchCmd(ctx, func(ch chan<- batchResult) command {
		return distributeCmd{plan: plan, ch: ch}
	})
}

func (e *MarketEngine) Reset(ctx context.Context) ([]model.Trade, error) {
	return e.batchCmd(ctx, func(ch chan<- batchResult) command {
		return resetCmd{ch: ch}
	})
}

func (e *MarketEngine) RegisterPool(ctx context.Context, wallets []string, quoteEach float64) error {
	ch := make(chan error, 1)
	if err := e.submit(ctx, poolCmd{wallets: wallets, amount: quoteEach, ch: ch}); err != nil {
		return err
	}
	err, stopErr := awaitResult(e, ch)
	if stopErr != nil {
		return stopErr
	}
	return err
}
