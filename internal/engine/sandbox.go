package engine

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"amm-sandbox/internal/model"
)

// Sandbox is one bonding-curve market: reserves, wallet ledger, price
// history and transaction log.
//
// Mutating methods must be called from a single goroutine at a time (the
// market's engine loop). The RWMutex only makes each mutation one visible
// unit for concurrent readers.
type Sandbox struct {
	mu sync.RWMutex

	params       model.MarketParams
	initialPrice float64
	createdAt    time.Time

	reserves model.Reserves
	ledger   *Ledger
	history  []model.PricePoint
	trades   []model.Trade

	snapshot      map[string]model.SnapshotEntry
	snapshotOrder []string
	plan          *model.DistributionPlan

	pool     []string
	poolSeed map[string]float64

	rng *rand.Rand
	now func() time.Time
	log *logrus.Entry
}

type SandboxOption func(*Sandbox)

// WithRand sets the source used for shuffling and random trades.
func WithRand(r *rand.Rand) SandboxOption {
	return func(s *Sandbox) { s.rng = r }
}

func WithClock(now func() time.Time) SandboxOption {
	return func(s *Sandbox) { s.now = now }
}

func WithLogger(l *logrus.Entry) SandboxOption {
	return func(s *Sandbox) { s.log = l }
}

// NewSandbox creates a market with reserves at their initial values. The
// distribution plan and random pool in params are not applied here; see
// Manager.CreateMarket.
func NewSandbox(params model.MarketParams, opts ...SandboxOption) (*Sandbox, error) {
	if !finitePositive(params.TokenSupply) || !finitePositive(params.PooledQuote) {
		return nil, errors.Wrap(ErrInvalidAmount, "token supply and pooled quote must be positive")
	}
	if params.Fee < 0 || math.IsNaN(params.Fee) || math.IsInf(params.Fee, 0) {
		return nil, errors.Wrapf(ErrInvalidAmount, "fee %v", params.Fee)
	}
	s := &Sandbox{
		params:   params,
		ledger:   NewLedger(),
		poolSeed: make(map[string]float64),
		now:      time.Now,
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = logrus.WithField("component", "sandbox")
	}
	s.log = s.log.WithField("market", params.Key)
	s.createdAt = s.now()
	s.initialPrice = params.PooledQuote / params.TokenSupply
	s.resetState()
	return s, nil
}

func (s *Sandbox) Key() string { return s.params.Key }

func (s *Sandbox) Params() model.MarketParams { return s.params }

func (s *Sandbox) InitialPrice() float64 { return s.initialPrice }

// resetState restores reserves and clears all ledger state. Caller holds mu.
func (s *Sandbox) resetState() {
	s.reserves = model.Reserves{Token: s.params.TokenSupply, Quote: s.params.PooledQuote}
	s.ledger = NewLedger()
	s.history = []model.PricePoint{{Price: s.initialPrice, Timestamp: s.now()}}
	s.trades = nil
	s.snapshot = make(map[string]model.SnapshotEntry)
	s.snapshotOrder = nil
}

// ── Trading ──────────────────────────────────────────

// Buy spends quoteIn from wallet for tokens at the current curve price.
func (s *Sandbox) Buy(wallet string, quoteIn float64) (model.Trade, error) {
	s.mu.Lock()
	t, err := s.buyLocked(wallet, quoteIn)
	s.mu.Unlock()
	if err != nil {
		return model.Trade{}, err
	}
	s.logTrade(t)
	return t, nil
}

// Sell returns tokenIn from wallet to the pool for quote.
func (s *Sandbox) Sell(wallet string, tokenIn float64) (model.Trade, error) {
	s.mu.Lock()
	t, err := s.sellLocked(wallet, tokenIn)
	s.mu.Unlock()
	if err != nil {
		return model.Trade{}, err
	}
	s.logTrade(t)
	return t, nil
}

func (s *Sandbox) buyLocked(wallet string, quoteIn float64) (model.Trade, error) {
	if wallet == "" {
		return model.Trade{}, errors.Wrap(ErrInvalidAmount, "empty wallet")
	}
	tokenOut, err := TokenOutForQuoteIn(s.reserves, quoteIn)
	if err != nil {
		return model.Trade{}, errors.Wrap(err, "buy")
	}
	next := model.Reserves{Token: s.reserves.Token - tokenOut, Quote: s.reserves.Quote + quoteIn}
	if err := checkReserves(next); err != nil {
		return model.Trade{}, errors.Wrap(err, "buy")
	}
	s.reserves = next
	s.ledger.Token.Credit(wallet, tokenOut)
	s.ledger.Quote.Credit(wallet, -quoteIn-s.params.Fee)
	return s.record(model.SideBuy, wallet, quoteIn, tokenOut), nil
}

func (s *Sandbox) sellLocked(wallet string, tokenIn float64) (model.Trade, error) {
	if wallet == "" {
		return model.Trade{}, errors.Wrap(ErrInvalidAmount, "empty wallet")
	}
	quoteOut, err := QuoteOutForTokenIn(s.reserves, tokenIn)
	if err != nil {
		return model.Trade{}, errors.Wrap(err, "sell")
	}
	next := model.Reserves{Token: s.reserves.Token + tokenIn, Quote: s.reserves.Quote - quoteOut}
	if err := checkReserves(next); err != nil {
		return model.Trade{}, errors.Wrap(err, "sell")
	}
	s.reserves = next
	s.ledger.Token.Credit(wallet, -tokenIn)
	s.ledger.Quote.Credit(wallet, quoteOut-s.params.Fee)
	return s.record(model.SideSell, wallet, tokenIn, quoteOut), nil
}

// record appends the post-trade price and the trade itself. Caller holds mu.
func (s *Sandbox) record(side model.Side, wallet string, in, out float64) model.Trade {
	ts := s.now()
	price := s.reserves.Quote / s.reserves.Token
	s.history = append(s.history, model.PricePoint{Price: price, Timestamp: ts})
	t := model.Trade{
		ID:        uuid.NewString(),
		MarketKey: s.params.Key,
		Type:      side,
		Sender:    wallet,
		AmountIn:  in,
		AmountOut: out,
		Price:     price,
		Timestamp: ts,
	}
	s.trades = append(s.trades, t)
	return t
}

func checkReserves(r model.Reserves) error {
	if r.Token <= 0 || r.Quote <= 0 {
		return ErrDivisionByZero
	}
	if math.IsInf(r.Token, 0) || math.IsInf(r.Quote, 0) || math.IsNaN(r.Token) || math.IsNaN(r.Quote) {
		return ErrInvalidAmount
	}
	return nil
}

func (s *Sandbox) logTrade(t model.Trade) {
	change := decimal.NewFromFloat((t.Price - s.initialPrice) / s.initialPrice * 100).Truncate(2)
	s.log.WithFields(logrus.Fields{
		"side":       t.Type,
		"wallet":     t.Sender,
		"amount_in":  t.AmountIn,
		"amount_out": t.AmountOut,
	}).Infof("%s price %.12f (%s%%)", t.Type, t.Price, change.String())
}

// ── Reset ────────────────────────────────────────────

// Reset restores the initial reserves, clears holdings, history, log and
// snapshot, reseeds the random pool and re-runs the configured distribution.
// It returns the trades executed by the redistribution. If the distribution
// fails the market is left partially seeded and must be reset again.
func (s *Sandbox) Reset() ([]model.Trade, error) {
	s.mu.Lock()
	s.resetState()
	for _, w := range s.pool {
		s.ledger.Quote.Set(w, s.poolSeed[w])
	}
	var (
		trades []model.Trade
		err    error
	)
	if s.plan != nil {
		trades, err = s.distributeLocked(*s.plan)
	}
	s.mu.Unlock()

	for _, t := range trades {
		s.logTrade(t)
	}
	if err != nil {
		return trades, errors.Wrap(err, "reset: redistribute")
	}
	s.log.Infof("reset to initial price %.12f", s.initialPrice)
	return trades, nil
}

// ── Random pool ──────────────────────────────────────

// RegisterPool adds wallets to the random-trading pool and seeds each with
// quoteEach. Pool wallets are hidden from Wallets and AllBalances.
func (s *Sandbox) RegisterPool(wallets []string, quoteEach float64) error {
	if quoteEach < 0 || math.IsNaN(quoteEach) || math.IsInf(quoteEach, 0) {
		return errors.Wrapf(ErrInvalidAmount, "pool quote %v", quoteEach)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range wallets {
		if w == "" {
			continue
		}
		if _, ok := s.poolSeed[w]; !ok {
			s.pool = append(s.pool, w)
		}
		s.poolSeed[w] = quoteEach
		s.ledger.Quote.Set(w, quoteEach)
	}
	return nil
}

func (s *Sandbox) Pool() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.pool))
	copy(out, s.pool)
	return out
}

// ── Queries ──────────────────────────────────────────

func (s *Sandbox) Price() (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return PriceOf(s.reserves)
}

func (s *Sandbox) Reserves() model.Reserves {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reserves
}

func (s *Sandbox) Balance(wallet string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger.Quote.Read(wallet)
}

func (s *Sandbox) TokenBalance(wallet string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger.Token.Read(wallet)
}

// Wallets lists every wallet that holds or held a balance, excluding the
// random-trading pool.
func (s *Sandbox) Wallets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.walletsLocked()
}

func (s *Sandbox) walletsLocked() []string {
	out := []string{}
	for _, w := range s.ledger.Wallets() {
		if _, inPool := s.poolSeed[w]; !inPool {
			out = append(out, w)
		}
	}
	return out
}

func (s *Sandbox) AllBalances() []model.WalletBalance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wallets := s.walletsLocked()
	out := make([]model.WalletBalance, len(wallets))
	for i, w := range wallets {
		out[i] = model.WalletBalance{
			Address:      w,
			QuoteBalance: s.ledger.Quote.Read(w),
			TokenBalance: s.ledger.Token.Read(w),
		}
	}
	return out
}

func (s *Sandbox) PriceHistory() []model.PricePoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.PricePoint, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Sandbox) TransactionLog() []model.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Trade, len(s.trades))
	copy(out, s.trades)
	return out
}

func (s *Sandbox) Snapshot() map[string]model.SnapshotEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.SnapshotEntry, len(s.snapshot))
	for k, v := range s.snapshot {
		out[k] = v
	}
	return out
}

// WalletChanges reports each snapshotted wallet's movement since distribution.
func (s *Sandbox) WalletChanges() []model.WalletChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.WalletChange, 0, len(s.snapshotOrder))
	for _, w := range s.snapshotOrder {
		snap := s.snapshot[w]
		out = append(out, model.WalletChange{
			Address:     w,
			QuoteChange: s.ledger.Quote.Read(w) - snap.QuoteBalance,
			TokenChange: s.ledger.Token.Read(w) - snap.TokenBalance,
		})
	}
	return out
}

func (s *Sandbox) Info() model.MarketInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, _ := PriceOf(s.reserves)
	return model.MarketInfo{
		Key:          s.params.Key,
		TokenSupply:  s.params.TokenSupply,
		PooledQuote:  s.params.PooledQuote,
		Decimals:     s.params.Decimals,
		Fee:          s.params.Fee,
		InitialPrice: s.initialPrice,
		Price:        price,
		Reserves:     s.reserves,
		Trades:       len(s.trades),
		PoolSize:     len(s.pool),
		CreatedAt:    s.createdAt,
	}
}
