package model

import "time"

// ── Enums ────────────────────────────────────────────

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Regime selects which sides the random generator may produce.
type Regime string

const (
	RegimeBuy     Regime = "buy"
	RegimeSell    Regime = "sell"
	RegimeShuffle Regime = "shuffle"
)

func (r Regime) Valid() bool {
	switch r {
	case RegimeBuy, RegimeSell, RegimeShuffle:
		return true
	}
	return false
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCanceled  RunStatus = "canceled"
	RunFailed    RunStatus = "failed"
)

// ── Market ───────────────────────────────────────────

// MarketParams fixes a market at creation time.
type MarketParams struct {
	Key         string  `json:"key" yaml:"key"`
	TokenSupply float64 `json:"token_supply" yaml:"token_supply"`
	PooledQuote float64 `json:"pooled_quote" yaml:"pooled_quote"`
	Decimals    int     `json:"decimals" yaml:"decimals"`
	Fee         float64 `json:"fee" yaml:"fee"`

	Distribution *DistributionPlan `json:"distribution,omitempty" yaml:"distribution,omitempty"`
	RandomPool   *RandomPool       `json:"random_pool,omitempty" yaml:"random_pool,omitempty"`
}

// DistributionPlan is the seeding recipe re-run on every reset.
type DistributionPlan struct {
	Wallets         []string `json:"wallets" yaml:"wallets"`
	QuoteAmountEach float64  `json:"quote_amount_each" yaml:"quote_amount_each"`
	HoldersRatio    float64  `json:"holders_ratio" yaml:"holders_ratio"`
}

// RandomPool describes the wallets the random generator trades from.
// When Wallets is empty, Size addresses are generated.
type RandomPool struct {
	Wallets         []string `json:"wallets,omitempty" yaml:"wallets,omitempty"`
	Size            int      `json:"size,omitempty" yaml:"size,omitempty"`
	QuoteAmountEach float64  `json:"quote_amount_each" yaml:"quote_amount_each"`
}

type Reserves struct {
	Token float64 `json:"tokenReserves"`
	Quote float64 `json:"quoteReserves"`
}

// Product is the constant-product invariant k.
func (r Reserves) Product() float64 { return r.Token * r.Quote }

type MarketInfo struct {
	Key          string    `json:"key"`
	TokenSupply  float64   `json:"token_supply"`
	PooledQuote  float64   `json:"pooled_quote"`
	Decimals     int       `json:"decimals"`
	Fee          float64   `json:"fee"`
	InitialPrice float64   `json:"initial_price"`
	Price        float64   `json:"price"`
	Reserves     Reserves  `json:"reserves"`
	Trades       int       `json:"trades"`
	PoolSize     int       `json:"random_pool_size"`
	CreatedAt    time.Time `json:"created_at"`
}

// ── Ledger records ───────────────────────────────────

type PricePoint struct {
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

type Trade struct {
	ID        string    `json:"id"`
	MarketKey string    `json:"market_key"`
	Type      Side      `json:"type"`
	Sender    string    `json:"sender"`
	AmountIn  float64   `json:"amountIn"`
	AmountOut float64   `json:"amountOut"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderNotification is what observers receive for each executed trade.
type OrderNotification struct {
	ID        string  `json:"id"`
	MarketKey string  `json:"marketKey"`
	IsBuy     bool    `json:"isBuy"`
	Wallet    string  `json:"wallet"`
	AmountIn  float64 `json:"amountIn"`
	AmountOut float64 `json:"amountOut"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"` // unix millis
}

func NotificationFor(t Trade) OrderNotification {
	return OrderNotification{
		ID:        t.ID,
		MarketKey: t.MarketKey,
		IsBuy:     t.Type == SideBuy,
		Wallet:    t.Sender,
		AmountIn:  t.AmountIn,
		AmountOut: t.AmountOut,
		Price:     t.Price,
		Timestamp: t.Timestamp.UnixMilli(),
	}
}

type WalletBalance struct {
	Address      string  `json:"address"`
	QuoteBalance float64 `json:"quoteBalance"`
	TokenBalance float64 `json:"tokenBalance"`
}

type SnapshotEntry struct {
	QuoteBalance float64 `json:"quoteBalance"`
	TokenBalance float64 `json:"tokenBalance"`
}

// WalletChange is the net movement since the distribution snapshot.
type WalletChange struct {
	Address     string  `json:"address"`
	QuoteChange float64 `json:"quoteChange"`
	TokenChange float64 `json:"tokenChange"`
}

// ── Generator ────────────────────────────────────────

type GeneratorRun struct {
	ID         string     `json:"id"`
	MarketKey  string     `json:"market_key"`
	Regime     Regime     `json:"regime"`
	NumTrades  int        `json:"num_trades"`
	Interval   string     `json:"interval"`
	Completed  int        `json:"completed"`
	Status     RunStatus  `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
