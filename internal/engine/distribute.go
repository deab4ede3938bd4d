package engine

import (
	"math"

	"github.com/pkg/errors"

	"amm-sandbox/internal/model"
)

// holderSlippage keeps the seeded buy below the wallet's balance net of fee.
const holderSlippage = 0.95

// Distribute seeds wallets with quote and turns a fraction of them into
// initial holders. The plan becomes the market's configured distribution and
// is re-run by Reset.
//
// Buys execute one by one in shuffled order, so each holder pays the price
// left by the previous one. On a failing buy the earlier buys stay applied
// and no snapshot is taken.
func (s *Sandbox) Distribute(plan model.DistributionPlan) ([]model.Trade, error) {
	if err := s.validatePlan(plan); err != nil {
		return nil, err
	}
	s.mu.Lock()
	trades, err := s.distributeLocked(plan)
	if err == nil {
		p := plan
		p.Wallets = append([]string(nil), plan.Wallets...)
		s.plan = &p
	}
	s.mu.Unlock()

	for _, t := range trades {
		s.logTrade(t)
	}
	if err != nil {
		return trades, errors.Wrap(err, "distribute")
	}
	s.log.Infof("distributed %.6f quote to %d wallets, %d holders", plan.QuoteAmountEach, len(plan.Wallets), len(trades))
	return trades, nil
}

func (s *Sandbox) validatePlan(plan model.DistributionPlan) error {
	if !finitePositive(plan.QuoteAmountEach) {
		return errors.Wrapf(ErrInvalidAmount, "quote amount each %v", plan.QuoteAmountEach)
	}
	if plan.HoldersRatio < 0 || plan.HoldersRatio > 1 || math.IsNaN(plan.HoldersRatio) {
		return errors.Wrapf(ErrInvalidAmount, "holders ratio %v must be within [0, 1]", plan.HoldersRatio)
	}
	if holdersThreshold(len(plan.Wallets), plan.HoldersRatio) > 0 && holderBuyAmount(plan.QuoteAmountEach, s.params.Fee) <= 0 {
		return errors.Wrapf(ErrInvalidAmount, "quote amount each %v does not cover fee %v", plan.QuoteAmountEach, s.params.Fee)
	}
	for _, w := range plan.Wallets {
		if w == "" {
			return errors.Wrap(ErrInvalidAmount, "empty wallet in distribution")
		}
	}
	return nil
}

// distributeLocked runs the plan. Caller holds mu.
func (s *Sandbox) distributeLocked(plan model.DistributionPlan) ([]model.Trade, error) {
	wallets := append([]string(nil), plan.Wallets...)
	s.rng.Shuffle(len(wallets), func(i, j int) { wallets[i], wallets[j] = wallets[j], wallets[i] })

	for _, w := range wallets {
		s.ledger.Quote.Set(w, plan.QuoteAmountEach)
	}

	n := holdersThreshold(len(wallets), plan.HoldersRatio)
	amount := holderBuyAmount(plan.QuoteAmountEach, s.params.Fee)
	trades := make([]model.Trade, 0, n)
	for _, w := range wallets[:n] {
		t, err := s.buyLocked(w, amount)
		if err != nil {
			return trades, errors.Wrapf(err, "holder %s", w)
		}
		trades = append(trades, t)
	}

	for _, w := range wallets {
		if _, ok := s.snapshot[w]; !ok {
			s.snapshotOrder = append(s.snapshotOrder, w)
		}
		s.snapshot[w] = model.SnapshotEntry{
			QuoteBalance: s.ledger.Quote.Read(w),
			TokenBalance: s.ledger.Token.Read(w),
		}
	}
	return trades, nil
}

func holdersThreshold(n int, ratio float64) int {
	t := int(math.Floor(float64(n) * ratio))
	if t > n {
		t = n
	}
	return t
}

func holderBuyAmount(quoteEach, fee float64) float64 {
	return (quoteEach - fee) * holderSlippage
}
