package engine

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"amm-sandbox/internal/model"
)

const (
	// buyBalanceShare caps a random buy at this share of the wallet's quote.
	buyBalanceShare = 0.9
	minRandomBuy    = 0.001
	minRandomSell   = 1.0

	DefaultMaxAttempts = 10000
)

// RandomTrade rejection-samples the random pool for a wallet that can trade
// under regime and executes one trade for it. At most maxAttempts wallets are
// drawn before ErrNoFeasibleWallet is returned.
func (s *Sandbox) RandomTrade(regime model.Regime, maxAttempts int) (model.Trade, error) {
	if !regime.Valid() {
		return model.Trade{}, errors.Wrapf(ErrInvalidRegime, "%q", regime)
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	s.mu.Lock()
	t, err := s.randomTradeLocked(regime, maxAttempts)
	s.mu.Unlock()
	if err != nil {
		return model.Trade{}, err
	}
	s.logTrade(t)
	return t, nil
}

func (s *Sandbox) randomTradeLocked(regime model.Regime, maxAttempts int) (model.Trade, error) {
	if len(s.pool) == 0 {
		return model.Trade{}, errors.Wrap(ErrNoFeasibleWallet, "random pool is empty")
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		w := s.pool[s.rng.IntN(len(s.pool))]
		side := model.Side(regime)
		if regime == model.RegimeShuffle {
			side = model.SideBuy
			if s.rng.IntN(2) == 1 {
				side = model.SideSell
			}
		}

		switch side {
		case model.SideBuy:
			ceiling := s.ledger.Quote.Read(w) * buyBalanceShare
			if ceiling <= minRandomBuy {
				continue
			}
			return s.buyLocked(w, s.uniform(minRandomBuy, ceiling))
		case model.SideSell:
			held := s.ledger.Token.Read(w)
			if held <= 0 {
				continue
			}
			return s.sellLocked(w, s.uniform(math.Min(minRandomSell, held), held))
		}
	}
	return model.Trade{}, errors.Wrapf(ErrNoFeasibleWallet, "%s after %d attempts", regime, maxAttempts)
}

func (s *Sandbox) uniform(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}

// ── Runs ─────────────────────────────────────────────

// Run is a handle on one background generator invocation.
type Run struct {
	mu     sync.Mutex
	info   model.GeneratorRun
	cancel context.CancelFunc
	done   chan struct{}
}

func newRun(key string, regime model.Regime, numTrades int, interval time.Duration, cancel context.CancelFunc) *Run {
	return &Run{
		info: model.GeneratorRun{
			ID:        uuid.NewString(),
			MarketKey: key,
			Regime:    regime,
			NumTrades: numTrades,
			Interval:  interval.String(),
			Status:    model.RunRunning,
			StartedAt: time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (r *Run) ID() string { return r.info.ID }

func (r *Run) Info() model.GeneratorRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}

// Cancel stops the run at its next wait between trades. A trade already
// submitted to the market still completes.
func (r *Run) Cancel() { r.cancel() }

// Done is closed when the run has stopped for any reason.
func (r *Run) Done() <-chan struct{} { return r.done }

func (r *Run) tradeDone() {
	r.mu.Lock()
	r.info.Completed++
	r.mu.Unlock()
}

func (r *Run) finish(status model.RunStatus, err error) {
	r.mu.Lock()
	now := time.Now()
	r.info.Status = status
	r.info.FinishedAt = &now
	if err != nil {
		r.info.Error = err.Error()
	}
	r.mu.Unlock()
	r.cancel()
	close(r.done)
}

// generate executes numTrades random trades on e, waiting interval between
// them. Trades go through the market's command loop one at a time.
func (e *MarketEngine) generate(ctx context.Context, run *Run, numTrades int, interval time.Duration, regime model.Regime) {
	log := e.log.WithField("run", run.ID())
	log.Infof("random trades started: %d %s every %s", numTrades, regime, interval)
	e.observer.RunStarted(e.key)

	status, err := e.generateLoop(ctx, run, numTrades, interval, regime)
	run.finish(status, err)
	e.observer.RunFinished(e.key, status)

	info := run.Info()
	if err != nil && status == model.RunFailed {
		log.WithError(err).Warnf("random trades failed after %d/%d", info.Completed, numTrades)
		return
	}
	log.Infof("random trades %s: %d/%d", status, info.Completed, numTrades)
}

func (e *MarketEngine) generateLoop(ctx context.Context, run *Run, numTrades int, interval time.Duration, regime model.Regime) (model.RunStatus, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for i := 0; i < numTrades; i++ {
		if i > 0 && interval > 0 {
			timer.Reset(interval)
			select {
			case <-ctx.Done():
				return model.RunCanceled, nil
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return model.RunCanceled, nil
		}
		if _, err := e.RandomTrade(ctx, regime); err != nil {
			if ctx.Err() != nil {
				return model.RunCanceled, nil
			}
			return model.RunFailed, err
		}
		run.tradeDone()
	}
	return model.RunCompleted, nil
}
