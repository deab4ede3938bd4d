package engine

import "github.com/pkg/errors"

var (
	// ErrInvalidAmount is returned for non-positive or non-finite amounts.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrDivisionByZero means a reserve reached zero and the price is undefined.
	ErrDivisionByZero = errors.New("division by zero: pool reserve depleted")
	ErrUnknownMarket  = errors.New("unknown market")
	ErrMarketExists   = errors.New("market already exists")
	ErrInvalidKey     = errors.New("invalid market key")
	ErrInvalidRegime  = errors.New("invalid regime")
	// ErrNoFeasibleWallet is returned when rejection sampling exhausts its attempts.
	ErrNoFeasibleWallet = errors.New("no feasible wallet in random pool")
	ErrUnknownRun       = errors.New("unknown generator run")
)
