package engine

import (
	"math"

	"github.com/pkg/errors"

	"amm-sandbox/internal/model"
)

// TokenOutForQuoteIn returns the tokens paid out for quoteIn against the
// reserves r, keeping Token*Quote constant. r is not modified.
func TokenOutForQuoteIn(r model.Reserves, quoteIn float64) (float64, error) {
	out, err := swapOut(r.Token, r.Quote, quoteIn)
	if err != nil {
		return 0, errors.Wrapf(err, "quote in %v", quoteIn)
	}
	return out, nil
}

// QuoteOutForTokenIn is the mirror of TokenOutForQuoteIn.
func QuoteOutForTokenIn(r model.Reserves, tokenIn float64) (float64, error) {
	out, err := swapOut(r.Quote, r.Token, tokenIn)
	if err != nil {
		return 0, errors.Wrapf(err, "token in %v", tokenIn)
	}
	return out, nil
}

// swapOut computes out - k/(in+amount) where out is the reserve paying out
// and in the reserve receiving amount.
func swapOut(outReserve, inReserve, amount float64) (float64, error) {
	if !finitePositive(amount) {
		return 0, ErrInvalidAmount
	}
	denom := inReserve + amount
	if denom <= 0 || math.IsInf(denom, 0) {
		return 0, ErrInvalidAmount
	}
	k := outReserve * inReserve
	remaining := k / denom
	if !finitePositive(remaining) {
		return 0, ErrDivisionByZero
	}
	out := outReserve - remaining
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return 0, ErrInvalidAmount
	}
	return out, nil
}

// PriceOf is quote per token for the given reserves.
func PriceOf(r model.Reserves) (float64, error) {
	if r.Token == 0 {
		return 0, ErrDivisionByZero
	}
	return r.Quote / r.Token, nil
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
