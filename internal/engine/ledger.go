package engine

// Holdings maps a wallet to a signed net delta. Keys appear on first credit.
type Holdings struct {
	amounts map[string]float64
	order   []string
}

func NewHoldings() *Holdings {
	return &Holdings{amounts: make(map[string]float64)}
}

// Credit adds delta to the wallet. The result may be negative.
func (h *Holdings) Credit(wallet string, delta float64) {
	h.touch(wallet)
	h.amounts[wallet] += delta
}

// Set overwrites the wallet's amount. Used for seeding, not trading.
func (h *Holdings) Set(wallet string, amount float64) {
	h.touch(wallet)
	h.amounts[wallet] = amount
}

// Read returns 0 for wallets that never transacted.
func (h *Holdings) Read(wallet string) float64 { return h.amounts[wallet] }

func (h *Holdings) Has(wallet string) bool {
	_, ok := h.amounts[wallet]
	return ok
}

// Wallets lists keys in first-seen order.
func (h *Holdings) Wallets() []string {
	out := make([]string, len(h.order))
	copy(out, h.order)
	return out
}

func (h *Holdings) Len() int { return len(h.order) }

func (h *Holdings) touch(wallet string) {
	if _, ok := h.amounts[wallet]; !ok {
		h.order = append(h.order, wallet)
	}
}

// Ledger is the pair of quote and token holdings for one market.
type Ledger struct {
	Quote *Holdings
	Token *Holdings
}

func NewLedger() *Ledger {
	return &Ledger{Quote: NewHoldings(), Token: NewHoldings()}
}

// Wallets is the union of both books in first-seen order.
func (l *Ledger) Wallets() []string {
	seen := make(map[string]bool, l.Quote.Len())
	var out []string
	for _, h := range []*Holdings{l.Quote, l.Token} {
		for _, w := range h.order {
			if !seen[w] {
				seen[w] = true
				out = append(out, w)
			}
		}
	}
	return out
}
