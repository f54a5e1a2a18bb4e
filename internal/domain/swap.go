package domain

// SwapQuote is the aggregator's priced route for one swap request. Amounts are
// base units of the respective mints.
type SwapQuote struct {
	InputMint      string
	OutputMint     string
	InAmount       uint64
	OutAmount      uint64
	PriceImpactPct float64
	SlippageBps    int
	// Raw is the aggregator's quote document, passed back verbatim when the
	// swap transaction is built.
	Raw []byte
}

// BuiltSwap is a quote plus the transaction that executes it. Transaction
// holds the decoded ledger transaction; the executor checks its type.
type BuiltSwap struct {
	Quote                     SwapQuote
	Transaction               any
	PrioritizationFeeLamports uint64
	LastValidBlockHeight      uint64
}
