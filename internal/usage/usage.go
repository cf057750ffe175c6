// Package usage accumulates token usage over one request's stream and prices
// the totals against a per-model table.
package usage

// Totals holds the four token counters. Counters only ever increase over the
// lifetime of one stream and are discarded when the stream ends.
type Totals struct {
	InputTokens      int `json:"inputTokens"`
	OutputTokens     int `json:"outputTokens"`
	CacheWriteTokens int `json:"cacheWriteTokens"`
	CacheReadTokens  int `json:"cacheReadTokens"`
}

// Add folds a delta into the totals. Addition is associative and
// order-independent, so deltas may be applied in any consistent order.
func (t *Totals) Add(d Totals) {
	t.InputTokens += d.InputTokens
	t.OutputTokens += d.OutputTokens
	t.CacheWriteTokens += d.CacheWriteTokens
	t.CacheReadTokens += d.CacheReadTokens
}

// IsZero reports whether no tokens were recorded. An all-zero stream emits
// no usage frame.
func (t Totals) IsZero() bool {
	return t.InputTokens == 0 && t.OutputTokens == 0 &&
		t.CacheWriteTokens == 0 && t.CacheReadTokens == 0
}

// Cost prices the totals: each counter is converted to millions of tokens
// and multiplied by its per-category unit price.
func (t Totals) Cost(p ModelPrice) float64 {
	const mtok = 1_000_000
	return float64(t.InputTokens)/mtok*p.Input +
		float64(t.OutputTokens)/mtok*p.Output +
		float64(t.CacheWriteTokens)/mtok*p.CacheWrite +
		float64(t.CacheReadTokens)/mtok*p.CacheRead
}
