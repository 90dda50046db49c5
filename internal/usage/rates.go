package usage

// Rates holds per-token prices in USD per 1 million tokens.
type Rates struct {
	InputPer1M  float64 `yaml:"input_rate_per_1m" json:"input_rate_per_1m"`
	OutputPer1M float64 `yaml:"output_rate_per_1m" json:"output_rate_per_1m"`
}

// DefaultRates are the Venice list prices the tracker uses when none are
// configured.
var DefaultRates = Rates{InputPer1M: 0.70, OutputPer1M: 2.80}

// Cost returns the estimated USD cost of the given token counts.
func (r Rates) Cost(inputTokens, outputTokens int64) float64 {
	return (float64(inputTokens)*r.InputPer1M + float64(outputTokens)*r.OutputPer1M) / 1_000_000
}

// IsZero reports whether no rate is set.
func (r Rates) IsZero() bool {
	return r.InputPer1M == 0 && r.OutputPer1M == 0
}
