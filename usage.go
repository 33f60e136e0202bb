package agentloop

// Usage counts tokens consumed by model turns. Providers report it through
// usage chunks; a run accumulates one total across all its turns.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

func (u *Usage) add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// TokenRates is a model's pricing in dollars per million tokens.
type TokenRates struct {
	Input  float64
	Output float64
}

// ModelPricings maps model names to their pricing information.
var ModelPricings = map[string]TokenRates{
	"gpt-4o":      {Input: 2.5, Output: 10.0},
	"gpt-4o-mini": {Input: 0.15, Output: 0.60},
	"o3-mini":     {Input: 1.10, Output: 4.40},
}

// CostDetails is the dollar cost of a run's token usage.
type CostDetails struct {
	InputTokens  int64
	OutputTokens int64
	TotalCost    float64
}

// Cost prices the usage against a model's token rates. The second return is
// false when the model has no pricing entry.
func (u Usage) Cost(model string) (*CostDetails, bool) {
	pricing, exists := ModelPricings[model]
	if !exists {
		return nil, false
	}
	inputCost := float64(u.InputTokens) * pricing.Input / 1e6
	outputCost := float64(u.OutputTokens) * pricing.Output / 1e6
	return &CostDetails{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalCost:    inputCost + outputCost,
	}, true
}
