package provider

// ModelCost holds USD pricing per million tokens for one model.
// Prompt and completion tokens are not separated at this boundary; the
// blended rate is applied to the total token count reported by the call.
type ModelCost struct {
	USDPerMillionTokens float64
}

// modelPricing is the engine's blended pricing table. Models missing from
// the table cost zero; cost tracking is advisory, not billing.
var modelPricing = map[string]ModelCost{
	"gpt-4o":            {USDPerMillionTokens: 7.50},
	"gpt-4o-mini":       {USDPerMillionTokens: 0.45},
	"claude-sonnet-4":   {USDPerMillionTokens: 9.00},
	"claude-haiku-3.5":  {USDPerMillionTokens: 2.40},
	"gemini-2.5-pro":    {USDPerMillionTokens: 5.60},
	"gemini-2.5-flash":  {USDPerMillionTokens: 0.60},
	"deepseek-chat":     {USDPerMillionTokens: 0.55},
	"flux-pro":          {USDPerMillionTokens: 0.00}, // image models bill per generation
	"veo-3":             {USDPerMillionTokens: 0.00}, // video models bill per second
}

// CostFor computes the USD cost of a call from its total token count.
func CostFor(modelID string, tokens int) float64 {
	c, ok := modelPricing[modelID]
	if !ok {
		return 0
	}
	return c.USDPerMillionTokens * float64(tokens) / 1_000_000
}
