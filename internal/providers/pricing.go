package providers

// embeddedPricing is the fallback per-1k-token USD price table, used when a
// provider quotes no pricing for a model. Keys are bare model ids; lookup
// strips any date suffix so "claude-3-5-sonnet-20241022" matches
// "claude-3-5-sonnet".
var embeddedPricing = map[string]Pricing{
	// OpenAI
	"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-4":         {InputPer1K: 0.03, OutputPer1K: 0.06},
	"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"o1":            {InputPer1K: 0.015, OutputPer1K: 0.06},
	"o1-mini":       {InputPer1K: 0.0011, OutputPer1K: 0.0044},
	"o3-mini":       {InputPer1K: 0.0011, OutputPer1K: 0.0044},

	// Anthropic
	"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"claude-3-7-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-opus":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},

	// Gemini
	"gemini-2.0-flash":      {InputPer1K: 0.0001, OutputPer1K: 0.0004},
	"gemini-1.5-pro":        {InputPer1K: 0.00125, OutputPer1K: 0.005},
	"gemini-1.5-flash":      {InputPer1K: 0.000075, OutputPer1K: 0.0003},

	// Cohere
	"command-r":      {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"command-r-plus": {InputPer1K: 0.0025, OutputPer1K: 0.01},
}

// LookupEmbeddedPricing returns catalog pricing for a model id, trying the
// exact id first and then progressively stripping dash-separated suffixes
// (date stamps, size tags).
func LookupEmbeddedPricing(model string) (Pricing, bool) {
	if p, ok := embeddedPricing[model]; ok {
		return p, true
	}
	// Strip trailing "-..." segments until a match or nothing is left.
	for i := len(model) - 1; i > 0; i-- {
		if model[i] != '-' {
			continue
		}
		if p, ok := embeddedPricing[model[:i]]; ok {
			return p, true
		}
	}
	return Pricing{}, false
}
