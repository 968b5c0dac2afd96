package provider

// pricePerMillion holds USD prices per million tokens, input and output.
// Models missing from the table cost zero, which covers local providers.
type pricePerMillion struct {
	Input  float64
	Output float64
}

var priceTable = map[string]pricePerMillion{
	"gpt-4o":                 {Input: 2.50, Output: 10.00},
	"gpt-4o-mini":            {Input: 0.15, Output: 0.60},
	"gpt-4.1":                {Input: 2.00, Output: 8.00},
	"gpt-4.1-mini":           {Input: 0.40, Output: 1.60},
	"gpt-4.1-nano":           {Input: 0.10, Output: 0.40},
	"text-embedding-3-small": {Input: 0.02},
	"text-embedding-3-large": {Input: 0.13},
	"gemini-2.0-flash":       {Input: 0.10, Output: 0.40},
	"jina-embeddings-v3":     {Input: 0.02},
	"jina-reranker-v2-base-multilingual": {Input: 0.02},
}

// EstimateCost computes the USD cost of one call from the price table.
func EstimateCost(model string, promptTokens, completionTokens int64) float64 {
	p, ok := priceTable[model]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1e6*p.Input + float64(completionTokens)/1e6*p.Output
}
