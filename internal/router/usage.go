package router

import (
	"sync"

	"localrouter/internal/providers"
	"localrouter/pkg/logging"

	"github.com/pkoukk/tiktoken-go"
	"github.com/prometheus/client_golang/prometheus"
)

// UsageRecord is one completed (or failed) completion attempt.
type UsageRecord struct {
	ClientID   string
	StrategyID string
	Provider   string
	Model      string
	Usage      providers.Usage
	CostUSD    float64
	Success    bool
	Streamed   bool
}

// TokenRecorder is the side-channel that feeds the tray-graph collaborator.
// Called after every completion attempt, failed ones included;
// implementations must not block.
type TokenRecorder func(rec UsageRecord)

// metrics holds the five-tier Prometheus counters. Tiers are label
// dimensions on shared counter vecs rather than five separate metrics.
type metrics struct {
	requests *prometheus.CounterVec
	tokens   *prometheus.CounterVec
	cost     *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	sharedMetrics *metrics
)

// newMetrics registers the router metric vecs once per process.
func newMetrics(reg prometheus.Registerer) *metrics {
	metricsOnce.Do(func() {
		m := &metrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "localrouter_completions_total",
				Help: "Chat completions by client, strategy, provider, model and outcome.",
			}, []string{"client", "strategy", "provider", "model", "outcome"}),
			tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "localrouter_tokens_total",
				Help: "Tokens consumed by client, strategy, provider, model and direction.",
			}, []string{"client", "strategy", "provider", "model", "direction"}),
			cost: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "localrouter_cost_usd_total",
				Help: "Cost in USD by client, strategy, provider and model.",
			}, []string{"client", "strategy", "provider", "model"}),
		}
		reg.MustRegister(m.requests, m.tokens, m.cost)
		sharedMetrics = m
	})
	return sharedMetrics
}

// record emits metrics for one usage record.
func (m *metrics) record(rec UsageRecord) {
	outcome := "success"
	if !rec.Success {
		outcome = "error"
	}
	m.requests.WithLabelValues(rec.ClientID, rec.StrategyID, rec.Provider, rec.Model, outcome).Inc()
	if rec.Success {
		m.tokens.WithLabelValues(rec.ClientID, rec.StrategyID, rec.Provider, rec.Model, "input").Add(float64(rec.Usage.PromptTokens))
		m.tokens.WithLabelValues(rec.ClientID, rec.StrategyID, rec.Provider, rec.Model, "output").Add(float64(rec.Usage.CompletionTokens))
		m.cost.WithLabelValues(rec.ClientID, rec.StrategyID, rec.Provider, rec.Model).Add(rec.CostUSD)
	}
}

// EstimatePromptTokens estimates a request's prompt token count for the
// rate-limit reservation. The model's tiktoken encoding is used when known;
// otherwise the chars/4 heuristic.
func EstimatePromptTokens(req *providers.ChatRequest) int {
	var text string
	for _, m := range req.Messages {
		text += m.Content
		for _, tc := range m.ToolCalls {
			text += tc.Function.Arguments
		}
	}

	if enc, err := tiktoken.EncodingForModel(req.Model); err == nil {
		return len(enc.Encode(text, nil, nil))
	}
	logging.Debug("Router", "No token encoding for model %s, using chars/4 estimate", req.Model)
	return estimateTokensByChars(len(text))
}

// estimateTokensByChars is the chars/4 fallback, also used to estimate
// completion tokens on streams whose provider surfaces no final usage.
func estimateTokensByChars(chars int) int {
	n := chars / 4
	if n == 0 && chars > 0 {
		n = 1
	}
	return n
}
