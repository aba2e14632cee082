package router

import (
	"strings"

	"localrouter/internal/providers"
)

// WinRatePredictor scores a prompt with the probability that the strong
// model list beats the weak one. Implementations load a trained checkpoint;
// the heuristic predictor below stands in when none is configured.
type WinRatePredictor interface {
	// PredictWinRate returns a score in [0,1] for the request's prompt.
	PredictWinRate(req *providers.ChatRequest) float64
}

// WinRatePredictorFunc adapts a function to the WinRatePredictor interface.
type WinRatePredictorFunc func(req *providers.ChatRequest) float64

// PredictWinRate implements WinRatePredictor.
func (f WinRatePredictorFunc) PredictWinRate(req *providers.ChatRequest) float64 {
	return f(req)
}

// HeuristicPredictor is a cheap stand-in predictor: longer, more structured
// prompts score higher (more likely to need the strong list). It keeps the
// auto-routing path exercisable without a model checkpoint.
type HeuristicPredictor struct{}

// PredictWinRate scores by prompt length and structural markers.
func (HeuristicPredictor) PredictWinRate(req *providers.ChatRequest) float64 {
	var length int
	var markers int
	for _, m := range req.Messages {
		if m.Role != "user" {
			continue
		}
		length += len(m.Content)
		if strings.Contains(m.Content, "```") {
			markers++
		}
		if strings.Contains(m.Content, "step") {
			markers++
		}
	}

	score := float64(length) / 4000
	score += float64(markers) * 0.2
	if score > 1 {
		score = 1
	}
	return score
}
