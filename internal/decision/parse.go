package decision

import (
	"encoding/json"
	"fmt"
	"strings"

	apperrors "evo-trader/internal/errors"
	"evo-trader/internal/models"
)

// Defaults applied when the response omits a field.
const (
	defaultTakeProfit = 0.04
	defaultStop       = 0.02
	minTakeProfit     = 0.005
	floorTakeProfit   = 0.008
	defaultWinProb    = 0.5
	defaultPayoff     = 1.5
)

type rawDecision struct {
	Action     string   `json:"action"`
	Reason     string   `json:"reason"`
	TP         *float64 `json:"tp"`
	SL         *float64 `json:"sl"`
	WinRate    *float64 `json:"win_rate"`
	Payoff     *float64 `json:"risk_reward_ratio"`
	Confidence *float64 `json:"confidence"`
}

// ParseDecision extracts a trade intent from a model response. Reasoning
// blocks are stripped and the JSON object is located in the raw text, a
// fenced block or the outermost braces.
func ParseDecision(raw, symbol string) (models.TradeIntent, error) {
	obj, err := extractJSON(raw)
	if err != nil {
		return models.TradeIntent{}, err
	}

	var d rawDecision
	if err := json.Unmarshal(obj, &d); err != nil {
		return models.TradeIntent{}, fmt.Errorf("%w: %v", apperrors.ErrMalformedDecision, err)
	}

	intent := models.TradeIntent{
		Symbol:    symbol,
		Direction: mapAction(d.Action),
		Reason:    strings.TrimSpace(d.Reason),
	}
	if intent.Reason == "" {
		intent.Reason = "no reason given"
	}
	if intent.IsNoTrade() {
		return intent, nil
	}

	tp := percentToFraction(orDefault(d.TP, defaultTakeProfit))
	if tp < minTakeProfit {
		tp = floorTakeProfit
	}
	intent.TakeProfit = tp
	intent.StopDistance = percentToFraction(orDefault(d.SL, defaultStop))

	intent.WinProbability = clamp01(orDefault(d.WinRate, defaultWinProb))
	intent.PayoffRatio = orDefault(d.Payoff, defaultPayoff)
	intent.Confidence = clamp01(orDefault(d.Confidence, intent.WinProbability))
	return intent, nil
}

func extractJSON(raw string) ([]byte, error) {
	clean := stripThink(raw)
	trimmed := strings.TrimSpace(clean)
	if json.Valid([]byte(trimmed)) {
		return []byte(trimmed), nil
	}

	if start := strings.Index(clean, "```json"); start >= 0 {
		rest := clean[start+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			block := strings.TrimSpace(rest[:end])
			if json.Valid([]byte(block)) {
				return []byte(block), nil
			}
		}
	}

	start := strings.Index(clean, "{")
	end := strings.LastIndex(clean, "}")
	if start >= 0 && end > start {
		block := clean[start : end+1]
		if json.Valid([]byte(block)) {
			return []byte(block), nil
		}
	}
	return nil, fmt.Errorf("%w: no JSON object in response", apperrors.ErrMalformedDecision)
}

func stripThink(s string) string {
	start := strings.Index(s, "<think>")
	if start < 0 {
		return s
	}
	end := strings.Index(s, "</think>")
	if end < start {
		return s
	}
	return s[:start] + s[end+len("</think>"):]
}

func mapAction(action string) models.Direction {
	switch strings.ToUpper(strings.TrimSpace(action)) {
	case "BUY", "OPEN_LONG", "LONG":
		return models.DirectionLong
	case "SELL", "OPEN_SHORT", "SHORT":
		return models.DirectionShort
	}
	return models.DirectionFlat
}

// percentToFraction treats values above 1 as percentages.
func percentToFraction(v float64) float64 {
	if v > 1 {
		return v / 100
	}
	return v
}

func orDefault(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
