package decision

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"evo-trader/internal/models"
)

// OpenAIConfig configures the chat-completion decision source.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string // optional, for OpenAI-compatible endpoints
	Model       string
	Temperature float32
	MaxLeverage int
}

// OpenAI asks a chat-completion model for a decision.
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAI creates a new OpenAI decision source.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4o
	}
	return &OpenAI{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}
}

// Decide sends the context and lessons to the model and parses its answer.
func (o *OpenAI) Decide(ctx context.Context, mc models.MarketContext, lessons []models.LessonRecord) (models.TradeIntent, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.cfg.Model,
		Temperature: o.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(mc, lessons, o.cfg.MaxLeverage)},
		},
	})
	if err != nil {
		return models.TradeIntent{}, fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return models.TradeIntent{}, fmt.Errorf("no response from openai")
	}
	return ParseDecision(resp.Choices[0].Message.Content, mc.Symbol)
}

const systemPrompt = `You are the portfolio manager of a systematic crypto perpetual futures desk.
Trade with the EMA20/EMA50 trend. Avoid flipping positions on weak signals; fees and slippage are real.
Size stops from volatility (1.5x to 3x ATR) and target a reward-to-risk above 1.5.
Lessons tagged PAST_MISTAKE describe setups that lost money; do not repeat them.
Lessons tagged MISSED_OPPORTUNITY describe moves that were not traded.
If the signal is weak, answer HOLD.

Respond with a single JSON object and nothing else:
{
  "action": "BUY" | "SELL" | "HOLD",
  "reason": "short reasoning citing indicators",
  "tp": 0.0,
  "sl": 0.0,
  "win_rate": 0.0,
  "risk_reward_ratio": 0.0,
  "confidence": 0.0
}
tp and sl are fractions of entry price (0.02 means 2%). win_rate and confidence are in [0, 1].`

// BuildPrompt renders the user message for a decision request.
func BuildPrompt(mc models.MarketContext, lessons []models.LessonRecord, maxLeverage int) string {
	var b strings.Builder

	b.WriteString("=== MARKET SNAPSHOT ===\n")
	b.WriteString(mc.Fingerprint())
	fmt.Fprintf(&b, "\n\nVolatility: ATR is %.2f%% of price.\n", mc.VolatilityPct())

	b.WriteString("\n=== LESSONS ===\n")
	if len(lessons) == 0 {
		b.WriteString("No similar history.\n")
	}
	for i, l := range lessons {
		fmt.Fprintf(&b, "%d. [%s] %s: %s\n", i+1, l.Tag, l.Symbol, l.Rationale)
	}

	if maxLeverage > 0 {
		fmt.Fprintf(&b, "\n=== CONSTRAINTS ===\nMax leverage: %dx\n", maxLeverage)
	}
	return b.String()
}
