package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/pkg/errors"

	"github.com/aeolus87/moniqo-be-sub000/pkg/models"
	"github.com/aeolus87/moniqo-be-sub000/pkg/service"
)

var DefaultModel = openai.ChatModelGPT4oMini

const analystSystemPrompt = `You are the %q analyst of a crypto trading desk.
Given the market context JSON, decide on exactly one action.
Respond with JSON only, no prose, matching:
{"action":"BUY"|"SELL"|"HOLD","confidence":0.0-1.0,"reasoning":"...","stop_loss":0,"take_profit":0}
stop_loss and take_profit are absolute prices; use 0 to defer to defaults.`

const reviewerSystemPrompt = `You are the final risk reviewer of a crypto trading desk.
Given a proposed trade JSON, approve or reject it.
Respond with JSON only, no prose, matching:
{"approved":true|false,"risk_score":0.0-1.0,"confidence":0.0-1.0,"suggested_quantity":0,"reason":"..."}
suggested_quantity of 0 means keep the proposed quantity.`

type Option func(*clientConfig)

type clientConfig struct {
	model   openai.ChatModel
	options []option.RequestOption
}

func WithAPIKey(key string) Option {
	return func(c *clientConfig) {
		c.options = append(c.options, option.WithAPIKey(key))
	}
}

func WithModel(model string) Option {
	return func(c *clientConfig) { c.model = openai.ChatModel(model) }
}

func WithBaseURL(u string) Option {
	return func(c *clientConfig) {
		c.options = append(c.options, option.WithBaseURL(u))
	}
}

func newClientConfig(opts []Option) clientConfig {
	c := clientConfig{model: DefaultModel}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Analyst asks a chat model for a trading opinion in a given role. Safe for
// concurrent use.
type Analyst struct {
	client openai.Client
	model  openai.ChatModel
}

var _ service.AnalystAgent = &Analyst{}

func NewAnalyst(opts ...Option) *Analyst {
	c := newClientConfig(opts)
	return &Analyst{client: openai.NewClient(c.options...), model: c.model}
}

func (a *Analyst) Analyze(ctx context.Context, role string, mctx models.MarketContext) (models.Opinion, error) {
	payload, err := json.Marshal(mctx)
	if err != nil {
		return models.Opinion{}, errors.Wrap(err, "marshal market context")
	}

	content, err := complete(ctx, a.client, a.model,
		fmt.Sprintf(analystSystemPrompt, role), string(payload))
	if err != nil {
		return models.Opinion{}, errors.Wrapf(err, "analyst %s", role)
	}

	var out struct {
		Action     string  `json:"action"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
		StopLoss   float64 `json:"stop_loss"`
		TakeProfit float64 `json:"take_profit"`
	}
	if err := json.Unmarshal([]byte(stripFences(content)), &out); err != nil {
		return models.Opinion{}, errors.Wrapf(err, "analyst %s returned malformed JSON", role)
	}

	action := models.TradeAction(strings.ToUpper(strings.TrimSpace(out.Action)))
	switch action {
	case models.BuyAction, models.SellAction, models.HoldAction:
	default:
		return models.Opinion{}, errors.Errorf("analyst %s returned unknown action %q", role, out.Action)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return models.Opinion{}, errors.Errorf("analyst %s returned confidence %f out of range", role, out.Confidence)
	}

	return models.Opinion{
		Role:       role,
		Action:     action,
		Confidence: out.Confidence,
		Reasoning:  out.Reasoning,
		StopLoss:   out.StopLoss,
		TakeProfit: out.TakeProfit,
	}, nil
}

// Reviewer asks a chat model to pass verdict on a proposed trade.
type Reviewer struct {
	client openai.Client
	model  openai.ChatModel
}

var _ service.RiskReviewer = &Reviewer{}

func NewReviewer(opts ...Option) *Reviewer {
	c := newClientConfig(opts)
	return &Reviewer{client: openai.NewClient(c.options...), model: c.model}
}

func (r *Reviewer) Review(ctx context.Context, req service.ReviewRequest) (service.Review, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return service.Review{}, errors.Wrap(err, "marshal review request")
	}

	content, err := complete(ctx, r.client, r.model, reviewerSystemPrompt, string(payload))
	if err != nil {
		return service.Review{}, errors.Wrap(err, "risk reviewer")
	}

	var review service.Review
	if err := json.Unmarshal([]byte(stripFences(content)), &review); err != nil {
		return service.Review{}, errors.Wrap(err, "risk reviewer returned malformed JSON")
	}
	if review.RiskScore < 0 || review.RiskScore > 1 {
		return service.Review{}, errors.Errorf("risk score %f out of range", review.RiskScore)
	}
	if review.Confidence <= 0 || review.Confidence > 1 {
		review.Confidence = 1
	}
	return review, nil
}

func complete(ctx context.Context, client openai.Client, model openai.ChatModel, system, user string) (string, error) {
	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "chat completion")
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// stripFences tolerates models wrapping JSON in markdown code fences.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
