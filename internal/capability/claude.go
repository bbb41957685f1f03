package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/validation-cli/internal/resilience"
)

// messagesAPI is the slice of the SDK the Claude provider uses.
type messagesAPI interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// modelPricing is USD per million input/output tokens.
var modelPricing = map[string][2]float64{
	"claude-haiku-4-5-20251001":  {0.80, 4.00},
	"claude-sonnet-4-5-20250929": {3.00, 15.00},
	"claude-opus-4-6":            {15.00, 75.00},
}

func estimateCost(model string, in, out int64) float64 {
	p, ok := modelPricing[model]
	if !ok {
		return 0
	}
	return float64(in)/1e6*p[0] + float64(out)/1e6*p[1]
}

// ClaudeProvider serves model-backed capabilities (ideation, creative,
// pivot, scope, governance) through the Anthropic Messages API.
type ClaudeProvider struct {
	messages  messagesAPI
	model     string
	maxTokens int64
}

// NewClaudeProvider creates a provider backed by the Anthropic SDK.
func NewClaudeProvider(apiKey, model string, maxTokens int64) *ClaudeProvider {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return newClaudeProvider(&client.Messages, model, maxTokens)
}

func newClaudeProvider(m messagesAPI, model string, maxTokens int64) *ClaudeProvider {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &ClaudeProvider{messages: m, model: model, maxTokens: maxTokens}
}

func systemPrompt(c Name, schema string) string {
	return fmt.Sprintf(`You are the %s capability of a product validation process.
Respond with a single JSON object and nothing else. The object must match this shape:
%s`, c, schema)
}

// Invoke asks the model for c's output and returns the extracted JSON object.
func (p *ClaudeProvider) Invoke(ctx context.Context, req Request) (*Response, error) {
	schema, ok := Schema(req.Capability)
	if !ok {
		return nil, eris.Wrapf(ErrUnsupported, "%s", req.Capability)
	}

	inputs, err := json.Marshal(map[string]any{
		"run_id": req.RunID,
		"phase":  req.Phase,
		"inputs": req.Inputs,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "capability: marshal %s inputs", req.Capability)
	}

	msg, err := p.messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: p.maxTokens,
		System:    []sdk.TextBlockParam{{Text: systemPrompt(req.Capability, schema)}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(string(inputs)))},
	})
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return nil, resilience.NewTransientError(eris.Wrapf(err, "capability: claude %s", req.Capability), apiErr.StatusCode)
		}
		return nil, eris.Wrapf(err, "capability: claude %s", req.Capability)
	}

	var text strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}

	raw, err := extractJSON(text.String())
	if err != nil {
		return nil, eris.Wrapf(ErrInvalidOutput, "%s: %v", req.Capability, err)
	}

	cost := estimateCost(p.model, msg.Usage.InputTokens, msg.Usage.OutputTokens)
	zap.L().Debug("capability: claude call complete",
		zap.String("run_id", req.RunID),
		zap.String("capability", string(req.Capability)),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens),
		zap.Float64("estimated_cost_usd", cost),
	)

	return &Response{Capability: req.Capability, Output: raw, Cost: cost}, nil
}

// extractJSON returns the outermost JSON object in s, tolerating code fences
// and surrounding prose.
func extractJSON(s string) (json.RawMessage, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return nil, eris.New("no JSON object in response")
	}
	raw := json.RawMessage(s[start : end+1])
	if !json.Valid(raw) {
		return nil, eris.New("response is not valid JSON")
	}
	return raw, nil
}
