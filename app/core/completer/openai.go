package completer

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// OpenAI adapts the openai-go client to the Completer port.
type OpenAI struct {
	client  openai.Client
	model   string
	tracker *UsageTracker
}

func NewOpenAI(apiKey, model string, tracker *UsageTracker) *OpenAI {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAI{
		client:  openai.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		tracker: tracker,
	}
}

func (o *OpenAI) Chat(ctx context.Context, req Request) (Response, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(o.model),
		Messages: msgs,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.JSONMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, classifyProviderError(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("%w: empty choices", ErrInvalidResponse)
	}

	out := Response{
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if o.tracker != nil {
		o.tracker.Record(req.Feature, out.Usage)
	}
	return out, nil
}

func classifyProviderError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}
