package rater

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

const setRatingTool = "set_rating"

// ratingSchema is the JSON schema of the set_rating function the model is
// forced to call.
var ratingSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"rating": {"type": "number"},
		"explanation": {"type": "string"}
	},
	"required": ["rating"]
}`)

// OpenAIScorer implements Scorer over the OpenAI chat completion API,
// using function calling to get a structured rating back.
type OpenAIScorer struct {
	client *openai.Client
	model  string
}

// NewOpenAIScorer creates a scorer. An empty model selects gpt-4o-mini; an
// empty baseURL selects the public API endpoint.
func NewOpenAIScorer(apiKey, model, baseURL string) *OpenAIScorer {
	if model == "" {
		model = openai.GPT4oMini
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &OpenAIScorer{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Score sends one scoring request. A response without a parseable rating
// yields Rating 0 rather than an error; usage tokens are reported either way.
func (s *OpenAIScorer) Score(ctx context.Context, req ScoreRequest) (*ScoreResult, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.UserText},
		},
		Tools: []openai.Tool{
			{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:       setRatingTool,
					Parameters: ratingSchema,
				},
			},
		},
		ToolChoice: openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: setRatingTool},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}

	result := &ScoreResult{
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}

	args := toolArguments(resp)
	if args == "" {
		return result, nil
	}

	var parsed struct {
		Rating      *float64 `json:"rating"`
		Explanation string   `json:"explanation"`
	}
	if err := json.Unmarshal([]byte(args), &parsed); err != nil || parsed.Rating == nil {
		return result, nil
	}

	result.Rating = *parsed.Rating
	result.Explanation = parsed.Explanation
	return result, nil
}

func toolArguments(resp openai.ChatCompletionResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	for _, call := range resp.Choices[0].Message.ToolCalls {
		if call.Function.Name == setRatingTool {
			return call.Function.Arguments
		}
	}
	return ""
}
